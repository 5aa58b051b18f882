package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/proto"
)

// RedisStore pushes captures onto a capped list and keeps totals in a hash,
// so several decoys can report into one place.
type RedisStore struct {
	client *redis.Client
	key    string
	keep   int64
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings; key prefixes every Redis key used.
func NewRedisStore(addr, password string, db int, key string, keep int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if key == "" {
		key = "fakevnc"
	}
	if keep < 1 {
		keep = 1
	}
	return &RedisStore{client: rdb, key: key, keep: int64(keep)}, nil
}

func (r *RedisStore) listKey() string  { return r.key + ":captures" }
func (r *RedisStore) statsKey() string { return r.key + ":stats" }

func (r *RedisStore) Save(ctx context.Context, c proto.Capture) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal capture: %w", err)
	}
	outcome := "completed"
	switch c.Reason {
	case proto.ReasonTimeout:
		outcome = "timeouts"
	case proto.ReasonAnomaly:
		outcome = "anomalies"
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.listKey(), data)
	pipe.LTrim(ctx, r.listKey(), 0, r.keep-1)
	pipe.HIncrBy(ctx, r.statsKey(), "total", 1)
	pipe.HIncrBy(ctx, r.statsKey(), outcome, 1)
	pipe.HIncrBy(ctx, r.statsKey(), "sectype:"+c.SecType, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Recent(ctx context.Context, n int) ([]proto.Capture, error) {
	if n <= 0 || int64(n) > r.keep {
		n = int(r.keep)
	}
	vals, err := r.client.LRange(ctx, r.listKey(), 0, int64(n-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis range failed: %w", err)
	}
	out := make([]proto.Capture, 0, len(vals))
	for _, v := range vals {
		var c proto.Capture
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			obs.Error("redis.unmarshal_capture", obs.Fields{"err": err.Error()})
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{BySecType: map[string]int64{}}
	vals, err := r.client.HGetAll(ctx, r.statsKey()).Result()
	if err != nil {
		return st, fmt.Errorf("redis stats failed: %w", err)
	}
	for k, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case k == "total":
			st.Total = n
		case k == "completed":
			st.Completed = n
		case k == "timeouts":
			st.Timeouts = n
		case k == "anomalies":
			st.Anomalies = n
		case strings.HasPrefix(k, "sectype:"):
			st.BySecType[strings.TrimPrefix(k, "sectype:")] = n
		}
	}
	return st, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
