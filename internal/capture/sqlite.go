package capture

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matst80/fakevnc/internal/proto"
)

// SQLiteStore appends every capture to a local database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS captures (
	id TEXT PRIMARY KEY,
	opened DATETIME,
	closed DATETIME,
	daddr TEXT,
	saddr TEXT,
	sport INTEGER,
	version TEXT,
	sectype TEXT,
	sectype_id INTEGER,
	step TEXT,
	challenge TEXT,
	response TEXT,
	reason TEXT,
	error TEXT
)`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// the loop is the only writer; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create captures table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, c proto.Capture) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO captures
		(id, opened, closed, daddr, saddr, sport, version, sectype, sectype_id, step, challenge, response, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Opened.UTC(), c.Closed.UTC(), c.DstAddr, c.SrcAddr, int(c.SrcPort), c.Version, c.SecType, c.SecTypeID,
		c.Step, c.Challenge, c.Response, c.Reason, c.Error)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]proto.Capture, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, opened, closed, daddr, saddr, sport, version, sectype, sectype_id,
		step, challenge, response, reason, error FROM captures ORDER BY rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()
	var out []proto.Capture
	for rows.Next() {
		var c proto.Capture
		var sport int
		var opened, closed time.Time
		if err := rows.Scan(&c.ID, &opened, &closed, &c.DstAddr, &c.SrcAddr, &sport, &c.Version, &c.SecType,
			&c.SecTypeID, &c.Step, &c.Challenge, &c.Response, &c.Reason, &c.Error); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		c.SrcPort = uint16(sport)
		c.Opened, c.Closed = opened, closed
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{BySecType: map[string]int64{}}
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN reason = '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN reason = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN reason = ? THEN 1 ELSE 0 END), 0)
		FROM captures`, proto.ReasonTimeout, proto.ReasonAnomaly)
	if err := row.Scan(&st.Total, &st.Completed, &st.Timeouts, &st.Anomalies); err != nil {
		return st, fmt.Errorf("count captures: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT sectype, COUNT(*) FROM captures GROUP BY sectype`)
	if err != nil {
		return st, fmt.Errorf("group captures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return st, fmt.Errorf("scan sectype count: %w", err)
		}
		st.BySecType[name] = n
	}
	return st, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
