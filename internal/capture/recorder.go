package capture

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/proto"
)

// DefaultMaxPending bounds the captures waiting for the store.
const DefaultMaxPending = 4096

const saveTimeout = 2 * time.Second

// Recorder decouples the event loop from the store. Record never blocks;
// Run drains queued captures to the store in FIFO order.
type Recorder struct {
	store      Store
	maxPending int

	mu      sync.Mutex
	pending *queue.Queue

	wake chan struct{}
	done chan struct{}
}

// NewRecorder returns a recorder feeding store. maxPending <= 0 selects
// DefaultMaxPending.
func NewRecorder(store Store, maxPending int) *Recorder {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Recorder{
		store:      store,
		maxPending: maxPending,
		pending:    queue.New(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Store returns the backend captures are written to.
func (r *Recorder) Store() Store { return r.store }

// Record queues c, assigning an ID when it has none. When the queue is
// full the capture is dropped and counted.
func (r *Recorder) Record(c proto.Capture) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.mu.Lock()
	if r.pending.Length() >= r.maxPending {
		r.mu.Unlock()
		obs.CapturesDroppedTotal.Inc()
		obs.Debug("capture.dropped", obs.Fields{"id": c.ID, "saddr": c.SrcAddr})
		return
	}
	r.pending.Add(c)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many captures are queued.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Length()
}

// Run drains until ctx is cancelled, then flushes what is left and closes Done.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case <-r.wake:
			r.Flush(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Flush writes every queued capture to the store. Failed saves are logged
// and counted as dropped.
func (r *Recorder) Flush(ctx context.Context) {
	for {
		r.mu.Lock()
		if r.pending.Length() == 0 {
			r.mu.Unlock()
			return
		}
		c := r.pending.Remove().(proto.Capture)
		r.mu.Unlock()

		sctx, cancel := context.WithTimeout(ctx, saveTimeout)
		err := r.store.Save(sctx, c)
		cancel()
		if err != nil {
			obs.CapturesDroppedTotal.Inc()
			obs.Error("capture.save_failed", obs.Fields{"id": c.ID, "err": err.Error()})
		}
	}
}
