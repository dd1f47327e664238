// Package dispatch implements the Dispatch Queue: it matches incoming
// render jobs to idle workers in the Worker Pool, applying a bounded
// pending-request backpressure limit distinct from (and much larger
// than) the pool's own worker count, per spec.md §4.3.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/crawlserver/crawlserver/internal/pool"
)

// DefaultMaxPending is the default bound on requests waiting for an
// idle worker, per spec.md §4.3.
const DefaultMaxPending = 1000

// ErrQueueFull is returned when the pending-request count is already
// at the configured bound when Acquire is called.
var ErrQueueFull = errors.New("dispatch: queue full")

// Queue bounds how many HTTP requests may be waiting for an idle
// worker at once. Requests within the bound suspend (FIFO, via the
// underlying Pool's channel-based Acquire) until a worker frees up;
// requests beyond the bound fail immediately so the Coordinator can
// answer with 503 "queue full" per spec.md §7.
type Queue struct {
	pool    *pool.Pool
	maxPend int32
	pending int32
}

// New constructs a Queue in front of p, bounded at maxPending pending
// requests (<=0 uses DefaultMaxPending).
func New(p *pool.Pool, maxPending int) *Queue {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Queue{pool: p, maxPend: int32(maxPending)}
}

// Acquire reserves a pending slot and blocks until an idle worker is
// available, ctx is canceled, or the bound is already saturated (in
// which case it fails fast without ever occupying a slot).
func (q *Queue) Acquire(ctx context.Context) (*pool.Worker, error) {
	if atomic.AddInt32(&q.pending, 1) > q.maxPend {
		atomic.AddInt32(&q.pending, -1)
		return nil, ErrQueueFull
	}
	defer atomic.AddInt32(&q.pending, -1)

	return q.pool.Acquire(ctx)
}

// Pending returns the current number of requests waiting for a worker,
// for metrics.
func (q *Queue) Pending() int {
	return int(atomic.LoadInt32(&q.pending))
}

// MaxPending returns the configured bound, for metrics.
func (q *Queue) MaxPending() int {
	return int(q.maxPend)
}
