package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlserver/crawlserver/internal/dispatch"
	"github.com/crawlserver/crawlserver/internal/ipc"
	"github.com/crawlserver/crawlserver/internal/pool"
)

// blockingProcess never replies until released, modeling a worker that
// is busy for the duration of the test.
type blockingProcess struct {
	release chan struct{}
	done    chan struct{}
}

func newBlockingProcess() *blockingProcess {
	return &blockingProcess{release: make(chan struct{}), done: make(chan struct{})}
}

func (b *blockingProcess) Send(ctx context.Context, job ipc.Job) (ipc.Result, error) {
	select {
	case <-b.release:
		return ipc.Rendered("<html></html>", 60, 0), nil
	case <-ctx.Done():
		return ipc.Result{}, ctx.Err()
	}
}
func (b *blockingProcess) Terminate()            {}
func (b *blockingProcess) Kill()                 {}
func (b *blockingProcess) Done() <-chan struct{} { return b.done }
func (b *blockingProcess) ExitInfo() (bool, error) {
	<-b.done
	return false, nil
}

func TestQueueFullReturnsErrImmediately(t *testing.T) {
	ctx := context.Background()
	spawner := func(ctx context.Context) (pool.WorkerProcess, error) {
		return newBlockingProcess(), nil
	}

	p, err := pool.New(ctx, pool.Config{Size: 1, Spawner: spawner})
	require.NoError(t, err)
	defer p.Close(ctx)

	q := dispatch.New(p, 2)

	// Occupy the sole worker.
	w, err := q.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, w.Busy())

	// Two more callers queue (pending count 1 and 2, at the bound).
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			if got, err := q.Acquire(context.Background()); err == nil {
				p.Release(got)
			}
		}()
	}
	<-started
	<-started
	time.Sleep(20 * time.Millisecond) // let both goroutines reach Acquire's blocking receive

	// A third caller arrives once the bound is already occupied by the
	// two waiters above, and must fail immediately.
	_, err = q.Acquire(ctx)
	assert.ErrorIs(t, err, dispatch.ErrQueueFull)

	// Free the worker so the two waiters can each take a turn, then
	// release whichever of them acquires it so both finish.
	p.Release(w)
	wg.Wait()
}

func TestAcquireSucceedsWithinBound(t *testing.T) {
	ctx := context.Background()
	spawner := func(ctx context.Context) (pool.WorkerProcess, error) {
		return newBlockingProcess(), nil
	}

	p, err := pool.New(ctx, pool.Config{Size: 2, Spawner: spawner})
	require.NoError(t, err)
	defer p.Close(ctx)

	q := dispatch.New(p, dispatch.DefaultMaxPending)
	w1, err := q.Acquire(ctx)
	require.NoError(t, err)
	w2, err := q.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, w1, w2)
	assert.Equal(t, 0, q.Pending())
}
