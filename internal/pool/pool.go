package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/crawlserver/crawlserver/internal/ipc"
	"github.com/crawlserver/crawlserver/internal/state"
)

// DisasterWindow is the window after spawn within which an unexpected
// exit is classified as a disaster crash, per spec.md's glossary entry
// for "Disaster crash".
const DisasterWindow = 5 * time.Second

// MaxRestartRetries bounds the Coordinator-visible retry loop on
// repeated "restart" replies, per spec.md §4.5 step 7 ("implementer may
// cap at e.g. 3 before declaring failure").
const MaxRestartRetries = 3

// Config configures a Pool.
type Config struct {
	Size     int // N, default 4 per spec.md §4.2
	Spawner  Spawner
	Reporter *state.Reporter
	Log      *logrus.Entry

	// DisasterBackoff yields the delay before respawning after a
	// disaster crash (default: constant 10s).
	DisasterBackoff backoff.BackOff
	// ImmediateBackoff yields the delay before respawning after a
	// non-disaster unexpected exit (default: constant 1ms).
	ImmediateBackoff backoff.BackOff
}

// Pool is the fixed-size set of isolated Worker Host processes, per
// spec.md §4.2.
type Pool struct {
	size     int
	spawn    Spawner
	reporter *state.Reporter
	log      *logrus.Entry

	disasterBackoff  backoff.BackOff
	immediateBackoff backoff.BackOff

	mu      sync.Mutex
	workers map[*Worker]struct{}
	idle    chan *Worker
	closed  bool

	wg sync.WaitGroup
}

// New constructs and pre-spawns a Pool of cfg.Size workers.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.DisasterBackoff == nil {
		cfg.DisasterBackoff = backoff.NewConstantBackOff(10 * time.Second)
	}
	if cfg.ImmediateBackoff == nil {
		cfg.ImmediateBackoff = backoff.NewConstantBackOff(time.Millisecond)
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{
		size:             cfg.Size,
		spawn:            cfg.Spawner,
		reporter:         cfg.Reporter,
		log:              cfg.Log,
		disasterBackoff:  cfg.DisasterBackoff,
		immediateBackoff: cfg.ImmediateBackoff,
		workers:          make(map[*Worker]struct{}, cfg.Size),
		idle:             make(chan *Worker, cfg.Size),
	}

	for i := 0; i < cfg.Size; i++ {
		if err := p.spawnWorker(ctx, true); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// spawnWorker spawns one new worker, registers its crash watcher, and
// (if markIdle) makes it immediately available to Acquire.
func (p *Pool) spawnWorker(ctx context.Context, markIdle bool) error {
	proc, err := p.spawn(ctx)
	if err != nil {
		return err
	}
	w := &Worker{proc: proc, spawnedAt: time.Now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		proc.Terminate()
		return nil
	}
	p.workers[w] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watch(ctx, w)

	if markIdle {
		p.idle <- w
	}
	return nil
}

// watch blocks until w's process exits, then applies the crash-handling
// policy from spec.md §4.2.
func (p *Pool) watch(ctx context.Context, w *Worker) {
	defer p.wg.Done()
	<-w.proc.Done()
	disaster, _ := w.proc.ExitInfo()

	p.mu.Lock()
	delete(p.workers, w)
	closed := p.closed
	intentional := w.intentional
	p.mu.Unlock()

	if closed {
		return
	}

	if intentional {
		if p.reporter != nil {
			p.reporter.Emit(state.StoppedChildProcess, "worker process stopped intentionally")
		}
		return
	}

	if disaster {
		if p.reporter != nil {
			p.reporter.Emit(state.DisasterlyCrashed, "worker crashed within the disaster window")
		}
		delay := p.disasterBackoff.NextBackOff()
		p.scheduleRespawn(ctx, delay, true)
		return
	}

	delay := p.immediateBackoff.NextBackOff()
	p.scheduleRespawn(ctx, delay, false)
}

func (p *Pool) scheduleRespawn(ctx context.Context, delay time.Duration, disaster bool) {
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.spawnWorker(ctx, true); err != nil {
			p.log.WithError(err).Error("pool: respawn failed")
			return
		}
		if disaster && p.reporter != nil {
			p.reporter.Emit(state.RespawnedAfterDisaster, "worker respawned after disaster crash")
		}
	})
}

// Acquire blocks until an idle worker is available, ctx is canceled, or
// the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	select {
	case w, ok := <-p.idle:
		if !ok {
			return nil, errPoolClosed
		}
		w.busy = true
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns w to the idle set. Per spec.md §4.3, a free worker is
// never observed while requests remain queued: handing it to the head
// of the FIFO queue happens naturally here because Acquire's waiters
// are parked on the same channel receive, which Go serves in arrival
// order.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	w.busy = false
	p.idle <- w
}

// Dispatch sends job to an acquired worker and, if the worker reports
// staleness, performs the stale-Wasm restart dance from spec.md §4.1
// step 2 / §4.2 "Stale-Wasm restart": the worker is marked intentional
// and signaled to terminate, a replacement is spawned and dispatched
// the same job, bounded by MaxRestartRetries. The returned Worker is
// the one whose reply is returned; on a successful (non-restart) reply
// the caller must still call Release once done. On any error return
// (Send failure, e.g. the caller's CS_RENDER_TIMEOUT context expiring,
// or exhausted restart retries) the worker has already been killed and
// left unintentional, so the Pool's own crash-handling watch treats it
// like any other unexpected exit (respawn, with back-off if it dies
// within the disaster window) instead of leaking it stuck `busy`
// forever — the caller must not call Release in that case.
func (p *Pool) Dispatch(ctx context.Context, w *Worker, job ipc.Job) (*Worker, ipc.Result, error) {
	current := w
	for attempt := 0; attempt < MaxRestartRetries; attempt++ {
		result, err := current.proc.Send(ctx, job)
		if err != nil {
			current.proc.Kill()
			return current, ipc.Result{}, err
		}
		if result.Type != ipc.ResultRestart {
			return current, result, nil
		}

		p.mu.Lock()
		current.intentional = true
		p.mu.Unlock()
		current.proc.Terminate()

		replacement, err := p.spawnReplacement(ctx)
		if err != nil {
			return current, ipc.Result{}, err
		}
		current = replacement
	}
	current.proc.Kill()
	return current, ipc.Result{}, errTooManyRestarts
}

// spawnReplacement spawns a worker marked busy immediately (it is
// about to receive the re-dispatched job), per spec.md §4.2 step 2.
func (p *Pool) spawnReplacement(ctx context.Context) (*Worker, error) {
	proc, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}
	w := &Worker{proc: proc, spawnedAt: time.Now(), busy: true}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		proc.Terminate()
		return nil, errPoolClosed
	}
	p.workers[w] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watch(ctx, w)
	return w, nil
}

// Close terminates every worker and waits for their watchers to finish.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for w := range p.workers {
		w.intentional = true
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.proc.Terminate()
	}
	p.wg.Wait()
	close(p.idle)

	if p.reporter != nil {
		p.reporter.Emit(state.FulfilledStopCall, "all worker processes stopped")
	}
}

// Size returns the configured steady-state pool size N.
func (p *Pool) Size() int { return p.size }

// Len returns the current number of live workers (idle + busy), for
// metrics and tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IdleLen returns the current number of workers sitting idle, available
// to Acquire without suspending, for metrics.
func (p *Pool) IdleLen() int {
	return len(p.idle)
}
