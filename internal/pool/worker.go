// Package pool implements the Worker Pool: a fixed-size set of isolated
// Worker Host processes with lifecycle management, crash detection,
// back-off respawn, and stale-Wasm hot-swap, per spec.md §4.2.
package pool

import (
	"context"
	"time"

	"github.com/crawlserver/crawlserver/internal/ipc"
)

// WorkerProcess is the boundary between the Pool and an actual isolated
// child process. The production implementation (process.go) spawns a
// real OS process and frames messages as JSON over its stdin/stdout;
// tests substitute an in-process fake so the Pool's lifecycle logic can
// be exercised without a real Wasm binary or process spawn.
type WorkerProcess interface {
	// Send delivers one RenderJob and blocks for the single reply.
	// Returns an error when the process is unreachable (e.g. already
	// exited) or ctx ends before the reply arrives, not for an
	// ipc.Result that encodes a normal outcome such as
	// crash/restart/not-rendered.
	Send(ctx context.Context, job ipc.Job) (ipc.Result, error)

	// Terminate asks the process to exit gracefully (SIGTERM
	// semantics). Idempotent.
	Terminate()

	// Kill forces immediate termination (SIGKILL semantics). Used when
	// a worker has missed the parent-side render timeout.
	Kill()

	// Done returns a channel closed when the process has exited, along
	// with the exit reason available once it is closed via ExitInfo.
	Done() <-chan struct{}

	// ExitInfo is valid once Done() is closed: whether the exit
	// occurred within DisasterWindow of spawn (for disaster-crash
	// classification), and the process's exit error. It does not report
	// whether the exit was requested; the Pool tracks that itself via
	// Worker.intentional.
	ExitInfo() (exitedWithinDisasterWindow bool, err error)
}

// Spawner constructs a new WorkerProcess. Production code wires this to
// Spawn (process.go); tests wire it to a fake.
type Spawner func(ctx context.Context) (WorkerProcess, error)

// Worker is the Pool's view of one live or in-flight-replacement
// worker, per the Worker data model in spec.md §3. The Wasm file's
// loaded mtime is tracked inside the Worker Host child process itself
// (workerhost.Host), not here: the Pool only needs to know whether a
// worker is busy and whether its exit was intentional.
type Worker struct {
	proc        WorkerProcess
	spawnedAt   time.Time
	busy        bool
	intentional bool
}

// Busy reports whether the worker is currently handed out: it is set by
// Acquire (or when a stale-restart replacement is spawned) and cleared
// by Release.
func (w *Worker) Busy() bool { return w.busy }
