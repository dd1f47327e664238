package pool

import (
	"context"
	"sync"
	"time"

	"github.com/crawlserver/crawlserver/internal/ipc"
)

// fakeProcess is an in-process WorkerProcess double used by this
// package's tests so the Pool's lifecycle logic can be exercised
// without a real Wasm binary or OS process spawn.
type fakeProcess struct {
	mu          sync.Mutex
	reply       func(ipc.Job) ipc.Result
	done        chan struct{}
	doneOnce    sync.Once
	spawnedAt   time.Time
	disaster    bool
	intentional bool
	sendErr     error
}

func newFakeProcess(reply func(ipc.Job) ipc.Result) *fakeProcess {
	return &fakeProcess{reply: reply, done: make(chan struct{}), spawnedAt: time.Now()}
}

func (f *fakeProcess) Send(ctx context.Context, job ipc.Job) (ipc.Result, error) {
	f.mu.Lock()
	sendErr := f.sendErr
	f.mu.Unlock()
	if sendErr != nil {
		return ipc.Result{}, sendErr
	}
	return f.reply(job), nil
}

func (f *fakeProcess) Terminate() {
	f.mu.Lock()
	f.intentional = true
	f.mu.Unlock()
	f.exit()
}

func (f *fakeProcess) Kill() {
	f.exit()
}

func (f *fakeProcess) exit() {
	f.doneOnce.Do(func() { close(f.done) })
}

// crash simulates an unexpected exit (not via Terminate/Kill).
func (f *fakeProcess) crash(disaster bool) {
	f.mu.Lock()
	f.disaster = disaster
	f.mu.Unlock()
	f.exit()
}

func (f *fakeProcess) Done() <-chan struct{} { return f.done }

func (f *fakeProcess) ExitInfo() (bool, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intentional {
		return false, nil
	}
	return f.disaster, nil
}

func echoSpawner(processes *[]*fakeProcess, mu *sync.Mutex) Spawner {
	return func(ctx context.Context) (WorkerProcess, error) {
		p := newFakeProcess(func(job ipc.Job) ipc.Result {
			return ipc.Rendered("<html></html>", 60, 0)
		})
		mu.Lock()
		*processes = append(*processes, p)
		mu.Unlock()
		return p, nil
	}
}
