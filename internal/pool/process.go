package pool

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/crawlserver/crawlserver/internal/ipc"
)

// WorkerSubcommand is the hidden argument cmd/crawlserver dispatches on
// to become a Worker Host instead of the parent server, matching the
// self-re-exec pattern used for isolating children via a separate OS
// process (the "isolation is a hard requirement" in spec.md §1).
const WorkerSubcommand = "__worker"

// execProcess is the production WorkerProcess: a real child OS process
// speaking the RenderJob/RenderResult protocol over its stdin/stdout.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *json.Decoder

	spawnedAt time.Time
	log       *logrus.Entry

	mu          sync.Mutex
	terminating bool

	done     chan struct{}
	doneOnce sync.Once
	exitErr  error
}

// Spawn launches a new worker child process by re-executing the
// current binary with WorkerSubcommand, per spec.md §4.2 "On
// construction, spawn N workers."
func Spawn(ctx context.Context, log *logrus.Entry, debug bool) (WorkerProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolve self executable")
	}

	args := []string{WorkerSubcommand}
	if debug {
		args = append(args, "-d")
	}
	cmd := exec.Command(self, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open worker stdout")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start worker process")
	}

	p := &execProcess{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    json.NewDecoder(stdout),
		spawnedAt: time.Now(),
		log:       log,
		done:      make(chan struct{}),
	}

	go p.wait()

	return p, nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *execProcess) Send(ctx context.Context, job ipc.Job) (ipc.Result, error) {
	enc := json.NewEncoder(p.stdin)
	if err := enc.Encode(job); err != nil {
		return ipc.Result{}, errors.Wrap(err, "write render job")
	}

	type decoded struct {
		result ipc.Result
		err    error
	}
	resultCh := make(chan decoded, 1)
	go func() {
		var res ipc.Result
		err := p.stdout.Decode(&res)
		resultCh <- decoded{res, err}
	}()

	select {
	case d := <-resultCh:
		if d.err != nil {
			return ipc.Result{}, errors.Wrap(d.err, "read render result")
		}
		return d.result, nil
	case <-ctx.Done():
		return ipc.Result{}, ctx.Err()
	case <-p.done:
		return ipc.Result{}, errors.New("worker process exited before replying")
	}
}

func (p *execProcess) Terminate() {
	p.mu.Lock()
	p.terminating = true
	p.mu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *execProcess) Kill() {
	p.mu.Lock()
	p.terminating = true
	p.mu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitInfo() (exitedWithinDisasterWindow bool, err error) {
	<-p.done
	return time.Since(p.spawnedAt) < DisasterWindow, p.exitErr
}
