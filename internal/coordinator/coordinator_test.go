package coordinator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlserver/crawlserver/internal/cache"
	"github.com/crawlserver/crawlserver/internal/coordinator"
	"github.com/crawlserver/crawlserver/internal/dispatch"
	"github.com/crawlserver/crawlserver/internal/ipc"
	"github.com/crawlserver/crawlserver/internal/pool"
	"github.com/crawlserver/crawlserver/internal/state"
)

// scriptedProcess is an in-process WorkerProcess double that always
// replies with a fixed result, for exercising the Coordinator without a
// real Wasm binary or OS process.
type scriptedProcess struct {
	mu    sync.Mutex
	reply func(ipc.Job) ipc.Result
	done  chan struct{}
	once  sync.Once
}

func newScriptedProcess(reply func(ipc.Job) ipc.Result) *scriptedProcess {
	return &scriptedProcess{reply: reply, done: make(chan struct{})}
}

func (s *scriptedProcess) Send(ctx context.Context, job ipc.Job) (ipc.Result, error) {
	return s.reply(job), nil
}
func (s *scriptedProcess) Terminate()            { s.once.Do(func() { close(s.done) }) }
func (s *scriptedProcess) Kill()                 { s.once.Do(func() { close(s.done) }) }
func (s *scriptedProcess) Done() <-chan struct{} { return s.done }
func (s *scriptedProcess) ExitInfo() (bool, error) {
	<-s.done
	return false, nil
}

func newTestCoordinator(t *testing.T, reply func(ipc.Job) ipc.Result) (*coordinator.Coordinator, *cache.Cache) {
	t.Helper()
	ctx := context.Background()
	spawner := func(ctx context.Context) (pool.WorkerProcess, error) {
		return newScriptedProcess(reply), nil
	}
	p, err := pool.New(ctx, pool.Config{Size: 1, Spawner: spawner})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(ctx) })

	q := dispatch.New(p, dispatch.DefaultMaxPending)
	c := cache.New(0)
	reporter := state.New(nil)

	co := coordinator.New(coordinator.Config{
		PathToWasm: "/fake/app.wasm",
		ServerPort: "8080",
		Queue:      q,
		Pool:       p,
		Cache:      c,
		Reporter:   reporter,
		Stat: func(path string) (os.FileInfo, error) {
			return fakeFileInfo{}, nil
		},
	})
	return co, c
}

type fakeFileInfo struct{ os.FileInfo }

func (fakeFileInfo) ModTime() time.Time { return time.Unix(1700000000, 0) }

func TestColdRenderStripsIDsAndSetsHeaders(t *testing.T) {
	co, _ := newTestCoordinator(t, func(job ipc.Job) ipc.Result {
		return ipc.Rendered(`<html><span id="abc">k</span></html>`, 60, 1700000000)
	})

	req := httptest.NewRequest(http.MethodGet, "/hello?x=1", nil)
	rec := httptest.NewRecorder()
	co.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html><span>k</span></html>", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.Equal(t, "Tue, 14 Nov 2023 22:13:20 GMT", rec.Header().Get("Last-Modified"))
}

func TestSecondRequestServedFromCache(t *testing.T) {
	var calls int
	co, _ := newTestCoordinator(t, func(job ipc.Job) ipc.Result {
		calls++
		return ipc.Rendered("<html>x</html>", 60, 0)
	})

	req := httptest.NewRequest(http.MethodGet, "/hello?x=1", nil)
	rec1 := httptest.NewRecorder()
	co.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	co.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/hello?x=1", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
	assert.Equal(t, 1, calls, "second request must be served from cache without dispatching a worker")
}

func TestETagRevalidationReturns304(t *testing.T) {
	co, _ := newTestCoordinator(t, func(job ipc.Job) ipc.Result {
		return ipc.Rendered("<html>x</html>", 60, 0)
	})

	rec1 := httptest.NewRecorder()
	co.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/hello", nil))
	etag := rec1.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	co.ServeHTTP(rec2, req)

	assert.Equal(t, http.StatusNotModified, rec2.Code)
	assert.Empty(t, rec2.Body.String())
}

func TestNotRenderedReturns501(t *testing.T) {
	co, _ := newTestCoordinator(t, func(job ipc.Job) ipc.Result {
		return ipc.NotRendered()
	})

	rec := httptest.NewRecorder()
	co.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestEmptyHTMLReturns500(t *testing.T) {
	co, _ := newTestCoordinator(t, func(job ipc.Job) ipc.Result {
		return ipc.Rendered("", 60, 0)
	})

	rec := httptest.NewRecorder()
	co.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/empty", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBlockedExtensionReturns404(t *testing.T) {
	co, _ := newTestCoordinator(t, func(job ipc.Job) ipc.Result {
		return ipc.Rendered("<html>x</html>", 60, 0)
	})

	rec := httptest.NewRecorder()
	co.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingWasmFileReturns500(t *testing.T) {
	ctx := context.Background()
	spawner := func(ctx context.Context) (pool.WorkerProcess, error) {
		return newScriptedProcess(func(ipc.Job) ipc.Result { return ipc.Rendered("<html/>", 60, 0) }), nil
	}
	p, err := pool.New(ctx, pool.Config{Size: 1, Spawner: spawner})
	require.NoError(t, err)
	defer p.Close(ctx)

	co := coordinator.New(coordinator.Config{
		PathToWasm: "/fake/app.wasm",
		ServerPort: "8080",
		Queue:      dispatch.New(p, dispatch.DefaultMaxPending),
		Pool:       p,
		Cache:      cache.New(0),
		Reporter:   state.New(nil),
		Stat: func(path string) (os.FileInfo, error) {
			return nil, os.ErrNotExist
		},
	})

	rec := httptest.NewRecorder()
	co.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/home", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
