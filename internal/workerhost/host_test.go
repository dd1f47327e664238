package workerhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlserver/crawlserver/internal/domshim"
	"github.com/crawlserver/crawlserver/internal/ipc"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func TestColdStartRejectsMissingWasmPath(t *testing.T) {
	h := New(testLog())
	out := h.Handle(context.Background(), ipc.Job{Path: "/a"})

	assert.True(t, out.Terminate)
	assert.Equal(t, ipc.ResultCrash, out.Result.Type)
}

func TestColdStartRejectsAbsentWasmFile(t *testing.T) {
	h := New(testLog())
	out := h.Handle(context.Background(), ipc.Job{
		Path:       "/a",
		PathToWasm: filepath.Join(t.TempDir(), "does-not-exist.wasm"),
	})

	assert.True(t, out.Terminate)
	assert.Equal(t, ipc.ResultCrash, out.Result.Type)
}

// readyHost builds a Host in the post-coldStart "started" state without
// ever touching wazero or a real Wasm instance, exercising exactly the
// warmPath/render state machine the cold path hands off to.
func readyHost(t *testing.T, loadedMtime time.Time) *Host {
	t.Helper()
	h := New(testLog())
	h.started = true
	h.loadedMtime = loadedMtime
	h.callbacks = &domshim.Callbacks{}
	h.doc = domshim.NewDocument("/a", "", "0.0.0.0:8080")
	return h
}

func TestWarmPathRestartsOnStaleMtime(t *testing.T) {
	loaded := time.Unix(0, 1700000000000000000)
	h := readyHost(t, loaded)
	h.callbacks.RegisterChangeRoute(func(path, search string, done func(int, int64)) {
		done(0, 0)
	})

	out := h.Handle(context.Background(), ipc.Job{
		Path:      "/b",
		WasmMtime: loaded.Add(time.Second).UnixNano(),
	})

	assert.True(t, out.Terminate)
	assert.Equal(t, ipc.ResultRestart, out.Result.Type)
}

func TestWarmPathRendersWhenMtimeMatches(t *testing.T) {
	loaded := time.Unix(0, 1700000000000000000)
	h := readyHost(t, loaded)
	h.callbacks.RegisterChangeRoute(func(path, search string, done func(int, int64)) {
		el := h.doc.CreateElement("p")
		h.doc.SetText(el, "route:"+path)
		done(30, 1700000001)
	})

	out := h.Handle(context.Background(), ipc.Job{
		Path:      "/b",
		Search:    "q=1",
		WasmMtime: loaded.UnixNano(),
	})

	require.False(t, out.Terminate)
	require.Equal(t, ipc.ResultRendered, out.Result.Type)
	assert.Equal(t, "<html><p>route:/b</p></html>", out.Result.HTML)
	assert.Equal(t, 30, out.Result.ExpiresIn)
	assert.Equal(t, int64(1700000001), out.Result.LastModifiedAt)
}

func TestWarmPathTwoRoutesDoNotAccumulate(t *testing.T) {
	loaded := time.Unix(0, 1700000000000000000)
	h := readyHost(t, loaded)
	h.callbacks.RegisterChangeRoute(func(path, search string, done func(int, int64)) {
		el := h.doc.CreateElement("p")
		h.doc.SetText(el, "route:"+path)
		done(0, 0)
	})

	first := h.Handle(context.Background(), ipc.Job{Path: "/a", WasmMtime: loaded.UnixNano()})
	second := h.Handle(context.Background(), ipc.Job{Path: "/b", WasmMtime: loaded.UnixNano()})

	require.Equal(t, ipc.ResultRendered, first.Result.Type)
	require.Equal(t, ipc.ResultRendered, second.Result.Type)
	assert.Equal(t, "<html><p>route:/a</p></html>", first.Result.HTML)
	assert.Equal(t, "<html><p>route:/b</p></html>", second.Result.HTML,
		"second render on a warm worker must not include elements from the first")
}

func TestRenderReturnsNotRenderedOnEmptyHTML(t *testing.T) {
	loaded := time.Unix(0, 1700000000000000000)
	h := readyHost(t, loaded)
	h.callbacks.RegisterChangeRoute(func(path, search string, done func(int, int64)) {
		done(0, 0)
	})

	out := h.Handle(context.Background(), ipc.Job{Path: "/a", WasmMtime: loaded.UnixNano()})

	assert.False(t, out.Terminate)
	assert.Equal(t, ipc.ResultNotRendered, out.Result.Type)
}

func TestRenderReturnsCrashOnReportedStackOverflow(t *testing.T) {
	loaded := time.Unix(0, 1700000000000000000)
	h := readyHost(t, loaded)
	h.stackOverflow = true

	out := h.Handle(context.Background(), ipc.Job{Path: "/a", WasmMtime: loaded.UnixNano()})

	assert.True(t, out.Terminate)
	assert.Equal(t, ipc.ResultCrash, out.Result.Type)
}

func TestColdStartStartDeadlineElapses(t *testing.T) {
	// Re-creates coldStart's select{} locally with a short deadline in
	// place of the real 5s StartDeadline; coldStart itself is not called.
	const testDeadline = 20 * time.Millisecond

	started := make(chan struct{}, 1)
	runErr := make(chan error, 1)

	var out Outcome
	select {
	case <-started:
		t.Fatal("unexpected onStart signal")
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(testDeadline):
		out = Outcome{Result: ipc.NotRendered(), Terminate: true, ExitCode: 1}
	}

	assert.True(t, out.Terminate)
	assert.Equal(t, ipc.ResultNotRendered, out.Result.Type)
}

func TestCallbacksPresenceGatesColdStartCompletion(t *testing.T) {
	cb := &domshim.Callbacks{}
	assert.False(t, cb.HasChangeRoute(), "a guest that never registers wasiChangeRoute must fail cold start")

	cb.RegisterChangeRoute(func(path, search string, done func(int, int64)) {})
	assert.True(t, cb.HasChangeRoute())
}
