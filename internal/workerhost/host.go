// Package workerhost implements the Worker Host contract from spec.md
// §4.1: inside one isolated child process, instantiate a Wasm module +
// virtual DOM exactly once, then answer a sequence of render jobs sent
// by the parent over stdin/stdout, reusing the live instance until a
// newer Wasm mtime or a crash ends the process.
package workerhost

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/crawlserver/crawlserver/internal/domshim"
	"github.com/crawlserver/crawlserver/internal/ipc"
)

// StartDeadline is the time the Wasm app has to invoke
// wasiAppOnStart, per spec.md §4.1 step 7.
const StartDeadline = 5 * time.Second

// Host is the single Worker Host living inside one child process. It is
// not safe for concurrent use: the parent never sends a second job
// before receiving a reply (spec.md §4.1 "Contract").
type Host struct {
	log *logrus.Entry

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	instance api.Module

	// started is true once coldStart has gotten as far as a validated,
	// running guest (registered callbacks, past the wasiAppOnStart
	// deadline check): Handle uses it rather than instance != nil so
	// that tests can drive warmPath/render directly against a fake
	// callbacks/doc pair, with no real Wasm instance involved.
	started bool

	callbacks *domshim.Callbacks
	doc       *domshim.Document

	loadedMtime time.Time
	wasmPath    string
	debugLogs   bool

	stackOverflow bool
}

// New constructs an empty Host (no Wasm loaded yet), per the Worker
// lifecycle in spec.md §3 ("spawned empty").
func New(log *logrus.Entry) *Host {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Host{log: log}
}

// Outcome is the result of handling one job, plus whether this process
// must now terminate (crash, stale-Wasm restart, or start timeout).
type Outcome struct {
	Result    ipc.Result
	Terminate bool
	ExitCode  int
}

// Handle processes one RenderJob and returns exactly one reply, per the
// Worker Host contract.
func (h *Host) Handle(ctx context.Context, job ipc.Job) Outcome {
	log := h.log
	if job.RequestID != "" {
		log = log.WithField("requestId", job.RequestID)
	}
	log.WithFields(logrus.Fields{"path": job.Path, "search": job.Search}).Debug("worker: handling render job")

	if !h.started {
		return h.coldStart(ctx, job)
	}
	return h.warmPath(ctx, job)
}

func (h *Host) coldStart(ctx context.Context, job ipc.Job) Outcome {
	if job.PathToWasm == "" {
		return crashOutcome("missing wasm path")
	}
	info, err := os.Stat(job.PathToWasm)
	if err != nil {
		return crashOutcome(fmt.Sprintf("wasm file absent: %v", err))
	}

	h.wasmPath = job.PathToWasm
	h.loadedMtime = info.ModTime()
	h.debugLogs = job.DebugLogs

	wasmBytes, err := os.ReadFile(job.PathToWasm)
	if err != nil {
		return crashOutcome(errors.Wrap(err, "read wasm bytes").Error())
	}

	if err := h.buildRuntime(ctx, job, wasmBytes); err != nil {
		return crashOutcome(err.Error())
	}

	started := make(chan struct{}, 1)
	h.callbacks.RegisterOnStart(func() {
		select {
		case started <- struct{}{}:
		default:
		}
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- h.invokeStart(ctx)
	}()

	select {
	case <-started:
		// fallthrough to post-start wiring below
	case err := <-runErr:
		if err != nil {
			return crashOutcome(errors.Wrap(err, "wasm start").Error())
		}
		// start() returned without ever calling wasiAppOnStart: treat
		// as not-rendered, per spec.md §4.1 step 7's deadline intent.
		return Outcome{Result: ipc.NotRendered(), Terminate: true, ExitCode: 1}
	case <-time.After(StartDeadline):
		h.log.Warn("worker: wasiAppOnStart deadline elapsed")
		return Outcome{Result: ipc.NotRendered(), Terminate: true, ExitCode: 1}
	}

	if h.callbacks.HasDisableLocationChangeListener() {
		h.callbacks.DisableLocationChangeListener()
	}
	if !h.callbacks.HasChangeRoute() {
		return Outcome{Result: ipc.NotRendered(), Terminate: true, ExitCode: 1}
	}

	h.started = true
	return h.render(job)
}

func (h *Host) warmPath(ctx context.Context, job ipc.Job) Outcome {
	jobMtime := time.Unix(0, job.WasmMtime)
	if !jobMtime.Equal(h.loadedMtime) {
		return Outcome{Result: ipc.Restart("stale-wasm"), Terminate: true, ExitCode: 0}
	}
	h.doc.SetRoute(job.Path, job.Search)
	return h.render(job)
}

func (h *Host) render(job ipc.Job) Outcome {
	if h.stackOverflow {
		return crashOutcome("stack overflow reported by guest")
	}

	// Start from an empty tree: a warm worker answers many renders
	// across the life of the process, and CreateElement only ever
	// appends, so without this the next render's output would include
	// every element the guest ever built, not just what it built for
	// this route.
	h.doc.Reset()

	type renderDone struct {
		expiresIn      int
		lastModifiedAt int64
	}
	done := make(chan renderDone, 1)
	h.callbacks.ChangeRoute(job.Path, job.Search, func(expiresIn int, lastModifiedAt int64) {
		done <- renderDone{expiresIn: expiresIn, lastModifiedAt: lastModifiedAt}
	})
	result := <-done

	html := h.doc.SerializeHTML()
	if html == "" {
		return Outcome{Result: ipc.NotRendered()}
	}
	return Outcome{Result: ipc.Rendered(html, result.expiresIn, result.lastModifiedAt)}
}

// invokeStart dispatches to the Wasm module's entrypoint per spec.md
// §4.1 step 6: command-style "_start" if present, otherwise the
// reactor-style "_initialize" followed by "main" (or
// "__main_argc_argv").
func (h *Host) invokeStart(ctx context.Context) error {
	if fn := h.instance.ExportedFunction("_start"); fn != nil {
		_, err := fn.Call(ctx)
		return ignoreCleanExit(err)
	}
	if fn := h.instance.ExportedFunction("_initialize"); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return ignoreCleanExit(err)
		}
		if main := h.instance.ExportedFunction("main"); main != nil {
			_, err := main.Call(ctx)
			return ignoreCleanExit(err)
		}
		if argcArgv := h.instance.ExportedFunction("__main_argc_argv"); argcArgv != nil {
			_, err := argcArgv.Call(ctx, 0, 0)
			return ignoreCleanExit(err)
		}
		return nil
	}
	return errors.New("wasm module exports neither _start nor _initialize")
}

func ignoreCleanExit(err error) error {
	var exitErr interface{ ExitCode() uint32 }
	if err != nil && asExitCode(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return err
}

func asExitCode(err error, target *interface{ ExitCode() uint32 }) bool {
	return errors.As(err, target)
}

func crashOutcome(reason string) Outcome {
	return Outcome{Result: ipc.Crash(reason), Terminate: true, ExitCode: 1}
}

// buildRuntime creates the wazero runtime, registers WASI, the "env"
// JS-interop bridge, and the "__stack_sanitizer" guard, then compiles
// and instantiates the module.
func (h *Host) buildRuntime(ctx context.Context, job ipc.Job, wasmBytes []byte) error {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return errors.Wrap(err, "instantiate wasi")
	}

	h.callbacks = &domshim.Callbacks{}
	h.doc = domshim.NewDocument(job.Path, job.Search, fmt.Sprintf("0.0.0.0:%s", job.ServerPort))

	sanitizerBuilder := rt.NewHostModuleBuilder("__stack_sanitizer")
	sanitizerBuilder.NewFunctionBuilder().
		WithFunc(func() {
			h.stackOverflow = true
		}).
		Export("report_stack_overflow")
	if _, err := sanitizerBuilder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return errors.Wrap(err, "instantiate stack sanitizer")
	}

	env := rt.NewHostModuleBuilder("env")
	registerDOMBridge(env, h.doc, h.callbacks)
	if _, err := env.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return errors.Wrap(err, "instantiate env bridge")
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return errors.Wrap(err, "compile wasm module")
	}

	var stdout, stderr io.Writer = io.Discard, io.Discard
	if job.DebugLogs {
		stdout, stderr = os.Stdout, os.Stderr
	}
	config := wazero.NewModuleConfig().
		WithStartFunctions(). // disable wazero's default auto-"_start"; invokeStart drives this explicitly
		WithStdout(stdout).
		WithStderr(stderr)

	instance, err := rt.InstantiateModule(ctx, compiled, config)
	if err != nil {
		compiled.Close(ctx)
		rt.Close(ctx)
		return errors.Wrap(err, "instantiate wasm module")
	}

	h.runtime = rt
	h.compiled = compiled
	h.instance = instance
	return nil
}

// readGuestString reads length bytes from guest linear memory at ptr.
func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// registerDOMBridge wires the minimal window/document/history/location
// surface the guest imports from "env", per spec.md §4.1 step 3 and the
// capability-record design note in spec.md §9. Each closure receives
// the calling guest module as its api.Module argument (wazero's own
// convention), so no separate instance reference needs to be threaded
// in from the caller.
func registerDOMBridge(b wazero.HostModuleBuilder, doc *domshim.Document, cb *domshim.Callbacks) {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) {
			name, ok := readGuestString(mod, namePtr, nameLen)
			if !ok {
				return
			}
			fn := mod.ExportedFunction(name)
			if fn == nil {
				return
			}
			cb.RegisterOnStart(func() {
				_, _ = fn.Call(ctx)
			})
		}).
		Export("register_on_start")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) {
			name, ok := readGuestString(mod, namePtr, nameLen)
			if !ok {
				return
			}
			fn := mod.ExportedFunction(name)
			if fn == nil {
				return
			}
			cb.RegisterDisableLocationChangeListener(func() {
				_, _ = fn.Call(ctx)
			})
		}).
		Export("register_disable_location_change_listener")

	var pendingDone func(int, int64)
	var pendingMu sync.Mutex

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) {
			name, ok := readGuestString(mod, namePtr, nameLen)
			if !ok {
				return
			}
			cb.RegisterChangeRoute(func(path, search string, done func(int, int64)) {
				pendingMu.Lock()
				pendingDone = done
				pendingMu.Unlock()

				fn := mod.ExportedFunction(name)
				if fn == nil {
					done(0, 0)
					return
				}
				pathBytes := []byte(path)
				searchBytes := []byte(search)
				pathPtr, pathOK := writeGuestBuffer(ctx, mod, pathBytes)
				searchPtr, searchOK := writeGuestBuffer(ctx, mod, searchBytes)
				if !pathOK || !searchOK {
					done(0, 0)
					return
				}
				_, _ = fn.Call(ctx, uint64(pathPtr), uint64(len(pathBytes)), uint64(searchPtr), uint64(len(searchBytes)))
			})
		}).
		Export("register_change_route")

	b.NewFunctionBuilder().
		WithFunc(func(expiresIn uint32, lastModifiedAt uint64) {
			pendingMu.Lock()
			done := pendingDone
			pendingDone = nil
			pendingMu.Unlock()
			if done != nil {
				done(int(expiresIn), int64(lastModifiedAt))
			}
		}).
		Export("change_route_done")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
			path, _, _ := doc.Location()
			return writeTruncated(mod, outPtr, outCap, path)
		}).
		Export("location_path")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
			_, search, _ := doc.Location()
			return writeTruncated(mod, outPtr, outCap, search)
		}).
		Export("location_search")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
			_, _, host := doc.Location()
			return writeTruncated(mod, outPtr, outCap, host)
		}).
		Export("location_host")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, tagPtr, tagLen uint32) uint32 {
			tag, ok := readGuestString(mod, tagPtr, tagLen)
			if !ok {
				return 0
			}
			return uint32(doc.CreateElement(tag))
		}).
		Export("dom_create_element")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, valPtr, valLen uint32) {
			key, _ := readGuestString(mod, keyPtr, keyLen)
			val, _ := readGuestString(mod, valPtr, valLen)
			doc.SetAttribute(int(handle), key, val)
		}).
		Export("dom_set_attribute")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, handle, textPtr, textLen uint32) {
			text, _ := readGuestString(mod, textPtr, textLen)
			doc.SetText(int(handle), text)
		}).
		Export("dom_set_text")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
			// alert() is a no-op sink server-side; the guest only needs
			// the import to resolve.
			_, _ = readGuestString(mod, msgPtr, msgLen)
		}).
		Export("alert")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, queryPtr, queryLen uint32) uint32 {
			// matchMedia always reports no-match server-side: there is
			// no viewport to evaluate against during SSR.
			_, _ = readGuestString(mod, queryPtr, queryLen)
			return 0
		}).
		Export("match_media")
}

// writeTruncated writes s into the guest buffer at ptr (capacity cap),
// truncating if necessary, and returns the number of bytes written.
func writeTruncated(mod api.Module, ptr, cap uint32, s string) uint32 {
	b := []byte(s)
	if uint32(len(b)) > cap {
		b = b[:cap]
	}
	if !mod.Memory().Write(ptr, b) {
		return 0
	}
	return uint32(len(b))
}

// writeGuestBuffer allocates space via the guest's exported "alloc"
// function (if present) and writes data into it, per the convention
// other Wasm host bridges in this ecosystem use for host->guest string
// passing.
func writeGuestBuffer(ctx context.Context, mod api.Module, data []byte) (uint32, bool) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, len(data) == 0
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, false
	}
	ptr := uint32(results[0])
	if len(data) == 0 {
		return ptr, true
	}
	return ptr, mod.Memory().Write(ptr, data)
}

// Close releases the runtime and compiled module, if any.
func (h *Host) Close(ctx context.Context) error {
	var err error
	if h.instance != nil {
		if e := h.instance.Close(ctx); e != nil {
			err = e
		}
	}
	if h.compiled != nil {
		_ = h.compiled.Close(ctx)
	}
	if h.runtime != nil {
		_ = h.runtime.Close(ctx)
	}
	return err
}
