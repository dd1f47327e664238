// Package config resolves crawlserver's startup configuration from CLI
// flags and CS_* environment variables, per spec.md §6. A flag
// explicitly passed on the command line wins; otherwise the matching
// environment variable is used; otherwise the documented default.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Exit codes returned by cmd/crawlserver on startup failure, per spec.md §6.
const (
	ExitWasmPathMissing = 10
	ExitWasmFileMissing = 20
	ExitListenerFailed  = 30
	ExitOther           = 1
)

// DefaultChildProcesses is the pool size used when neither the flag nor
// CS_CHILD_PROCESSES is set, per spec.md §9 (prefer the richer,
// state-reporting variant, default pool size 4).
const DefaultChildProcesses = 4

// DefaultMaxPending is used when CS_MAX_PENDING is unset; it has the same
// value as dispatch.DefaultMaxPending.
const DefaultMaxPending = 1000

// DefaultCacheSize is used when CS_CACHE_SIZE is unset; it has the same
// value as cache.DefaultMaxEntries.
const DefaultCacheSize = 10000

// DefaultRenderTimeoutSeconds bounds a single render invocation, per SPEC_FULL.md §5.
const DefaultRenderTimeoutSeconds = 10

// Config holds the fully-resolved startup configuration.
type Config struct {
	PathToWasm     string
	ServerPort     string
	ChildProcesses int
	Debug          bool
	GlobalBind     bool
	MaxPending     int
	CacheSize      int
	RenderTimeout  int // seconds
}

// Flags carries the raw values parsed off the command line, with the
// *Set fields recording which flags the user actually passed (as opposed
// to left at their zero value), so Resolve can apply CLI-over-env
// precedence correctly.
type Flags struct {
	PathToWasm     string
	ServerPort     string
	ChildProcesses int
	Debug          bool
	GlobalBind     bool

	PathToWasmSet     bool
	ServerPortSet     bool
	ChildProcessesSet bool
	DebugSet          bool
	GlobalBindSet     bool
}

// Resolve merges f with the process environment into a Config, applying
// the precedence documented in spec.md §6: explicit flag, then CS_*
// env var, then default.
func Resolve(f Flags) (Config, error) {
	cfg := Config{
		ChildProcesses: DefaultChildProcesses,
		MaxPending:     DefaultMaxPending,
		CacheSize:      DefaultCacheSize,
		RenderTimeout:  DefaultRenderTimeoutSeconds,
	}

	cfg.PathToWasm = firstString(f.PathToWasm, f.PathToWasmSet, "CS_PATH_TO_WASM")
	cfg.ServerPort = firstString(f.ServerPort, f.ServerPortSet, "CS_SERVER_PORT")

	if f.ChildProcessesSet {
		cfg.ChildProcesses = f.ChildProcesses
	} else if v, ok := os.LookupEnv("CS_CHILD_PROCESSES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: CS_CHILD_PROCESSES must be an integer")
		}
		cfg.ChildProcesses = n
	}

	if f.DebugSet {
		cfg.Debug = f.Debug
	} else {
		_, cfg.Debug = os.LookupEnv("CS_DEBUG")
	}

	if f.GlobalBindSet {
		cfg.GlobalBind = f.GlobalBind
	} else {
		_, cfg.GlobalBind = os.LookupEnv("CS_GLOBAL_BIND")
	}

	if v, ok := os.LookupEnv("CS_MAX_PENDING"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: CS_MAX_PENDING must be an integer")
		}
		cfg.MaxPending = n
	}

	if v, ok := os.LookupEnv("CS_CACHE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: CS_CACHE_SIZE must be an integer")
		}
		cfg.CacheSize = n
	}

	if v, ok := os.LookupEnv("CS_RENDER_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: CS_RENDER_TIMEOUT must be an integer")
		}
		cfg.RenderTimeout = n
	}

	if cfg.PathToWasm == "" {
		return cfg, errWasmPathMissing
	}
	if cfg.ServerPort == "" {
		return cfg, errServerPortMissing
	}

	return cfg, nil
}

func firstString(flagVal string, flagSet bool, envKey string) string {
	if flagSet && flagVal != "" {
		return flagVal
	}
	if v, ok := os.LookupEnv(envKey); ok {
		return v
	}
	return flagVal
}

var (
	errWasmPathMissing   = errors.New("config: Wasm path not set (pass a path argument or set CS_PATH_TO_WASM)")
	errServerPortMissing = errors.New("config: server port not set (pass -p or set CS_SERVER_PORT)")
)

// IsWasmPathMissing reports whether err is the "no Wasm path configured"
// error, so the CLI entrypoint can map it to ExitWasmPathMissing.
func IsWasmPathMissing(err error) bool {
	return errors.Is(err, errWasmPathMissing)
}

// IsServerPortMissing reports whether err is the "no server port
// configured" error. The CLI entrypoint also maps this to
// ExitWasmPathMissing, since spec.md defines no distinct exit code for it.
func IsServerPortMissing(err error) bool {
	return errors.Is(err, errServerPortMissing)
}
