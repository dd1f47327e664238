// Package coordinator implements the Request Coordinator: the HTTP
// request pipeline that ties the Render Cache, Dispatch Queue, and
// Worker Pool together, per spec.md §4.5.
package coordinator

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"resenje.org/singleflight"

	"github.com/crawlserver/crawlserver/internal/cache"
	"github.com/crawlserver/crawlserver/internal/dispatch"
	"github.com/crawlserver/crawlserver/internal/ipc"
	"github.com/crawlserver/crawlserver/internal/metrics"
	"github.com/crawlserver/crawlserver/internal/pool"
	"github.com/crawlserver/crawlserver/internal/state"
)

// blockedExtensions are the static-asset extensions the fronting static
// handler should already have served; reaching the Coordinator with one
// is a misconfiguration, per spec.md §4.5 step 1.
var blockedExtensions = map[string]struct{}{
	"ico":  {},
	"css":  {},
	"js":   {},
	"html": {},
	"json": {},
}

// Config configures a Coordinator.
type Config struct {
	PathToWasm    string
	ServerPort    string
	Queue         *dispatch.Queue
	Pool          *pool.Pool
	Cache         *cache.Cache
	Reporter      *state.Reporter
	Metrics       *metrics.Metrics
	Log           *logrus.Entry
	RenderTimeout time.Duration // zero or negative uses 10s
	Now           func() time.Time
	Stat          func(string) (os.FileInfo, error)
}

// Coordinator is the single catch-all HTTP GET handler.
type Coordinator struct {
	pathToWasm    string
	serverPort    string
	queue         *dispatch.Queue
	pool          *pool.Pool
	cache         *cache.Cache
	reporter      *state.Reporter
	metrics       *metrics.Metrics
	log           *logrus.Entry
	renderTimeout time.Duration
	now           func() time.Time
	stat          func(string) (os.FileInfo, error)
	flight        singleflight.Group
}

// New constructs a Coordinator from cfg, applying defaults for Now,
// Stat, RenderTimeout and Log when left zero. Queue, Pool, Cache and
// Reporter must be set; Metrics may be nil.
func New(cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	stat := cfg.Stat
	if stat == nil {
		stat = os.Stat
	}
	timeout := cfg.RenderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		pathToWasm:    cfg.PathToWasm,
		serverPort:    cfg.ServerPort,
		queue:         cfg.Queue,
		pool:          cfg.Pool,
		cache:         cfg.Cache,
		reporter:      cfg.Reporter,
		metrics:       cfg.Metrics,
		log:           log,
		renderTimeout: timeout,
		now:           now,
		stat:          stat,
	}
}

// renderOutcome is the internal result a singleflight-coalesced render
// produces, carrying enough information to reconstruct the HTTP
// response for every waiter sharing the call.
type renderOutcome struct {
	status     int
	body       string
	etag       string
	lastMod    time.Time
	hasLastMod bool
}

// ServeHTTP implements the single catch-all GET handler described in
// spec.md §4.5/§6.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Path
	if ext, ok := extensionOf(path); ok {
		if _, blocked := blockedExtensions[ext]; blocked {
			http.NotFound(w, r)
			return
		}
	}

	search := r.URL.RawQuery
	inm := strings.TrimSpace(r.Header.Get("If-None-Match"))
	ims, hasIMS := parseIfModifiedSince(r.Header.Get("If-Modified-Since"))

	key := cache.Key(path, search)
	if entry, ok := c.cache.Get(key, c.now()); ok {
		c.countCache(true)
		c.respondFromEntry(w, entry, inm, ims, hasIMS)
		return
	}
	c.countCache(false)

	result, err, _ := c.flight.Do(r.Context(), key, func(ctx context.Context) (interface{}, error) {
		// Re-check the cache: another request may have filled it while
		// we were waiting to be scheduled as the leader of this key.
		if entry, ok := c.cache.Get(key, c.now()); ok {
			return c.entryToOutcome(entry), nil
		}
		return c.render(ctx, key, path, search)
	})
	if err != nil {
		c.reporter.Emit(state.RequestFailed, err.Error())
		http.Error(w, "render failed", http.StatusServiceUnavailable)
		return
	}

	outcome := result.(renderOutcome)
	if outcome.status != http.StatusOK {
		w.WriteHeader(outcome.status)
		return
	}

	if entry, ok := c.cache.Get(key, c.now()); ok {
		c.respondFromEntry(w, entry, inm, ims, hasIMS)
		return
	}
	writeOK(w, outcome.body, outcome.etag, outcome.lastMod, outcome.hasLastMod)
}

func (c *Coordinator) countCache(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHits.Inc()
	} else {
		c.metrics.CacheMisses.Inc()
	}
}

// render performs steps 5-9 of spec.md §4.5: verify the Wasm file
// exists, dispatch to a worker (retrying on stale-Wasm restart), fill
// the cache, and translate the result into an HTTP outcome.
func (c *Coordinator) render(ctx context.Context, key, path, search string) (interface{}, error) {
	info, err := c.stat(c.pathToWasm)
	if err != nil {
		c.reporter.Emit(state.WasmMissing, c.pathToWasm)
		return renderOutcome{status: http.StatusInternalServerError}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.renderTimeout)
	defer cancel()

	job := ipc.Job{
		Type:       ipc.JobMessageType,
		RequestID:  uuid.NewString(),
		Path:       path,
		Search:     search,
		ServerPort: c.serverPort,
		PathToWasm: c.pathToWasm,
		WasmMtime:  info.ModTime().UnixNano(),
	}

	worker, err := c.queue.Acquire(ctx)
	if err != nil {
		return renderOutcome{status: http.StatusServiceUnavailable}, nil
	}

	dispatchStart := c.now()
	final, result, err := c.pool.Dispatch(ctx, worker, job)
	if c.metrics != nil {
		c.metrics.ObserveRender(c.now().Sub(dispatchStart))
	}
	if err != nil {
		c.reporter.Emit(state.RequestFailed, err.Error())
		return renderOutcome{status: http.StatusServiceUnavailable}, nil
	}
	defer c.pool.Release(final)

	switch result.Type {
	case ipc.ResultRendered:
		if result.HTML == "" {
			return renderOutcome{status: http.StatusInternalServerError}, nil
		}
		c.reporter.Emit(state.HTMLRendered, key)
		entry := fillCacheFromResult(c.cache, key, result, c.now())
		return c.entryToOutcome(entry), nil
	case ipc.ResultNotRendered:
		c.reporter.Emit(state.HTMLNotRendered, key)
		return renderOutcome{status: http.StatusNotImplemented}, nil
	default:
		c.reporter.Emit(state.RequestFailed, result.Reason)
		return renderOutcome{status: http.StatusServiceUnavailable}, nil
	}
}

func fillCacheFromResult(c *cache.Cache, key string, result ipc.Result, now time.Time) cache.Entry {
	stripped := cache.StripIDs(result.HTML)
	entry := cache.Entry{
		Body:      stripped,
		ETag:      cache.ETag(stripped),
		ExpiresAt: now.Add(cache.ExpiresInToDuration(result.ExpiresIn)),
	}
	if result.LastModifiedAt > 0 {
		entry.LastModifiedAt = time.Unix(result.LastModifiedAt, 0)
		entry.HasLastMod = true
	}
	c.Set(key, entry)
	return entry
}

func (c *Coordinator) entryToOutcome(entry cache.Entry) renderOutcome {
	return renderOutcome{
		status:     http.StatusOK,
		body:       entry.Body,
		etag:       entry.ETag,
		lastMod:    entry.LastModifiedAt,
		hasLastMod: entry.HasLastMod,
	}
}

// respondFromEntry evaluates conditional headers per spec.md §4.4 and
// writes either a 304 or a 200 with the cached body.
func (c *Coordinator) respondFromEntry(w http.ResponseWriter, entry cache.Entry, inm string, ims time.Time, hasIMS bool) {
	if inm != "" && inm == entry.ETag {
		w.Header().Set("ETag", entry.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if hasIMS && entry.HasLastMod && !ims.Before(entry.LastModifiedAt) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeOK(w, entry.Body, entry.ETag, entry.LastModifiedAt, entry.HasLastMod)
}

func writeOK(w http.ResponseWriter, body, etag string, lastMod time.Time, hasLastMod bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", etag)
	if hasLastMod {
		w.Header().Set("Last-Modified", lastMod.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func extensionOf(path string) (string, bool) {
	idx := strings.LastIndexByte(path, '.')
	if idx == -1 || idx == len(path)-1 {
		return "", false
	}
	return strings.ToLower(path[idx+1:]), true
}

func parseIfModifiedSince(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
