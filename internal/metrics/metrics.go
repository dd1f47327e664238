// Package metrics mirrors the Worker Pool, Dispatch Queue, Render
// Cache, and State Reporter situations onto Prometheus collectors,
// exposed at /metrics per SPEC_FULL.md's domain stack section.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlserver/crawlserver/internal/state"
)

// Gaugeable is satisfied by the Worker Pool and the Render Cache: enough
// introspection for StartCollector to poll their size gauges without
// those packages importing metrics themselves.
type Gaugeable interface {
	Len() int
}

// IdleGaugeable additionally reports idle worker count (the Pool).
type IdleGaugeable interface {
	Gaugeable
	IdleLen() int
}

// PendingGaugeable reports queue depth and its configured bound (the
// Dispatch Queue).
type PendingGaugeable interface {
	Pending() int
	MaxPending() int
}

// Metrics bundles the collectors crawlserver registers. Unlike a
// package-level promauto singleton, Metrics is constructed explicitly
// so a test can register it against its own prometheus.Registry.
type Metrics struct {
	Situations      *prometheus.CounterVec
	State           *prometheus.GaugeVec
	PoolSize        prometheus.Gauge
	PoolIdle        prometheus.Gauge
	QueuePending    prometheus.Gauge
	QueueMaxPending prometheus.Gauge
	CacheEntries    prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	RenderSeconds   prometheus.Histogram
}

// New constructs a Metrics bundle and registers all of its collectors
// against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Situations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlserver_situations_total",
			Help: "Count of State Reporter situations emitted, by situation and coarse state.",
		}, []string{"situation", "state"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlserver_state",
			Help: "1 for the currently active coarse State Reporter state, 0 for the others.",
		}, []string{"state"}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlserver_pool_workers",
			Help: "Current number of worker processes in the pool.",
		}),
		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlserver_pool_idle_workers",
			Help: "Current number of idle worker processes.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlserver_queue_pending",
			Help: "Current number of requests waiting for an idle worker.",
		}),
		QueueMaxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlserver_queue_max_pending",
			Help: "Configured bound on pending requests (CS_MAX_PENDING).",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlserver_cache_entries",
			Help: "Current number of entries held in the render cache.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlserver_cache_hits_total",
			Help: "Render cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlserver_cache_misses_total",
			Help: "Render cache misses.",
		}),
		RenderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlserver_render_seconds",
			Help:    "Time spent dispatching a job to a worker and receiving a result.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.Situations,
		m.State,
		m.PoolSize,
		m.PoolIdle,
		m.QueuePending,
		m.QueueMaxPending,
		m.CacheEntries,
		m.CacheHits,
		m.CacheMisses,
		m.RenderSeconds,
	)
	return m
}

// Watch subscribes to reporter, increments Situations for every event it
// emits, and maintains State as a one-hot gauge over the coarse states
// until ctxDone is closed.
func (m *Metrics) Watch(reporter *state.Reporter, ctxDone <-chan struct{}) {
	events := reporter.Subscribe()
	var previous state.State
	var havePrevious bool
	go func() {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				m.Situations.WithLabelValues(string(evt.Situation), string(evt.State)).Inc()

				if havePrevious && previous != evt.State {
					m.State.WithLabelValues(string(previous)).Set(0)
				}
				m.State.WithLabelValues(string(evt.State)).Set(1)
				previous, havePrevious = evt.State, true
			case <-ctxDone:
				return
			}
		}
	}()
}

// StartCollector polls pool, queue, and cache every interval and
// refreshes the size gauges, until ctxDone is closed. The Situations
// counter and RenderSeconds histogram are updated inline by their
// respective callers instead, since those are point-in-time events
// rather than a level to sample.
func (m *Metrics) StartCollector(poolWorkers IdleGaugeable, queue PendingGaugeable, renderCache Gaugeable, interval time.Duration, ctxDone <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	m.QueueMaxPending.Set(float64(queue.MaxPending()))

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.PoolSize.Set(float64(poolWorkers.Len()))
				m.PoolIdle.Set(float64(poolWorkers.IdleLen()))
				m.QueuePending.Set(float64(queue.Pending()))
				m.CacheEntries.Set(float64(renderCache.Len()))
			case <-ctxDone:
				return
			}
		}
	}()
}

// ObserveRender records the wall-clock time a single Dispatch call (send
// + await reply) took.
func (m *Metrics) ObserveRender(d time.Duration) {
	m.RenderSeconds.Observe(d.Seconds())
}
