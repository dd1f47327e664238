package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlserver/crawlserver/internal/metrics"
	"github.com/crawlserver/crawlserver/internal/state"
)

type fakePoolGauge struct{ size, idle int }

func (f fakePoolGauge) Len() int     { return f.size }
func (f fakePoolGauge) IdleLen() int { return f.idle }

type fakeQueueGauge struct{ pending, max int }

func (f fakeQueueGauge) Pending() int    { return f.pending }
func (f fakeQueueGauge) MaxPending() int { return f.max }

type fakeCacheGauge struct{ n int }

func (f fakeCacheGauge) Len() int { return f.n }

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestStartCollectorPollsSizes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	done := make(chan struct{})
	defer close(done)

	m.StartCollector(fakePoolGauge{size: 4, idle: 3}, fakeQueueGauge{pending: 2, max: 1000}, fakeCacheGauge{n: 7}, 5*time.Millisecond, done)

	require.Eventually(t, func() bool {
		return gaugeValue(t, m.PoolSize) == 4 &&
			gaugeValue(t, m.PoolIdle) == 3 &&
			gaugeValue(t, m.QueuePending) == 2 &&
			gaugeValue(t, m.CacheEntries) == 7
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(1000), gaugeValue(t, m.QueueMaxPending))
}

func TestWatchMaintainsOneHotStateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	reporter := state.New(nil)
	done := make(chan struct{})
	defer close(done)

	m.Watch(reporter, done)

	reporter.Emit(state.ServerStarted, "started")
	require.Eventually(t, func() bool {
		return gaugeValue(t, m.State.WithLabelValues(string(state.Operating))) == 1
	}, time.Second, time.Millisecond)

	reporter.Emit(state.WasmMissing, "/path/app.wasm")
	require.Eventually(t, func() bool {
		return gaugeValue(t, m.State.WithLabelValues(string(state.Failing))) == 1 &&
			gaugeValue(t, m.State.WithLabelValues(string(state.Operating))) == 0
	}, time.Second, time.Millisecond)
}

func TestObserveRenderRecordsHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRender(25 * time.Millisecond)

	var out dto.Metric
	require.NoError(t, m.RenderSeconds.Write(&out))
	assert.Equal(t, uint64(1), out.GetHistogram().GetSampleCount())
}
