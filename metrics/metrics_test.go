package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordNodeLatency(t *testing.T) {
	m := New(prometheus.NewRegistry())
	assert.NotPanics(t, func() {
		m.RecordNodeLatency("llm", 120*time.Millisecond, "success")
	})

	n, err := testutil.CollectAndCount(m.nodeLatency, "chatflow_node_latency_ms")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_IncrementRun(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncrementRun("succeeded")
	m.IncrementRun("succeeded")
	m.IncrementRun("failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")))
}

func TestMetrics_SetCircuitState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetCircuitState("embedding", "open")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.circuitState.WithLabelValues("embedding")))

	m.SetCircuitState("embedding", "half-open")
	assert.Equal(t, 0.5, testutil.ToFloat64(m.circuitState.WithLabelValues("embedding")))

	m.SetCircuitState("embedding", "closed")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.circuitState.WithLabelValues("embedding")))
}

func TestMetrics_IncrementCircuitTrip(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncrementCircuitTrip("embedding")
	m.IncrementCircuitTrip("embedding")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.circuitTrips.WithLabelValues("embedding")))
}

func TestMetrics_DisableStopsRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Disable()
	m.IncrementRun("succeeded")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")))

	m.Enable()
	m.IncrementRun("succeeded")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")))
}

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordNodeLatency("llm", time.Millisecond, "success")
		m.IncrementNodeRetries("llm", "llm_rate_limit")
		m.IncrementRun("succeeded")
		m.RecordRateLimiterWait("bedrock", time.Millisecond)
		m.SetCircuitState("embedding", "open")
		m.IncrementCircuitTrip("embedding")
	})
}
