package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshotEmpty(t *testing.T) {
	m := NewMetrics()
	snap := m.GetSnapshot()
	assert.Equal(t, int64(0), snap.TotalRequests)
	assert.Equal(t, float64(0), snap.LatencyAvgMs)
}

func TestMetricsSnapshotCountsSuccessAndFailure(t *testing.T) {
	m := NewMetrics()
	m.RecordSuccess(10 * time.Millisecond)
	m.RecordSuccess(20 * time.Millisecond)
	m.RecordFailure()

	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.SuccessCount)
	assert.Equal(t, int64(1), snap.FailCount)
	assert.InDelta(t, 15.0, snap.LatencyAvgMs, 0.001)
}

func TestMetricsLatencyWindowIsBounded(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < latencyWindow+10; i++ {
		m.RecordSuccess(time.Millisecond)
	}
	// every sample recorded beyond the window capacity must have evicted
	// the oldest rather than growing memory without bound.
	assert.Equal(t, latencyWindow, m.ringLen)
	assert.Equal(t, int64(latencyWindow+10), m.GetSnapshot().TotalRequests)
}

func TestMetricsResetClearsCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordSuccess(5 * time.Millisecond)
	m.Reset()

	snap := m.GetSnapshot()
	assert.Equal(t, int64(0), snap.TotalRequests)
	assert.Equal(t, float64(0), snap.LatencyAvgMs)
}
