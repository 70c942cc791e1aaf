package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsAdmitted, "jobsAdmitted counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.jobsInFlight, "jobsInFlight gauge should be initialized")
	assert.NotNil(t, collector.workers, "workers gauge should be initialized")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg)
	assert.Panics(t, func() { NewCollectorWith(reg) })
}

func TestRecordAdmitAndResult(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry())

	for i := 0; i < 10; i++ {
		collector.RecordAdmit("thread")
	}
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.jobsInFlight))

	for i := 0; i < 10; i++ {
		collector.RecordResult("thread", 10*time.Millisecond, i == 7)
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.jobsAdmitted.WithLabelValues("thread")))
	assert.Equal(t, 9.0, testutil.ToFloat64(collector.jobsCompleted.WithLabelValues("thread")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFailed.WithLabelValues("thread")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsInFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.jobLatency))
}

func TestRecordBatch(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry())
	collector.SetWorkers(8)
	assert.Equal(t, 8.0, testutil.ToFloat64(collector.workers))

	collector.RecordBatch("process", 2*time.Second, 100, 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchDuration.WithLabelValues("process")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.throughput.WithLabelValues("process")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.logsDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.workers))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordAdmit("sequential")
		collector.RecordResult("sequential", time.Second, false)
		collector.SetWorkers(1)
		collector.RecordBatch("sequential", time.Second, 1, 0)
	})
}

func TestStartServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := StartServer(ctx, 0, prometheus.NewRegistry())
	require.NotNil(t, srv)
	cancel()
}
