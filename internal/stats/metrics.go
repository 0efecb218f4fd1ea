package stats

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for a copy session. A nil *Metrics is a
// valid no-op collector.
type Metrics struct {
	// CommandsTotal counts completed commands by side and outcome category.
	CommandsTotal *prometheus.CounterVec

	// BlocksTotal counts blocks transferred by side.
	BlocksTotal *prometheus.CounterVec

	// BatchDuration tracks submit-to-receive latency per batch.
	BatchDuration *prometheus.HistogramVec

	// BatchSize tracks how many commands each submission carried.
	BatchSize prometheus.Histogram

	RetriesTotal prometheus.Counter
	StallsTotal  prometheus.Counter

	// WorkersActive tracks running workers.
	WorkersActive prometheus.Gauge
}

// NewMetrics creates session metrics with the sgmrq_ prefix and registers
// them with reg. Panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgmrq_commands_total",
				Help: "Completed commands by side and category",
			},
			[]string{"side", "category"},
		),
		BlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgmrq_blocks_total",
				Help: "Blocks transferred by side",
			},
			[]string{"side"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sgmrq_batch_duration_seconds",
				Help:    "Batch submit to receive latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"side"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sgmrq_batch_commands",
				Help:    "Commands accepted per submission",
				Buckets: prometheus.ExponentialBuckets(1, 2, 11),
			},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sgmrq_retries_total",
				Help: "Ranges reissued after a transient failure",
			},
		),
		StallsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sgmrq_stalls_total",
				Help: "Heartbeat intervals with no new command issued",
			},
		),
		WorkersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sgmrq_workers_active",
				Help: "Workers currently running",
			},
		),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.BlocksTotal,
		m.BatchDuration,
		m.BatchSize,
		m.RetriesTotal,
		m.StallsTotal,
		m.WorkersActive,
	)
	return m
}

// RecordBatch records one submit/receive exchange.
func (m *Metrics) RecordBatch(side string, commands int, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(commands))
	m.BatchDuration.WithLabelValues(side).Observe(d.Seconds())
}

// RecordCompletion counts one command outcome.
func (m *Metrics) RecordCompletion(side, category string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(side, category).Inc()
}

func (m *Metrics) AddBlocks(side string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BlocksTotal.WithLabelValues(side).Add(float64(n))
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncStalls() {
	if m == nil {
		return
	}
	m.StallsTotal.Inc()
}

// WorkerStarted and WorkerStopped bracket a worker's lifetime.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersActive.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.WorkersActive.Dec()
}

// WriteTextfile writes everything g gathers to path in the node exporter
// textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
