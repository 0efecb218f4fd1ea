package stats

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddBlocksRead(1)
				c.AddBlocksWritten(1)
				c.AddBytesMoved(512)
				c.AddInPartial(1)
				c.AddOutPartial(1)
				c.AddRecovered(1)
				c.AddCommands(2)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.BlocksRead)
	assert.Equal(t, expected, s.BlocksWritten)
	assert.Equal(t, expected*512, s.BytesMoved)
	assert.Equal(t, expected, s.InPartial)
	assert.Equal(t, expected, s.OutPartial)
	assert.Equal(t, expected, s.Recovered)
	assert.Equal(t, 2*expected, s.Commands)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		BlocksTotal:   100,
		BlocksRead:    50,
		BlocksWritten: 50,
		InPartial:     1,
		Recovered:     2,
		Busy:          3,
	}
	expected := "total=100 read=50 written=50 in_partial=1 out_partial=0 recovered=2 retried=0 busy=3 miscompares=0"
	assert.Equal(t, expected, s.String())
}

func TestSnapshotRate(t *testing.T) {
	s := Snapshot{BytesMoved: 2048, Elapsed: 2 * time.Second}
	assert.InDelta(t, 1024.0, s.Rate(), 0.01)
	assert.Equal(t, 0.0, Snapshot{BytesMoved: 1}.Rate())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, FormatBytes(tt.input))
		})
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestSetTotal(t *testing.T) {
	c := NewCollector()
	c.SetTotal(100)
	assert.Equal(t, int64(100), c.Snapshot().BlocksTotal)
}

func TestTickAndRollingSpeed(t *testing.T) {
	c := NewCollector()
	for range 5 {
		c.AddBytesMoved(1000)
		c.AddCommands(10)
		c.Tick()
	}
	assert.InDelta(t, 1000.0, c.RollingSpeed(5), 0.01)
	assert.InDelta(t, 10.0, c.RollingCommandRate(5), 0.01)
}

func TestRollingSpeedPartialWindow(t *testing.T) {
	c := NewCollector()
	c.AddBytesMoved(500)
	c.Tick()
	c.AddBytesMoved(500)
	c.Tick()
	assert.InDelta(t, 500.0, c.RollingSpeed(10), 0.01)
}

func TestRollingSpeedNoSamples(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, c.RollingSpeed(5))
}

func TestRecent(t *testing.T) {
	c := NewCollector()
	assert.Empty(t, c.Recent(5))
	for i := range 3 {
		c.AddBytesMoved(int64((i + 1) * 100))
		c.Tick()
	}
	assert.Equal(t, []float64{100, 200, 300}, c.Recent(10))
	assert.Equal(t, []float64{200, 300}, c.Recent(2))
}

func TestRingWraparound(t *testing.T) {
	c := NewCollector()
	for i := range ringSize + 10 {
		c.AddBytesMoved(int64(i + 1))
		c.Tick()
	}
	// Last ringSize deltas are 11..70.
	assert.InDelta(t, 70.0, c.RollingSpeed(1), 0.01)
	assert.InDelta(t, float64(11+70)/2, c.RollingSpeed(ringSize+5), 0.01)
}

func TestSnapshotIncludesElapsed(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, c.Snapshot().Elapsed, time.Duration(0))
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := cv.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var metric io_prometheus_client.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCompletion("in", "clean")
	m.RecordCompletion("in", "clean")
	m.RecordCompletion("out", "medium or hardware error")
	m.AddBlocks("in", 128)
	m.AddBlocks("in", 0)
	m.RecordBatch("in", 16, 3*time.Millisecond)
	m.IncRetries()
	m.WorkerStarted()

	assert.Equal(t, 2.0, counterValue(t, m.CommandsTotal, "in", "clean"))
	assert.Equal(t, 1.0, counterValue(t, m.CommandsTotal, "out", "medium or hardware error"))
	assert.Equal(t, 128.0, counterValue(t, m.BlocksTotal, "in"))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "sgmrq_batch_duration_seconds")
	assert.Contains(t, names, "sgmrq_workers_active")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCompletion("in", "clean")
	m.RecordBatch("in", 1, time.Second)
	m.AddBlocks("in", 1)
	m.IncRetries()
	m.IncStalls()
	m.WorkerStarted()
	m.WorkerStopped()
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.IncStalls()

	path := filepath.Join(t.TempDir(), "sgmrq.prom")
	require.NoError(t, WriteTextfile(path, reg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sgmrq_stalls_total 1")
}
