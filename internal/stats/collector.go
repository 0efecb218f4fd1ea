package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks copy session statistics using lock-free atomic counters.
// Counts are in blocks unless named otherwise.
type Collector struct {
	blocksTotal     atomic.Int64
	blocksRead      atomic.Int64
	blocksWritten   atomic.Int64
	bytesMoved      atomic.Int64
	inPartial       atomic.Int64
	outPartial      atomic.Int64
	zeroFilled      atomic.Int64
	recovered       atomic.Int64
	retried         atomic.Int64
	busy            atomic.Int64
	miscompares     atomic.Int64
	batches         atomic.Int64
	commands        atomic.Int64
	shortAdmissions atomic.Int64
	stalls          atomic.Int64
	abortsInjected  atomic.Int64
	secondaryErrors atomic.Int64
	startTime       time.Time

	// Ring buffer, written only by the heartbeat's Tick.
	mu           sync.Mutex
	throughput   [ringSize]int64 // bytes delta per tick
	commandsRate [ringSize]int64 // commands delta per tick
	ringIdx      int
	ringCount    int // samples written, capped at ringSize
	lastBytes    int64
	lastCommands int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotal records the number of blocks the session will transfer.
func (c *Collector) SetTotal(blocks int64) { c.blocksTotal.Store(blocks) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BlocksTotal     int64
	BlocksRead      int64
	BlocksWritten   int64
	BytesMoved      int64
	InPartial       int64
	OutPartial      int64
	ZeroFilled      int64
	Recovered       int64
	Retried         int64
	Busy            int64
	Miscompares     int64
	Batches         int64
	Commands        int64
	ShortAdmissions int64
	Stalls          int64
	AbortsInjected  int64
	SecondaryErrors int64
	Elapsed         time.Duration
}

func (c *Collector) AddBlocksRead(n int64)      { c.blocksRead.Add(n) }
func (c *Collector) AddBlocksWritten(n int64)   { c.blocksWritten.Add(n) }
func (c *Collector) AddBytesMoved(n int64)      { c.bytesMoved.Add(n) }
func (c *Collector) AddInPartial(n int64)       { c.inPartial.Add(n) }
func (c *Collector) AddOutPartial(n int64)      { c.outPartial.Add(n) }
func (c *Collector) AddZeroFilled(n int64)      { c.zeroFilled.Add(n) }
func (c *Collector) AddRecovered(n int64)       { c.recovered.Add(n) }
func (c *Collector) AddRetried(n int64)         { c.retried.Add(n) }
func (c *Collector) AddBusy(n int64)            { c.busy.Add(n) }
func (c *Collector) AddMiscompares(n int64)     { c.miscompares.Add(n) }
func (c *Collector) AddBatches(n int64)         { c.batches.Add(n) }
func (c *Collector) AddCommands(n int64)        { c.commands.Add(n) }
func (c *Collector) AddShortAdmissions(n int64) { c.shortAdmissions.Add(n) }
func (c *Collector) AddStalls(n int64)          { c.stalls.Add(n) }
func (c *Collector) AddAbortsInjected(n int64)  { c.abortsInjected.Add(n) }
func (c *Collector) AddSecondaryErrors(n int64) { c.secondaryErrors.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BlocksTotal:     c.blocksTotal.Load(),
		BlocksRead:      c.blocksRead.Load(),
		BlocksWritten:   c.blocksWritten.Load(),
		BytesMoved:      c.bytesMoved.Load(),
		InPartial:       c.inPartial.Load(),
		OutPartial:      c.outPartial.Load(),
		ZeroFilled:      c.zeroFilled.Load(),
		Recovered:       c.recovered.Load(),
		Retried:         c.retried.Load(),
		Busy:            c.busy.Load(),
		Miscompares:     c.miscompares.Load(),
		Batches:         c.batches.Load(),
		Commands:        c.commands.Load(),
		ShortAdmissions: c.shortAdmissions.Load(),
		Stalls:          c.stalls.Load(),
		AbortsInjected:  c.abortsInjected.Load(),
		SecondaryErrors: c.secondaryErrors.Load(),
		Elapsed:         c.Elapsed(),
	}
}

// Tick snapshots byte/command deltas into the ring buffer. Called once per
// heartbeat interval.
func (c *Collector) Tick() {
	currentBytes := c.bytesMoved.Load()
	currentCommands := c.commands.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = currentBytes - c.lastBytes
	c.commandsRate[c.ringIdx] = currentCommands - c.lastCommands
	c.lastBytes = currentBytes
	c.lastCommands = currentCommands
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes per tick over the last n samples.
func (c *Collector) RollingSpeed(samples int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], samples)
}

// RollingCommandRate returns average commands per tick over the last n samples.
func (c *Collector) RollingCommandRate(samples int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.commandsRate[:], samples)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"total=%d read=%d written=%d in_partial=%d out_partial=%d recovered=%d retried=%d busy=%d miscompares=%d",
		s.BlocksTotal, s.BlocksRead, s.BlocksWritten, s.InPartial, s.OutPartial,
		s.Recovered, s.Retried, s.Busy, s.Miscompares,
	)
}

// Rate returns bytes per second over the whole session.
func (s Snapshot) Rate() float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.BytesMoved) / secs
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Recent returns up to n throughput samples, oldest first.
func (c *Collector) Recent(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := min(n, c.ringCount)
	out := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		out[i] = float64(c.throughput[idx])
	}
	return out
}
