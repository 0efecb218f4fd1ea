// Package engine runs block copy and verify sessions: it splits the session
// into segments, hands them to a pool of workers and drives each segment
// through the transport in batches of commands.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/sgl"
	"github.com/bamsammich/sgmrq/internal/stats"
	"github.com/bamsammich/sgmrq/internal/transport"
	"github.com/bamsammich/sgmrq/internal/transport/sim"
)

const (
	DefaultBlockSize         = 512
	DefaultBlocksPerTransfer = 128
	DefaultBatchSize         = 16
	DefaultWorkers           = 4
	MaxWorkers               = 1024
	DefaultRetries           = 3
	DefaultBusyRetries       = 64
	DefaultStallIntervals    = 5

	// CountDerive asks Run to derive the block count.
	CountDerive = -1
)

// Config describes a copy or verify session.
type Config struct {
	Src  string
	Dst  string
	Out2 string // optional second output receiving the read data in order

	BlockSize         int
	BlocksPerTransfer int   // bpt
	BatchSize         int   // mrq; 1 or less submits one command at a time
	Count             int64 // blocks to transfer, CountDerive to derive

	Skip sgl.List // source block list; empty starts at block 0
	Seek sgl.List // destination block list; empty starts at block 0

	InCOE  bool
	OutCOE bool
	Verify bool // compare the source with the destination instead of writing

	Workers       int
	Timeout       time.Duration // per command
	Share         bool
	OrderedWrites bool
	SharedHandles bool

	Retries     int
	BusyRetries int
	BusyBackoff time.Duration

	Heartbeat      time.Duration // zero disables the heartbeat
	StallIntervals int

	AbortEvery int // abort one command of every Nth batch, zero disables
	AbortDelay time.Duration

	BWLimit           int64 // bytes per second, zero for unlimited
	Digest            bool
	TolerateSecondary bool
	DryRun            bool

	Open   transport.OpenFlags
	Opener transport.Opener

	Stats   *stats.Collector
	Metrics *stats.Metrics
	Events  chan<- event.Event
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.BlocksPerTransfer <= 0 {
		c.BlocksPerTransfer = DefaultBlocksPerTransfer
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	c.Workers = min(c.Workers, MaxWorkers)
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.BusyRetries <= 0 {
		c.BusyRetries = DefaultBusyRetries
	}
	if c.StallIntervals <= 0 {
		c.StallIntervals = DefaultStallIntervals
	}
	if c.Skip.Empty() {
		c.Skip = sgl.New(0, 0)
	}
	if c.Seek.Empty() {
		c.Seek = sgl.New(0, 0)
	}
	if c.Opener == nil {
		c.Opener = DefaultOpener()
	}
	if c.Stats == nil {
		c.Stats = stats.NewCollector()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	switch {
	case c.Src == "":
		return errors.New("no source")
	case c.Dst == "":
		return errors.New("no destination")
	case c.Out2 != "" && c.Out2 == c.Dst:
		return fmt.Errorf("second output %s is the destination", c.Out2)
	case int64(c.BlockSize)*int64(c.BlocksPerTransfer) > math.MaxInt32:
		return fmt.Errorf("transfer of %d blocks of %d bytes is too large", c.BlocksPerTransfer, c.BlockSize)
	}
	return nil
}

// DefaultOpener routes "sim:" names to a fresh simulated transport and
// everything else to the file transport.
func DefaultOpener() transport.Opener {
	m := transport.NewMux(transport.FileOpener{})
	m.Handle(sim.Prefix, sim.NewOpener())
	return m
}

// Result is the outcome of a session.
type Result struct {
	Stats        stats.Snapshot
	Session      string
	Requested    int64 // session total in blocks
	InRemaining  int64
	OutRemaining int64
	Category     transport.Category // worst outcome seen
	Digest       string
	Err          error
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	cat := r.Category
	var ee *Error
	if errors.As(r.Err, &ee) && ee.Category.Worse(cat) {
		cat = ee.Category
	}
	if r.Err != nil && cat.OK() {
		cat = transport.CatOther
	}
	return cat.ExitCode()
}

// runner is the state shared by the workers of one session.
type runner struct {
	cfg Config
	s   *Session

	bpt int
	mrq int

	src, dst, out2 *endpoint

	gate *orderGate
	dig  *digest
	lim  *rate.Limiter
	pol  policy

	share      bool
	readFlags  transport.Flags
	writeFlags transport.Flags

	collector *stats.Collector
	metrics   *stats.Metrics
	events    chan<- event.Event
	logger    *slog.Logger

	snapOnce sync.Once
	aborts   sync.WaitGroup
}

// Run executes a session, blocking until every worker has finished.
// Cancelling ctx stops the distribution of new work; commands already
// issued are drained.
func Run(ctx context.Context, cfg Config) Result {
	cfg.setDefaults()
	id := uuid.NewString()
	logger := cfg.Logger.With("session", id)

	fail := func(cat transport.Category, err error) Result {
		return Result{Session: id, Category: cat, Err: err, Stats: cfg.Stats.Snapshot()}
	}

	if err := cfg.validate(); err != nil {
		return fail(transport.CatSyntax, newError(KindConfig, transport.CatSyntax, "configure", "", -1, err))
	}

	r := &runner{
		cfg:       cfg,
		bpt:       cfg.BlocksPerTransfer,
		mrq:       max(cfg.BatchSize, 1),
		pol:       policy{inCOE: cfg.InCOE, outCOE: cfg.OutCOE},
		collector: cfg.Stats,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		logger:    logger,
	}

	srcFlags := cfg.Open
	srcFlags.Create, srcFlags.Excl = false, false
	src, err := openEndpoint(ctx, cfg.Opener, cfg.Src, sideIn, transport.ModeRead, srcFlags)
	if err != nil {
		return fail(transport.CatOpen, err)
	}
	defer closeEndpoint(src, logger)
	r.src = src

	dstMode, dstFlags := transport.ModeWrite, cfg.Open
	dstFlags.Create = true
	if cfg.Verify {
		dstMode = transport.ModeRead
		dstFlags.Create, dstFlags.Excl = false, false
	}
	dst, err := openEndpoint(ctx, cfg.Opener, cfg.Dst, sideOut, dstMode, dstFlags)
	if err != nil {
		return fail(transport.CatOpen, err)
	}
	defer closeEndpoint(dst, logger)
	r.dst = dst

	if cfg.Out2 != "" {
		out2Flags := cfg.Open
		out2Flags.Create = true
		out2, err := openEndpoint(ctx, cfg.Opener, cfg.Out2, sideOut2, transport.ModeWrite, out2Flags)
		if err != nil {
			return fail(transport.CatOpen, err)
		}
		defer closeEndpoint(out2, logger)
		r.out2 = out2
	}

	srcCaps, dstCaps := src.h.Caps(), dst.h.Caps()
	total, err := deriveCount(cfg.Count, &cfg.Skip, &cfg.Seek, src.h, cfg.BlockSize)
	if err != nil {
		return fail(transport.CatSyntax, newError(KindConfig, transport.CatSyntax, "count", cfg.Src, -1, err))
	}

	workers := cfg.Workers
	if !srcCaps.Seekable || !dstCaps.Seekable {
		workers = 1
	}
	seg := int64(r.bpt) * int64(r.mrq)
	if total < math.MaxInt64 {
		workers = int(min(int64(workers), total/seg+1))
	}

	needData := cfg.Out2 != "" || cfg.Digest
	r.share = cfg.Share && srcCaps.PassThrough && dstCaps.PassThrough && srcCaps.Share && dstCaps.Share
	if r.share {
		r.readFlags |= transport.FlagShare
		if !needData && r.mrq == 1 {
			r.readFlags |= transport.FlagNoDxfer
		}
	}
	if cfg.Verify {
		r.writeFlags |= transport.FlagVerify
	}
	if needData || !dstCaps.Seekable || cfg.OrderedWrites {
		r.gate = newOrderGate()
	}
	if cfg.Digest {
		r.dig = newDigest()
	}
	if cfg.BWLimit > 0 {
		r.lim = NewBWLimiter(cfg.BWLimit)
	}

	logger.Info("session",
		"src", cfg.Src, "dst", cfg.Dst, "blocks", total, "bs", cfg.BlockSize,
		"bpt", r.bpt, "mrq", r.mrq, "workers", workers,
		"share", r.share, "ordered", r.gate != nil, "verify", cfg.Verify,
	)
	if logger.Enabled(ctx, slog.LevelDebug) {
		var b bytes.Buffer
		cfg.Skip.Dump(&b, "skip")
		cfg.Seek.Dump(&b, "seek")
		logger.Debug("block lists\n" + b.String())
	}

	if cfg.DryRun {
		return Result{Session: id, Requested: total, InRemaining: total, OutRemaining: total, Stats: cfg.Stats.Snapshot()}
	}

	if p, ok := dst.h.(transport.Preallocator); ok && !cfg.Verify && total < math.MaxInt64 {
		lo, hi := seekSpan(&cfg.Seek, total)
		bs := int64(cfg.BlockSize)
		//nolint:gosec // block addresses fit in int64
		if err := p.Preallocate(int64(lo)*bs, int64(hi-lo)*bs); err != nil {
			logger.Debug("preallocation skipped", "error", err)
		}
	}

	s := NewSession(total)
	r.s = s
	cfg.Stats.SetTotal(total)
	emitEvent(r.events, event.Event{Type: event.SessionStarted, Block: total})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			s.GetNext(-1)
			logger.Warn("interrupted, draining in-flight commands")
		}
	}()

	hb := &heartbeat{
		s:          s,
		interval:   cfg.Heartbeat,
		stallTicks: cfg.StallIntervals,
		collector:  cfg.Stats,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		logger:     logger,
	}
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		hb.run(runCtx)
	}()

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runWorker(ctx, i); err != nil {
				logger.Debug("worker stopped", "worker", i, "error", err)
			}
		}()
	}
	wg.Wait()
	r.aborts.Wait()
	cancel()
	hbDone.Wait()

	in, out := s.Remaining()
	res := Result{
		Session:      id,
		Requested:    s.Total(),
		InRemaining:  in,
		OutRemaining: out,
		Category:     s.Worst(),
		Digest:       r.dig.Sum(),
		Err:          s.Err(),
		Stats:        cfg.Stats.Snapshot(),
	}
	if res.Err == nil && ctx.Err() != nil && (in > 0 || out > 0) {
		res.Err = fmt.Errorf("interrupted: %w", ctx.Err())
	}
	emitEvent(r.events, event.Event{
		Type: event.SessionComplete, Block: res.Requested, Blocks: res.Stats.BlocksWritten,
		Category: res.Category.String(), Error: res.Err,
	})
	logger.Info("session complete", "category", res.Category, "stats", res.Stats.String())
	return res
}

// seekSpan returns the destination block range a session of total blocks
// can touch.
func seekSpan(seek *sgl.List, total int64) (lo, hi uint64) {
	if seek.SumHard() {
		return seek.Bounds()
	}
	lo = seek.Lowest(true, true)
	return lo, lo + uint64(total) //nolint:gosec // total is finite and non-negative
}

// runWorker builds worker id and runs it to completion.
func (r *runner) runWorker(ctx context.Context, id int) error {
	logger := r.logger.With("worker", id)
	w := &worker{
		r:      r,
		id:     id,
		ctx:    ctx,
		tctx:   context.WithoutCancel(ctx),
		logger: logger,
		inIt:   sgl.NewIter(&r.cfg.Skip),
		outIt:  sgl.NewIter(&r.cfg.Seek),
		buf:    make([]byte, r.bpt*r.mrq*r.cfg.BlockSize),
		reads:  make([]item, 0, r.mrq),
		writes: make([]item, 0, r.mrq),
	}

	if id == 0 || r.cfg.SharedHandles {
		w.in, w.out = r.src, r.dst
	} else {
		var err error
		if w.in, w.out, err = r.openOwn(ctx); err != nil {
			r.s.Stop(transport.CatOpen, err)
			r.gate.Stop()
			return err
		}
		defer closeEndpoint(w.in, logger)
		defer closeEndpoint(w.out, logger)
	}

	r.metrics.WorkerStarted()
	emitEvent(r.events, event.Event{Type: event.WorkerStarted, WorkerID: id})
	defer func() {
		w.fold()
		r.metrics.WorkerStopped()
		emitEvent(r.events, event.Event{Type: event.WorkerStopped, WorkerID: id})
	}()
	return w.run()
}

// openOwn opens a worker's private handles on the session endpoints.
func (r *runner) openOwn(ctx context.Context) (*endpoint, *endpoint, error) {
	flags := r.cfg.Open
	flags.Create, flags.Excl = false, false
	in, err := openEndpoint(ctx, r.cfg.Opener, r.cfg.Src, sideIn, transport.ModeRead, flags)
	if err != nil {
		return nil, nil, err
	}
	mode := transport.ModeWrite
	if r.cfg.Verify {
		mode = transport.ModeRead
	}
	out, err := openEndpoint(ctx, r.cfg.Opener, r.cfg.Dst, sideOut, mode, flags)
	if err != nil {
		_ = in.h.Close()
		return nil, nil, err
	}
	return in, out, nil
}

// openEndpoint opens name as a session endpoint. The returned endpoint is
// borrowable: its mutex serializes exchanges from several workers.
func openEndpoint(ctx context.Context, o transport.Opener, name, side string, mode transport.Mode, flags transport.OpenFlags) (*endpoint, error) {
	h, err := o.Open(ctx, name, mode, flags)
	if err != nil {
		return nil, newError(KindFatalTransport, transport.CatOpen, "open", name, -1, err)
	}
	return &endpoint{h: h, mu: &sync.Mutex{}, name: name, side: side}, nil
}

func closeEndpoint(ep *endpoint, logger *slog.Logger) {
	if ep == nil {
		return
	}
	if err := ep.h.Close(); err != nil {
		logger.Warn("close", "endpoint", ep.name, "error", err)
	}
}

// deriveCount resolves the session total in blocks. An explicit count must
// fit every bounded block list. Otherwise the smallest bounded list wins,
// then the source capacity past the lowest skip offset. A stream source with
// nothing else to go on is read until it ends.
func deriveCount(count int64, skip, seek *sgl.List, src transport.Handle, blockSize int) (int64, error) {
	lists := []struct {
		name string
		l    *sgl.List
	}{{"skip", skip}, {"seek", seek}}

	if count >= 0 {
		for _, x := range lists {
			if x.l.SumHard() && x.l.Sum() < count {
				return 0, fmt.Errorf("count %d exceeds the %d blocks of the %s list", count, x.l.Sum(), x.name)
			}
		}
		return count, nil
	}

	best := int64(-1)
	for _, x := range lists {
		if x.l.SumHard() && (best < 0 || x.l.Sum() < best) {
			best = x.l.Sum()
		}
	}
	if best >= 0 {
		return best, nil
	}

	if !src.Caps().Seekable {
		return math.MaxInt64, nil
	}
	capacity, err := src.Capacity(blockSize)
	if err != nil {
		return 0, fmt.Errorf("source capacity: %w", err)
	}
	if capacity < 0 {
		return 0, errors.New("cannot derive count from source, give one")
	}
	low := int64(skip.Lowest(true, true)) //nolint:gosec // offsets fit int64
	return max(capacity-low, 0), nil
}

func emitEvent(ch chan<- event.Event, e event.Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
