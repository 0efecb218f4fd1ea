package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/sgmrq/internal/config"
	"github.com/bamsammich/sgmrq/internal/engine"
	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/sgl"
	"github.com/bamsammich/sgmrq/internal/stats"
	"github.com/bamsammich/sgmrq/internal/transport"
	"github.com/bamsammich/sgmrq/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// numValue is a pflag.Value accepting the multiplier suffixes of
// sgl.ParseNum ("4k", "1MiB", "2x512"). "-1" is kept as a marker.
type numValue struct {
	n int64
}

func (v *numValue) String() string { return strconv.FormatInt(v.n, 10) }
func (*numValue) Type() string     { return "num" }

func (v *numValue) Set(s string) error {
	if s == "-1" {
		v.n = -1
		return nil
	}
	n, err := sgl.ParseNum(s)
	if err != nil {
		return err
	}
	v.n = n
	return nil
}

type options struct {
	src, dst, out2 string
	skip, seek     string
	flexible       bool

	bs, count, bwLimit numValue
	bpt, mrq, workers  int

	coe, inCOE, outCOE bool
	verify             bool
	share              bool
	ordered            bool
	sameFDs            bool

	iouring, direct, sync, excl bool

	timeout        time.Duration
	retries        int
	busyRetries    int
	busyBackoff    time.Duration
	heartbeat      time.Duration
	stallIntervals int
	abortEvery     int
	abortDelay     time.Duration

	digest            bool
	tolerateSecondary bool
	dryRun            bool
	verbose           bool
	quiet             bool
	noProgress        bool

	logFile     string
	metricsFile string
	recordFile  string
	configFile  string
	showVersion bool
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return transport.CatSyntax.ExitCode()
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{
		bs:    numValue{n: engine.DefaultBlockSize},
		count: numValue{n: engine.CountDerive},
	}

	rootCmd := &cobra.Command{
		Use:   "sgmrq --if SRC --of DST [flags]",
		Short: "Scatter-gather block copy and verify with batched command queues",
		Long: `sgmrq copies or verifies blocks between two endpoints. Each side is
addressed by a scatter-gather list (--skip, --seek) and the transfer is
split across workers that submit commands in batches (--mrq).

Endpoints are files, block devices, "-" for stdin/stdout, "." for a null
sink, or "sim:NAME[:BLOCKS]" for the in-memory simulator.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Fprintf(stdout, "sgmrq %s\n", version)
				return nil
			}
			return execute(cmd, opts, stdout, stderr)
		},
	}

	f := rootCmd.Flags()
	f.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	f.StringVar(&opts.src, "if", "", "input endpoint")
	f.StringVar(&opts.dst, "of", "", "output endpoint")
	f.StringVar(&opts.out2, "of2", "", "second output receiving the read data in block order")
	f.StringVar(&opts.skip, "skip", "", "input block list: LBA,NUM,... or @FILE or H@FILE")
	f.StringVar(&opts.seek, "seek", "", "output block list: LBA,NUM,... or @FILE or H@FILE")
	f.BoolVar(&opts.flexible, "flexible", false, "allow a hex marker anywhere in list files")

	f.Var(&opts.bs, "bs", "block size in bytes")
	f.Var(&opts.count, "count", "blocks to transfer (-1 derives it from the lists or the input)")
	f.IntVar(&opts.bpt, "bpt", engine.DefaultBlocksPerTransfer, "blocks per transfer")
	f.IntVar(&opts.mrq, "mrq", engine.DefaultBatchSize, "commands per batch (1 submits one at a time)")
	f.IntVarP(&opts.workers, "workers", "n", engine.DefaultWorkers, "number of workers")

	f.BoolVar(&opts.coe, "coe", false, "continue on error on both sides")
	f.BoolVar(&opts.inCOE, "in-coe", false, "zero-fill unreadable input blocks and continue")
	f.BoolVar(&opts.outCOE, "out-coe", false, "skip unwritable or miscompared output blocks and continue")
	f.BoolVar(&opts.verify, "verify", false, "compare the input with the output instead of writing")
	f.BoolVar(&opts.share, "share", false, "let the output use the input's buffers when both sides can")
	f.BoolVar(&opts.ordered, "ordered", false, "write segments in block order")
	f.BoolVar(&opts.sameFDs, "same-fds", false, "all workers share the session's handles")

	f.BoolVar(&opts.iouring, "iouring", false, "submit file batches through io_uring (Linux only)")
	f.BoolVar(&opts.direct, "direct", false, "open files with O_DIRECT")
	f.BoolVar(&opts.sync, "sync", false, "open the output with O_SYNC")
	f.BoolVar(&opts.excl, "excl", false, "open with O_EXCL")

	f.DurationVar(&opts.timeout, "timeout", 0, "per command timeout")
	f.IntVar(&opts.retries, "retries", engine.DefaultRetries, "retries of a transient error before giving up")
	f.IntVar(&opts.busyRetries, "busy-retries", engine.DefaultBusyRetries, "resubmissions while the transport is busy")
	f.DurationVar(&opts.busyBackoff, "busy-backoff", 0, "sleep between busy resubmissions (0 yields)")
	f.DurationVar(&opts.heartbeat, "heartbeat", time.Second, "progress and stall check interval (0 disables)")
	f.IntVar(&opts.stallIntervals, "stall-intervals", engine.DefaultStallIntervals, "heartbeats without progress before a stall is reported")
	f.IntVar(&opts.abortEvery, "abort-every", 0, "abort one command of every Nth batch (testing)")
	f.DurationVar(&opts.abortDelay, "abort-delay", 0, "delay before an injected abort")

	f.Var(&opts.bwLimit, "bwlimit", "input bandwidth limit in bytes per second (e.g. 100M)")
	f.BoolVar(&opts.digest, "digest", false, "print a BLAKE3 digest of the data read, in block order")
	f.BoolVar(&opts.tolerateSecondary, "tolerate-secondary", false, "log secondary transport errors instead of failing")
	f.BoolVar(&opts.dryRun, "dry-run", false, "resolve endpoints and lists without transferring")

	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all output except errors")
	f.BoolVar(&opts.noProgress, "no-progress", false, "disable the progress display")
	f.StringVar(&opts.logFile, "log", "", "write structured JSON log to FILE")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to FILE on exit")
	f.StringVar(&opts.recordFile, "record", "", "write a TOML record of the session to FILE")
	f.StringVar(&opts.configFile, "config", "", "config file (default $XDG_CONFIG_HOME/sgmrq/config.toml)")

	rootCmd.AddCommand(newDocsCmd())
	return rootCmd
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: CLI entry point wires every subsystem
func execute(cmd *cobra.Command, opts *options, stdout, stderr io.Writer) error {
	// Load optional config file.
	var (
		fileCfg config.Config
		cfgErr  error
	)
	if opts.configFile != "" {
		fileCfg, cfgErr = config.LoadFile(opts.configFile)
	} else {
		fileCfg, cfgErr = config.Load()
	}
	if err := applyConfigDefaults(cmd.Flags(), fileCfg.Defaults, opts); err != nil {
		return err
	}

	// Configure logging.
	logLevel := slog.LevelWarn
	if opts.verbose {
		logLevel = slog.LevelDebug
	} else if !opts.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel})
	var logHandler slog.Handler = textHandler
	if opts.logFile != "" {
		lf, err := os.Create(opts.logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer lf.Close()
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	if cfgErr != nil {
		slog.Warn("failed to load config", "error", cfgErr)
	}

	skip, err := parseList("skip", opts.skip, opts.flexible)
	if err != nil {
		return err
	}
	seek, err := parseList("seek", opts.seek, opts.flexible)
	if err != nil {
		return err
	}
	if opts.bs.n <= 0 || opts.bs.n > 1<<30 {
		return fmt.Errorf("invalid --bs %d", opts.bs.n)
	}

	if opts.iouring && !transport.IOURingSupported() {
		slog.Warn("io_uring is not available, using pread/pwrite")
		opts.iouring = false
	}

	// Set up context with signal handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var (
		reg     *prometheus.Registry
		metrics *stats.Metrics
	)
	if opts.metricsFile != "" {
		reg = prometheus.NewRegistry()
		metrics = stats.NewMetrics(reg)
	}

	events := make(chan event.Event, 256)

	// When --log is set, tee events through a logging goroutine that writes
	// structured records before forwarding to the presenter.
	presenterEvents := (<-chan event.Event)(events)
	if opts.logFile != "" {
		teed := make(chan event.Event, 256)
		go func() {
			for ev := range events {
				logEvent(ev)
				teed <- ev
			}
			close(teed)
		}()
		presenterEvents = teed
	}

	isTTY, width := false, 0
	if f, ok := stderr.(*os.File); ok {
		isTTY, width = ui.Terminal(f)
	}
	presenter := ui.NewPresenter(ui.Config{
		Writer:     stderr,
		Stats:      collector,
		BlockSize:  int(opts.bs.n),
		Width:      width,
		IsTTY:      isTTY,
		Quiet:      opts.quiet,
		Verbose:    opts.verbose,
		NoProgress: opts.noProgress,
	})

	engineCfg := engine.Config{
		Src:               opts.src,
		Dst:               opts.dst,
		Out2:              opts.out2,
		BlockSize:         int(opts.bs.n),
		BlocksPerTransfer: opts.bpt,
		BatchSize:         opts.mrq,
		Count:             opts.count.n,
		Skip:              skip,
		Seek:              seek,
		InCOE:             opts.inCOE || opts.coe,
		OutCOE:            opts.outCOE || opts.coe,
		Verify:            opts.verify,
		Workers:           opts.workers,
		Timeout:           opts.timeout,
		Share:             opts.share,
		OrderedWrites:     opts.ordered,
		SharedHandles:     opts.sameFDs,
		Retries:           opts.retries,
		BusyRetries:       opts.busyRetries,
		BusyBackoff:       opts.busyBackoff,
		Heartbeat:         opts.heartbeat,
		StallIntervals:    opts.stallIntervals,
		AbortEvery:        opts.abortEvery,
		AbortDelay:        opts.abortDelay,
		BWLimit:           opts.bwLimit.n,
		Digest:            opts.digest,
		TolerateSecondary: opts.tolerateSecondary,
		DryRun:            opts.dryRun,
		Open: transport.OpenFlags{
			Direct:  opts.direct,
			Sync:    opts.sync,
			Excl:    opts.excl,
			IOURing: opts.iouring,
			Queue:   opts.mrq,
		},
		Stats:   collector,
		Metrics: metrics,
		Events:  events,
		Logger:  logger,
	}

	slog.Debug("starting session",
		"if", opts.src, "of", opts.dst, "bs", opts.bs.n,
		"bpt", opts.bpt, "mrq", opts.mrq, "workers", opts.workers,
		"iouring", opts.iouring,
	)

	// Presenter in background, engine in foreground.
	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		presenterErr = presenter.Run(presenterEvents)
	}()

	started := time.Now()
	result := engine.Run(ctx, engineCfg)
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(stderr, "presenter: %v\n", presenterErr)
	}

	if !opts.quiet && !opts.dryRun {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(stderr, summary)
		}
	}
	if result.Digest != "" {
		fmt.Fprintf(stdout, "%s  blake3\n", result.Digest)
	}

	if opts.metricsFile != "" {
		if err := stats.WriteTextfile(opts.metricsFile, reg); err != nil {
			slog.Warn("metrics not written", "error", err)
		}
	}
	if opts.recordFile != "" {
		if err := config.WriteRecord(opts.recordFile, newRecord(opts, result, started)); err != nil {
			slog.Warn("record not written", "error", err)
		}
	}

	code := result.ExitCode()
	if result.Err != nil {
		slog.Error("session failed", "error", result.Err, "exit", code)
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func parseList(name, arg string, flexible bool) (sgl.List, error) {
	if arg == "" {
		return sgl.List{}, nil
	}
	l, err := sgl.ParseArg(arg, flexible)
	if err != nil {
		return sgl.List{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return l, nil
}

func logEvent(ev event.Event) {
	attrs := []slog.Attr{
		slog.String("type", ev.Type.String()),
		slog.Int64("block", ev.Block),
		slog.Int64("blocks", ev.Blocks),
		slog.Int("worker", ev.WorkerID),
	}
	if ev.ID != 0 {
		attrs = append(attrs, slog.Uint64("id", ev.ID))
	}
	if ev.Category != "" {
		attrs = append(attrs, slog.String("category", ev.Category))
	}
	if ev.Error != nil {
		attrs = append(attrs, slog.String("error", ev.Error.Error()))
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "sgmrq.event", attrs...)
}

func newRecord(opts *options, res engine.Result, started time.Time) config.Record {
	r := config.Record{
		Session:       res.Session,
		Started:       started.UTC().Truncate(time.Second),
		Elapsed:       config.Duration(res.Stats.Elapsed),
		Src:           opts.src,
		Dst:           opts.dst,
		Out2:          opts.out2,
		BlockSize:     int(opts.bs.n),
		Requested:     res.Requested,
		BlocksRead:    res.Stats.BlocksRead,
		BlocksWritten: res.Stats.BlocksWritten,
		InRemaining:   res.InRemaining,
		OutRemaining:  res.OutRemaining,
		InPartial:     res.Stats.InPartial,
		OutPartial:    res.Stats.OutPartial,
		Category:      res.Category.String(),
		ExitCode:      res.ExitCode(),
		Digest:        res.Digest,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the command line.
func applyConfigDefaults(flags *pflag.FlagSet, d config.DefaultsConfig, opts *options) error {
	setInt := func(name string, v *int, dst *int) {
		if !flags.Changed(name) && v != nil {
			*dst = *v
		}
	}
	setBool := func(name string, v *bool, dst *bool) {
		if !flags.Changed(name) && v != nil {
			*dst = *v
		}
	}
	setDuration := func(name string, v *config.Duration, dst *time.Duration) {
		if !flags.Changed(name) && v != nil {
			*dst = time.Duration(*v)
		}
	}

	setInt("workers", d.Workers, &opts.workers)
	setInt("bpt", d.BlocksPerTransfer, &opts.bpt)
	setInt("mrq", d.BatchSize, &opts.mrq)
	setInt("retries", d.Retries, &opts.retries)
	setBool("coe", d.COE, &opts.coe)
	setBool("iouring", d.IOURing, &opts.iouring)
	setDuration("timeout", d.Timeout, &opts.timeout)
	setDuration("heartbeat", d.Heartbeat, &opts.heartbeat)

	if !flags.Changed("bs") && d.BlockSize != nil {
		opts.bs.n = int64(*d.BlockSize)
	}
	if !flags.Changed("bwlimit") && d.BWLimit != nil {
		if err := opts.bwLimit.Set(*d.BWLimit); err != nil {
			return fmt.Errorf("config bwlimit: %w", err)
		}
	}
	return nil
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
