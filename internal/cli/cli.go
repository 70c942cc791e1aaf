// ============================================================================
// cropbatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   cropbatch                              # Root command
//   ├── run IMAGE CROPS OUTPUT             # Run one batch
//   │   ├── --mode                         # sequential | cooperative | thread | process
//   │   ├── --repeats, -r                  # Number of jobs
//   │   ├── --capacity, -b                 # Cooperative window size
//   │   ├── --workers                      # Parallel worker count
//   │   ├── --rm                           # Remove the output dir first
//   │   └── --log-file                     # Override <log.dir>/<mode>-<storage>.log
//   ├── worker                             # (hidden) isolated worker process
//   ├── clean OUTPUT                       # Remove an output dir
//   ├── timeline LOGFILE...                # Per-job timelines of batch logs
//   ├── status                             # Configuration and last batch summaries
//   ├── --config, -c                       # Config file (default: configs/default.yaml)
//   └── --version
//
// Locations:
//   IMAGE, CROPS and OUTPUT are local paths or redis://host:port/key URLs.
//
//   Examples:
//     ./cropbatch run data/image.png data/crops.csv out --mode thread -r 20
//     ./cropbatch run redis://localhost:6379/in/img.png redis://localhost:6379/in/crops.csv \
//         redis://localhost:6379/out --mode process --rm
//     ./cropbatch timeline 'logs/*.log'
//
// Logging:
//   During a batch every record goes through the log funnel into the batch
//   log file. Outside a batch slog writes text to stderr.
//
// Signal Handling:
//   run captures SIGINT and SIGTERM and cancels the batch context. Jobs are
//   not cancelled individually; the batch is the unit of cancellation.
//
// Metrics Service:
//   If enabled in config, /metrics is served on metrics.port for the
//   lifetime of the run command.
//
// Exit status:
//   Non-zero on configuration or engine errors, and when any job failed.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/cropbatch/internal/config"
	"github.com/ChuLiYu/cropbatch/internal/controller"
	"github.com/ChuLiYu/cropbatch/internal/cropjob"
	"github.com/ChuLiYu/cropbatch/internal/metrics"
	"github.com/ChuLiYu/cropbatch/internal/progress"
	"github.com/ChuLiYu/cropbatch/internal/snapshot"
	"github.com/ChuLiYu/cropbatch/internal/timeline"
	"github.com/ChuLiYu/cropbatch/internal/worker"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ErrJobsFailed is returned by run when the batch finished with failed jobs.
var ErrJobsFailed = errors.New("batch finished with failed jobs")

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cropbatch",
		Short: "cropbatch: bounded-concurrency batch image cropping",
		Long: `cropbatch crops one image into many JPEGs, repeated as a batch of jobs, with:
- sequential, cooperative, thread and process scheduling
- local or Redis storage for inputs and outputs
- one JSON-lines log per batch with a trace id per job
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildCleanCommand())
	rootCmd.AddCommand(buildTimelineCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	mode       string
	repeats    int
	capacity   int
	workers    int
	remove     bool
	logFile    string
	noProgress bool
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run IMAGE CROPS OUTPUT",
		Short: "Run a batch of crop jobs",
		Long:  "Crop IMAGE along every rectangle of the CROPS list, repeats times, saving the JPEGs under OUTPUT",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyRunFlags(cmd, cfg, opts)
			batch := controller.Batch{
				Image:   args[0],
				Crops:   args[1],
				Output:  args[2],
				Remove:  opts.remove,
				LogFile: opts.logFile,
			}
			return runBatch(cmd.Context(), cmd.OutOrStdout(), cfg, batch, !opts.noProgress)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "", "scheduling mode: sequential, cooperative, thread, process")
	cmd.Flags().IntVarP(&opts.repeats, "repeats", "r", 0, "number of jobs in the batch")
	cmd.Flags().IntVarP(&opts.capacity, "capacity", "b", 0, "cooperative window size")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "parallel worker count (0 = sized from host)")
	cmd.Flags().BoolVar(&opts.remove, "rm", false, "remove the output dir before running")
	cmd.Flags().BoolVar(&opts.remove, "remove", false, "alias of --rm")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "log file path (default <log.dir>/<mode>-<local|remote>.log)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "do not draw a progress bar")
	cmd.Flags().MarkHidden("remove")

	return cmd
}

// applyRunFlags overrides config values with the flags actually given.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts runOptions) {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Batch.Mode = opts.mode
	}
	if flags.Changed("repeats") {
		cfg.Batch.Repeats = opts.repeats
	}
	if flags.Changed("capacity") {
		cfg.Batch.Capacity = opts.capacity
	}
	if flags.Changed("workers") {
		cfg.Worker.Count = opts.workers
	}
}

func runBatch(ctx context.Context, out io.Writer, cfg *config.Config, batch controller.Batch, showProgress bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := controller.Deps{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		deps.Metrics = metrics.NewCollectorWith(reg)
		metrics.StartServer(ctx, cfg.Metrics.Port, reg)
		slog.Info("serving metrics", "addr", fmt.Sprintf(":%d/metrics", cfg.Metrics.Port))
	}

	var bar *progress.Bar
	if showProgress {
		bar = progress.ForStderr()
		deps.Progress = bar.Update
	}
	ctrl, err := controller.NewController(cfg, batch, deps)
	if err != nil {
		return err
	}

	slog.Info("starting batch", "mode", ctrl.Mode(), "jobs", cfg.Batch.Repeats, "workers", ctrl.Workers(), "log", ctrl.LogPath())
	rep, err := ctrl.RunBatch(ctx)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	printReport(out, rep)
	if rep.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrJobsFailed, rep.Failed, rep.Total)
	}
	return nil
}

func printReport(out io.Writer, rep controller.Report) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           cropbatch Batch Report                          ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Batch:")
	fmt.Fprintf(out, "  ├─ Mode:        %s\n", rep.Mode)
	fmt.Fprintf(out, "  ├─ Storage:     %s\n", rep.Storage)
	fmt.Fprintf(out, "  ├─ Workers:     %d\n", rep.Workers)
	fmt.Fprintf(out, "  └─ Jobs:        %d\n", rep.Total)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Results:")
	fmt.Fprintf(out, "  ├─ ✅ Completed:  %d\n", rep.Completed)
	if rep.FirstFailure != nil {
		fmt.Fprintf(out, "  ├─ ❌ Failed:     %d\n", rep.Failed)
		fmt.Fprintf(out, "  └─ First failure: %v\n", rep.FirstFailure)
	} else {
		fmt.Fprintf(out, "  └─ ❌ Failed:     %d\n", rep.Failed)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "⏱  Elapsed %.2f seconds, average %.2f img/s\n", rep.Elapsed.Seconds(), rep.ImagesPerSecond())
	if rep.OutputsMatch() {
		fmt.Fprintf(out, "🖼  Outputs: %d/%d ✅\n", rep.ActualOutputs, rep.ExpectedOutputs)
	} else {
		fmt.Fprintf(out, "🖼  Outputs: %d/%d ⚠️  mismatch\n", rep.ActualOutputs, rep.ExpectedOutputs)
	}
	fmt.Fprintf(out, "📝 Log: %s (%d records, %d dropped)\n", rep.LogFile, rep.LogRecords, rep.LogDropped)
	fmt.Fprintf(out, "💾 Summary: %s\n", rep.SummaryFile)
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}

// ============================================================================
// worker (hidden)
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var coordinator, id, level string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve jobs of a coordinator as an isolated worker process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if coordinator == "" || id == "" {
				return fmt.Errorf("%w: --coordinator and --id are required", types.ErrConfiguration)
			}
			lvl, err := config.ParseLevel(level)
			if err != nil {
				return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return worker.RunWorkerProcess(ctx, coordinator, id, cropjob.Factory, lvl)
		},
	}

	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator address")
	cmd.Flags().StringVar(&id, "id", "", "worker id")
	cmd.Flags().StringVar(&level, "log-level", "debug", "log level")

	return cmd
}

// ============================================================================
// clean
// ============================================================================

func buildCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean OUTPUT",
		Short: "Remove an output dir and every crop in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := cropjob.Cleanup(ctx, args[0], cfg.Redis.Password, slog.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
	return cmd
}

// ============================================================================
// timeline
// ============================================================================

func buildTimelineCommand() *cobra.Command {
	var width int

	cmd := &cobra.Command{
		Use:   "timeline LOGFILE...",
		Short: "Show per-job timelines of batch log files",
		Long:  "Group the records of each log by trace id and draw every job's span. Arguments may be glob patterns.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := timeline.Expand(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no non-empty log files match %v", args)
			}
			if width <= 0 {
				width = barWidth()
			}
			for _, p := range paths {
				tl, err := timeline.ParseFile(p)
				if errors.Is(err, timeline.ErrEmpty) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no job records\n", p)
					continue
				}
				if err != nil {
					return err
				}
				if err := timeline.Render(cmd.OutOrStdout(), tl, width); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&width, "width", "w", 0, "bar width (default: fit the terminal)")
	return cmd
}

// barWidth fits the timeline bars into the terminal, leaving room for the
// id and duration columns.
func barWidth() int {
	const columns, fallback = 40, 60
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= columns+10 {
		return fallback
	}
	return w - columns
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and last batch status",
		Long:  "Display the effective configuration and the summary of the last batch of every mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	mode, err := cfg.Mode()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           cropbatch Status                                ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Mode:            %s\n", mode)
	fmt.Fprintf(out, "  ├─ Repeats:         %d\n", cfg.Batch.Repeats)
	fmt.Fprintf(out, "  ├─ Capacity:        %d\n", cfg.Batch.Capacity)
	fmt.Fprintf(out, "  ├─ Thread Workers:  %d\n", cfg.Workers(types.ModeThread))
	fmt.Fprintf(out, "  ├─ Process Workers: %d\n", cfg.Workers(types.ModeProcess))
	fmt.Fprintf(out, "  └─ Save Fan-out:    %d\n", cfg.PersistConcurrency())
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Logs:")
	fmt.Fprintf(out, "  ├─ Directory:       %s\n", cfg.Log.Dir)
	fmt.Fprintf(out, "  └─ Level:           %s\n", cfg.Level())
	fmt.Fprintln(out)

	paths, err := snapshot.List(cfg.Log.Dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "📊 Last Batches:")
	if len(paths) == 0 {
		fmt.Fprintln(out, "  └─ No batch has run yet (run 'cropbatch run' to start)")
	}
	for i, p := range paths {
		branch := "├─"
		if i == len(paths)-1 {
			branch = "└─"
		}
		s, err := snapshot.NewManager(p).Load()
		if err != nil {
			fmt.Fprintf(out, "  %s %s: ⚠️  %v\n", branch, p, err)
			continue
		}
		fmt.Fprintf(out, "  %s %s-%s: ✅ %d/%d  ❌ %d  %.2fs  %.1f jobs/s  (%s)\n",
			branch, s.Mode, s.Storage, s.Completed, s.Total, s.Failed,
			s.Elapsed.Seconds(), s.Throughput(), s.Started.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}
