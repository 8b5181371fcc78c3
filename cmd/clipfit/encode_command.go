package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"clipfit/internal/config"
	"clipfit/internal/deps"
	"clipfit/internal/dispatch"
	"clipfit/internal/encoding"
	"clipfit/internal/logging"
	"clipfit/internal/progress"
	"clipfit/internal/queue"
)

type encodeOptions struct {
	sizeLimit   string
	start       string
	end         string
	output      string
	concurrency int
}

func newEncodeCommand(ctx *commandContext) *cobra.Command {
	var opts encodeOptions

	cmd := &cobra.Command{
		Use:   "encode <source>...",
		Short: "Encode one or more clips under a size ceiling",
		Long: `Encode extracts a clip from each source and encodes it to WebM.
With --size-limit the video bitrate is derived from the clip duration so the
output fits under the ceiling; without it the encode runs at constant quality.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runEncode(cmd, cfg, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.sizeLimit, "size-limit", "s", "", "Output size ceiling, e.g. 8M or 7.5MiB (empty for constant quality)")
	cmd.Flags().StringVar(&opts.start, "start", "", "Clip start timecode (SS, MM:SS, or HH:MM:SS.mmm)")
	cmd.Flags().StringVar(&opts.end, "end", "", "Clip end timecode")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path (single source only)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Worker pool size (0 derives from CPU count)")

	return cmd
}

func runEncode(cmd *cobra.Command, cfg *config.Config, sources []string, opts encodeOptions) error {
	if opts.output != "" && len(sources) > 1 {
		return errors.New("--output requires exactly one source")
	}
	targetSize, err := parseSizeLimit(opts.sizeLimit)
	if err != nil {
		return err
	}
	if opts.concurrency > 0 {
		cfg.Encode.MaxConcurrency = opts.concurrency
	}
	cfg.Encode.MaxConcurrency = resolveConcurrency(cfg)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	if missing := deps.MissingRequired(statuses); len(missing) > 0 {
		return fmt.Errorf("missing required tools: %s (see `clipfit deps`)", strings.Join(missing, ", "))
	}

	runLock := flock.New(filepath.Join(cfg.Paths.ScratchDir, "clipfit.lock"))
	locked, err := runLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return errors.New("another clipfit run is already using this scratch directory")
	}
	defer func() {
		_ = runLock.Unlock()
	}()

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open run queue: %w", err)
	}
	defer func() {
		_ = store.Destroy()
	}()

	agg := progress.NewAggregator()
	planner := encoding.NewPlanner(cfg, logger)
	for _, source := range sources {
		job, err := planner.Plan(runCtx, encoding.Request{
			SourcePath:      source,
			TrimStart:       opts.start,
			TrimEnd:         opts.end,
			TargetSizeBytes: targetSize,
			OutputPath:      opts.output,
		})
		if err != nil {
			return fmt.Errorf("plan %s: %w", source, err)
		}
		if err := store.Insert(runCtx, job); err != nil {
			return fmt.Errorf("queue %s: %w", source, err)
		}
		agg.Track(job.ID, job.DurationSeconds)
	}

	runner := encoding.NewRunner(cfg, logger)
	dispatcher := dispatch.New(cfg, store, runner, agg, logger)

	feed := newStatusFeed(cmd.OutOrStdout(), agg)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		feed.Run(dispatcher.Events())
	}()

	summary, runErr := dispatcher.Run(runCtx)
	<-feedDone

	if err := printRunSummary(cmd, store, summary); err != nil {
		return err
	}
	switch {
	case runErr != nil:
		return runErr
	case summary.Failed > 0:
		return fmt.Errorf("%d of %d jobs failed", summary.Failed, summary.Total)
	case summary.Cancelled > 0 && runCtx.Err() != nil:
		return context.Canceled
	default:
		return nil
	}
}

func printRunSummary(cmd *cobra.Command, store *queue.Store, summary queue.Summary) error {
	jobs, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			fmt.Sprintf("%d", job.ID),
			filepath.Base(job.SourcePath),
			string(job.State),
			fmt.Sprintf("%d", job.Attempt),
			summaryDetail(job),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Source", "State", "Attempts", "Result"},
		rows, 1, 4,
	))
	fmt.Fprintf(out, "%d succeeded, %d failed, %d cancelled (of %d)\n",
		summary.Succeeded, summary.Failed, summary.Cancelled, summary.Total)
	return nil
}

func summaryDetail(job *queue.Job) string {
	switch job.State {
	case queue.StateSucceeded:
		detail := job.OutputPath
		if info, err := os.Stat(job.OutputPath); err == nil {
			detail = fmt.Sprintf("%s (%s)", job.OutputPath, formatBytes(info.Size()))
		}
		return detail
	case queue.StateFailed:
		return job.ErrorMessage
	default:
		return ""
	}
}
