package encoding

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"clipfit/internal/config"
	"clipfit/internal/logging"
	"clipfit/internal/queue"
	"clipfit/internal/runerr"
)

// killGracePeriod is how long a pass gets to exit after SIGTERM before the
// process is killed outright.
const killGracePeriod = 5 * time.Second

// stderrTailLines bounds how much encoder output is kept for error messages.
const stderrTailLines = 30

// Result describes a completed attempt.
type Result struct {
	OutputPath      string
	OutputSizeBytes int64
}

// OversizeError reports an encode that finished cleanly but exceeded the
// job's size target. It unwraps to the transient marker: the dispatcher may
// retry the job at a reduced bitrate.
type OversizeError struct {
	ActualBytes int64
	TargetBytes int64
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("output is %d bytes, exceeds target of %d bytes", e.ActualBytes, e.TargetBytes)
}

func (e *OversizeError) Unwrap() error {
	return runerr.ErrTransient
}

// Runner executes encode attempts. Each attempt runs the job's passes
// sequentially in a private scratch directory that is removed on every exit
// path, success or not.
type Runner struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRunner constructs a runner.
func NewRunner(cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logging.NewComponentLogger(logger, "runner")}
}

// Encode runs one attempt of a job: every analysis pass, then the final pass,
// then size verification and the move into place. onProgress, when non-nil,
// receives monotonically non-decreasing attempt fractions.
func (r *Runner) Encode(ctx context.Context, job *queue.Job, requestID string, onProgress func(Progress)) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.cfg.Encode.SoftTimeoutSeconds > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.Encode.SoftTimeoutSeconds)*time.Second)
	}
	defer cancel()

	attemptDir := filepath.Join(r.cfg.Paths.ScratchDir,
		fmt.Sprintf("job%d-a%d-%s", job.ID, job.Attempt, requestID))
	if err := os.MkdirAll(attemptDir, 0o755); err != nil {
		return Result{}, runerr.Wrap(runerr.ErrTransient, "runner", "scratch", attemptDir, err)
	}
	defer func() {
		if err := os.RemoveAll(attemptDir); err != nil {
			r.logger.Warn("scratch cleanup failed",
				logging.String("dir", attemptDir), logging.Error(err))
		}
	}()

	passLogPrefix := filepath.Join(attemptDir, "2pass")
	workPath := filepath.Join(attemptDir, "output.webm")
	tracker := newProgressTracker(job.Passes, job.DurationSeconds)

	for pass := 1; pass <= job.Passes; pass++ {
		if err := r.runPass(attemptCtx, job, pass, passLogPrefix, workPath, tracker, onProgress); err != nil {
			return Result{}, r.classifyPassError(ctx, attemptCtx, job, pass, err)
		}
		if onProgress != nil {
			onProgress(tracker.passDone(pass))
		}
	}

	info, err := os.Stat(workPath)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.ErrTransient, "runner", "verify",
			"encoder exited cleanly but produced no output", err)
	}
	size := info.Size()
	if job.TargetSizeBytes > 0 && size > job.TargetSizeBytes {
		return Result{}, &OversizeError{ActualBytes: size, TargetBytes: job.TargetSizeBytes}
	}

	if err := moveFile(workPath, job.OutputPath); err != nil {
		return Result{}, runerr.Wrap(runerr.ErrTransient, "runner", "finalize", job.OutputPath, err)
	}
	return Result{OutputPath: job.OutputPath, OutputSizeBytes: size}, nil
}

func (r *Runner) runPass(ctx context.Context, job *queue.Job, pass int, passLogPrefix, workPath string, tracker *progressTracker, onProgress func(Progress)) error {
	args := passArgs(r.cfg, job, pass, passLogPrefix, workPath)
	r.logger.Debug("starting pass",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int(logging.FieldPass, pass),
		logging.String("command", r.cfg.Tools.FFmpeg+" "+strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, r.cfg.Tools.FFmpeg, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.cfg.Tools.FFmpeg, err)
	}

	tail := make([]string, 0, stderrTailLines)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := scanner.Text()
		if sample, ok := ParseProgressLine(line); ok {
			if onProgress != nil {
				onProgress(tracker.sample(pass, sample))
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(tail) == stderrTailLines {
			copy(tail, tail[1:])
			tail = tail[:stderrTailLines-1]
		}
		tail = append(tail, line)
	}

	if err := cmd.Wait(); err != nil {
		detail := strings.Join(tail, "\n")
		if detail != "" {
			return fmt.Errorf("%w\n%s", err, detail)
		}
		return err
	}
	return nil
}

// classifyPassError distinguishes caller cancellation, soft-timeout expiry,
// and genuine encoder failures.
func (r *Runner) classifyPassError(parent, attempt context.Context, job *queue.Job, pass int, err error) error {
	switch {
	case parent.Err() != nil:
		return runerr.Wrap(context.Canceled, "runner", "encode",
			fmt.Sprintf("job %d cancelled during pass %d", job.ID, pass), nil)
	case attempt.Err() != nil && errors.Is(attempt.Err(), context.DeadlineExceeded):
		return runerr.Wrap(runerr.ErrTransient, "runner", "encode",
			fmt.Sprintf("job %d exceeded the %ds soft timeout in pass %d", job.ID, r.cfg.Encode.SoftTimeoutSeconds, pass), nil)
	default:
		return runerr.Wrap(runerr.ErrTransient, "runner", "encode",
			fmt.Sprintf("job %d pass %d", job.ID, pass), err)
	}
}

// scanStatusLines splits on both \n and \r: ffmpeg rewrites its status line
// in place with carriage returns, so newline-only splitting would deliver
// progress in one giant token at exit.
func scanStatusLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
