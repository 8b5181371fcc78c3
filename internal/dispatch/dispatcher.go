// Package dispatch runs the job queue: it hands pending jobs to a bounded
// worker pool and owns every job state transition from pickup to terminal
// state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipfit/internal/config"
	"clipfit/internal/encoding"
	"clipfit/internal/logging"
	"clipfit/internal/progress"
	"clipfit/internal/queue"
	"clipfit/internal/runerr"
	"clipfit/internal/sizemodel"
)

// RunState is the dispatcher lifecycle. A dispatcher moves strictly forward:
// Idle -> Running -> Draining -> Done, where Draining is skipped when the
// backlog empties without a cancellation.
type RunState string

const (
	RunIdle     RunState = "idle"
	RunRunning  RunState = "running"
	RunDraining RunState = "draining"
	RunDone     RunState = "done"
)

// Event reports one job state change on the dispatcher's event stream.
type Event struct {
	JobID    int64
	State    queue.State
	Attempt  int
	Fraction float64
	Message  string
}

// Encoder executes one attempt of a job. Satisfied by encoding.Runner.
type Encoder interface {
	Encode(ctx context.Context, job *queue.Job, requestID string, onProgress func(encoding.Progress)) (encoding.Result, error)
}

type attemptResult struct {
	job       *queue.Job
	requestID string
	result    encoding.Result
	err       error
	elapsed   time.Duration
}

type progressUpdate struct {
	jobID    int64
	fraction float64
	elapsed  time.Duration
}

// Dispatcher coordinates workers over the run's queue. Workers only encode;
// the dispatcher loop alone reads and writes job state, so no transition can
// race.
type Dispatcher struct {
	cfg     *config.Config
	store   *queue.Store
	encoder Encoder
	agg     *progress.Aggregator
	logger  *slog.Logger
	sampler *logging.ProgressSampler

	mu    sync.Mutex
	state RunState

	events chan Event
}

// New constructs an idle dispatcher.
func New(cfg *config.Config, store *queue.Store, encoder Encoder, agg *progress.Aggregator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		encoder: encoder,
		agg:     agg,
		logger:  logging.NewComponentLogger(logger, "dispatcher"),
		sampler: logging.NewProgressSampler(10),
		state:   RunIdle,
		events:  make(chan Event, 256),
	}
}

// State returns the dispatcher's current lifecycle state.
func (d *Dispatcher) State() RunState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Events returns the job state change stream, closed after the run reaches
// Done. The channel is buffered and sends never block the dispatcher: a
// consumer that falls more than the buffer behind loses events.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

func (d *Dispatcher) setState(next RunState) {
	d.mu.Lock()
	d.state = next
	d.mu.Unlock()
	d.logger.Debug("run state change", logging.String("run_state", string(next)))
}

func (d *Dispatcher) emit(job *queue.Job, message string) {
	select {
	case d.events <- Event{
		JobID:    job.ID,
		State:    job.State,
		Attempt:  job.Attempt,
		Fraction: job.ProgressFraction,
		Message:  message,
	}:
	default:
	}
}

// workerCount resolves the pool size, never below one.
func (d *Dispatcher) workerCount() int {
	n := d.cfg.Encode.MaxConcurrency
	if n < 1 {
		n = 1
	}
	return n
}

// Run drains the queue and returns the final per-state counts. Cancelling
// ctx moves the run to Draining: pending jobs are cancelled, in-flight
// attempts are signalled and awaited, and Run still returns normally. A
// non-nil error means the run itself broke, not that a job failed.
func (d *Dispatcher) Run(ctx context.Context) (queue.Summary, error) {
	d.mu.Lock()
	if d.state != RunIdle {
		state := d.state
		d.mu.Unlock()
		return queue.Summary{}, runerr.Wrap(runerr.ErrInvariant, "dispatcher", "run",
			fmt.Sprintf("dispatcher is %s, runs are single-use", state), nil)
	}
	d.state = RunRunning
	d.mu.Unlock()
	defer close(d.events)
	defer d.setState(RunDone)

	workers := d.workerCount()
	jobs := make(chan *queue.Job)
	results := make(chan attemptResult)
	progressCh := make(chan progressUpdate, 64)

	// runCtx lets a fatal error abort in-flight attempts without waiting
	// for the caller's context.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(runCtx, jobs, results, progressCh)
		}()
	}

	inFlight := make(map[int64]struct{}, workers)
	draining := false
	var fatal error

	for {
		// Keep every idle worker fed while the run is live.
		for !draining && fatal == nil && len(inFlight) < workers {
			job, err := d.store.NextPending(context.Background())
			if err != nil {
				fatal = runerr.Wrap(runerr.ErrTransient, "dispatcher", "pick up", "queue read failed", err)
				break
			}
			if job == nil {
				break
			}
			if _, dup := inFlight[job.ID]; dup {
				fatal = runerr.Wrap(runerr.ErrInvariant, "dispatcher", "pick up",
					fmt.Sprintf("job %d is already held by a worker", job.ID), nil)
				break
			}
			job.State = queue.StateRunning
			job.Attempt++
			job.SetProgress(0, 0)
			job.ErrorMessage = ""
			if err := d.store.Update(context.Background(), job); err != nil {
				fatal = runerr.Wrap(runerr.ErrTransient, "dispatcher", "pick up", "queue write failed", err)
				break
			}
			inFlight[job.ID] = struct{}{}
			d.emit(job, "")
			d.logger.Info("job dispatched",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.Int(logging.FieldAttempt, job.Attempt),
				logging.String("source", job.SourcePath),
			)
			jobs <- job
		}

		if fatal != nil && !draining {
			draining = true
			d.setState(RunDraining)
			cancelRun()
			d.cancelBacklog()
		}
		if len(inFlight) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			if !draining {
				draining = true
				d.setState(RunDraining)
				d.cancelBacklog()
			}
			// Wait for workers in the other cases; the encoder sees the
			// same ctx and unwinds on its own.
			res := <-results
			delete(inFlight, res.job.ID)
			d.conclude(res, &fatal, draining)
		case update := <-progressCh:
			d.persistProgress(update)
		case res := <-results:
			delete(inFlight, res.job.ID)
			d.conclude(res, &fatal, draining)
		}
	}

	close(jobs)
	wg.Wait()

	if draining || ctx.Err() != nil {
		d.cancelBacklog()
	}

	summary, err := d.store.Summarize(context.Background())
	if err != nil && fatal == nil {
		fatal = runerr.Wrap(runerr.ErrTransient, "dispatcher", "summarize", "queue read failed", err)
	}
	d.logger.Info("run finished",
		logging.Int("succeeded", summary.Succeeded),
		logging.Int("failed", summary.Failed),
		logging.Int("cancelled", summary.Cancelled),
	)
	return summary, fatal
}

func (d *Dispatcher) worker(ctx context.Context, jobs <-chan *queue.Job, results chan<- attemptResult, progressCh chan<- progressUpdate) {
	for job := range jobs {
		requestID := uuid.NewString()
		started := time.Now()
		result, err := d.encoder.Encode(ctx, job, requestID, func(p encoding.Progress) {
			d.agg.Update(job.ID, p.Fraction, p.Elapsed)
			select {
			case progressCh <- progressUpdate{jobID: job.ID, fraction: p.Fraction, elapsed: p.Elapsed}:
			default:
				// A full channel only costs persistence granularity.
			}
		})
		results <- attemptResult{
			job:       job,
			requestID: requestID,
			result:    result,
			err:       err,
			elapsed:   time.Since(started),
		}
	}
}

// persistProgress writes a progress sample through to the store. Samples for
// jobs that already concluded are stale and dropped.
func (d *Dispatcher) persistProgress(update progressUpdate) {
	job, err := d.store.GetByID(context.Background(), update.jobID)
	if err != nil || job == nil || job.State != queue.StateRunning {
		return
	}
	if update.fraction < job.ProgressFraction {
		return
	}
	job.SetProgress(update.fraction, update.elapsed)
	if err := d.store.Update(context.Background(), job); err != nil {
		d.logger.Warn("progress write failed",
			logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
		return
	}
	if d.sampler.ShouldLog(update.fraction*100, fmt.Sprintf("job-%d-a%d", job.ID, job.Attempt)) {
		d.logger.Info("encode progress",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Int(logging.FieldAttempt, job.Attempt),
			logging.Float64("fraction", update.fraction),
		)
	}
}

// conclude applies the terminal-or-requeue decision for one finished attempt.
// While the run is draining, a retryable failure will never get its retry, so
// the job ends Cancelled rather than parking in Pending forever.
func (d *Dispatcher) conclude(res attemptResult, fatal *error, draining bool) {
	job := res.job
	log := d.logger.With(logging.Args(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int(logging.FieldAttempt, job.Attempt),
		logging.String(logging.FieldRequestID, res.requestID),
	)...)

	switch {
	case res.err == nil:
		job.State = queue.StateSucceeded
		job.SetProgress(1, res.elapsed)
		job.ErrorMessage = ""
		d.agg.Finish(job.ID, true)
		log.Info("job succeeded",
			logging.String("output", res.result.OutputPath),
			logging.Int64("output_bytes", res.result.OutputSizeBytes),
			logging.Duration("elapsed", res.elapsed),
		)

	case errors.Is(res.err, context.Canceled):
		job.SetCancelled()
		d.agg.Finish(job.ID, false)
		log.Info("job cancelled")

	case runerr.IsFatal(res.err):
		job.SetFailed(res.err.Error())
		d.agg.Finish(job.ID, false)
		if *fatal == nil {
			*fatal = res.err
		}
		log.Error("job failed fatally", logging.Error(res.err))

	case runerr.IsRetryable(res.err) && job.Attempt <= d.cfg.Encode.MaxRetries:
		if draining {
			job.SetCancelled()
			d.agg.Finish(job.ID, false)
			log.Info("job cancelled before retry", logging.Error(res.err))
			break
		}
		d.requeue(job, res.err, log)

	default:
		job.SetFailed(res.err.Error())
		d.agg.Finish(job.ID, false)
		log.Warn("job failed", logging.Error(res.err))
	}

	if err := d.store.Update(context.Background(), job); err != nil && *fatal == nil {
		*fatal = runerr.Wrap(runerr.ErrTransient, "dispatcher", "conclude", "queue write failed", err)
	}
	d.emit(job, job.ErrorMessage)
}

// requeue returns a job to the backlog for another attempt. An oversize
// result additionally lowers the video bitrate by the observed overshoot; a
// bitrate shrunk below the floor makes the target infeasible instead.
func (d *Dispatcher) requeue(job *queue.Job, cause error, log *slog.Logger) {
	var oversize *encoding.OversizeError
	if errors.As(cause, &oversize) {
		shrunk := sizemodel.ShrinkBitrate(job.VideoBitrateKbps,
			sizemodel.OvershootFraction(oversize.ActualBytes, oversize.TargetBytes))
		if shrunk < float64(d.cfg.Encode.MinVideoBitrateKbps) {
			job.SetFailed(runerr.Wrap(runerr.ErrSizeInfeasible, "dispatcher", "requeue",
				fmt.Sprintf("bitrate %.0f kbps after overshoot correction is below the %d kbps floor",
					shrunk, d.cfg.Encode.MinVideoBitrateKbps), cause).Error())
			d.agg.Finish(job.ID, false)
			log.Warn("job failed", logging.Error(cause))
			return
		}
		log.Info("shrinking bitrate after oversize output",
			logging.Float64("video_bitrate_kbps", job.VideoBitrateKbps),
			logging.Float64("shrunk_kbps", shrunk),
			logging.Int64("output_bytes", oversize.ActualBytes),
		)
		job.VideoBitrateKbps = shrunk
	}
	job.State = queue.StatePending
	job.SetProgress(0, 0)
	job.ErrorMessage = ""
	d.agg.Reset(job.ID)
	log.Info("job requeued", logging.Error(cause))
}

// cancelBacklog flips every still-pending job to cancelled.
func (d *Dispatcher) cancelBacklog() {
	cancelled, err := d.store.CancelPending(context.Background())
	if err != nil {
		d.logger.Warn("backlog cancellation failed", logging.Error(err))
		return
	}
	if cancelled > 0 {
		d.logger.Info("backlog cancelled", logging.Int64("jobs", cancelled))
		jobs, err := d.store.List(context.Background(), queue.StateCancelled)
		if err != nil {
			return
		}
		for _, job := range jobs {
			d.agg.Finish(job.ID, false)
			d.emit(job, "")
		}
	}
}
