package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"clipfit/internal/config"
	"clipfit/internal/encoding"
	"clipfit/internal/logging"
	"clipfit/internal/progress"
	"clipfit/internal/queue"
	"clipfit/internal/runerr"
	"clipfit/internal/testsupport"
)

// stubEncoder scripts per-attempt outcomes and records pickup order and
// concurrency without touching ffmpeg.
type stubEncoder struct {
	// attempt decides the outcome; a nil error means success.
	attempt func(job *queue.Job) error

	mu        sync.Mutex
	starts    []int64
	active    int
	maxActive int
}

func (e *stubEncoder) Encode(ctx context.Context, job *queue.Job, requestID string, onProgress func(encoding.Progress)) (encoding.Result, error) {
	e.mu.Lock()
	e.starts = append(e.starts, job.ID)
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if onProgress != nil {
		onProgress(encoding.Progress{Pass: 1, Fraction: 0.5, Elapsed: time.Millisecond})
	}
	if err := ctx.Err(); err != nil {
		return encoding.Result{}, runerr.Wrap(context.Canceled, "runner", "encode", "", nil)
	}
	if e.attempt != nil {
		if err := e.attempt(job); err != nil {
			return encoding.Result{}, err
		}
	}
	return encoding.Result{OutputPath: job.OutputPath, OutputSizeBytes: 1024}, nil
}

func (e *stubEncoder) pickupOrder() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.starts...)
}

type fixture struct {
	cfg        *config.Config
	store      *queue.Store
	agg        *progress.Aggregator
	dispatcher *Dispatcher
	encoder    *stubEncoder
}

func newFixture(t *testing.T, enc *stubEncoder, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	agg := progress.NewAggregator()
	return &fixture{
		cfg:        cfg,
		store:      store,
		agg:        agg,
		dispatcher: New(cfg, store, enc, agg, logging.NewNop()),
		encoder:    enc,
	}
}

func (f *fixture) addJobs(t *testing.T, n int) []*queue.Job {
	t.Helper()
	jobs := make([]*queue.Job, 0, n)
	for i := 0; i < n; i++ {
		job := &queue.Job{
			SourcePath:       "/media/clip.mkv",
			TrimEnd:          60,
			DurationSeconds:  60,
			TargetSizeBytes:  8_000_000,
			VideoBitrateKbps: 885,
			AudioBitrateKbps: 128,
			Passes:           2,
			OutputPath:       "/out/clip.webm",
		}
		if err := f.store.Insert(context.Background(), job); err != nil {
			t.Fatalf("insert job: %v", err)
		}
		f.agg.Track(job.ID, job.DurationSeconds)
		jobs = append(jobs, job)
	}
	return jobs
}

func (f *fixture) mustGet(t *testing.T, id int64) *queue.Job {
	t.Helper()
	job, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %d: %v", id, err)
	}
	if job == nil {
		t.Fatalf("job %d disappeared", id)
	}
	return job
}

func TestDispatcherRunsBacklogInOrder(t *testing.T) {
	enc := &stubEncoder{}
	f := newFixture(t, enc, testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 3)

	summary, err := f.dispatcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 3 || summary.Total != 3 {
		t.Fatalf("summary = %+v, want 3 succeeded of 3", summary)
	}

	order := enc.pickupOrder()
	want := []int64{jobs[0].ID, jobs[1].ID, jobs[2].ID}
	if len(order) != len(want) {
		t.Fatalf("pickup order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("pickup order %v, want %v", order, want)
		}
	}
	if f.dispatcher.State() != RunDone {
		t.Errorf("state = %s, want done", f.dispatcher.State())
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	enc := &stubEncoder{
		attempt: func(*queue.Job) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxConcurrency(2))
	f.addJobs(t, 6)

	if _, err := f.dispatcher.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if enc.maxActive > 2 {
		t.Fatalf("concurrency peaked at %d, limit is 2", enc.maxActive)
	}
	if enc.maxActive < 2 {
		t.Errorf("concurrency peaked at %d, pool never filled", enc.maxActive)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	enc := &stubEncoder{
		attempt: func(job *queue.Job) error {
			if job.Attempt < 3 {
				return runerr.Wrap(runerr.ErrTransient, "runner", "encode", "flaky", nil)
			}
			return nil
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxRetries(2), testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 1)

	summary, err := f.dispatcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("summary = %+v, want 1 succeeded", summary)
	}
	job := f.mustGet(t, jobs[0].ID)
	if job.Attempt != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempt)
	}
	if job.ProgressFraction != 1 {
		t.Errorf("final fraction = %v, want 1", job.ProgressFraction)
	}
}

func TestDispatcherStopsAtAttemptCap(t *testing.T) {
	enc := &stubEncoder{
		attempt: func(*queue.Job) error {
			return runerr.Wrap(runerr.ErrTransient, "runner", "encode", "always broken", nil)
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxRetries(2), testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 1)

	summary, err := f.dispatcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}
	job := f.mustGet(t, jobs[0].ID)
	if job.Attempt != 3 {
		t.Errorf("attempts = %d, want maxRetries+1 = 3", job.Attempt)
	}
	if job.ErrorMessage == "" {
		t.Error("failed job lost its error message")
	}
}

func TestDispatcherDoesNotRetryUnreadableSource(t *testing.T) {
	enc := &stubEncoder{
		attempt: func(*queue.Job) error {
			return runerr.Wrap(runerr.ErrSourceUnreadable, "runner", "encode", "bad source", nil)
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxRetries(5), testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 1)

	if _, err := f.dispatcher.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := f.mustGet(t, jobs[0].ID)
	if job.State != queue.StateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Attempt != 1 {
		t.Errorf("attempts = %d, non-retryable failures get exactly one", job.Attempt)
	}
}

func TestDispatcherShrinksBitrateOnOversizeOutput(t *testing.T) {
	enc := &stubEncoder{
		attempt: func(job *queue.Job) error {
			if job.Attempt == 1 {
				return &encoding.OversizeError{ActualBytes: 9_600_000, TargetBytes: 8_000_000}
			}
			return nil
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxRetries(2), testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 1)

	summary, err := f.dispatcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("summary = %+v, want 1 succeeded", summary)
	}
	job := f.mustGet(t, jobs[0].ID)
	// 20% overshoot shrinks 885 kbps to 708.
	want := 885 * 0.8
	if math.Abs(job.VideoBitrateKbps-want) > 0.001 {
		t.Errorf("bitrate after requeue = %v, want %v", job.VideoBitrateKbps, want)
	}
	if job.Attempt != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempt)
	}
}

func TestDispatcherFailsWhenShrinkHitsFloor(t *testing.T) {
	enc := &stubEncoder{
		attempt: func(*queue.Job) error {
			// Tenfold overshoot: any shrink lands below the floor.
			return &encoding.OversizeError{ActualBytes: 80_000_000, TargetBytes: 8_000_000}
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxRetries(5), testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 1)

	if _, err := f.dispatcher.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := f.mustGet(t, jobs[0].ID)
	if job.State != queue.StateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Attempt != 1 {
		t.Errorf("attempts = %d, infeasible shrink must not keep retrying", job.Attempt)
	}
}

func TestDispatcherDrainsOnCancellation(t *testing.T) {
	release := make(chan struct{})
	enc := &stubEncoder{
		attempt: func(*queue.Job) error {
			<-release
			return runerr.Wrap(context.Canceled, "runner", "encode", "", nil)
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxConcurrency(1))
	f.addJobs(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(release)
	}()

	summary, err := f.dispatcher.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Cancelled != 3 {
		t.Fatalf("summary = %+v, want all 3 cancelled", summary)
	}
	if summary.Succeeded != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, cancellation is not success or failure", summary)
	}
	if f.dispatcher.State() != RunDone {
		t.Errorf("state = %s, want done", f.dispatcher.State())
	}
}

func TestDispatcherCancelledRunTerminatesRetryableFailures(t *testing.T) {
	// A worker whose attempt dies with a retryable error after the run has
	// started draining must not park the job back in Pending: nothing will
	// ever pick it up again, so it has to end terminal.
	release := make(chan struct{})
	enc := &stubEncoder{
		attempt: func(*queue.Job) error {
			<-release
			return runerr.Wrap(runerr.ErrTransient, "runner", "encode", "encoder died mid-drain", nil)
		},
	}
	f := newFixture(t, enc, testsupport.WithMaxConcurrency(1), testsupport.WithMaxRetries(5))
	jobs := f.addJobs(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(release)
	}()

	summary, err := f.dispatcher.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Pending != 0 || summary.Running != 0 {
		t.Fatalf("summary = %+v, every job must be terminal after the drain", summary)
	}
	if summary.Cancelled != 2 {
		t.Fatalf("summary = %+v, want both jobs cancelled", summary)
	}
	for _, queued := range jobs {
		job := f.mustGet(t, queued.ID)
		if !job.State.IsTerminal() {
			t.Errorf("job %d ended %s, want a terminal state", job.ID, job.State)
		}
	}
}

func TestDispatcherNeverDoubleHoldsAJob(t *testing.T) {
	rng := rand.New(rand.NewSource(20260831))

	for round := 0; round < 5; round++ {
		workers := 1 + rng.Intn(4)
		jobCount := 1 + rng.Intn(12)
		t.Run(fmt.Sprintf("workers=%d jobs=%d", workers, jobCount), func(t *testing.T) {
			enc := &stubEncoder{}
			f := newFixture(t, enc,
				testsupport.WithMaxConcurrency(workers),
				testsupport.WithMaxRetries(1),
			)
			jobs := f.addJobs(t, jobCount)

			failOnce := make(map[int64]bool, jobCount)
			for _, job := range jobs {
				if rng.Intn(2) == 0 {
					failOnce[job.ID] = true
				}
			}

			var mu sync.Mutex
			holds := make(map[int64]int, jobCount)
			doubleHeld := false
			enc.attempt = func(job *queue.Job) error {
				mu.Lock()
				holds[job.ID]++
				if holds[job.ID] > 1 {
					doubleHeld = true
				}
				mu.Unlock()

				time.Sleep(time.Duration(job.ID%3) * time.Millisecond)

				mu.Lock()
				holds[job.ID]--
				mu.Unlock()

				if failOnce[job.ID] && job.Attempt == 1 {
					return runerr.Wrap(runerr.ErrTransient, "runner", "encode", "flaky once", nil)
				}
				return nil
			}

			summary, err := f.dispatcher.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if doubleHeld {
				t.Fatal("two workers held the same job id concurrently")
			}
			if summary.Succeeded != jobCount {
				t.Fatalf("summary = %+v, want all %d succeeded", summary, jobCount)
			}
		})
	}
}

func TestDispatcherThirdJobWaitsForFreeWorker(t *testing.T) {
	enc := &stubEncoder{}
	f := newFixture(t, enc, testsupport.WithMaxConcurrency(2))
	jobs := f.addJobs(t, 3)

	var mu sync.Mutex
	var sequence []string
	record := func(event string, id int64) {
		mu.Lock()
		sequence = append(sequence, fmt.Sprintf("%s %d", event, id))
		mu.Unlock()
	}

	gateA := make(chan struct{})
	gateB := make(chan struct{})
	enc.attempt = func(job *queue.Job) error {
		record("start", job.ID)
		switch job.ID {
		case jobs[0].ID:
			<-gateA
		case jobs[1].ID:
			<-gateB
		}
		record("done", job.ID)
		return nil
	}

	go func() {
		waitForStarts := func(n int) {
			for len(enc.pickupOrder()) < n {
				time.Sleep(time.Millisecond)
			}
		}
		// Both workers busy on the first two jobs; the third must wait.
		waitForStarts(2)
		close(gateA)
		waitForStarts(3)
		close(gateB)
	}()

	summary, err := f.dispatcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 3 {
		t.Fatalf("summary = %+v, want 3 succeeded", summary)
	}

	indexOf := func(entry string) int {
		for i, s := range sequence {
			if s == entry {
				return i
			}
		}
		t.Fatalf("sequence %v missing %q", sequence, entry)
		return -1
	}
	thirdStart := indexOf(fmt.Sprintf("start %d", jobs[2].ID))
	firstDone := indexOf(fmt.Sprintf("done %d", jobs[0].ID))
	if thirdStart < firstDone {
		t.Fatalf("third job started before a worker freed up:\n%v", sequence)
	}
}

func TestDispatcherIsSingleUse(t *testing.T) {
	f := newFixture(t, &stubEncoder{})
	if _, err := f.dispatcher.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := f.dispatcher.Run(context.Background())
	if !errors.Is(err, runerr.ErrInvariant) {
		t.Fatalf("second Run err = %v, want ErrInvariant", err)
	}
}

func TestDispatcherEmitsLifecycleEvents(t *testing.T) {
	enc := &stubEncoder{}
	f := newFixture(t, enc, testsupport.WithMaxConcurrency(1))
	jobs := f.addJobs(t, 1)

	if _, err := f.dispatcher.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var states []queue.State
	for event := range f.dispatcher.Events() {
		if event.JobID == jobs[0].ID {
			states = append(states, event.State)
		}
	}
	if len(states) < 2 {
		t.Fatalf("want running and succeeded events, got %v", states)
	}
	if states[0] != queue.StateRunning {
		t.Errorf("first event = %s, want running", states[0])
	}
	if states[len(states)-1] != queue.StateSucceeded {
		t.Errorf("last event = %s, want succeeded", states[len(states)-1])
	}
}
