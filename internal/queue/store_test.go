package queue_test

import (
	"context"
	"os"
	"testing"
	"time"

	"clipfit/internal/queue"
	"clipfit/internal/testsupport"
)

func newJob(source string) *queue.Job {
	return &queue.Job{
		SourcePath:       source,
		TrimStart:        1.5,
		TrimEnd:          61.5,
		DurationSeconds:  60,
		TargetSizeBytes:  8_000_000,
		VideoBitrateKbps: 885.333,
		AudioBitrateKbps: 128,
		Passes:           2,
	}
}

func TestInsertAndGet(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("/media/a.mkv")
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if job.ID == 0 {
		t.Fatal("insert should assign an id")
	}
	if job.State != queue.StatePending {
		t.Fatalf("state = %s, want pending", job.State)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.SourcePath != "/media/a.mkv" || got.Passes != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.VideoBitrateKbps != 885.333 {
		t.Fatalf("bitrate = %v", got.VideoBitrateKbps)
	}
}

func TestNextPendingIsFIFO(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first := newJob("/media/a.mkv")
	second := newJob("/media/b.mkv")
	for _, job := range []*queue.Job{first, second} {
		if err := store.Insert(ctx, job); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	next, err := store.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("next = %+v, want first submission", next)
	}

	next.State = queue.StateRunning
	if err := store.Update(ctx, next); err != nil {
		t.Fatalf("Update: %v", err)
	}

	next, err = store.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("next = %+v, want second submission", next)
	}
}

func TestNextPendingEmptyBacklog(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	next, err := store.NextPending(context.Background())
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if next != nil {
		t.Fatalf("expected nil on empty backlog, got %+v", next)
	}
}

func TestUpdatePersistsProgressAndState(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("/media/a.mkv")
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	job.State = queue.StateRunning
	job.Attempt = 1
	job.SetProgress(0.42, 9*time.Second)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != queue.StateRunning || got.Attempt != 1 {
		t.Fatalf("state/attempt = %s/%d", got.State, got.Attempt)
	}
	if got.ProgressFraction != 0.42 || got.ProgressElapsed != 9*time.Second {
		t.Fatalf("progress = %v/%v", got.ProgressFraction, got.ProgressElapsed)
	}
}

func TestCancelPendingLeavesOtherStates(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	running := newJob("/media/a.mkv")
	pending := newJob("/media/b.mkv")
	for _, job := range []*queue.Job{running, pending} {
		if err := store.Insert(ctx, job); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	running.State = queue.StateRunning
	if err := store.Update(ctx, running); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err := store.CancelPending(ctx)
	if err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled %d jobs, want 1", n)
	}

	summary, err := store.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Running != 1 || summary.Cancelled != 1 || summary.Total != 2 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestDestroyRemovesDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	path := store.Path()
	if err := store.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("database file should be gone, stat err = %v", err)
	}
}

func TestParseState(t *testing.T) {
	if state, ok := queue.ParseState(" Running "); !ok || state != queue.StateRunning {
		t.Fatalf("ParseState = %v %v", state, ok)
	}
	if _, ok := queue.ParseState("paused"); ok {
		t.Fatal("unknown state should not parse")
	}
	if !queue.StateFailed.IsTerminal() || queue.StatePending.IsTerminal() {
		t.Fatal("terminal classification wrong")
	}
}
