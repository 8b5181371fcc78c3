// Package progress aggregates per-job completion fractions into a run-level
// view for the status feed.
package progress

import (
	"sort"
	"sync"
	"time"
)

// JobProgress is the last known state of one tracked job.
type JobProgress struct {
	JobID    int64
	Fraction float64
	Elapsed  time.Duration
	Done     bool
}

// Snapshot is a point-in-time view over every tracked job. OverallFraction
// weights each job by its clip duration, so a ten-minute encode moves the
// needle ten times as much as a one-minute one.
type Snapshot struct {
	RunningJobs     []JobProgress
	CompletedJobs   int
	TotalJobs       int
	OverallFraction float64
}

type trackedJob struct {
	duration float64
	fraction float64
	elapsed  time.Duration
	done     bool
}

// Aggregator tracks per-job fractions reported by workers. All methods are
// safe for concurrent use and never block on channel sends; slow status
// consumers lose intermediate snapshots, not correctness.
type Aggregator struct {
	mu   sync.Mutex
	jobs map[int64]*trackedJob
}

// NewAggregator constructs an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{jobs: make(map[int64]*trackedJob)}
}

// Track registers a job before it is dispatched. durationSeconds weights the
// job's contribution to the overall fraction; non-positive durations weigh
// equally at one second.
func (a *Aggregator) Track(jobID int64, durationSeconds float64) {
	if durationSeconds <= 0 {
		durationSeconds = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[jobID]; !ok {
		a.jobs[jobID] = &trackedJob{duration: durationSeconds}
	}
}

// Update records a new fraction for a tracked job. Updates for unknown jobs
// and regressions within a job are ignored.
func (a *Aggregator) Update(jobID int64, fraction float64, elapsed time.Duration) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[jobID]
	if !ok || job.done {
		return
	}
	if fraction > job.fraction {
		job.fraction = fraction
	}
	job.elapsed = elapsed
}

// Finish marks a job terminal. Succeeded jobs count as fully complete; failed
// and cancelled jobs freeze at their last fraction so the overall number
// never jumps backwards.
func (a *Aggregator) Finish(jobID int64, succeeded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[jobID]
	if !ok {
		return
	}
	job.done = true
	if succeeded {
		job.fraction = 1
	}
}

// Reset clears a job's fraction for a fresh attempt after a requeue.
func (a *Aggregator) Reset(jobID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if job, ok := a.jobs[jobID]; ok && !job.done {
		job.fraction = 0
		job.elapsed = 0
	}
}

// Snapshot returns the current aggregate view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{TotalJobs: len(a.jobs)}
	totalWeight := 0.0
	doneWeight := 0.0
	for id, job := range a.jobs {
		totalWeight += job.duration
		doneWeight += job.duration * job.fraction
		if job.done {
			snap.CompletedJobs++
			continue
		}
		if job.fraction > 0 || job.elapsed > 0 {
			snap.RunningJobs = append(snap.RunningJobs, JobProgress{
				JobID:    id,
				Fraction: job.fraction,
				Elapsed:  job.elapsed,
			})
		}
	}
	if totalWeight > 0 {
		snap.OverallFraction = doneWeight / totalWeight
	}
	sort.Slice(snap.RunningJobs, func(i, j int) bool {
		return snap.RunningJobs[i].JobID < snap.RunningJobs[j].JobID
	})
	return snap
}
