package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var allStates = []State{
	StatePending,
	StateRunning,
	StateSucceeded,
	StateFailed,
	StateCancelled,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job represents one requested encode persisted in the run database.
//
// TrimStart/TrimEnd are absolute offsets into the source in seconds;
// DurationSeconds is the length of the trimmed range. VideoBitrateKbps is
// zero when the job has no size target (constant quality).
type Job struct {
	ID               int64
	SourcePath       string
	TrimStart        float64
	TrimEnd          float64
	DurationSeconds  float64
	TargetSizeBytes  int64
	VideoBitrateKbps float64
	AudioBitrateKbps int
	Passes           int
	State            State
	Attempt          int
	OutputPath       string
	ProgressFraction float64
	ProgressElapsed  time.Duration
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsTerminal reports whether the job has reached a final state.
func (j Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// SetProgress records the last known completion fraction and elapsed time.
// Fractions never regress within an attempt; the caller enforces monotonicity
// per attempt, this clamps to the valid range.
func (j *Job) SetProgress(fraction float64, elapsed time.Duration) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	j.ProgressFraction = fraction
	j.ProgressElapsed = elapsed
}

// SetFailed marks the job failed with the given error message.
func (j *Job) SetFailed(message string) {
	j.State = StateFailed
	j.ErrorMessage = message
}

// SetCancelled marks the job cancelled. Cancellation is terminal and is not
// reported as a failure.
func (j *Job) SetCancelled() {
	j.State = StateCancelled
	j.ErrorMessage = ""
}
