package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"clipfit/internal/dispatch"
	"clipfit/internal/progress"
	"clipfit/internal/queue"
)

// statusFeed writes run progress to stdout. On a terminal it redraws a
// single status line; elsewhere it prints one line per job state change so
// piped output stays readable.
type statusFeed struct {
	out      io.Writer
	agg      *progress.Aggregator
	terminal bool

	mu       sync.Mutex
	lineLen  int
	finished bool
}

func newStatusFeed(out io.Writer, agg *progress.Aggregator) *statusFeed {
	return &statusFeed{
		out:      out,
		agg:      agg,
		terminal: isTerminal(out),
	}
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Run consumes dispatcher events until the stream closes, redrawing the
// terminal status line on a ticker. It returns after the final event.
func (f *statusFeed) Run(events <-chan dispatch.Event) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				f.close()
				return
			}
			f.handleEvent(event)
		case <-ticker.C:
			f.redraw()
		}
	}
}

func (f *statusFeed) handleEvent(event dispatch.Event) {
	if f.terminal {
		f.redraw()
		return
	}
	switch event.State {
	case queue.StateRunning:
		if event.Attempt > 1 {
			fmt.Fprintf(f.out, "job %d: retrying (attempt %d)\n", event.JobID, event.Attempt)
		} else {
			fmt.Fprintf(f.out, "job %d: encoding\n", event.JobID)
		}
	case queue.StateSucceeded:
		fmt.Fprintf(f.out, "job %d: done\n", event.JobID)
	case queue.StateFailed:
		fmt.Fprintf(f.out, "job %d: failed: %s\n", event.JobID, event.Message)
	case queue.StateCancelled:
		fmt.Fprintf(f.out, "job %d: cancelled\n", event.JobID)
	}
}

func (f *statusFeed) redraw() {
	if !f.terminal {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}

	snap := f.agg.Snapshot()
	line := renderStatusLine(snap)
	pad := ""
	if delta := f.lineLen - len(line); delta > 0 {
		pad = strings.Repeat(" ", delta)
	}
	fmt.Fprintf(f.out, "\r%s%s", line, pad)
	f.lineLen = len(line)
}

func (f *statusFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal && !f.finished && f.lineLen > 0 {
		fmt.Fprintln(f.out)
	}
	f.finished = true
}

func renderStatusLine(snap progress.Snapshot) string {
	overall := int(snap.OverallFraction * 100)
	if len(snap.RunningJobs) == 0 {
		return fmt.Sprintf("Encoding %d of %d: %d%%", snap.CompletedJobs, snap.TotalJobs, overall)
	}

	parts := make([]string, 0, len(snap.RunningJobs))
	for _, job := range snap.RunningJobs {
		parts = append(parts, fmt.Sprintf("job %d %d%%", job.JobID, int(job.Fraction*100)))
	}
	return fmt.Sprintf("Encoding %d of %d: %d%% (%s)",
		snap.CompletedJobs+len(snap.RunningJobs), snap.TotalJobs, overall, strings.Join(parts, ", "))
}
