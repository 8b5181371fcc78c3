package encoding

import (
	"regexp"
	"time"
)

// progressLine matches the periodic status line ffmpeg writes while encoding:
//
//	frame= 1234 fps= 56 q=0.0 size=    2048kB time=00:00:42.37 bitrate= ...
var progressLine = regexp.MustCompile(`size=\s*(?P<size>\d+)kB\s+time=(?P<time>\d{2,}:\d{2}:\d{2}\.\d+)`)

// PassProgress is one parsed progress sample from a single encoder pass.
type PassProgress struct {
	Elapsed     time.Duration
	OutputSizeK int64
}

// ParseProgressLine extracts the encoded duration and output size from one
// ffmpeg status line. ok is false for lines without progress markers.
func ParseProgressLine(line string) (PassProgress, bool) {
	match := progressLine.FindStringSubmatch(line)
	if match == nil {
		return PassProgress{}, false
	}
	elapsed, err := ParseTimecode(match[2])
	if err != nil {
		return PassProgress{}, false
	}
	var sizeK int64
	for _, r := range match[1] {
		sizeK = sizeK*10 + int64(r-'0')
	}
	return PassProgress{
		Elapsed:     time.Duration(elapsed * float64(time.Second)),
		OutputSizeK: sizeK,
	}, true
}

// Progress is an attempt-level progress update delivered to the dispatcher.
// Fraction spans all passes of the attempt and never decreases.
type Progress struct {
	Pass     int
	Fraction float64
	Elapsed  time.Duration
}

// progressTracker maps per-pass samples onto a monotonically non-decreasing
// attempt fraction. A two-pass attempt maps pass 1 onto [0, 0.5) and pass 2
// onto [0.5, 1).
type progressTracker struct {
	passes   int
	duration float64
	last     float64
	started  time.Time
}

func newProgressTracker(passes int, durationSeconds float64) *progressTracker {
	if passes < 1 {
		passes = 1
	}
	return &progressTracker{passes: passes, duration: durationSeconds, started: time.Now()}
}

func (t *progressTracker) sample(pass int, sample PassProgress) Progress {
	passFraction := 0.0
	if t.duration > 0 {
		passFraction = sample.Elapsed.Seconds() / t.duration
	}
	if passFraction > 1 {
		passFraction = 1
	}
	fraction := (float64(pass-1) + passFraction) / float64(t.passes)
	if fraction < t.last {
		fraction = t.last
	}
	t.last = fraction
	return Progress{Pass: pass, Fraction: fraction, Elapsed: time.Since(t.started)}
}

func (t *progressTracker) passDone(pass int) Progress {
	fraction := float64(pass) / float64(t.passes)
	if fraction < t.last {
		fraction = t.last
	}
	t.last = fraction
	return Progress{Pass: pass, Fraction: fraction, Elapsed: time.Since(t.started)}
}
