package sizemodel

import (
	"errors"
	"fmt"

	"clipfit/internal/runerr"
)

// PassStrategy selects how many encoder passes a job needs.
type PassStrategy int

const (
	// SinglePass is constant-quality encoding without a size target.
	SinglePass PassStrategy = iota + 1
	// TwoPass runs an analysis pass before the encode pass; preferred
	// whenever the final size must approximate a byte budget.
	TwoPass
)

// Passes returns the number of encoder invocations the strategy requires.
func (s PassStrategy) Passes() int {
	if s == TwoPass {
		return 2
	}
	return 1
}

func (s PassStrategy) String() string {
	switch s {
	case SinglePass:
		return "single-pass"
	case TwoPass:
		return "two-pass"
	default:
		return fmt.Sprintf("PassStrategy(%d)", int(s))
	}
}

// Policy carries the constant audio bitrate and the minimum viable video
// bitrate floor. Both are configuration, not model output.
type Policy struct {
	AudioBitrateKbps    int
	MinVideoBitrateKbps int
}

// Params is the computed encode parameter set for one job.
type Params struct {
	VideoBitrateKbps float64
	AudioBitrateKbps int
	Strategy         PassStrategy
}

// ErrInvalidInput reports arguments outside the model's domain.
var ErrInvalidInput = errors.New("sizemodel: invalid input")

// ComputeParameters derives the video bitrate and pass strategy for a clip.
//
// The total bit budget is targetSizeBytes*8/durationSeconds reduced by the
// overhead margin; the constant audio bitrate is then subtracted to leave the
// video budget. targetSizeBytes == 0 means no size limit: constant quality,
// single pass, no bitrate cap.
//
// When the video budget falls below the policy floor the requested size is
// infeasible and a runerr.ErrSizeInfeasible-tagged error is returned instead
// of a degenerate bitrate.
func ComputeParameters(durationSeconds float64, targetSizeBytes int64, policy Policy, overheadMarginFraction float64) (Params, error) {
	if durationSeconds <= 0 {
		return Params{}, fmt.Errorf("%w: duration %.3fs", ErrInvalidInput, durationSeconds)
	}
	if targetSizeBytes < 0 {
		return Params{}, fmt.Errorf("%w: target size %d bytes", ErrInvalidInput, targetSizeBytes)
	}
	if overheadMarginFraction < 0 || overheadMarginFraction >= 1 {
		return Params{}, fmt.Errorf("%w: overhead margin %.3f", ErrInvalidInput, overheadMarginFraction)
	}
	if policy.AudioBitrateKbps <= 0 || policy.MinVideoBitrateKbps <= 0 {
		return Params{}, fmt.Errorf("%w: policy %+v", ErrInvalidInput, policy)
	}

	if targetSizeBytes == 0 {
		return Params{
			AudioBitrateKbps: policy.AudioBitrateKbps,
			Strategy:         SinglePass,
		}, nil
	}

	budgetBps := float64(targetSizeBytes) * 8 / durationSeconds * (1 - overheadMarginFraction)
	videoKbps := (budgetBps - float64(policy.AudioBitrateKbps)*1000) / 1000

	if videoKbps < float64(policy.MinVideoBitrateKbps) {
		return Params{}, runerr.Wrap(
			runerr.ErrSizeInfeasible,
			"sizemodel",
			"compute parameters",
			fmt.Sprintf("%d bytes over %.1fs leaves %.0f kbps for video, below the %d kbps floor",
				targetSizeBytes, durationSeconds, videoKbps, policy.MinVideoBitrateKbps),
			nil,
		)
	}

	return Params{
		VideoBitrateKbps: videoKbps,
		AudioBitrateKbps: policy.AudioBitrateKbps,
		Strategy:         TwoPass,
	}, nil
}

// IdealOutputBytes returns the idealized output size the params produce over
// the given duration, before container overhead.
func IdealOutputBytes(p Params, durationSeconds float64) int64 {
	totalKbps := p.VideoBitrateKbps + float64(p.AudioBitrateKbps)
	return int64(totalKbps * 1000 * durationSeconds / 8)
}

// ShrinkBitrate reduces a bitrate by the observed overshoot fraction. Used
// when a finished encode still exceeds the target size: the next attempt runs
// at the reduced rate.
func ShrinkBitrate(videoKbps, overshootFraction float64) float64 {
	if overshootFraction <= 0 {
		return videoKbps
	}
	return videoKbps * (1 - overshootFraction)
}

// OvershootFraction computes how far actual exceeded the target, as a
// fraction of the target. Zero when actual is within the target.
func OvershootFraction(actualBytes, targetBytes int64) float64 {
	if targetBytes <= 0 || actualBytes <= targetBytes {
		return 0
	}
	return float64(actualBytes-targetBytes) / float64(targetBytes)
}
