// Package runerr defines the failure taxonomy for a clipfit run and the
// wrapping helpers used to classify per-job errors.
package runerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for per-job failure classification. Wrap tags errors with
// one of these so the dispatcher can decide between retry and terminal failure
// without inspecting error strings.
var (
	// ErrSizeInfeasible means the target size cannot be met even at the
	// minimum viable video bitrate. Never retried.
	ErrSizeInfeasible = errors.New("size infeasible")

	// ErrSourceUnreadable means the source cannot be opened or its duration
	// cannot be determined. Never retried.
	ErrSourceUnreadable = errors.New("source unreadable")

	// ErrTransient covers subprocess crashes, I/O hiccups, and soft timeouts.
	// Retried up to the configured attempt cap.
	ErrTransient = errors.New("transient failure")

	// ErrInvariant marks a broken internal invariant (for example a job
	// dispatched to two workers). Fatal to the whole run.
	ErrInvariant = errors.New("internal invariant violation")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above; nil defaults to ErrTransient.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether a job failure should be requeued. Cancellation
// and the non-retryable markers are excluded; anything else that reached the
// dispatcher as a job failure is treated as transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrSizeInfeasible), errors.Is(err, ErrSourceUnreadable), errors.Is(err, ErrInvariant):
		return false
	default:
		return true
	}
}

// IsFatal reports whether an error must abort the whole run rather than fail
// a single job.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariant)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "job failure"
	}
	return strings.Join(parts, ": ")
}
