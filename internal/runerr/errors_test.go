package runerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapPreservesMarker(t *testing.T) {
	base := errors.New("ffmpeg exited 1")
	err := Wrap(ErrTransient, "encoder", "second pass", "subprocess failed", base)
	if !errors.Is(err, ErrTransient) {
		t.Fatal("marker lost")
	}
	if !errors.Is(err, base) {
		t.Fatal("cause lost")
	}
	want := "transient failure: encoder: second pass: subprocess failed: ffmpeg exited 1"
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}

func TestWrapNilMarkerDefaultsToTransient(t *testing.T) {
	err := Wrap(nil, "encoder", "", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatal("nil marker should default to transient")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Wrap(ErrTransient, "encoder", "run", "", errors.New("crash")), true},
		{"plain error", errors.New("disk hiccup"), true},
		{"size infeasible", Wrap(ErrSizeInfeasible, "sizemodel", "compute", "", nil), false},
		{"source unreadable", Wrap(ErrSourceUnreadable, "probe", "duration", "", nil), false},
		{"cancelled", fmt.Errorf("attempt: %w", context.Canceled), false},
		{"invariant", Wrap(ErrInvariant, "dispatcher", "dispatch", "double dispatch", nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Wrap(ErrInvariant, "dispatcher", "", "", nil)) {
		t.Fatal("invariant errors are fatal")
	}
	if IsFatal(Wrap(ErrTransient, "encoder", "", "", nil)) {
		t.Fatal("transient errors are not fatal")
	}
}
