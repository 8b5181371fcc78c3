package logging

import "testing"

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(5)

	if !s.ShouldLog(0, "pass 1") {
		t.Fatal("first event should log")
	}
	if s.ShouldLog(2, "pass 1") {
		t.Fatal("same bucket should be suppressed")
	}
	if !s.ShouldLog(5, "pass 1") {
		t.Fatal("bucket boundary should log")
	}
	if !s.ShouldLog(6, "pass 2") {
		t.Fatal("stage change should log")
	}
	if !s.ShouldLog(100, "pass 2") {
		t.Fatal("completion should log")
	}
}

func TestProgressSamplerUnknownPercent(t *testing.T) {
	s := NewProgressSampler(5)
	if !s.ShouldLog(-1, "probe") {
		t.Fatal("new stage with unknown percent should log")
	}
	if s.ShouldLog(-1, "probe") {
		t.Fatal("repeated unknown percent should be suppressed")
	}
	s.Reset()
	if !s.ShouldLog(-1, "probe") {
		t.Fatal("reset should clear state")
	}
}
