package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelInfo)
	logger := slog.New(newConsoleHandler(&buf, lvl, false))

	logger.Info("encode started",
		String(FieldComponent, "dispatcher"),
		Int(FieldAttempt, 2),
		String("output", "/tmp/out file.webm"),
	)

	line := buf.String()
	if !strings.Contains(line, "INFO dispatcher: encode started") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "attempt=2") {
		t.Fatalf("missing attempt attr: %q", line)
	}
	if !strings.Contains(line, `output="/tmp/out file.webm"`) {
		t.Fatalf("value with spaces should be quoted: %q", line)
	}
}

func TestConsoleHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(newConsoleHandler(&buf, lvl, false))

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should have been filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	for _, value := range []string{"", "verbose", "INFO"} {
		if got := parseLevel(value); got != slog.LevelInfo {
			t.Fatalf("parseLevel(%q) = %v, want info", value, got)
		}
	}
	if got := parseLevel("debug"); got != slog.LevelDebug {
		t.Fatalf("parseLevel(debug) = %v", got)
	}
}
