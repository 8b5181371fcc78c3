package deps_test

import (
	"testing"

	"clipfit/internal/deps"
	"clipfit/internal/testsupport"
)

func TestCheckBinariesFindsStubs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())

	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	for _, status := range statuses {
		if !status.Available {
			t.Fatalf("%s should be available: %s", status.Name, status.Detail)
		}
	}
	if missing := deps.MissingRequired(statuses); len(missing) != 0 {
		t.Fatalf("missing = %v", missing)
	}
}

func TestCheckBinariesReportsMissing(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{Name: "FFmpeg", Command: "clipfit-test-binary-that-does-not-exist"},
		{Name: "Empty", Command: "  "},
	})
	for _, status := range statuses {
		if status.Available {
			t.Fatalf("%s should be unavailable", status.Name)
		}
		if status.Detail == "" {
			t.Fatalf("%s should carry a detail message", status.Name)
		}
	}
	if missing := deps.MissingRequired(statuses); len(missing) != 2 {
		t.Fatalf("missing = %v", missing)
	}
}
