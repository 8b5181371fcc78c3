// Package deps reports the availability of the external binaries clipfit
// drives. Discovery only; invocation lives in the encoding package.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"clipfit/internal/config"
)

// Requirement defines an external dependency clipfit relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements returns the external binaries the configured run needs.
func Requirements(cfg *config.Config) []Requirement {
	ffmpeg := "ffmpeg"
	ffprobe := "ffprobe"
	if cfg != nil {
		ffmpeg = cfg.Tools.FFmpeg
		ffprobe = cfg.Tools.FFprobe
	}
	return []Requirement{
		{Name: "FFmpeg", Command: ffmpeg, Description: "Runs every encode pass"},
		{Name: "FFprobe", Command: ffprobe, Description: "Probes source duration before job creation"},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if resolved, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
		} else {
			status.Available = true
			status.Command = resolved
		}
		results = append(results, status)
	}
	return results
}

// MissingRequired returns the names of unavailable non-optional dependencies.
func MissingRequired(statuses []Status) []string {
	var missing []string
	for _, status := range statuses {
		if !status.Available && !status.Optional {
			missing = append(missing, status.Name)
		}
	}
	return missing
}
