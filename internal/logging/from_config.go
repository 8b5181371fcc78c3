package logging

import (
	"log/slog"
	"path/filepath"

	"clipfit/internal/config"
)

// NewFromConfig creates a logger using application config defaults. Output
// goes to stderr plus a run log under the configured log directory, keeping
// stdout free for the status feed.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console"})
	}

	outputs := []string{"stderr"}
	if cfg.Paths.LogDir != "" {
		outputs = append(outputs, filepath.Join(cfg.Paths.LogDir, "clipfit.log"))
	}

	return New(Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
	})
}
