package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	OutputDir  string `toml:"output_dir"`
	ScratchDir string `toml:"scratch_dir"`
	LogDir     string `toml:"log_dir"`
}

// Encode contains size-targeting and scheduling configuration.
type Encode struct {
	MaxConcurrency         int     `toml:"max_concurrency"`
	MaxRetries             int     `toml:"max_retries"`
	OverheadMarginFraction float64 `toml:"overhead_margin_fraction"`
	SoftTimeoutSeconds     int     `toml:"soft_timeout_seconds"`
	AudioBitrateKbps       int     `toml:"audio_bitrate_kbps"`
	MinVideoBitrateKbps    int     `toml:"min_video_bitrate_kbps"`
	VideoEncoder           string  `toml:"video_encoder"`
	CRF                    int     `toml:"crf"`
}

// Tools contains the external binaries clipfit drives.
type Tools struct {
	FFmpeg  string `toml:"ffmpeg"`
	FFprobe string `toml:"ffprobe"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for clipfit.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Encode  Encode  `toml:"encode"`
	Tools   Tools   `toml:"tools"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the standard location for the config file.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "clipfit", "config.toml"), nil
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. An empty path means the default location.
func Load(path string) (*Config, string, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
		resolved = defaultPath
	}
	resolved = ExpandPath(resolved)

	cfg := Default()
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, resolved, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Defaults apply when no config file exists.
	default:
		return nil, resolved, fmt.Errorf("read config %s: %w", resolved, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, resolved, err
	}
	return &cfg, resolved, nil
}

// WriteSample writes the embedded sample configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteSample(path string, force bool) error {
	path = ExpandPath(path)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the output, scratch, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.ScratchDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath resolves a leading ~ against the user's home directory.
func ExpandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return trimmed
		}
		if trimmed == "~" {
			return home
		}
		return filepath.Join(home, trimmed[2:])
	}
	return trimmed
}

func (c *Config) normalize() {
	c.Paths.OutputDir = ExpandPath(c.Paths.OutputDir)
	c.Paths.ScratchDir = ExpandPath(c.Paths.ScratchDir)
	c.Paths.LogDir = ExpandPath(c.Paths.LogDir)
	c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg)
	c.Tools.FFprobe = strings.TrimSpace(c.Tools.FFprobe)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}
