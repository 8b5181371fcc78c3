package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEncode(); err != nil {
		return err
	}
	if err := c.validateTools(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.OutputDir == "" {
		return errors.New("paths.output_dir must be set")
	}
	if c.Paths.ScratchDir == "" {
		return errors.New("paths.scratch_dir must be set")
	}
	return nil
}

func (c *Config) validateEncode() error {
	e := c.Encode
	if e.MaxConcurrency < 0 {
		return errors.New("encode.max_concurrency must be zero or positive")
	}
	if e.MaxRetries < 0 {
		return errors.New("encode.max_retries must be zero or positive")
	}
	if e.OverheadMarginFraction < 0 || e.OverheadMarginFraction >= 1 {
		return errors.New("encode.overhead_margin_fraction must be in [0, 1)")
	}
	if e.SoftTimeoutSeconds < 0 {
		return errors.New("encode.soft_timeout_seconds must be zero or positive")
	}
	if e.AudioBitrateKbps <= 0 {
		return errors.New("encode.audio_bitrate_kbps must be positive")
	}
	if e.MinVideoBitrateKbps <= 0 {
		return errors.New("encode.min_video_bitrate_kbps must be positive")
	}
	if e.VideoEncoder == "" {
		return errors.New("encode.video_encoder must be set")
	}
	if e.CRF < 0 || e.CRF > 63 {
		return errors.New("encode.crf must be in [0, 63]")
	}
	return nil
}

func (c *Config) validateTools() error {
	if c.Tools.FFmpeg == "" {
		return errors.New("tools.ffmpeg must be set")
	}
	if c.Tools.FFprobe == "" {
		return errors.New("tools.ffprobe must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
