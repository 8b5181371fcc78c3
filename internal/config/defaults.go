package config

const (
	defaultOutputDir              = "~/Videos/clipfit"
	defaultScratchDir             = "~/.local/share/clipfit/scratch"
	defaultLogDir                 = "~/.local/share/clipfit/logs"
	defaultMaxRetries             = 2
	defaultOverheadMarginFraction = 0.05
	defaultAudioBitrateKbps       = 128
	defaultMinVideoBitrateKbps    = 100
	defaultVideoEncoder           = "libvpx-vp9"
	defaultCRF                    = 24
	defaultFFmpegBinary           = "ffmpeg"
	defaultFFprobeBinary          = "ffprobe"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
// MaxConcurrency 0 means "derive from the machine's CPU count" and
// SoftTimeoutSeconds 0 disables the per-attempt timeout.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir:  defaultOutputDir,
			ScratchDir: defaultScratchDir,
			LogDir:     defaultLogDir,
		},
		Encode: Encode{
			MaxConcurrency:         0,
			MaxRetries:             defaultMaxRetries,
			OverheadMarginFraction: defaultOverheadMarginFraction,
			SoftTimeoutSeconds:     0,
			AudioBitrateKbps:       defaultAudioBitrateKbps,
			MinVideoBitrateKbps:    defaultMinVideoBitrateKbps,
			VideoEncoder:           defaultVideoEncoder,
			CRF:                    defaultCRF,
		},
		Tools: Tools{
			FFmpeg:  defaultFFmpegBinary,
			FFprobe: defaultFFprobeBinary,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
