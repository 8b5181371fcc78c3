package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"clipfit/internal/config"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand())
	configCmd.AddCommand(newConfigValidateCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var force bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			}
			target = config.ExpandPath(target)

			if err := config.WriteSample(target, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.Load(configFlag)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n\n", path)
			rows := [][]string{
				{"output_dir", cfg.Paths.OutputDir},
				{"scratch_dir", cfg.Paths.ScratchDir},
				{"log_dir", cfg.Paths.LogDir},
				{"max_concurrency", fmt.Sprintf("%d", cfg.Encode.MaxConcurrency)},
				{"max_retries", fmt.Sprintf("%d", cfg.Encode.MaxRetries)},
				{"overhead_margin_fraction", fmt.Sprintf("%.2f", cfg.Encode.OverheadMarginFraction)},
				{"soft_timeout_seconds", fmt.Sprintf("%d", cfg.Encode.SoftTimeoutSeconds)},
				{"audio_bitrate_kbps", fmt.Sprintf("%d", cfg.Encode.AudioBitrateKbps)},
				{"min_video_bitrate_kbps", fmt.Sprintf("%d", cfg.Encode.MinVideoBitrateKbps)},
				{"video_encoder", cfg.Encode.VideoEncoder},
				{"crf", fmt.Sprintf("%d", cfg.Encode.CRF)},
				{"ffmpeg", cfg.Tools.FFmpeg},
				{"ffprobe", cfg.Tools.FFprobe},
				{"log_format", cfg.Logging.Format},
				{"log_level", cfg.Logging.Level},
			}
			fmt.Fprintln(out, renderTable([]string{"Setting", "Value"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.Load(configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", path)
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	return cmd
}
