package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ffcompress/config"
	"ffcompress/logging"
	"ffcompress/media"
)

// commandContext loads configuration once per invocation.
type commandContext struct {
	configFlag *string
	logLevel   *string

	cfg    *config.Config
	logger zerolog.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(*c.configFlag)
	if err != nil {
		return nil, err
	}
	if *c.logLevel != "" {
		cfg.LogLevel = *c.logLevel
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.logger = logger
	return cfg, nil
}

func (c *commandContext) prober() *media.Prober {
	return media.NewProber(c.cfg.FFProbeBin, c.cfg.ProbeTimeout, c.logger)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevel string
	ctx := &commandContext{configFlag: &configFlag, logLevel: &logLevel}

	rootCmd := &cobra.Command{
		Use:           "ffcompress",
		Short:         "Compress videos with ffmpeg",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newProbeCommand(ctx))
	rootCmd.AddCommand(newCompressCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))

	return rootCmd
}
