// Package cli holds the mediaforge command tree.
package cli

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"mediaforge/config"
	"mediaforge/logger"
)

type commandContext struct {
	configFlag *string
	levelFlag  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if lvl := strings.TrimSpace(*c.levelFlag); lvl != "" {
			cfg.Logging.Level = lvl
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// setupLogging applies the configured level and outputs.
func setupLogging(cfg *config.Config) error {
	if cfg.Logging.File != "" || !cfg.Logging.Console {
		if err := logger.Init(cfg.Logging.File, cfg.Logging.Console); err != nil {
			return err
		}
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}

func newRootCommand() *cobra.Command {
	var configFlag, levelFlag string
	ctx := &commandContext{configFlag: &configFlag, levelFlag: &levelFlag}

	rootCmd := &cobra.Command{
		Use:           "mediaforge",
		Short:         "Photo and video conversion server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return setupLogging(cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $"+config.ConfigPathEnvVar+")")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSerialCommand(ctx))
	rootCmd.AddCommand(newProbeCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}
