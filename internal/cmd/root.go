// Package cmd provides the CLI commands for Pontis.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pontis-dev/pontis/internal/config"
	"github.com/pontis-dev/pontis/internal/logging"
)

var (
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string
	jsonLogs      bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pontis",
	Short: "Pontis - a session bridge between browsers and AI coding agents",
	Long: `Pontis runs AI coding agent CLIs (claude, codex) as managed processes
and bridges them to any number of browser clients over WebSocket, with
ordered replay across reconnects, durable session history and an
automated permission pipeline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}

		// Flags outrank the config file for log settings.
		effectiveLevel := cfg.Logging.Level
		if logLevel != "" {
			effectiveLevel = logLevel
		} else if debug {
			effectiveLevel = "debug"
		}
		file := cfg.Logging.File
		if logFile != "" {
			file = logFile
		}
		components := cfg.Logging.Components
		if logComponents != "" {
			components = nil
			for _, c := range strings.Split(logComponents, ",") {
				if c = strings.TrimSpace(c); c != "" {
					components = append(components, c)
				}
			}
		}
		logCfg := logging.Config{
			Level:      effectiveLevel,
			JSON:       jsonLogs || cfg.Logging.JSON,
			Components: components,
		}
		if file != "" {
			logCfg.FileLog = &logging.FileLogConfig{Path: file}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $PONTISRC or ~/.config/pontis/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to stderr)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'web,bridge'). Empty means all")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
}
