package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rblink/pkg/config"
)

// loadConfig reads --config and applies the flags that override it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger creates a logger with the appropriate log level.
// --log-level takes precedence over --verbose, both over the config file.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		cfg.LogLevel = logLevelStr
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}

	return cfg.NewLogger(), nil
}
