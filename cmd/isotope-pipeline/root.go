package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	workersFlag         = "workers"
	logLevelFlag        = "log-level"
	logFormatFlag       = "log-format"
	metricsAddrFlag     = "metrics-addr"
	shutdownTimeoutFlag = "shutdown-timeout"
)

// newRootCommand reads settings from flags, ISOTOPE_* environment variables,
// and isotope.yaml, in that order of precedence.
func newRootCommand() *cobra.Command {
	viper.SetConfigName("isotope")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.isotope")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("ISOTOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd := &cobra.Command{
		Use:               "isotope-pipeline",
		Short:             "Run push-based columnar processing pipelines",
		SilenceUsage:      true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return readConfig() },
	}
	flags := cmd.PersistentFlags()
	flags.String(logLevelFlag, "info", "log level: debug, info, warn or error")
	flags.String(logFormatFlag, "text", "log format: text or json")
	mustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))
	mustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
	return cmd
}

// readConfig loads isotope.yaml when one exists on the search path.
func readConfig() error {
	if err := viper.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	return nil
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
