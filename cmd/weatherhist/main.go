package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/config"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globals carries root flags and the loaded configuration to subcommands.
type globals struct {
	root     string
	logLevel string
	cfg      *config.Config
}

// load reads configuration and builds the logger. --log-level wins over config.
func (g *globals) load() (*zap.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.root != "" {
		cfg, err = config.LoadFrom(g.root)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger, err := observability.NewLogger(level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	g.cfg = cfg
	return logger, nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "weatherhist",
		Short:         "Historical daily temperature service backed by OpenWeather",
		Long:          "Serves and prints daily average temperatures for a location and date range, caching every fetched day.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.root, "root", "", "project root containing config/ and .env (default: working directory)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newServeCmd(g),
		newHistoryCmd(g),
		newCurrentCmd(g),
		newQueriesCmd(g),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
