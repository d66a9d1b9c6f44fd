package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/service"
)

type currentQuerier interface {
	GetCurrent(ctx context.Context, q service.LocationQuery) (service.CurrentResult, error)
}

func newCurrentCmd(g *globals) *cobra.Command {
	var (
		loc    locationFlags
		output string
	)
	cmd := &cobra.Command{
		Use:     "current",
		Short:   "Print current conditions, served from cache when younger than the snapshot freshness window",
		Example: "  weatherhist current -q \"New York\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = observability.FlushTelemetry(context.Background(), logger) }()

			q, err := loc.query(g.cfg.LocationMinLen, g.cfg.LocationMaxLen)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), g.cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return runCurrent(cmd.Context(), cmd.OutOrStdout(), a.service, q, output)
		},
	}
	loc.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func runCurrent(ctx context.Context, w io.Writer, svc currentQuerier, q service.LocationQuery, output string) error {
	result, err := svc.GetCurrent(ctx, q)
	if err != nil {
		return err
	}
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"location": result.Location.Label,
			"lat":      result.Location.Coord.Lat,
			"lon":      result.Location.Coord.Lon,
			"cached":   result.Cached,
			"current":  result.Record.Current,
			"daily":    result.Record.Daily,
		})
	case "text", "":
		return renderCurrent(w, result)
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", output)
	}
}

func newQueriesCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "queries",
		Short: "List recently logged queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = observability.FlushTelemetry(context.Background(), logger) }()

			a, err := buildApp(cmd.Context(), g.cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			entries, err := a.service.RecentQueries(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read query log: %w", err)
			}
			if entries == nil && g.cfg.CacheBackend == "memcached" {
				return fmt.Errorf("the memcached backend does not keep a query log")
			}
			return renderQueries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of queries to show")
	return cmd
}
