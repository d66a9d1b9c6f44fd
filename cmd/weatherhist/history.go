package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weather-history-service/internal/history"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/service"
	"github.com/kjstillabower/weather-history-service/internal/validation"
)

// locationFlags are the mutually exclusive location inputs shared by history and current.
type locationFlags struct {
	city string
	zip  string
	lat  string
	lon  string
}

func (f *locationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.city, "city", "q", "", "city name, e.g. \"London\" or \"Paris,FR\"")
	cmd.Flags().StringVar(&f.zip, "zip", "", "zip code with optional country, e.g. \"10001,us\"")
	cmd.Flags().StringVar(&f.lat, "lat", "", "latitude (with --lon)")
	cmd.Flags().StringVar(&f.lon, "lon", "", "longitude (with --lat)")
}

func (f *locationFlags) query(minLen, maxLen int) (service.LocationQuery, error) {
	loc, err := validation.ParseLocation(validation.LocationParams{
		City: f.city,
		Zip:  f.zip,
		Lat:  f.lat,
		Lon:  f.lon,
	}, minLen, maxLen)
	if err != nil {
		return service.LocationQuery{}, err
	}
	return service.LocationQuery{
		Kind:  service.LocationKind(loc.Kind),
		Value: loc.Value,
		Lat:   loc.Lat,
		Lon:   loc.Lon,
	}, nil
}

type historyQuerier interface {
	GetHistory(ctx context.Context, q service.LocationQuery, start, end time.Time) (service.HistoryResult, error)
}

type historyOptions struct {
	output      string
	chartHeight int
	chartWidth  int
	noChart     bool
}

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		loc        locationFlags
		start, end string
		opts       historyOptions
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print daily average temperatures for a location and date range",
		Example: `  weatherhist history -q London --start 2025-01-01 --end 2025-01-31
  weatherhist history --lat 40.7128 --lon -74.006 --start 2024-06-01 --end 2024-06-30 -o json`,
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
			from, to, err := validation.ParseDateRange(start, end)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), g.cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, cancel := context.WithTimeout(cmd.Context(), g.cfg.RequestTimeout)
			defer cancel()
			return runHistory(ctx, cmd.OutOrStdout(), a.service, q, from, to, opts)
		},
	}
	loc.register(cmd)
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD (required)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	cmd.Flags().IntVar(&opts.chartHeight, "chart-height", 12, "chart height in rows")
	cmd.Flags().IntVar(&opts.chartWidth, "chart-width", 0, "chart width in columns (0 = one column per day)")
	cmd.Flags().BoolVar(&opts.noChart, "no-chart", false, "omit the ASCII chart from text output")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

type historyJSON struct {
	Location    string                           `json:"location"`
	Lat         float64                          `json:"lat"`
	Lon         float64                          `json:"lon"`
	Start       string                           `json:"start"`
	End         string                           `json:"end"`
	Points      []models.AverageTemperaturePoint `json:"points"`
	Truncated   int                              `json:"truncated"`
	FetchedDays int                              `json:"fetchedDays"`
	CachedDays  int                              `json:"cachedDays"`
}

// runHistory queries svc and renders the series to w.
func runHistory(ctx context.Context, w io.Writer, svc historyQuerier, q service.LocationQuery, start, end time.Time, opts historyOptions) error {
	result, err := svc.GetHistory(ctx, q, start, end)
	if errors.Is(err, history.ErrNoDataInRange) {
		if result.Series.Truncated > 0 {
			return fmt.Errorf("no temperature data for %s between %s and %s (%d days not fetched; run again to continue)",
				result.Location.Label, result.Start, result.End, result.Series.Truncated)
		}
		return fmt.Errorf("no temperature data for %s between %s and %s", result.Location.Label, result.Start, result.End)
	}
	if err != nil {
		return err
	}

	switch opts.output {
	case "json":
		points := result.Series.Points
		if points == nil {
			points = []models.AverageTemperaturePoint{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(historyJSON{
			Location:    result.Location.Label,
			Lat:         result.Location.Coord.Lat,
			Lon:         result.Location.Coord.Lon,
			Start:       result.Start.String(),
			End:         result.End.String(),
			Points:      points,
			Truncated:   result.Series.Truncated,
			FetchedDays: result.Series.FetchedDays,
			CachedDays:  result.Series.CachedDays,
		})
	case "text", "":
		return renderHistory(w, result, opts)
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", opts.output)
	}
}
