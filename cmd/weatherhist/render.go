package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/service"
)

const minChartHeight = 3

// renderHistory writes a header, the per-day table, an optional chart and a truncation
// warning.
func renderHistory(w io.Writer, r service.HistoryResult, opts historyOptions) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)  %s .. %s\n", r.Location.Label, r.Location.Coord, r.Start, r.End)
	fmt.Fprintf(&b, "%d days: %d fetched, %d from cache\n\n", len(r.Series.Points), r.Series.FetchedDays, r.Series.CachedDays)

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tAVG °C")
	for _, p := range r.Series.Points {
		fmt.Fprintf(tw, "%s\t%.1f\n", p.Date, p.AvgTemp)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !opts.noChart {
		if chart := renderChart(r.Series.Points, opts.chartWidth, opts.chartHeight); chart != "" {
			b.WriteString("\n")
			b.WriteString(chart)
			b.WriteString("\n")
		}
	}
	if r.Series.Truncated > 0 {
		fmt.Fprintf(&b, "\nwarning: %d days were not fetched because the request reached the upstream call limit; run again to fill them in\n", r.Series.Truncated)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// renderChart plots the averages. Fewer than two points yield no chart.
func renderChart(points []models.AverageTemperaturePoint, width, height int) string {
	if len(points) < 2 {
		return ""
	}
	if height < minChartHeight {
		height = minChartHeight
	}
	data := make([]float64, len(points))
	for i, p := range points {
		data[i] = p.AvgTemp
	}
	opts := []asciigraph.Option{
		asciigraph.Height(height),
		asciigraph.Precision(1),
		asciigraph.Caption(fmt.Sprintf("daily average °C, %s to %s", points[0].Date, points[len(points)-1].Date)),
	}
	if width > 0 {
		opts = append(opts, asciigraph.Width(width))
	}
	return asciigraph.Plot(data, opts...)
}

// renderCurrent writes the current conditions and the daily outlook.
func renderCurrent(w io.Writer, r service.CurrentResult) error {
	var b strings.Builder
	source := "live"
	if r.Cached {
		source = "cached"
	}
	fmt.Fprintf(&b, "%s (%s)  [%s]\n", r.Location.Label, r.Location.Coord, source)
	if c := r.Record.Current; c != nil {
		observed := time.Unix(c.Dt, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "observed %s\n", observed)
		fmt.Fprintf(&b, "temperature %.1f °C (feels like %.1f)\n", c.Temp, c.FeelsLike)
		fmt.Fprintf(&b, "humidity %d%%, wind %.1f m/s\n", c.Humidity, c.WindSpeed)
		if desc := describeConditions(c.Weather); desc != "" {
			fmt.Fprintf(&b, "conditions: %s\n", desc)
		}
	}
	if len(r.Record.Daily) > 0 {
		b.WriteString("\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DATE\tMIN\tMAX\tCONDITIONS")
		for _, d := range r.Record.Daily {
			fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%s\n",
				models.DayKeyFromInstant(d.Dt), d.Temp.Min, d.Temp.Max, describeConditions(d.Weather))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func describeConditions(cs []models.Condition) string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		if c.Description != "" {
			parts = append(parts, c.Description)
		} else if c.Main != "" {
			parts = append(parts, c.Main)
		}
	}
	return strings.Join(parts, ", ")
}

// renderQueries lists logged queries newest first.
func renderQueries(w io.Writer, entries []models.QueryLogEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no queries logged")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tLOCATION\tRANGE")
	for _, e := range entries {
		span := "current"
		if e.StartDate != nil && e.EndDate != nil {
			span = e.StartDate.String() + " .. " + e.EndDate.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.QueryTime.UTC().Format(time.RFC3339), e.SessionID, e.Location, span)
	}
	return tw.Flush()
}
