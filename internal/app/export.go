package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"openbloom-market/internal/market"
	"openbloom-market/internal/service"
)

// Export renders one symbol's intraday series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	got, err := rt.intraday.Get(ctx, opts.Symbol)
	if err != nil {
		return err
	}
	if len(got.Points) == 0 {
		a.Logger.Info().Str("symbol", got.Symbol).Strs("warnings", got.Warnings).Msg("no intraday points to export")
		return nil
	}

	points := downsample(got.Points, opts.MaxPoints)
	a.Logger.Info().
		Str("symbol", got.Symbol).
		Str("source", got.Source).
		Int("total", len(got.Points)).
		Int("exported", len(points)).
		Msg("exporting intraday series")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, got, points); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, got, points); err != nil {
			return err
		}
	}

	return nil
}

// downsample keeps max evenly spaced items including both ends.
func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writePointsCSV(path string, got service.Intraday, points []market.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "symbol", "price", "volume", "source", "stale"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		volume := ""
		if p.Volume != nil {
			volume = decimal.NewFromFloat(*p.Volume).String()
		}
		record := []string{
			p.Time.UTC().Format(time.RFC3339),
			got.Symbol,
			decimal.NewFromFloat(p.Price).String(),
			volume,
			got.Source,
			fmt.Sprintf("%t", got.Stale),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path string, got service.Intraday, points []market.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	prices := make([]float64, len(points))
	var (
		volX    []time.Time
		volumes []float64
	)
	for i, p := range points {
		x[i] = p.Time
		prices[i] = p.Price
		if p.Volume != nil {
			volX = append(volX, p.Time)
			volumes = append(volumes, *p.Volume)
		}
	}
	// go-chart needs at least two values to draw a range.
	if len(x) == 1 {
		x = append(x, x[0].Add(time.Minute))
		prices = append(prices, prices[0])
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	name := got.DisplaySymbol
	if got.Currency != "" {
		name += " (" + got.Currency + ")"
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    got.DisplaySymbol,
			XValues: x,
			YValues: prices,
		},
	}
	if len(volumes) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Volume",
			XValues: volX,
			YValues: volumes,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s intraday via %s", got.DisplaySymbol, got.Source),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           name,
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	if len(volumes) >= 2 {
		graph.YAxisSecondary = chart.YAxis{Name: "Volume"}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
