package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-digest/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders recorded prices as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	points, err := store.ListPricePointsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Msg("no price points found for export window")
		return nil
	}

	series := groupBySymbol(points)
	exported := 0
	for i := range series {
		series[i].points = downsamplePoints(series[i].points, opts.MaxPoints)
		exported += len(series[i].points)
	}
	a.Logger.Info().Int("total", len(points)).Int("exported", exported).Int("symbols", len(series)).Msg("exporting price points")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

type symbolSeries struct {
	symbol string
	points []storage.PricePoint
}

// groupBySymbol splits points per asset, keeping time order within each.
func groupBySymbol(points []storage.PricePoint) []symbolSeries {
	index := make(map[string]int)
	var out []symbolSeries
	for _, p := range points {
		i, ok := index[p.Symbol]
		if !ok {
			i = len(out)
			index[p.Symbol] = i
			out = append(out, symbolSeries{symbol: p.Symbol})
		}
		out[i].points = append(out[i].points, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out
}

func downsamplePoints(points []storage.PricePoint, max int) []storage.PricePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]storage.PricePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, series []symbolSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"fetched_at", "symbol", "price_usd", "change_pct_24h", "digest_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range series {
		for _, p := range s.points {
			record := []string{
				p.FetchedAt.UTC().Format(time.RFC3339),
				p.Symbol,
				p.Price.String(),
				p.ChangePct24h.StringFixed(2),
				strconv.FormatInt(p.DigestID, 10),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

// writePointsPNG plots the 24h change of every asset on one axis.
func writePointsPNG(path string, series []symbolSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	chartSeries := make([]chart.Series, 0, len(series))
	for _, s := range series {
		x := make([]time.Time, len(s.points))
		y := make([]float64, len(s.points))
		for i, p := range s.points {
			x[i] = p.FetchedAt
			y[i] = p.ChangePct24h.InexactFloat64()
		}
		chartSeries = append(chartSeries, chart.TimeSeries{
			Name:    s.symbol,
			XValues: x,
			YValues: y,
		})
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "24h change (%)",
			ValueFormatter: pctFormatter,
		},
		Series: chartSeries,
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
