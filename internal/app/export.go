package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"listing-gate/internal/storage"
)

// Export renders minute bars for one instrument as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Instrument == "" {
		return errors.New("--instrument is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC().Truncate(time.Minute)
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * time.Minute)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	bars, err := store.ListMinuteBars(ctx, from, to)
	if err != nil {
		return err
	}
	bars = filterBars(bars, opts.Instrument, opts.Venue)
	if len(bars) == 0 {
		a.Logger.Info().Str("instrument", opts.Instrument).Msg("no minute bars found for export window")
		return nil
	}

	downsampled := downsampleBars(bars, opts.MaxPoints)
	a.Logger.Info().Int("total", len(bars)).Int("exported", len(downsampled)).Msg("exporting minute bars")

	if opts.CSVPath != "" {
		if err := writeBarsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeBarsPNG(opts.PNGPath, opts.Instrument, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func filterBars(bars []storage.Bar, instrument, venue string) []storage.Bar {
	instrument = strings.ToUpper(instrument)
	out := bars[:0:0]
	for _, b := range bars {
		if !strings.EqualFold(b.Instrument, instrument) {
			continue
		}
		if venue != "" && b.Venue != venue {
			continue
		}
		out = append(out, b)
	}
	return out
}

func downsampleBars(bars []storage.Bar, max int) []storage.Bar {
	if max <= 0 || len(bars) <= max {
		return bars
	}
	if max == 1 {
		return bars[len(bars)-1:]
	}

	result := make([]storage.Bar, 0, max)
	step := float64(len(bars)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		result = append(result, bars[idx])
	}
	return result
}

func writeBarsCSV(path string, bars []storage.Bar) error {
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

	header := []string{"bucket_ts", "instrument", "venue", "open", "high", "low", "close", "volume", "quote_volume", "trade_count"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, b := range bars {
		record := []string{
			b.BucketTS.UTC().Format(time.RFC3339),
			b.Instrument,
			b.Venue,
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume.String(),
			b.QuoteVolume.String(),
			strconv.FormatInt(b.TradeCount, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writeBarsPNG(path, instrument string, bars []storage.Bar) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byVenue := map[string][]storage.Bar{}
	var venues []string
	for _, b := range bars {
		if _, ok := byVenue[b.Venue]; !ok {
			venues = append(venues, b.Venue)
		}
		byVenue[b.Venue] = append(byVenue[b.Venue], b)
	}

	series := make([]chart.Series, 0, len(venues)*2)
	for _, venue := range venues {
		vb := byVenue[venue]
		x := make([]time.Time, len(vb))
		closes := make([]float64, len(vb))
		volumes := make([]float64, len(vb))
		for i, b := range vb {
			x[i] = b.BucketTS
			closes[i] = b.Close.InexactFloat64()
			volumes[i] = b.QuoteVolume.InexactFloat64()
		}
		series = append(series,
			chart.TimeSeries{Name: venue + " close", XValues: x, YValues: closes},
			chart.TimeSeries{Name: venue + " quote volume", XValues: x, YValues: volumes, YAxis: chart.YAxisSecondary},
		)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s 1m", strings.ToUpper(instrument)),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close (KRW)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Quote volume (KRW)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
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

func formatDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
