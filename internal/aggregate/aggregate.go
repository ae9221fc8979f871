// Package aggregate turns per-channel forecast rows into the outputs
// consumers read: today's predictions, the flat export table and its CSV
// form, and summary views over the table.
package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/metrics"
)

// CSVHeader is the column order of the export table.
var CSVHeader = []string{
	"Channel", "Date", "Forecast", "Lower_95", "Upper_95", "Lower_90", "Upper_90", "Sunset_Time",
}

// Display precision.
const (
	RatingPlaces = 3
	SunsetPlaces = 2
)

// Aggregator builds today predictions. Table helpers are package
// functions; only Today needs logging and metrics.
type Aggregator struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates an aggregator.
func New(log *slog.Logger, m *metrics.Metrics) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Aggregator{log: log, metrics: m}
}

// Today picks each channel's row for target. When a channel has no row
// dated exactly target, its last row is used and Exact is false. Channels
// absent from set, or with no rows, are absent from the result.
func (a *Aggregator) Today(set api.ForecastSet, order []string, target time.Time) map[string]api.TodayPrediction {
	target = api.NormalizeDate(target)
	out := make(map[string]api.TodayPrediction, len(order))

	for _, ch := range order {
		rows := set[ch]
		if len(rows) == 0 {
			continue
		}

		row, exact := rows[len(rows)-1], false
		for _, r := range rows {
			if r.Date.Equal(target) {
				row, exact = r, true
				break
			}
		}
		if !exact {
			a.metrics.TodayFallbacks.WithLabelValues(ch).Inc()
			a.log.Debug("no forecast row for target date, using latest row",
				slog.String("channel", ch),
				slog.String("target", target.Format(api.DateLayout)),
				slog.String("used", row.Date.Format(api.DateLayout)),
			)
		}

		out[ch] = api.TodayPrediction{
			Forecast:   row.Forecast,
			Lower95:    row.Lower95,
			Upper95:    row.Upper95,
			Lower90:    row.Lower90,
			Upper90:    row.Upper90,
			SunsetTime: row.SunsetTime,
			Exact:      exact,
		}
	}
	return out
}

// LongTable flattens set into channel-major, date-ascending rows dated on
// or after target, at most horizon+1 per channel, rounded for display.
func LongTable(set api.ForecastSet, order []string, target time.Time, horizon int) []api.LongRow {
	target = api.NormalizeDate(target)
	limit := horizon + 1
	if limit < 0 {
		limit = 0
	}

	var out []api.LongRow
	for _, ch := range order {
		n := 0
		for _, r := range set[ch] {
			if n >= limit {
				break
			}
			if r.Date.Before(target) {
				continue
			}
			out = append(out, api.LongRow{
				Channel:    ch,
				Date:       r.Date.Format(api.DateLayout),
				Forecast:   Round(r.Forecast, RatingPlaces),
				Lower95:    Round(r.Lower95, RatingPlaces),
				Upper95:    Round(r.Upper95, RatingPlaces),
				Lower90:    Round(r.Lower90, RatingPlaces),
				Upper90:    Round(r.Upper90, RatingPlaces),
				SunsetTime: Round(r.SunsetTime, SunsetPlaces),
			})
			n++
		}
	}
	return out
}

// TodayRows renders today predictions as long-table rows dated target, in
// display order.
func TodayRows(today map[string]api.TodayPrediction, order []string, target time.Time) []api.LongRow {
	date := api.NormalizeDate(target).Format(api.DateLayout)
	out := make([]api.LongRow, 0, len(today))
	for _, ch := range order {
		p, ok := today[ch]
		if !ok {
			continue
		}
		out = append(out, api.LongRow{
			Channel:    ch,
			Date:       date,
			Forecast:   Round(p.Forecast, RatingPlaces),
			Lower95:    Round(p.Lower95, RatingPlaces),
			Upper95:    Round(p.Upper95, RatingPlaces),
			Lower90:    Round(p.Lower90, RatingPlaces),
			Upper90:    Round(p.Upper90, RatingPlaces),
			SunsetTime: Round(p.SunsetTime, SunsetPlaces),
		})
	}
	return out
}

// Round rounds v half away from zero to places decimals.
func Round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// WriteCSV writes rows with CSVHeader. Numbers use the fixed display
// precision so output is byte-stable.
func WriteCSV(w io.Writer, rows []api.LongRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.Channel,
			r.Date,
			format(r.Forecast, RatingPlaces),
			format(r.Lower95, RatingPlaces),
			format(r.Upper95, RatingPlaces),
			format(r.Lower90, RatingPlaces),
			format(r.Upper90, RatingPlaces),
			format(r.SunsetTime, SunsetPlaces),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func format(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

// TodayCSVName is the download name of the target-date export.
func TodayCSVName(target time.Time) string {
	return fmt.Sprintf("forecast_today_%s.csv", target.Format("20060102"))
}

// FullCSVName is the download name of the full export.
func FullCSVName(target time.Time, horizon int) string {
	return fmt.Sprintf("forecast_%ddays_%s.csv", horizon, target.Format("20060102"))
}
