// Package forecast fits one additive model per channel and produces
// clipped forecast rows with 95% and 90% bands over the fitted history
// plus a forward horizon.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/newscast/forecaster/internal/additive"
	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/astro"
	"github.com/newscast/forecaster/internal/metrics"
	"github.com/newscast/forecaster/pkg/otel"
)

// SunsetRegressor is the name of the sunset covariate inside the model.
const SunsetRegressor = "sunset_time"

// Interval widths produced for every row.
const (
	Width95 = 0.95
	Width90 = 0.90
)

// ErrBadHorizon is returned for a negative horizon.
var ErrBadHorizon = errors.New("forecast: horizon must be >= 0")

// Config holds the model structure shared by all channels.
type Config struct {
	WeeklyOrder           int
	YearlyOrder           int
	SeasonalityPriorScale float64
	HolidaysPriorScale    float64
	ChangepointPriorScale float64
	NChangepoints         int
}

// DefaultConfig returns the production model settings.
func DefaultConfig() Config {
	return Config{
		WeeklyOrder:           6,
		YearlyOrder:           10,
		SeasonalityPriorScale: 5,
		HolidaysPriorScale:    5,
		ChangepointPriorScale: 0.1,
		NChangepoints:         25,
	}
}

// Model is the fit/predict capability the engine drives.
type Model interface {
	Fit(rows []additive.Row) error
	Predict(rows []additive.Row, widths ...float64) ([]additive.Prediction, error)
}

// ModelFactory builds a fresh model for one channel run.
type ModelFactory func(cfg additive.Config) Model

// Engine runs per-channel forecasts. It holds no per-run state and is safe
// for concurrent use.
type Engine struct {
	cfg      Config
	sunset   astro.Provider
	newModel ModelFactory
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewEngine creates an engine. sunset supplies the covariate for future
// dates.
func NewEngine(cfg Config, sunset astro.Provider, log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		cfg:    cfg,
		sunset: sunset,
		newModel: func(c additive.Config) Model {
			return additive.New(c)
		},
		log:     log,
		metrics: m,
	}
}

// WithModelFactory returns a copy of e that builds models with f.
func (e *Engine) WithModelFactory(f ModelFactory) *Engine {
	cp := *e
	cp.newModel = f
	return &cp
}

func (e *Engine) modelConfig(holidays []api.HolidayEvent) additive.Config {
	cfg := additive.DefaultConfig()
	cfg.Seasonalities = []additive.Seasonality{
		{Name: "weekly", Period: 7, Order: e.cfg.WeeklyOrder, PriorScale: e.cfg.SeasonalityPriorScale},
		{Name: "yearly", Period: 365.25, Order: e.cfg.YearlyOrder, PriorScale: e.cfg.SeasonalityPriorScale},
	}
	cfg.HolidayPriorScale = e.cfg.HolidaysPriorScale
	cfg.ChangepointPriorScale = e.cfg.ChangepointPriorScale
	cfg.NChangepoints = e.cfg.NChangepoints
	cfg.Regressors = []additive.Regressor{{Name: SunsetRegressor, PriorScale: e.cfg.HolidaysPriorScale}}

	cfg.Holidays = make([]additive.Holiday, len(holidays))
	for i, h := range holidays {
		cfg.Holidays[i] = additive.Holiday{
			Name:        h.Name,
			Date:        h.Date,
			LowerWindow: h.LowerWindow,
			UpperWindow: h.UpperWindow,
		}
	}
	return cfg
}

// Run fits one channel and returns rows for every fitted date followed by
// horizon daily dates after the last fitted date.
func (e *Engine) Run(ctx context.Context, series api.ChannelSeries, holidays []api.HolidayEvent, horizon int) ([]api.ForecastRow, error) {
	if horizon < 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrBadHorizon, horizon)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(series.Points) < 2 {
		return nil, fmt.Errorf("channel %s: %w: %d observations", series.Channel, additive.ErrInsufficientData, len(series.Points))
	}

	start := time.Now()
	defer func() {
		e.metrics.FitDuration.WithLabelValues(series.Channel).Observe(time.Since(start).Seconds())
	}()

	train := make([]additive.Row, len(series.Points))
	last := time.Time{}
	for i, p := range series.Points {
		d := api.NormalizeDate(p.Date)
		train[i] = additive.Row{
			Date:       d,
			Y:          p.Rating,
			Regressors: map[string]float64{SunsetRegressor: p.SunsetTime},
		}
		if d.After(last) {
			last = d
		}
	}

	model := e.newModel(e.modelConfig(holidays))
	if err := model.Fit(train); err != nil {
		return nil, fmt.Errorf("channel %s: fit: %w", series.Channel, err)
	}

	frame := make([]additive.Row, 0, len(train)+horizon)
	for _, r := range train {
		frame = append(frame, additive.Row{Date: r.Date, Regressors: r.Regressors})
	}
	for i := 1; i <= horizon; i++ {
		d := last.AddDate(0, 0, i)
		frame = append(frame, additive.Row{
			Date:       d,
			Regressors: map[string]float64{SunsetRegressor: e.sunsetHour(d)},
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	preds, err := model.Predict(frame, Width95, Width90)
	if err != nil {
		return nil, fmt.Errorf("channel %s: predict: %w", series.Channel, err)
	}
	if len(preds) != len(frame) {
		return nil, fmt.Errorf("channel %s: predict returned %d rows for %d dates", series.Channel, len(preds), len(frame))
	}

	rows := make([]api.ForecastRow, len(preds))
	for i, p := range preds {
		b95, ok95 := p.Interval(Width95)
		b90, ok90 := p.Interval(Width90)
		if !ok95 || !ok90 {
			return nil, fmt.Errorf("channel %s: predict omitted an interval band", series.Channel)
		}
		rows[i] = api.ForecastRow{
			Date:         api.NormalizeDate(frame[i].Date),
			Forecast:     clip(p.Yhat),
			Lower95:      clip(b95.Lower),
			Upper95:      clip(b95.Upper),
			Lower90:      clip(b90.Lower),
			Upper90:      clip(b90.Upper),
			Trend:        p.Trend,
			Weekly:       p.Seasonal["weekly"],
			Yearly:       p.Seasonal["yearly"],
			Holidays:     p.Holidays,
			SunsetEffect: p.Regressors[SunsetRegressor],
			SunsetTime:   frame[i].Regressors[SunsetRegressor],
		}
	}
	return rows, nil
}

// RunAll forecasts each channel in order, sequentially. A channel that
// fails or panics is recorded in the returned failure map and skipped.
func (e *Engine) RunAll(ctx context.Context, records []api.RatingRecord, order []string, holidays []api.HolidayEvent, horizon int) (api.ForecastSet, map[string]error) {
	set := make(api.ForecastSet, len(order))
	failures := make(map[string]error)

	for _, ch := range order {
		if err := ctx.Err(); err != nil {
			failures[ch] = err
			continue
		}

		series := api.SeriesFor(ch, records)
		chCtx, span := otel.StartSpan(ctx, "forecast.channel", otel.ChannelAttributes(ch, len(series.Points))...)
		rows, err := e.runIsolated(chCtx, series, holidays, horizon)
		if err != nil {
			otel.RecordError(span, err, "channel forecast failed")
		}
		span.End()
		if err != nil {
			failures[ch] = err
			e.metrics.FitFailures.WithLabelValues(ch).Inc()
			e.log.Error("channel forecast failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		set[ch] = rows
		e.log.Debug("channel forecast complete",
			slog.String("channel", ch),
			slog.Int("rows", len(rows)),
		)
	}
	return set, failures
}

func (e *Engine) runIsolated(ctx context.Context, series api.ChannelSeries, holidays []api.HolidayEvent, horizon int) (rows []api.ForecastRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("channel forecast panicked",
				slog.String("channel", series.Channel),
				slog.String("stack", string(debug.Stack())),
			)
			rows, err = nil, fmt.Errorf("channel %s: panic: %v", series.Channel, r)
		}
	}()
	return e.Run(ctx, series, holidays, horizon)
}

func (e *Engine) sunsetHour(d time.Time) float64 {
	if e.sunset == nil {
		return astro.FallbackHour
	}
	return e.sunset.SunsetHour(d)
}

func clip(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
