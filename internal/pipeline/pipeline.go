// Package pipeline runs one forecasting pass end to end: ingest the sheet,
// build the holiday calendar, forecast every channel and aggregate the
// result into an immutable snapshot.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/newscast/forecaster/internal/aggregate"
	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/forecast"
	"github.com/newscast/forecaster/internal/holiday"
	"github.com/newscast/forecaster/internal/metrics"
	"github.com/newscast/forecaster/pkg/otel"
)

// Run outcomes recorded on the runs counter.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

// Loader produces cleaned rating records for a sheet.
type Loader interface {
	Load(ctx context.Context, sheetID, gid string) ([]api.RatingRecord, api.IngestReport, error)
}

// HolidaySource builds the holiday table for an inclusive year range.
type HolidaySource interface {
	Build(fromYear, toYear int) []api.HolidayEvent
}

// Forecaster fits and forecasts every channel in order.
type Forecaster interface {
	RunAll(ctx context.Context, records []api.RatingRecord, order []string, holidays []api.HolidayEvent, horizon int) (api.ForecastSet, map[string]error)
}

// Pipeline is safe for concurrent use when its collaborators are.
type Pipeline struct {
	channels api.ChannelTable
	loader   Loader
	holidays HolidaySource
	engine   Forecaster
	agg      *aggregate.Aggregator

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// New wires a pipeline over the given channel table.
func New(channels api.ChannelTable, loader Loader, holidays HolidaySource, engine Forecaster, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Pipeline{
		channels: channels,
		loader:   loader,
		holidays: holidays,
		engine:   engine,
		agg:      aggregate.New(log, m),
		log:      log.With(slog.String("component", "pipeline")),
		metrics:  m,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Channels returns the configured channel table.
func (p *Pipeline) Channels() api.ChannelTable { return p.channels }

// Run executes one forecasting pass for key. Ingestion failures are fatal
// and return no snapshot. Per-channel failures are collected in
// Snapshot.Failures and the run still succeeds.
func (p *Pipeline) Run(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	start := p.now()
	runID := p.newID()
	log := p.log.With(slog.String("run_id", runID), slog.String("key", key.String()))

	attrs := append(otel.SourceAttributes(key.SheetID, key.GID, key.Horizon), otel.AttrRunID.String(runID))
	ctx, span := otel.StartSpan(ctx, "pipeline.run", attrs...)
	defer span.End()

	outcome := OutcomeError
	defer func() {
		p.metrics.Runs.WithLabelValues(outcome).Inc()
		p.metrics.RunDuration.Observe(p.now().Sub(start).Seconds())
	}()

	if key.Horizon < 0 {
		return nil, fmt.Errorf("%w (got %d)", forecast.ErrBadHorizon, key.Horizon)
	}

	records, report, err := p.ingest(ctx, key)
	if err != nil {
		otel.RecordError(span, err, "ingest failed")
		log.Error("ingest failed", slog.String("error", err.Error()))
		return nil, err
	}

	events := p.buildHolidays(ctx, records, key.Horizon)
	target := api.TargetDate(records)
	order := p.channels.Order()

	set, failures, err := p.runChannels(ctx, records, order, events, key.Horizon)
	if err != nil {
		otel.RecordError(span, err, "forecast aborted")
		log.Error("forecast aborted", slog.String("error", err.Error()))
		return nil, err
	}

	snap := &api.Snapshot{
		RunID:       runID,
		Key:         key,
		GeneratedAt: p.now().UTC(),
		TargetDate:  target,
		Channels:    p.channels.Channels(),
		Records:     records,
		Holidays:    events,
		Forecasts:   set,
		Today:       p.agg.Today(set, order, target),
		Table:       aggregate.LongTable(set, order, target, key.Horizon),
		Failures:    failureMessages(failures),
		Ingest:      report,
		Info: api.DataInfo{
			FirstDate:  records[0].Date,
			LastDate:   records[len(records)-1].Date,
			Records:    len(records),
			TargetDate: target,
			Horizon:    key.Horizon,
			Channels:   p.channels.Len(),
		},
	}

	outcome = OutcomeSuccess
	if len(failures) > 0 {
		outcome = OutcomePartial
		span.SetAttributes(otel.AttrFailed.Int(len(failures)))
	}

	log.Info("forecast run complete",
		slog.String("outcome", outcome),
		slog.String("target_date", target.Format(api.DateLayout)),
		slog.Int("records", len(records)),
		slog.Int("channels", len(set)),
		slog.Int("failed", len(failures)),
		slog.Duration("elapsed", p.now().Sub(start)),
	)
	return snap, nil
}

func (p *Pipeline) ingest(ctx context.Context, key api.RunKey) ([]api.RatingRecord, api.IngestReport, error) {
	ctx, span := otel.StartSpan(ctx, "pipeline.ingest")
	defer span.End()

	records, report, err := p.loader.Load(ctx, key.SheetID, key.GID)
	if err != nil {
		otel.RecordError(span, err, "")
		return nil, report, err
	}
	span.SetAttributes(otel.AttrRows.Int(len(records)))
	return records, report, nil
}

func (p *Pipeline) buildHolidays(ctx context.Context, records []api.RatingRecord, horizon int) []api.HolidayEvent {
	_, span := otel.StartSpan(ctx, "pipeline.holidays")
	defer span.End()

	from, to := holiday.YearRange(records[0].Date, records[len(records)-1].Date, horizon)
	events := p.holidays.Build(from, to)
	otel.AddEvent(span, "holidays.built", otel.AttrEvents.Int(len(events)))
	return events
}

// runChannels returns an error only when ctx ended; individual channel
// failures come back in the map.
func (p *Pipeline) runChannels(ctx context.Context, records []api.RatingRecord, order []string, events []api.HolidayEvent, horizon int) (api.ForecastSet, map[string]error, error) {
	ctx, span := otel.StartSpan(ctx, "pipeline.forecast", otel.AttrHorizon.Int(horizon))
	defer span.End()

	set, failures := p.engine.RunAll(ctx, records, order, events, horizon)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for ch, err := range failures {
		otel.AddEvent(span, "channel.failed", otel.AttrChannel.String(ch))
		otel.RecordError(span, err, ch)
	}
	return set, failures, nil
}

func failureMessages(failures map[string]error) map[string]string {
	if len(failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(failures))
	for ch, err := range failures {
		out[ch] = err.Error()
	}
	return out
}
