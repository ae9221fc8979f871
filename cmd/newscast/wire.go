package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/newscast/forecaster/internal/astro"
	"github.com/newscast/forecaster/internal/config"
	"github.com/newscast/forecaster/internal/forecast"
	"github.com/newscast/forecaster/internal/holiday"
	"github.com/newscast/forecaster/internal/ingest"
	"github.com/newscast/forecaster/internal/metrics"
	"github.com/newscast/forecaster/internal/notify"
	"github.com/newscast/forecaster/internal/pipeline"
	"github.com/newscast/forecaster/internal/store"
	"github.com/newscast/forecaster/pkg/otel"
)

// app is the fully wired process.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	sunset   astro.Provider
	holidays *holiday.Builder
	pipeline *pipeline.Pipeline
	service  *pipeline.Service
	tracer   *sdktrace.TracerProvider
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	log := slog.Default()
	m := metrics.New(reg)

	var tp *sdktrace.TracerProvider
	if cfg.OTelEndpoint != "" {
		oc := otel.DefaultConfig("newscast")
		oc.CollectorEndpoint = cfg.OTelEndpoint
		oc.Environment = cfg.Environment
		var err error
		if tp, err = otel.InitTracer(ctx, oc); err != nil {
			return nil, err
		}
	}

	sunset, err := astro.NewCached(astro.NewEphemeris(log, m), 0)
	if err != nil {
		return nil, fmt.Errorf("sunset cache: %w", err)
	}
	holidays := holiday.NewBuilder(holiday.KoreanLunar{}, log, m)

	client := ingest.NewClient(ingest.ClientConfig{
		BaseURL:       cfg.SourceBaseURL,
		Timeout:       cfg.FetchTimeout,
		RatePerSecond: cfg.FetchRate,
	}, log, m)
	loader := ingest.NewLoader(client, ingest.NewParser(cfg.Channels, sunset, log, m))
	engine := forecast.NewEngine(forecast.DefaultConfig(), sunset, log, m)
	p := pipeline.New(cfg.Channels, loader, holidays, engine, log, m)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		otel.Shutdown(ctx, tp)
		return nil, err
	}

	var pub notify.Publisher = notify.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	}

	svc, err := pipeline.NewService(p, st, pub, pipeline.ServiceConfig{
		CacheSize: cfg.CacheSize,
		TTL:       cfg.CacheTTL,
	}, log, m)
	if err != nil {
		st.Close()
		otel.Shutdown(ctx, tp)
		return nil, err
	}

	return &app{
		cfg:      cfg,
		metrics:  m,
		sunset:   sunset,
		holidays: holidays,
		pipeline: p,
		service:  svc,
		tracer:   tp,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.SnapshotBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(cfg.SnapshotPath, log)
	case config.BackendRedis:
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case config.BackendPostgres:
		return store.NewPostgresStore(ctx, cfg.PostgresConn)
	case config.BackendNone:
		return store.Nop{}, nil
	}
	return nil, fmt.Errorf("unknown SNAPSHOT_BACKEND: %s", cfg.SnapshotBackend)
}

func (a *app) Close(ctx context.Context) {
	if err := a.service.Close(); err != nil {
		slog.Warn("error closing service", slog.String("error", err.Error()))
	}
	if err := otel.Shutdown(ctx, a.tracer); err != nil {
		slog.Warn("error shutting down tracer", slog.String("error", err.Error()))
	}
}
