package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the forecasting pipeline
type Metrics struct {
	// Run level
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram

	// Ingestion
	FetchDuration  prometheus.Histogram
	FetchRetries   prometheus.Counter
	RowsIngested   prometheus.Counter
	RowsBadDate    prometheus.Counter
	RowsDuplicate  prometheus.Counter
	MissingRatings *prometheus.CounterVec

	// Covariates and calendar
	SunsetFallbacks prometheus.Counter
	LunarFallbacks  prometheus.Counter

	// Per-channel model fits
	FitDuration    *prometheus.HistogramVec
	FitFailures    *prometheus.CounterVec
	TodayFallbacks *prometheus.CounterVec

	// Presentation cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscast_runs_total",
				Help: "Forecasting runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "newscast_run_duration_seconds",
			Help:    "Wall time of a full forecasting run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "newscast_fetch_duration_seconds",
			Help:    "Time spent fetching the ratings sheet",
			Buckets: prometheus.DefBuckets,
		}),
		FetchRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_fetch_retries_total",
			Help: "Retried sheet fetch attempts",
		}),
		RowsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_rows_ingested_total",
			Help: "Cleaned rating records produced by ingestion",
		}),
		RowsBadDate: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_rows_bad_date_total",
			Help: "Source rows dropped because the date could not be parsed",
		}),
		RowsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_rows_duplicate_total",
			Help: "Source rows dropped as duplicate dates",
		}),
		MissingRatings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscast_missing_ratings_total",
				Help: "Rating cells treated as missing per channel",
			},
			[]string{"channel"},
		),

		SunsetFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_sunset_fallbacks_total",
			Help: "Sunset lookups that used the fallback hour",
		}),
		LunarFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_lunar_fallbacks_total",
			Help: "Holiday builds that proceeded without lunar holidays",
		}),

		FitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newscast_fit_duration_seconds",
				Help:    "Model fit plus predict time per channel",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		FitFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscast_fit_failures_total",
				Help: "Channel forecasts that failed and were skipped",
			},
			[]string{"channel"},
		),
		TodayFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscast_today_fallbacks_total",
				Help: "Today lookups served from the latest row instead of the target date",
			},
			[]string{"channel"},
		),

		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_snapshot_cache_hits_total",
			Help: "Snapshot requests served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "newscast_snapshot_cache_misses_total",
			Help: "Snapshot requests that required a run or store lookup",
		}),
	}
}

// Nop returns metrics registered on a throwaway registry, for callers that
// do not export metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
