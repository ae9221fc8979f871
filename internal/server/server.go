// Package server exposes forecast snapshots over HTTP as JSON and CSV.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/config"
	"github.com/newscast/forecaster/internal/forecast"
	"github.com/newscast/forecaster/internal/ingest"
)

// SnapshotSource serves and refreshes snapshots by run key.
type SnapshotSource interface {
	Snapshot(ctx context.Context, key api.RunKey) (*api.Snapshot, error)
	Refresh(ctx context.Context, key api.RunKey) (*api.Snapshot, error)
}

// Config holds the request defaults and limits.
type Config struct {
	// DefaultKey supplies sheet, gid and horizon when a request omits them.
	DefaultKey api.RunKey
	// TokenRate is the sustained request rate on /api; burst is twice that.
	// Zero disables limiting.
	TokenRate int
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	src      SnapshotSource
	defaults api.RunKey
	limiter  *rate.Limiter
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

func New(src SnapshotSource, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		src:      src,
		defaults: cfg.DefaultKey,
		gatherer: cfg.Gatherer,
		log:      log.With(slog.String("component", "http")),
	}
	if cfg.TokenRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.TokenRate), cfg.TokenRate*2)
	}
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(ar chi.Router) {
		ar.Use(s.rateLimit)

		ar.Get("/forecast", s.handleForecast)
		ar.Get("/forecast/table", s.handleTable)
		ar.Get("/forecast/today.csv", s.handleTodayCSV)
		ar.Post("/forecast/refresh", s.handleRefresh)
		ar.Get("/history", s.handleHistory)
		ar.Get("/holidays", s.handleHolidays)

		ar.Route("/channels/{id}", func(cr chi.Router) {
			cr.Get("/weekly", s.handleWeekly)
			cr.Get("/components", s.handleComponents)
			cr.Get("/summary", s.handleSummary)
		})
	})

	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runKey resolves the sheet, gid and horizon query parameters against the
// configured defaults.
func (s *Server) runKey(r *http.Request) (api.RunKey, error) {
	q := r.URL.Query()
	key := s.defaults
	if v := strings.TrimSpace(q.Get("sheet")); v != "" {
		key.SheetID = v
	}
	if v := strings.TrimSpace(q.Get("gid")); v != "" {
		key.GID = v
	}
	if v := strings.TrimSpace(q.Get("horizon")); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			return key, badRequest("horizon must be an integer")
		}
		key.Horizon = h
	}
	if key.SheetID == "" {
		return key, badRequest("sheet is required")
	}
	if err := config.ValidateHorizon(key.Horizon); err != nil {
		return key, badRequest(err.Error())
	}
	return key, nil
}

// snapshot resolves the key and loads its snapshot, writing the error
// response itself when it returns nil.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) *api.Snapshot {
	key, err := s.runKey(r)
	if err != nil {
		s.writeErr(w, err)
		return nil
	}
	snap, err := s.src.Snapshot(r.Context(), key)
	if err != nil {
		s.writeErr(w, err)
		return nil
	}
	return snap
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps run errors onto HTTP statuses. Source problems are the
// upstream's fault and surface as 502 with the ingestion message.
func statusFor(err error) int {
	var reqErr *requestError
	var colErr *ingest.MissingColumnsError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, config.ErrHorizonRange),
		errors.Is(err, forecast.ErrBadHorizon):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrSourceUnavailable),
		errors.Is(err, ingest.ErrMalformedBody),
		errors.Is(err, ingest.ErrNoRows),
		errors.As(err, &colErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("error", msg))
		msg = "internal server error"
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
