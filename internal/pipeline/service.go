package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/cache"
	"github.com/newscast/forecaster/internal/metrics"
	"github.com/newscast/forecaster/internal/notify"
	"github.com/newscast/forecaster/internal/store"
)

// Runner produces a fresh snapshot for a key.
type Runner interface {
	Run(ctx context.Context, key api.RunKey) (*api.Snapshot, error)
}

// ServiceConfig sizes the snapshot cache.
type ServiceConfig struct {
	CacheSize int
	TTL       time.Duration
}

// DefaultServiceConfig keeps a handful of sources for an hour.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{CacheSize: 32, TTL: time.Hour}
}

// Service serves snapshots for run keys. Lookups go through the in-process
// cache, then the persistent store, and only then trigger a run. Completed
// runs are persisted and announced.
type Service struct {
	runner    Runner
	snapshots *cache.LRU[string, *api.Snapshot]
	flights   singleflight.Group
	store     store.Store
	publisher notify.Publisher
	ttl       time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService builds a service. A nil store or publisher disables that
// stage.
func NewService(r Runner, st store.Store, pub notify.Publisher, cfg ServiceConfig, log *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if st == nil {
		st = store.Nop{}
	}
	if pub == nil {
		pub = notify.Noop{}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultServiceConfig().CacheSize
	}

	snapshots, err := cache.New[string, *api.Snapshot](cfg.CacheSize, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}

	return &Service{
		runner:    r,
		snapshots: snapshots,
		store:     st,
		publisher: pub,
		ttl:       cfg.TTL,
		log:       log.With(slog.String("component", "service")),
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Snapshot returns the current snapshot for key, running the pipeline on a
// miss. Cached snapshots are served without waiting on runs in progress;
// concurrent misses on one key share a single run.
func (s *Service) Snapshot(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	k := key.String()
	if snap, ok := s.snapshots.Get(k); ok {
		s.metrics.CacheHits.Inc()
		return snap, nil
	}
	s.metrics.CacheMisses.Inc()

	v, err, _ := s.flights.Do(k, func() (any, error) {
		if snap, ok := s.snapshots.Get(k); ok {
			return snap, nil
		}
		if snap := s.fromStore(ctx, key); snap != nil {
			return snap, nil
		}
		snap, err := s.run(ctx, key)
		if err != nil {
			return nil, err
		}
		s.snapshots.Set(k, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.Snapshot), nil
}

// fromStore returns a persisted snapshot that is still within its TTL and
// caches it until GeneratedAt+TTL.
func (s *Service) fromStore(ctx context.Context, key api.RunKey) *api.Snapshot {
	stored, err := s.store.Get(ctx, key)
	if err != nil {
		s.log.Warn("snapshot store read failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if stored == nil {
		return nil
	}
	if s.ttl <= 0 {
		s.snapshots.Set(key.String(), stored)
		return stored
	}

	expires := stored.GeneratedAt.Add(s.ttl)
	if !s.now().Before(expires) {
		s.log.Debug("stored snapshot is stale",
			slog.String("key", key.String()),
			slog.Time("generated_at", stored.GeneratedAt),
		)
		return nil
	}
	s.snapshots.SetUntil(key.String(), stored, expires)
	return stored
}

// Refresh runs the pipeline for key regardless of cached state and replaces
// the cached snapshot.
func (s *Service) Refresh(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	snap, err := s.run(ctx, key)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(key.String(), snap)
	return snap, nil
}

// SweepExpired drops expired snapshots from the cache every interval until
// ctx is done.
func (s *Service) SweepExpired(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.snapshots.CleanupExpired(); n > 0 {
				s.log.Debug("expired snapshots swept", slog.Int("removed", n))
			}
		}
	}
}

// CacheStats reports snapshot cache counters.
func (s *Service) CacheStats() cache.Stats { return s.snapshots.Stats() }

// Close releases the store and publisher.
func (s *Service) Close() error {
	perr := s.publisher.Close()
	if err := s.store.Close(); err != nil {
		return err
	}
	return perr
}

func (s *Service) run(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	snap, err := s.runner.Run(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, key, snap, s.ttl); err != nil {
		s.log.Warn("snapshot store write failed",
			slog.String("run_id", snap.RunID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.publisher.Publish(ctx, notify.EventFromSnapshot(snap)); err != nil {
		s.log.Warn("run event not published",
			slog.String("run_id", snap.RunID),
			slog.String("error", err.Error()),
		)
	}
	return snap, nil
}
