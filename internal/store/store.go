// Package store persists forecast snapshots between process restarts and
// across replicas. Every backend stores whole snapshots keyed by run key;
// a newer snapshot for the same key replaces the older one.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/newscast/forecaster/internal/api"
)

// Store provides snapshot persistence.
type Store interface {
	// Get retrieves the latest snapshot for key. Returns nil if not found
	// or expired.
	Get(ctx context.Context, key api.RunKey) (*api.Snapshot, error)

	// Put stores snap under key with TTL, replacing any previous snapshot.
	Put(ctx context.Context, key api.RunKey, snap *api.Snapshot, ttl time.Duration) error

	// Close releases resources
	Close() error
}

// Nop is a Store that keeps nothing.
type Nop struct{}

func (Nop) Get(context.Context, api.RunKey) (*api.Snapshot, error) { return nil, nil }

func (Nop) Put(context.Context, api.RunKey, *api.Snapshot, time.Duration) error { return nil }

func (Nop) Close() error { return nil }

// MemoryStore is an in-memory store with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string // optional file path for persistence
	now      func() time.Time
	log      *slog.Logger
}

type entry struct {
	Snapshot  *api.Snapshot `json:"snapshot"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// NewMemoryStore creates an in-memory store, loading snapshotPath if it
// exists.
func NewMemoryStore(snapshotPath string, log *slog.Logger) (*MemoryStore, error) {
	if log == nil {
		log = slog.Default()
	}
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
		now:      time.Now,
		log:      log,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (m *MemoryStore) Get(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[key.String()]
	if !ok || m.now().After(e.ExpiresAt) {
		return nil, nil
	}
	return e.Snapshot, nil
}

func (m *MemoryStore) Put(ctx context.Context, key api.RunKey, snap *api.Snapshot, ttl time.Duration) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot for %s", key)
	}

	m.mu.Lock()
	m.store[key.String()] = &entry{Snapshot: snap, ExpiresAt: m.now().Add(ttl)}
	m.mu.Unlock()

	if m.snapshot != "" {
		if err := m.saveSnapshot(); err != nil {
			m.log.Warn("failed to persist snapshot file",
				slog.String("path", m.snapshot),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, v := range snapshot {
		if v != nil && v.Snapshot != nil && now.Before(v.ExpiresAt) {
			m.store[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	now := m.now()
	toSave := make(map[string]*entry, len(m.store))
	for k, v := range m.store {
		if now.Before(v.ExpiresAt) {
			toSave[k] = v
		}
	}
	data, err := json.Marshal(toSave)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}
