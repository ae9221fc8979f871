package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/metrics"
	"github.com/newscast/forecaster/internal/notify"
	"github.com/newscast/forecaster/internal/store"
)

type countingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRunner) Run(_ context.Context, key api.RunKey) (*api.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &api.Snapshot{
		RunID:       fmt.Sprintf("run-%d", r.calls),
		Key:         key,
		GeneratedAt: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		TargetDate:  time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingPublisher struct {
	events []notify.RunEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.RunEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func newTestService(t *testing.T, r Runner, st store.Store, pub notify.Publisher, m *metrics.Metrics) *Service {
	t.Helper()
	svc, err := NewService(r, st, pub, ServiceConfig{CacheSize: 4, TTL: time.Hour}, nil, m)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

var testKey = api.RunKey{SheetID: "sheet", GID: "0", Horizon: 90}

func TestService_CachesSnapshots(t *testing.T) {
	m := metrics.Nop()
	runner := &countingRunner{}
	pub := &recordingPublisher{}
	svc := newTestService(t, runner, nil, pub, m)
	ctx := context.Background()

	first, err := svc.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	second, err := svc.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if runner.count() != 1 {
		t.Errorf("runs = %d, want 1", runner.count())
	}
	if first != second {
		t.Error("repeated key should return the cached snapshot")
	}
	if len(pub.events) != 1 || pub.events[0].RunID != "run-1" {
		t.Errorf("published = %+v", pub.events)
	}
	if got := counterValue(t, m.CacheHits); got != 1 {
		t.Errorf("CacheHits = %v, want 1", got)
	}
	if got := counterValue(t, m.CacheMisses); got != 1 {
		t.Errorf("CacheMisses = %v, want 1", got)
	}

	other := testKey
	other.Horizon = 30
	if _, err := svc.Snapshot(ctx, other); err != nil {
		t.Fatalf("Snapshot(other): %v", err)
	}
	if runner.count() != 2 {
		t.Errorf("different horizon should run again, runs = %d", runner.count())
	}
}

func TestService_ConcurrentMissRunsOnce(t *testing.T) {
	runner := &countingRunner{}
	svc := newTestService(t, runner, nil, nil, metrics.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Snapshot(context.Background(), testKey); err != nil {
				t.Errorf("Snapshot: %v", err)
			}
		}()
	}
	wg.Wait()

	if runner.count() != 1 {
		t.Errorf("runs = %d, want 1", runner.count())
	}
}

func TestService_ReadsStoreBeforeRunning(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemoryStore("", nil)
	if err != nil {
		t.Fatal(err)
	}
	stored := &api.Snapshot{RunID: "stored", Key: testKey, GeneratedAt: time.Now()}
	if err := st.Put(ctx, testKey, stored, time.Hour); err != nil {
		t.Fatal(err)
	}

	runner := &countingRunner{}
	svc := newTestService(t, runner, st, nil, metrics.Nop())

	snap, err := svc.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.RunID != "stored" {
		t.Errorf("RunID = %s, want stored", snap.RunID)
	}
	if runner.count() != 0 {
		t.Errorf("runs = %d, want 0", runner.count())
	}
}

func TestService_RefreshReplaces(t *testing.T) {
	ctx := context.Background()
	st, _ := store.NewMemoryStore("", nil)
	runner := &countingRunner{}
	svc := newTestService(t, runner, st, nil, metrics.Nop())

	if _, err := svc.Snapshot(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	refreshed, err := svc.Refresh(ctx, testKey)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RunID != "run-2" {
		t.Errorf("RunID = %s, want run-2", refreshed.RunID)
	}

	cached, _ := svc.Snapshot(ctx, testKey)
	if cached.RunID != "run-2" {
		t.Errorf("cached RunID = %s, want run-2", cached.RunID)
	}
	persisted, _ := st.Get(ctx, testKey)
	if persisted == nil || persisted.RunID != "run-2" {
		t.Errorf("persisted = %+v, want run-2", persisted)
	}
}

func TestService_RunErrorNotCached(t *testing.T) {
	boom := errors.New("source down")
	runner := &countingRunner{err: boom}
	svc := newTestService(t, runner, nil, nil, metrics.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Snapshot(ctx, testKey); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	}
	if runner.count() != 2 {
		t.Errorf("runs = %d, want 2 (errors are not cached)", runner.count())
	}
}

func TestService_PublishFailureNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(t, &countingRunner{}, nil, pub, metrics.Nop())

	if _, err := svc.Snapshot(context.Background(), testKey); err != nil {
		t.Errorf("Snapshot = %v, want nil", err)
	}
	if len(pub.events) != 1 {
		t.Errorf("publish attempts = %d, want 1", len(pub.events))
	}
}

func TestService_StaleStoredSnapshotReruns(t *testing.T) {
	ctx := context.Background()
	st, _ := store.NewMemoryStore("", nil)
	stale := &api.Snapshot{RunID: "stale", Key: testKey, GeneratedAt: time.Now().Add(-2 * time.Hour)}
	if err := st.Put(ctx, testKey, stale, 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	runner := &countingRunner{}
	svc := newTestService(t, runner, st, nil, metrics.Nop())

	snap, err := svc.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.RunID != "run-1" || runner.count() != 1 {
		t.Errorf("RunID = %s, runs = %d; want a fresh run", snap.RunID, runner.count())
	}
}

func TestService_StoredSnapshotKeepsItsExpiry(t *testing.T) {
	ctx := context.Background()
	st, _ := store.NewMemoryStore("", nil)
	// Generated just under one TTL ago: servable now, expired shortly.
	stored := &api.Snapshot{RunID: "stored", Key: testKey, GeneratedAt: time.Now().Add(-time.Hour + 300*time.Millisecond)}
	if err := st.Put(ctx, testKey, stored, time.Hour); err != nil {
		t.Fatal(err)
	}

	runner := &countingRunner{}
	svc := newTestService(t, runner, st, nil, metrics.Nop())

	if snap, _ := svc.Snapshot(ctx, testKey); snap == nil || snap.RunID != "stored" {
		t.Fatalf("first Snapshot = %+v, want stored", snap)
	}
	time.Sleep(400 * time.Millisecond)

	snap, err := svc.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.RunID != "run-1" {
		t.Errorf("RunID = %s, want run-1 once GeneratedAt+TTL has passed", snap.RunID)
	}
}

// gatedRunner blocks runs for one sheet until release is closed.
type gatedRunner struct {
	countingRunner
	sheet   string
	started chan struct{}
	release chan struct{}
}

func (r *gatedRunner) Run(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	if key.SheetID == r.sheet {
		close(r.started)
		<-r.release
	}
	return r.countingRunner.Run(ctx, key)
}

func TestService_CachedReadNotBlockedByRun(t *testing.T) {
	runner := &gatedRunner{sheet: "slow", started: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(t, runner, nil, nil, metrics.Nop())
	ctx := context.Background()

	if _, err := svc.Snapshot(ctx, testKey); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	slowKey := testKey
	slowKey.SheetID = "slow"
	slowDone := make(chan error, 1)
	go func() {
		_, err := svc.Snapshot(ctx, slowKey)
		slowDone <- err
	}()
	<-runner.started

	cached := make(chan *api.Snapshot, 1)
	go func() {
		snap, _ := svc.Snapshot(ctx, testKey)
		cached <- snap
	}()

	select {
	case snap := <-cached:
		if snap == nil || snap.RunID != "run-1" {
			t.Errorf("cached snapshot = %+v, want run-1", snap)
		}
	case <-time.After(time.Second):
		t.Error("cached read blocked behind another key's run")
	}

	close(runner.release)
	if err := <-slowDone; err != nil {
		t.Errorf("slow Snapshot: %v", err)
	}
}

func TestService_SweepExpiredStops(t *testing.T) {
	svc := newTestService(t, &countingRunner{}, nil, nil, metrics.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.SweepExpired(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("SweepExpired did not return after cancel")
	}
}
