package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/newscast/forecaster/internal/api"
)

func testSnapshot(runID string) *api.Snapshot {
	target := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	return &api.Snapshot{
		RunID:      runID,
		Key:        api.RunKey{SheetID: "sheet", GID: "0", Horizon: 30},
		TargetDate: target,
		Channels:   api.DefaultChannelTable().Channels(),
		Today: map[string]api.TodayPrediction{
			"JTBC": {Forecast: 3.1, Lower95: 2.5, Upper95: 3.7, Lower90: 2.6, Upper90: 3.6, SunsetTime: 18.5, Exact: true},
		},
		Table: []api.LongRow{
			{Channel: "JTBC", Date: "2024-03-01", Forecast: 3.1},
		},
	}
}

func TestMemoryStore_GetPut(t *testing.T) {
	ctx := context.Background()
	ms, err := NewMemoryStore("", nil)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	key := api.RunKey{SheetID: "sheet", GID: "0", Horizon: 30}

	if got, err := ms.Get(ctx, key); err != nil || got != nil {
		t.Fatalf("Get on empty store = (%v, %v), want (nil, nil)", got, err)
	}

	if err := ms.Put(ctx, key, testSnapshot("run-1"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ms.Put(ctx, key, testSnapshot("run-2"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := ms.Get(ctx, key)
	if err != nil || got == nil {
		t.Fatalf("Get = (%v, %v)", got, err)
	}
	if got.RunID != "run-2" {
		t.Errorf("RunID = %s, want run-2 (latest put wins)", got.RunID)
	}

	other := api.RunKey{SheetID: "sheet", GID: "0", Horizon: 60}
	if got, _ := ms.Get(ctx, other); got != nil {
		t.Error("different horizon should miss")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	ms, _ := NewMemoryStore("", nil)
	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	ms.now = func() time.Time { return now }

	key := api.RunKey{SheetID: "sheet", GID: "0", Horizon: 30}
	ms.Put(ctx, key, testSnapshot("run-1"), time.Hour)

	now = now.Add(2 * time.Hour)
	if got, _ := ms.Get(ctx, key); got != nil {
		t.Error("expired snapshot should not be returned")
	}
}

func TestMemoryStore_SnapshotFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.json")
	key := api.RunKey{SheetID: "sheet", GID: "0", Horizon: 30}

	ms, err := NewMemoryStore(path, nil)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := ms.Put(ctx, key, testSnapshot("run-1"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ms.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := NewMemoryStore(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Get(ctx, key)
	if err != nil || got == nil {
		t.Fatalf("Get after reload = (%v, %v)", got, err)
	}
	if got.RunID != "run-1" || got.Today["JTBC"].Forecast != 3.1 || !got.TargetDate.Equal(testSnapshot("").TargetDate) {
		t.Errorf("reloaded snapshot = %+v", got)
	}
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	ctx := context.Background()
	key := api.RunKey{SheetID: "sheet"}
	if err := s.Put(ctx, key, testSnapshot("x"), time.Hour); err != nil {
		t.Errorf("Put = %v", err)
	}
	if got, err := s.Get(ctx, key); got != nil || err != nil {
		t.Errorf("Get = (%v, %v), want (nil, nil)", got, err)
	}
}
