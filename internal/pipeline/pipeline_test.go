package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/forecast"
	"github.com/newscast/forecaster/internal/holiday"
	"github.com/newscast/forecaster/internal/ingest"
	"github.com/newscast/forecaster/internal/metrics"
)

type fixedSunset float64

func (f fixedSunset) SunsetHour(time.Time) float64 { return float64(f) }

type fakeLoader struct {
	records []api.RatingRecord
	report  api.IngestReport
	err     error
	calls   int
}

func (f *fakeLoader) Load(context.Context, string, string) ([]api.RatingRecord, api.IngestReport, error) {
	f.calls++
	return f.records, f.report, f.err
}

type recordingHolidays struct {
	inner    HolidaySource
	from, to int
}

func (r *recordingHolidays) Build(from, to int) []api.HolidayEvent {
	r.from, r.to = from, to
	return r.inner.Build(from, to)
}

func testTable(t *testing.T) api.ChannelTable {
	t.Helper()
	table, err := api.NewChannelTable("date",
		api.Channel{ID: "JTBC", Column: "jtbc"},
		api.Channel{ID: "MBN", Column: "mbn"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

var day0 = time.Date(2023, time.September, 1, 0, 0, 0, 0, time.UTC)

// records covers n days. MBN is only observed when withMBN is set.
func records(n int, withMBN bool) []api.RatingRecord {
	out := make([]api.RatingRecord, n)
	for i := range out {
		r := api.RatingRecord{
			Date:       day0.AddDate(0, 0, i),
			Ratings:    map[string]float64{"JTBC": 3 + 0.4*math.Sin(2*math.Pi*float64(i)/7)},
			SunsetTime: 18.5,
		}
		if withMBN {
			r.Ratings["MBN"] = 2 + 0.2*math.Cos(2*math.Pi*float64(i)/7)
		}
		out[i] = r
	}
	return out
}

func newTestPipeline(t *testing.T, loader Loader, m *metrics.Metrics) (*Pipeline, *recordingHolidays) {
	t.Helper()
	hol := &recordingHolidays{inner: holiday.NewBuilder(nil, nil, m)}
	engine := forecast.NewEngine(forecast.DefaultConfig(), fixedSunset(19), nil, m)
	p := New(testTable(t), loader, hol, engine, nil, m)
	p.newID = func() string { return "run-test" }
	return p, hol
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRun_Snapshot(t *testing.T) {
	m := metrics.Nop()
	loader := &fakeLoader{records: records(120, true), report: api.IngestReport{RawRows: 121, Records: 120}}
	p, hol := newTestPipeline(t, loader, m)

	key := api.RunKey{SheetID: "sheet", GID: "0", Horizon: 30}
	snap, err := p.Run(context.Background(), key)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantTarget := day0.AddDate(0, 0, 120)
	if !snap.TargetDate.Equal(wantTarget) {
		t.Errorf("TargetDate = %v, want %v", snap.TargetDate, wantTarget)
	}
	if snap.RunID != "run-test" || snap.Key != key {
		t.Errorf("RunID/Key = %s/%v", snap.RunID, snap.Key)
	}
	if len(snap.Failures) != 0 {
		t.Errorf("Failures = %v, want none", snap.Failures)
	}
	for _, ch := range []string{"JTBC", "MBN"} {
		if len(snap.Forecasts[ch]) != 150 {
			t.Errorf("%s rows = %d, want 150", ch, len(snap.Forecasts[ch]))
		}
		today, ok := snap.Today[ch]
		if !ok || !today.Exact {
			t.Errorf("%s today = %+v, %v", ch, today, ok)
		}
	}

	// The frame ends 30 days after the last observation, i.e. target+29.
	if len(snap.Table) != 2*30 {
		t.Errorf("table rows = %d, want 60", len(snap.Table))
	}
	if snap.Table[0].Channel != "JTBC" || snap.Table[len(snap.Table)-1].Channel != "MBN" {
		t.Error("table should be channel-major in display order")
	}

	info := snap.Info
	if info.Records != 120 || info.Horizon != 30 || info.Channels != 2 || !info.FirstDate.Equal(day0) {
		t.Errorf("Info = %+v", info)
	}
	if snap.Ingest.RawRows != 121 {
		t.Errorf("Ingest = %+v", snap.Ingest)
	}

	if hol.from != 2022 || hol.to != 2025 {
		t.Errorf("holiday years = [%d, %d], want [2022, 2025]", hol.from, hol.to)
	}
	if len(snap.Holidays) != 4*len(holiday.SolarRules) {
		t.Errorf("holidays = %d, want %d", len(snap.Holidays), 4*len(holiday.SolarRules))
	}

	if got := counterValue(t, m.Runs.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Errorf("success runs = %v, want 1", got)
	}
}

func TestRun_ChannelFailureIsolated(t *testing.T) {
	m := metrics.Nop()
	p, _ := newTestPipeline(t, &fakeLoader{records: records(90, false)}, m)

	snap, err := p.Run(context.Background(), api.RunKey{SheetID: "sheet", Horizon: 30})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := snap.Failures["MBN"]; !ok {
		t.Errorf("Failures = %v, want MBN", snap.Failures)
	}
	if _, ok := snap.Today["MBN"]; ok {
		t.Error("failed channel should be absent from today")
	}
	if _, ok := snap.Today["JTBC"]; !ok {
		t.Error("JTBC should still be forecast")
	}
	for _, row := range snap.Table {
		if row.Channel == "MBN" {
			t.Fatal("failed channel should be absent from table")
		}
	}
	if got := counterValue(t, m.Runs.WithLabelValues(OutcomePartial)); got != 1 {
		t.Errorf("partial runs = %v, want 1", got)
	}
}

func TestRun_IngestFailure(t *testing.T) {
	m := metrics.Nop()
	loader := &fakeLoader{err: ingest.ErrNoRows}
	p, _ := newTestPipeline(t, loader, m)

	snap, err := p.Run(context.Background(), api.RunKey{SheetID: "sheet", Horizon: 30})
	if !errors.Is(err, ingest.ErrNoRows) {
		t.Errorf("err = %v, want ErrNoRows", err)
	}
	if snap != nil {
		t.Error("ingest failure must not yield a snapshot")
	}
	if got := counterValue(t, m.Runs.WithLabelValues(OutcomeError)); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
}

func TestRun_NegativeHorizon(t *testing.T) {
	loader := &fakeLoader{records: records(30, true)}
	p, _ := newTestPipeline(t, loader, metrics.Nop())

	if _, err := p.Run(context.Background(), api.RunKey{Horizon: -1}); !errors.Is(err, forecast.ErrBadHorizon) {
		t.Errorf("err = %v, want ErrBadHorizon", err)
	}
	if loader.calls != 0 {
		t.Error("loader should not be called for an invalid key")
	}
}

func TestRun_Cancelled(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeLoader{records: records(60, true)}, metrics.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, api.RunKey{SheetID: "sheet", Horizon: 30}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
