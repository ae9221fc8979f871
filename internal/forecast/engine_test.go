package forecast

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/newscast/forecaster/internal/additive"
	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/metrics"
)

type fixedSunset float64

func (f fixedSunset) SunsetHour(time.Time) float64 { return float64(f) }

var start = time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)

func syntheticRecords(n int, channels ...string) []api.RatingRecord {
	rng := rand.New(rand.NewSource(42))
	records := make([]api.RatingRecord, n)
	for i := range records {
		d := start.AddDate(0, 0, i)
		rec := api.RatingRecord{
			Date:       d,
			Ratings:    make(map[string]float64, len(channels)),
			SunsetTime: 18 + math.Sin(float64(i)/58),
		}
		for k, ch := range channels {
			v := 2 + 0.5*float64(k) + 0.3*math.Sin(2*math.Pi*float64(i)/7) + rng.NormFloat64()*0.1
			rec.Ratings[ch] = math.Max(v, 0)
		}
		records[i] = rec
	}
	return records
}

func newTestEngine() *Engine {
	return NewEngine(DefaultConfig(), fixedSunset(19), nil, metrics.Nop())
}

func TestRun_FrameAndInvariants(t *testing.T) {
	records := syntheticRecords(200, "JTBC")
	holidays := []api.HolidayEvent{
		{Name: "christmas", Date: time.Date(2023, time.December, 25, 0, 0, 0, 0, time.UTC), UpperWindow: 1},
	}

	rows, err := newTestEngine().Run(context.Background(), api.SeriesFor("JTBC", records), holidays, 30)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 230 {
		t.Fatalf("len(rows) = %d, want 230", len(rows))
	}

	for i, r := range rows {
		want := start.AddDate(0, 0, i)
		if !r.Date.Equal(want) {
			t.Fatalf("rows[%d].Date = %s, want %s", i, r.Date.Format(api.DateLayout), want.Format(api.DateLayout))
		}
		if r.Date.Location() != time.UTC || r.Date.Hour() != 0 {
			t.Errorf("rows[%d].Date not midnight UTC: %v", i, r.Date)
		}
		for name, v := range map[string]float64{
			"forecast": r.Forecast, "lower_95": r.Lower95, "upper_95": r.Upper95,
			"lower_90": r.Lower90, "upper_90": r.Upper90,
		} {
			if v < 0 || math.IsNaN(v) {
				t.Errorf("rows[%d].%s = %v, want >= 0", i, name, v)
			}
		}
		if r.Lower95 > r.Lower90+1e-9 || r.Upper95 < r.Upper90-1e-9 {
			t.Errorf("rows[%d]: 95%% band [%v,%v] not wider than 90%% band [%v,%v]", i, r.Lower95, r.Upper95, r.Lower90, r.Upper90)
		}
		if r.Forecast > 0 && (r.Lower90 > r.Forecast+1e-9 || r.Upper90 < r.Forecast-1e-9) {
			t.Errorf("rows[%d]: forecast %v outside 90%% band [%v,%v]", i, r.Forecast, r.Lower90, r.Upper90)
		}
	}

	// Future rows use the provider; history rows keep the observed covariate.
	if got := rows[229].SunsetTime; got != 19 {
		t.Errorf("future SunsetTime = %v, want 19", got)
	}
	if got, want := rows[0].SunsetTime, records[0].SunsetTime; got != want {
		t.Errorf("history SunsetTime = %v, want %v", got, want)
	}
}

func TestRun_SkipsMissingDays(t *testing.T) {
	records := syntheticRecords(120, "MBN")
	delete(records[50].Ratings, "MBN")
	delete(records[51].Ratings, "MBN")

	rows, err := newTestEngine().Run(context.Background(), api.SeriesFor("MBN", records), nil, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 118+10 {
		t.Fatalf("len(rows) = %d, want 128", len(rows))
	}
	if want := records[119].Date.AddDate(0, 0, 10); !rows[len(rows)-1].Date.Equal(want) {
		t.Errorf("last date = %s, want %s", rows[len(rows)-1].Date.Format(api.DateLayout), want.Format(api.DateLayout))
	}
}

func TestRun_Errors(t *testing.T) {
	e := newTestEngine()
	records := syntheticRecords(30, "MBN")

	if _, err := e.Run(context.Background(), api.SeriesFor("MBN", records), nil, -1); !errors.Is(err, ErrBadHorizon) {
		t.Errorf("Run(horizon=-1) = %v, want ErrBadHorizon", err)
	}
	if _, err := e.Run(context.Background(), api.SeriesFor("MBN", records[:1]), nil, 5); !errors.Is(err, additive.ErrInsufficientData) {
		t.Errorf("Run(1 point) = %v, want ErrInsufficientData", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, api.SeriesFor("MBN", records), nil, 5); !errors.Is(err, context.Canceled) {
		t.Errorf("Run(cancelled) = %v, want context.Canceled", err)
	}
}

func TestRun_ZeroHorizon(t *testing.T) {
	records := syntheticRecords(40, "News_A")
	rows, err := newTestEngine().Run(context.Background(), api.SeriesFor("News_A", records), nil, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 40 {
		t.Errorf("len(rows) = %d, want 40", len(rows))
	}
}

// negativeModel forecasts below zero to exercise clipping.
type negativeModel struct{}

func (negativeModel) Fit([]additive.Row) error { return nil }

func (negativeModel) Predict(rows []additive.Row, widths ...float64) ([]additive.Prediction, error) {
	out := make([]additive.Prediction, len(rows))
	for i, r := range rows {
		out[i] = additive.Prediction{
			Date:       r.Date,
			Yhat:       -0.5,
			Trend:      -0.25,
			Seasonal:   map[string]float64{"weekly": -0.25},
			Regressors: map[string]float64{},
		}
		for _, w := range widths {
			out[i].Intervals = append(out[i].Intervals, additive.Interval{Width: w, Lower: -1, Upper: 0.2})
		}
	}
	return out, nil
}

func TestRun_ClipsBoundedFieldsOnly(t *testing.T) {
	e := newTestEngine().WithModelFactory(func(additive.Config) Model { return negativeModel{} })
	rows, err := e.Run(context.Background(), api.SeriesFor("JTBC", syntheticRecords(10, "JTBC")), nil, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	r := rows[0]
	if r.Forecast != 0 || r.Lower95 != 0 || r.Lower90 != 0 {
		t.Errorf("clipped fields = (%v, %v, %v), want zeros", r.Forecast, r.Lower95, r.Lower90)
	}
	if r.Upper95 != 0.2 || r.Upper90 != 0.2 {
		t.Errorf("upper bounds = (%v, %v), want 0.2", r.Upper95, r.Upper90)
	}
	if r.Trend != -0.25 || r.Weekly != -0.25 {
		t.Errorf("components = (%v, %v), want unclipped -0.25", r.Trend, r.Weekly)
	}
}

type panickyModel struct{}

func (panickyModel) Fit([]additive.Row) error { panic("numerical blowup") }

func (panickyModel) Predict([]additive.Row, ...float64) ([]additive.Prediction, error) {
	return nil, nil
}

func TestRunAll_IsolatesFailures(t *testing.T) {
	order := []string{"News_A", "JTBC", "MBN", "TVCHOSUN"}
	records := syntheticRecords(90, "News_A", "JTBC", "TVCHOSUN")
	// MBN never has data.

	set, failures := newTestEngine().RunAll(context.Background(), records, order, nil, 14)

	if len(set) != 3 {
		t.Errorf("len(set) = %d, want 3", len(set))
	}
	if _, ok := set["MBN"]; ok {
		t.Error("MBN should be absent from the forecast set")
	}
	if err, ok := failures["MBN"]; !ok || !errors.Is(err, additive.ErrInsufficientData) {
		t.Errorf("failures[MBN] = %v, want ErrInsufficientData", err)
	}
	for _, ch := range []string{"News_A", "JTBC", "TVCHOSUN"} {
		if len(set[ch]) != 104 {
			t.Errorf("len(set[%s]) = %d, want 104", ch, len(set[ch]))
		}
	}
}

func TestRunAll_RecoversPanics(t *testing.T) {
	e := newTestEngine().WithModelFactory(func(additive.Config) Model { return panickyModel{} })
	set, failures := e.RunAll(context.Background(), syntheticRecords(20, "JTBC"), []string{"JTBC"}, nil, 5)

	if len(set) != 0 {
		t.Errorf("len(set) = %d, want 0", len(set))
	}
	if err := failures["JTBC"]; err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("failures[JTBC] = %v, want panic error", err)
	}
}
