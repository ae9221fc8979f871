package astro

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/newscast/forecaster/internal/metrics"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEphemeris_SeoulSunset(t *testing.T) {
	e := NewEphemeris(nil, metrics.Nop())

	tests := []struct {
		name     string
		date     time.Time
		min, max float64
	}{
		{"summer solstice", day(2024, time.June, 21), 19.5, 20.2},
		{"winter solstice", day(2024, time.December, 21), 17.0, 17.5},
		{"spring equinox", day(2024, time.March, 20), 18.3, 18.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.SunsetHour(tt.date)
			if got < tt.min || got > tt.max {
				t.Errorf("SunsetHour(%s) = %.3f, want in [%.1f, %.1f]",
					tt.date.Format("2006-01-02"), got, tt.min, tt.max)
			}
		})
	}
}

func TestEphemeris_DeterministicAndInRange(t *testing.T) {
	e := NewEphemeris(nil, metrics.Nop())
	start := day(2023, time.January, 1)

	for i := 0; i < 730; i++ {
		d := start.AddDate(0, 0, i)
		a, b := e.SunsetHour(d), e.SunsetHour(d)
		if a != b {
			t.Fatalf("SunsetHour(%s) not deterministic: %v vs %v", d.Format("2006-01-02"), a, b)
		}
		if a < 0 || a >= 24 {
			t.Fatalf("SunsetHour(%s) = %v, out of [0, 24)", d.Format("2006-01-02"), a)
		}
	}
}

func TestEphemeris_IgnoresTimeOfDay(t *testing.T) {
	e := NewEphemeris(nil, metrics.Nop())
	midnight := day(2024, time.May, 5)
	evening := midnight.Add(22 * time.Hour)
	if a, b := e.SunsetHour(midnight), e.SunsetHour(evening); a != b {
		t.Errorf("SunsetHour differs by time of day: %v vs %v", a, b)
	}
}

func TestEphemeris_Fallback(t *testing.T) {
	tests := []struct {
		name    string
		compute SunsetFunc
	}{
		{"zero time", func(float64, float64, int, time.Month, int) (time.Time, time.Time) {
			return time.Time{}, time.Time{}
		}},
		{"panic", func(float64, float64, int, time.Month, int) (time.Time, time.Time) {
			panic("ephemeris exploded")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.Nop()
			e := NewEphemeris(nil, m)
			e.compute = tt.compute

			if got := e.SunsetHour(day(2024, time.July, 1)); got != FallbackHour {
				t.Errorf("SunsetHour = %v, want fallback %v", got, FallbackHour)
			}
			if got := counterValue(t, m.SunsetFallbacks); got != 1 {
				t.Errorf("SunsetFallbacks = %v, want 1", got)
			}
		})
	}
}

type countingProvider struct {
	calls int
}

func (p *countingProvider) SunsetHour(time.Time) float64 {
	p.calls++
	return 19.0
}

func TestCached_Memoizes(t *testing.T) {
	inner := &countingProvider{}
	c, err := NewCached(inner, 16)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	d := day(2024, time.August, 15)
	for i := 0; i < 5; i++ {
		if got := c.SunsetHour(d.Add(time.Duration(i) * time.Hour)); got != 19.0 {
			t.Fatalf("SunsetHour = %v, want 19", got)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner provider called %d times, want 1", inner.calls)
	}
	if s := c.Stats(); s.Hits != 4 {
		t.Errorf("Stats.Hits = %d, want 4", s.Hits)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
