// Package astro computes the astronomical covariates fed to the forecast
// model. Today that is one value: the local sunset time in Seoul.
package astro

import (
	"log/slog"
	"time"

	sunrise "github.com/nathan-osman/go-sunrise"

	"github.com/newscast/forecaster/internal/cache"
	"github.com/newscast/forecaster/internal/metrics"
)

// Observer location and fallback.
const (
	SeoulLatitude  = 37.5665
	SeoulLongitude = 126.9780

	// FallbackHour is returned whenever sunset cannot be computed.
	FallbackHour = 18.5
)

// KST is Korea Standard Time. Korea has no daylight saving.
var KST = time.FixedZone("KST", 9*60*60)

// Provider returns the sunset time for a calendar day as fractional local
// hours. Implementations never fail; they degrade to FallbackHour.
type Provider interface {
	SunsetHour(date time.Time) float64
}

// SunsetFunc computes UTC sunrise and sunset for a location and day. It
// matches sunrise.SunriseSunset so tests can substitute a stub.
type SunsetFunc func(lat, lon float64, year int, month time.Month, day int) (time.Time, time.Time)

// Ephemeris is the default Provider backed by go-sunrise.
type Ephemeris struct {
	Latitude  float64
	Longitude float64
	Location  *time.Location

	compute SunsetFunc
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewEphemeris returns a Seoul ephemeris.
func NewEphemeris(log *slog.Logger, m *metrics.Metrics) *Ephemeris {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Ephemeris{
		Latitude:  SeoulLatitude,
		Longitude: SeoulLongitude,
		Location:  KST,
		compute:   sunrise.SunriseSunset,
		log:       log,
		metrics:   m,
	}
}

// SunsetHour returns hour + minute/60 of local sunset on the calendar day of
// date. Only the year, month and day of date are used.
func (e *Ephemeris) SunsetHour(date time.Time) (hour float64) {
	y, m, d := date.Date()

	defer func() {
		if r := recover(); r != nil {
			e.fallback(y, m, d, "panic")
			hour = FallbackHour
		}
	}()

	_, set := e.compute(e.Latitude, e.Longitude, y, m, d)
	if set.IsZero() {
		e.fallback(y, m, d, "no sunset")
		return FallbackHour
	}

	local := set.In(e.Location)
	h := float64(local.Hour()) + float64(local.Minute())/60
	if h < 0 || h >= 24 {
		e.fallback(y, m, d, "out of range")
		return FallbackHour
	}
	return h
}

func (e *Ephemeris) fallback(y int, m time.Month, d int, reason string) {
	e.metrics.SunsetFallbacks.Inc()
	e.log.Warn("sunset computation failed, using fallback",
		slog.String("date", time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02")),
		slog.String("reason", reason),
		slog.Float64("fallback", FallbackHour),
	)
}

// Cached memoizes a Provider by calendar day.
type Cached struct {
	inner Provider
	memo  *cache.LRU[int, float64]
}

// NewCached wraps p with an LRU of the given size. Ten years of days fit
// in 4096 entries.
func NewCached(p Provider, size int) (*Cached, error) {
	if size <= 0 {
		size = 4096
	}
	memo, err := cache.New[int, float64](size, 0)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: p, memo: memo}, nil
}

func (c *Cached) SunsetHour(date time.Time) float64 {
	y, m, d := date.Date()
	key := y*10000 + int(m)*100 + d
	v, _, _ := c.memo.GetOrLoad(key, func() (float64, error) {
		return c.inner.SunsetHour(date), nil
	})
	return v
}

// Stats exposes the memo's hit counters.
func (c *Cached) Stats() cache.Stats { return c.memo.Stats() }
