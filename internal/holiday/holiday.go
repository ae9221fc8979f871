// Package holiday builds the Korean public-holiday table used as model
// covariates: fixed solar-calendar dates plus lunar-calendar festivals
// converted to Gregorian dates.
package holiday

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/metrics"
)

// Rule is one holiday definition. For solar rules Month/Day are Gregorian;
// for lunar rules they are lunar-calendar month and day.
type Rule struct {
	Name        string
	Month       int
	Day         int
	LowerWindow int
	UpperWindow int
}

// SolarRules are fixed Gregorian holidays.
var SolarRules = []Rule{
	{Name: "new_year", Month: 1, Day: 1},
	{Name: "childrens_day", Month: 5, Day: 5, UpperWindow: 1},
	{Name: "memorial_day", Month: 6, Day: 6},
	{Name: "liberation_day", Month: 8, Day: 15},
	{Name: "national_day", Month: 10, Day: 3},
	{Name: "hangeul_day", Month: 10, Day: 9},
	{Name: "christmas", Month: 12, Day: 25, UpperWindow: 1},
}

// LunarRules are lunar-calendar holidays; the windows cover the eve and the
// day after for the two multi-day festivals.
var LunarRules = []Rule{
	{Name: "lunar_new_year", Month: 1, Day: 1, LowerWindow: -1, UpperWindow: 1},
	{Name: "buddha_birthday", Month: 4, Day: 8},
	{Name: "chuseok", Month: 8, Day: 15, LowerWindow: -1, UpperWindow: 1},
}

// LunarConverter maps a lunar date in lunar year y to its Gregorian date.
type LunarConverter interface {
	ToSolar(year, month, day int) (time.Time, error)
}

// Builder assembles holiday events for a year range.
type Builder struct {
	converter LunarConverter
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewBuilder creates a builder. A nil converter yields solar-only output.
func NewBuilder(conv LunarConverter, log *slog.Logger, m *metrics.Metrics) *Builder {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Builder{converter: conv, log: log, metrics: m}
}

// Build returns every holiday occurrence for years fromYear..toYear
// inclusive. If any lunar conversion fails, all lunar holidays are omitted
// and only the solar events are returned. Build never fails.
func (b *Builder) Build(fromYear, toYear int) []api.HolidayEvent {
	if toYear < fromYear {
		return nil
	}

	years := toYear - fromYear + 1
	events := make([]api.HolidayEvent, 0, years*(len(SolarRules)+len(LunarRules)))
	for y := fromYear; y <= toYear; y++ {
		for _, r := range SolarRules {
			events = append(events, r.event(time.Date(y, time.Month(r.Month), r.Day, 0, 0, 0, 0, time.UTC)))
		}
	}

	lunar, err := b.lunarEvents(fromYear, toYear)
	if err != nil {
		b.metrics.LunarFallbacks.Inc()
		b.log.Warn("lunar holiday conversion failed, continuing with solar holidays only",
			slog.Int("from_year", fromYear),
			slog.Int("to_year", toYear),
			slog.String("error", err.Error()),
		)
		return events
	}
	return append(events, lunar...)
}

func (b *Builder) lunarEvents(fromYear, toYear int) (events []api.HolidayEvent, err error) {
	if b.converter == nil {
		return nil, fmt.Errorf("no lunar converter configured")
	}

	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = fmt.Errorf("lunar converter panicked: %v", r)
		}
	}()

	for y := fromYear; y <= toYear; y++ {
		for _, r := range LunarRules {
			d, err := b.converter.ToSolar(y, r.Month, r.Day)
			if err != nil {
				return nil, fmt.Errorf("convert %s %d: %w", r.Name, y, err)
			}
			events = append(events, r.event(api.NormalizeDate(d)))
		}
	}
	return events, nil
}

func (r Rule) event(d time.Time) api.HolidayEvent {
	return api.HolidayEvent{
		Name:        r.Name,
		Date:        d,
		LowerWindow: r.LowerWindow,
		UpperWindow: r.UpperWindow,
	}
}

// YearRange returns the calendar years a run needs holidays for: the
// observed span plus the forecast horizon, padded one year on each side
// so windows that cross a year boundary are covered.
func YearRange(first, last time.Time, horizon int) (int, int) {
	end := last.AddDate(0, 0, horizon)
	return first.Year() - 1, end.Year() + 1
}
