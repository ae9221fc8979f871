package aggregate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/newscast/forecaster/internal/api"
)

// DayFilter restricts rows by day of week.
type DayFilter string

const (
	AllDays  DayFilter = "all"
	Weekdays DayFilter = "weekday"
	Weekends DayFilter = "weekend"
)

// ParseDayFilter accepts all, weekday or weekend, case-insensitively. The
// empty string means all.
func ParseDayFilter(s string) (DayFilter, error) {
	switch DayFilter(strings.ToLower(strings.TrimSpace(s))) {
	case "", AllDays:
		return AllDays, nil
	case Weekdays:
		return Weekdays, nil
	case Weekends:
		return Weekends, nil
	}
	return "", fmt.Errorf("unknown day filter %q", s)
}

func (f DayFilter) keep(d time.Time) bool {
	weekend := d.Weekday() == time.Saturday || d.Weekday() == time.Sunday
	switch f {
	case Weekdays:
		return !weekend
	case Weekends:
		return weekend
	}
	return true
}

// Query selects a window of the long table.
type Query struct {
	// Channels to keep; empty keeps all.
	Channels []string
	// FromDay and ToDay are inclusive day offsets from the target date.
	FromDay int
	ToDay   int
	Days    DayFilter
}

// Filter returns the rows of table matching q, preserving order.
func Filter(table []api.LongRow, target time.Time, q Query) []api.LongRow {
	target = api.NormalizeDate(target)
	keepCh := make(map[string]bool, len(q.Channels))
	for _, ch := range q.Channels {
		keepCh[ch] = true
	}

	out := make([]api.LongRow, 0, len(table))
	for _, r := range table {
		if len(keepCh) > 0 && !keepCh[r.Channel] {
			continue
		}
		d, err := time.Parse(api.DateLayout, r.Date)
		if err != nil {
			continue
		}
		off := int(math.Round(d.Sub(target).Hours() / 24))
		if off < q.FromDay || off > q.ToDay || !q.Days.keep(d) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Summary describes one channel's forecasts over a window.
type Summary struct {
	Channel string  `json:"channel"`
	Days    int     `json:"days"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Summarize computes per-channel forecast statistics over rows, in the
// given channel order. Std is the sample standard deviation and is zero for
// a single row.
func Summarize(rows []api.LongRow, order []string) []Summary {
	values := make(map[string][]float64, len(order))
	for _, r := range rows {
		values[r.Channel] = append(values[r.Channel], r.Forecast)
	}

	out := make([]Summary, 0, len(order))
	for _, ch := range order {
		vs := values[ch]
		if len(vs) == 0 {
			continue
		}
		s := Summary{Channel: ch, Days: len(vs), Min: vs[0], Max: vs[0]}
		s.Mean = stat.Mean(vs, nil)
		if len(vs) > 1 {
			s.Std = stat.StdDev(vs, nil)
		}
		for _, v := range vs {
			s.Min = math.Min(s.Min, v)
			s.Max = math.Max(s.Max, v)
		}
		s.Mean = Round(s.Mean, RatingPlaces)
		s.Std = Round(s.Std, RatingPlaces)
		out = append(out, s)
	}
	return out
}

// WeekdayEffect is the average weekly component on one weekday.
type WeekdayEffect struct {
	Weekday time.Weekday `json:"weekday"`
	Name    string       `json:"name"`
	Effect  float64      `json:"effect"`
}

// WeeklyProfile is the weekly pattern of one channel.
type WeeklyProfile struct {
	Channel string          `json:"channel"`
	Days    []WeekdayEffect `json:"days"` // Monday first
	Best    WeekdayEffect   `json:"best"`
	Worst   WeekdayEffect   `json:"worst"`
}

// Profile averages the weekly component of rows by weekday. ok is false
// when rows is empty.
func Profile(channel string, rows []api.ForecastRow) (WeeklyProfile, bool) {
	if len(rows) == 0 {
		return WeeklyProfile{}, false
	}

	var sum [7]float64
	var n [7]int
	for _, r := range rows {
		wd := r.Date.Weekday()
		sum[wd] += r.Weekly
		n[wd]++
	}

	p := WeeklyProfile{Channel: channel}
	first := true
	for i := 0; i < 7; i++ {
		wd := time.Weekday((i + 1) % 7) // Monday .. Sunday
		if n[wd] == 0 {
			continue
		}
		e := WeekdayEffect{Weekday: wd, Name: wd.String(), Effect: Round(sum[wd]/float64(n[wd]), RatingPlaces)}
		p.Days = append(p.Days, e)
		if first || e.Effect > p.Best.Effect {
			p.Best = e
		}
		if first || e.Effect < p.Worst.Effect {
			p.Worst = e
		}
		first = false
	}
	return p, true
}

// Window returns the rows dated within [from, to] inclusive.
func Window(rows []api.ForecastRow, from, to time.Time) []api.ForecastRow {
	from, to = api.NormalizeDate(from), api.NormalizeDate(to)
	out := make([]api.ForecastRow, 0, len(rows))
	for _, r := range rows {
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}
