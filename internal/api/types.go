package api

import (
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the ISO calendar-day layout used on every output surface.
const DateLayout = "2006-01-02"

// Channel describes one forecast channel: its stable identifier, the
// column holding its ratings in the source sheet, and its display color.
type Channel struct {
	ID     string `json:"id" yaml:"id"`
	Column string `json:"column" yaml:"column"`
	Color  string `json:"color" yaml:"color"`
}

// ChannelTable is the immutable channel configuration handed to the
// pipeline at construction. The slice order is the display order.
type ChannelTable struct {
	dateColumn string
	channels   []Channel
}

// NewChannelTable validates and freezes a channel table.
func NewChannelTable(dateColumn string, channels ...Channel) (ChannelTable, error) {
	if dateColumn == "" {
		return ChannelTable{}, fmt.Errorf("date column is required")
	}
	if len(channels) == 0 {
		return ChannelTable{}, fmt.Errorf("at least one channel is required")
	}

	ids := make(map[string]bool, len(channels))
	cols := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch.ID == "" || ch.Column == "" {
			return ChannelTable{}, fmt.Errorf("channel id and column are required (got id=%q column=%q)", ch.ID, ch.Column)
		}
		if ids[ch.ID] {
			return ChannelTable{}, fmt.Errorf("duplicate channel id: %s", ch.ID)
		}
		if cols[ch.Column] || ch.Column == dateColumn {
			return ChannelTable{}, fmt.Errorf("duplicate source column: %s", ch.Column)
		}
		ids[ch.ID] = true
		cols[ch.Column] = true
	}

	frozen := make([]Channel, len(channels))
	copy(frozen, channels)
	return ChannelTable{dateColumn: dateColumn, channels: frozen}, nil
}

// DefaultChannelTable returns the four news programs tracked by default.
func DefaultChannelTable() ChannelTable {
	table, err := NewChannelTable("날짜",
		Channel{ID: "News_A", Column: "뉴스A", Color: "#0072BD"},
		Channel{ID: "JTBC", Column: "JTBC뉴스룸", Color: "#7E2F8E"},
		Channel{ID: "MBN", Column: "MBN뉴스7", Color: "#EDB120"},
		Channel{ID: "TVCHOSUN", Column: "TV조선뉴스9", Color: "#D95319"},
	)
	if err != nil {
		panic(err)
	}
	return table
}

// DateColumn returns the source header holding the observation date.
func (t ChannelTable) DateColumn() string { return t.dateColumn }

// Channels returns a copy of the channels in display order.
func (t ChannelTable) Channels() []Channel {
	out := make([]Channel, len(t.channels))
	copy(out, t.channels)
	return out
}

// Order returns channel identifiers in display order.
func (t ChannelTable) Order() []string {
	out := make([]string, len(t.channels))
	for i, ch := range t.channels {
		out[i] = ch.ID
	}
	return out
}

// Lookup finds a channel by identifier.
func (t ChannelTable) Lookup(id string) (Channel, bool) {
	for _, ch := range t.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// Len returns the number of channels.
func (t ChannelTable) Len() int { return len(t.channels) }

// RatingRecord is one calendar day of observed data. A channel key absent
// from Ratings means the value was missing in the source.
type RatingRecord struct {
	Date       time.Time          `json:"date"`
	Ratings    map[string]float64 `json:"ratings"`
	SunsetTime float64            `json:"sunset_time"`
}

// Rating returns the channel value and whether it was present.
func (r RatingRecord) Rating(channel string) (float64, bool) {
	v, ok := r.Ratings[channel]
	return v, ok
}

// HolidayEvent is a named holiday anchored on Date whose effect spans
// [Date+LowerWindow, Date+UpperWindow] inclusive.
type HolidayEvent struct {
	Name        string    `json:"holiday"`
	Date        time.Time `json:"ds"`
	LowerWindow int       `json:"lower_window"`
	UpperWindow int       `json:"upper_window"`
}

// SeriesPoint is one fully observed training row for a channel.
type SeriesPoint struct {
	Date       time.Time
	Rating     float64
	SunsetTime float64
}

// ChannelSeries is the per-channel training set.
type ChannelSeries struct {
	Channel string
	Points  []SeriesPoint
}

// SeriesFor extracts the training set for one channel, skipping days where
// the rating is missing.
func SeriesFor(channel string, records []RatingRecord) ChannelSeries {
	series := ChannelSeries{Channel: channel, Points: make([]SeriesPoint, 0, len(records))}
	for _, rec := range records {
		v, ok := rec.Rating(channel)
		if !ok {
			continue
		}
		series.Points = append(series.Points, SeriesPoint{
			Date:       rec.Date,
			Rating:     v,
			SunsetTime: rec.SunsetTime,
		})
	}
	return series
}

// ForecastRow is one (channel, date) output of the forecast engine. The
// five bounded fields are clipped at zero; the components are not.
type ForecastRow struct {
	Date     time.Time `json:"date"`
	Forecast float64   `json:"forecast"`
	Lower95  float64   `json:"lower_95"`
	Upper95  float64   `json:"upper_95"`
	Lower90  float64   `json:"lower_90"`
	Upper90  float64   `json:"upper_90"`

	Trend        float64 `json:"trend"`
	Weekly       float64 `json:"weekly"`
	Yearly       float64 `json:"yearly"`
	Holidays     float64 `json:"holidays"`
	SunsetEffect float64 `json:"sunset_effect"`
	SunsetTime   float64 `json:"sunset_time"`
}

// ForecastSet maps channel id to its forecast rows, date-ascending.
type ForecastSet map[string][]ForecastRow

// TodayPrediction is the single-row prediction for the target date.
type TodayPrediction struct {
	Forecast   float64 `json:"forecast"`
	Lower95    float64 `json:"lower_95"`
	Upper95    float64 `json:"upper_95"`
	Lower90    float64 `json:"lower_90"`
	Upper90    float64 `json:"upper_90"`
	SunsetTime float64 `json:"sunset_time"`
	// Exact is false when the target date had no row and the latest row
	// was used instead.
	Exact bool `json:"exact"`
}

// LongRow is one row of the flat channel x date export table.
type LongRow struct {
	Channel    string  `json:"channel"`
	Date       string  `json:"date"`
	Forecast   float64 `json:"forecast"`
	Lower95    float64 `json:"lower_95"`
	Upper95    float64 `json:"upper_95"`
	Lower90    float64 `json:"lower_90"`
	Upper90    float64 `json:"upper_90"`
	SunsetTime float64 `json:"sunset_time"`
}

// IngestReport summarizes what cleaning did to the raw sheet.
type IngestReport struct {
	RawRows       int            `json:"raw_rows"`
	BadDates      int            `json:"bad_dates"`
	Duplicates    int            `json:"duplicates"`
	Records       int            `json:"records"`
	MissingValues map[string]int `json:"missing_values"`
}

// DataInfo describes the data window behind a run.
type DataInfo struct {
	FirstDate  time.Time `json:"first_date"`
	LastDate   time.Time `json:"last_date"`
	Records    int       `json:"records"`
	TargetDate time.Time `json:"target_date"`
	Horizon    int       `json:"horizon"`
	Channels   int       `json:"channels"`
}

// RunKey identifies a run by its data source and horizon.
type RunKey struct {
	SheetID string `json:"sheet_id"`
	GID     string `json:"gid"`
	Horizon int    `json:"horizon"`
}

func (k RunKey) String() string {
	return k.SheetID + ":" + k.GID + ":" + strconv.Itoa(k.Horizon)
}

// Snapshot is the immutable result of one forecasting run. Readers must
// not mutate it; a new run produces a new snapshot.
type Snapshot struct {
	RunID       string                     `json:"run_id"`
	Key         RunKey                     `json:"key"`
	GeneratedAt time.Time                  `json:"generated_at"`
	TargetDate  time.Time                  `json:"target_date"`
	Channels    []Channel                  `json:"channels"`
	Records     []RatingRecord             `json:"records"`
	Holidays    []HolidayEvent             `json:"holidays"`
	Forecasts   ForecastSet                `json:"forecasts"`
	Today       map[string]TodayPrediction `json:"today"`
	Table       []LongRow                  `json:"table"`
	Failures    map[string]string          `json:"failures,omitempty"`
	Ingest      IngestReport               `json:"ingest"`
	Info        DataInfo                   `json:"info"`
}

// Order returns the snapshot's channel ids in display order.
func (s *Snapshot) Order() []string {
	out := make([]string, len(s.Channels))
	for i, ch := range s.Channels {
		out[i] = ch.ID
	}
	return out
}

// NormalizeDate truncates t to its calendar day at midnight UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TargetDate returns the day after the latest record, or the zero time if
// there are no records. Records are expected sorted ascending.
func TargetDate(records []RatingRecord) time.Time {
	if len(records) == 0 {
		return time.Time{}
	}
	return NormalizeDate(records[len(records)-1].Date).AddDate(0, 0, 1)
}
