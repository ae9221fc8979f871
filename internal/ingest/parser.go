package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/newscast/forecaster/internal/api"
	"github.com/newscast/forecaster/internal/astro"
	"github.com/newscast/forecaster/internal/metrics"
)

// MissingColumnsError lists required headers absent from the sheet.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

var (
	numberPattern = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
	nonDigits     = regexp.MustCompile(`[^0-9]`)

	placeholders = map[string]bool{"": true, "-": true, "\u2014": true, "\u2013": true}

	// Layouts tried when a date is not a compact 6 or 8 digit value.
	dateLayouts = []string{
		"2006-01-02",
		"2006-1-2",
		"2006/1/2",
		"2006.1.2",
		"2006. 1. 2.",
		"2006. 1. 2",
		"1/2/2006",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		time.RFC3339,
		"2006년 1월 2일",
	}
)

// NormalizeHeader strips the BOM, zero-width spaces and surrounding
// whitespace from a header cell.
func NormalizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\ufeff", "")
	s = strings.ReplaceAll(s, "\u200b", "")
	return strings.TrimSpace(s)
}

// ParseDate interprets a sheet date cell. Compact values are read from
// their digits: 6 digits as YYMMDD in the 2000s, 8 digits as YYYYMMDD. An
// invalid compact value is missing and is not retried with other layouts.
func ParseDate(raw string) (time.Time, bool) {
	digits := nonDigits.ReplaceAllString(raw, "")
	switch len(digits) {
	case 6:
		return parseCompact("20" + digits)
	case 8:
		return parseCompact(digits)
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return api.NormalizeDate(t), true
		}
	}
	return time.Time{}, false
}

func parseCompact(s string) (time.Time, bool) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseRating interprets a rating cell. Thousands separators are ignored;
// placeholders, non-numeric text and negative values are missing.
func ParseRating(raw string) (float64, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if placeholders[s] || !numberPattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// Parser turns a CSV body into cleaned rating records.
type Parser struct {
	table   api.ChannelTable
	sunset  astro.Provider
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewParser creates a parser for the given channel table.
func NewParser(table api.ChannelTable, sunset astro.Provider, log *slog.Logger, m *metrics.Metrics) *Parser {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Parser{table: table, sunset: sunset, log: log, metrics: m}
}

// Parse decodes, validates and cleans body. The result is sorted by date
// ascending with unique dates; the first row for a date wins.
func (p *Parser) Parse(body []byte) ([]api.RatingRecord, api.IngestReport, error) {
	report := api.IngestReport{MissingValues: make(map[string]int, p.table.Len())}

	rows, err := readCSV(body)
	if err != nil {
		return nil, report, err
	}
	if len(rows) == 0 {
		return nil, report, fmt.Errorf("%w: empty body", ErrMalformedBody)
	}

	index := buildColumnIndex(rows[0])
	dateIdx, err := p.requireColumns(index)
	if err != nil {
		return nil, report, err
	}

	channels := p.table.Channels()
	records := make([]api.RatingRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		report.RawRows++

		date, ok := ParseDate(cell(row, dateIdx))
		if !ok {
			report.BadDates++
			continue
		}

		rec := api.RatingRecord{Date: date, Ratings: make(map[string]float64, len(channels))}
		for _, ch := range channels {
			if v, ok := ParseRating(cell(row, index[ch.Column])); ok {
				rec.Ratings[ch.ID] = v
			}
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})
	records = dedupByDate(records)
	report.Duplicates = report.RawRows - report.BadDates - len(records)

	if len(records) == 0 {
		return nil, report, fmt.Errorf("%w: %d rows read, %d with unparseable dates",
			ErrNoRows, report.RawRows, report.BadDates)
	}

	for i := range records {
		for _, ch := range channels {
			if _, ok := records[i].Ratings[ch.ID]; !ok {
				report.MissingValues[ch.ID]++
			}
		}
		if p.sunset != nil {
			records[i].SunsetTime = p.sunset.SunsetHour(records[i].Date)
		} else {
			records[i].SunsetTime = astro.FallbackHour
		}
	}
	report.Records = len(records)

	p.observe(report)
	return records, report, nil
}

func (p *Parser) observe(r api.IngestReport) {
	p.metrics.RowsIngested.Add(float64(r.Records))
	p.metrics.RowsBadDate.Add(float64(r.BadDates))
	p.metrics.RowsDuplicate.Add(float64(r.Duplicates))
	for ch, n := range r.MissingValues {
		p.metrics.MissingRatings.WithLabelValues(ch).Add(float64(n))
	}

	attrs := []any{
		slog.Int("raw_rows", r.RawRows),
		slog.Int("records", r.Records),
		slog.Int("bad_dates", r.BadDates),
		slog.Int("duplicates", r.Duplicates),
	}
	if r.BadDates > 0 || r.Duplicates > 0 {
		p.log.Warn("dropped rows during ingestion", attrs...)
		return
	}
	p.log.Debug("ingested ratings", attrs...)
}

func (p *Parser) requireColumns(index map[string]int) (int, error) {
	var missing []string
	dateIdx, ok := index[p.table.DateColumn()]
	if !ok {
		missing = append(missing, p.table.DateColumn())
	}
	for _, ch := range p.table.Channels() {
		if _, ok := index[ch.Column]; !ok {
			missing = append(missing, ch.Column)
		}
	}
	if len(missing) > 0 {
		return 0, &MissingColumnsError{Columns: missing}
	}
	return dateIdx, nil
}

func readCSV(body []byte) ([][]string, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	text := strings.ToValidUTF8(string(body), "\uFFFD")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedBody)
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// buildColumnIndex maps normalized header names to positions. The first
// occurrence of a repeated header wins.
func buildColumnIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := NormalizeHeader(h)
		if _, seen := index[name]; !seen {
			index[name] = i
		}
	}
	return index
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// dedupByDate keeps the first record of each run of equal dates. records
// must be sorted.
func dedupByDate(records []api.RatingRecord) []api.RatingRecord {
	out := records[:0]
	for i, rec := range records {
		if i > 0 && rec.Date.Equal(out[len(out)-1].Date) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
