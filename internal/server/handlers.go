package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/newscast/forecaster/internal/aggregate"
	"github.com/newscast/forecaster/internal/api"
)

// forecastSummary is the body of GET /api/forecast and the refresh
// response.
type forecastSummary struct {
	RunID       string                         `json:"run_id"`
	GeneratedAt time.Time                      `json:"generated_at"`
	TargetDate  string                         `json:"target_date"`
	Channels    []api.Channel                  `json:"channels"`
	Today       map[string]api.TodayPrediction `json:"today"`
	Info        api.DataInfo                   `json:"info"`
	Ingest      api.IngestReport               `json:"ingest"`
	Failures    map[string]string              `json:"failures,omitempty"`
}

func summarize(snap *api.Snapshot) forecastSummary {
	return forecastSummary{
		RunID:       snap.RunID,
		GeneratedAt: snap.GeneratedAt,
		TargetDate:  snap.TargetDate.Format(api.DateLayout),
		Channels:    snap.Channels,
		Today:       snap.Today,
		Info:        snap.Info,
		Ingest:      snap.Ingest,
		Failures:    snap.Failures,
	}
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key, err := s.runKey(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	snap, err := s.src.Refresh(r.Context(), key)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap))
}

// tableQuery reads channel (repeatable or comma separated), from, to and
// days. from and to default to the whole horizon.
func tableQuery(r *http.Request, snap *api.Snapshot) (aggregate.Query, error) {
	q := r.URL.Query()
	out := aggregate.Query{FromDay: 0, ToDay: snap.Key.Horizon}

	for _, v := range q["channel"] {
		for _, ch := range strings.Split(v, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				out.Channels = append(out.Channels, ch)
			}
		}
	}

	var err error
	if out.FromDay, err = intParam(q.Get("from"), out.FromDay); err != nil {
		return out, badRequest("from must be an integer day offset")
	}
	if out.ToDay, err = intParam(q.Get("to"), out.ToDay); err != nil {
		return out, badRequest("to must be an integer day offset")
	}
	if out.FromDay > out.ToDay {
		return out, badRequest("from must not be after to")
	}
	if out.Days, err = aggregate.ParseDayFilter(q.Get("days")); err != nil {
		return out, badRequest(err.Error())
	}
	return out, nil
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	q, err := tableQuery(r, snap)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	rows := aggregate.Filter(snap.Table, snap.TargetDate, q)

	if r.URL.Query().Get("format") == "csv" {
		s.writeCSV(w, aggregate.FullCSVName(snap.TargetDate, snap.Key.Horizon), rows)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_date": snap.TargetDate.Format(api.DateLayout),
		"rows":        rows,
		"summary":     aggregate.Summarize(rows, snap.Order()),
	})
}

func (s *Server) handleTodayCSV(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	rows := aggregate.TodayRows(snap.Today, snap.Order(), snap.TargetDate)
	s.writeCSV(w, aggregate.TodayCSVName(snap.TargetDate), rows)
}

func (s *Server) writeCSV(w http.ResponseWriter, filename string, rows []api.LongRow) {
	var buf bytes.Buffer
	if err := aggregate.WriteCSV(&buf, rows); err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": snap.Records,
		"ingest":  snap.Ingest,
		"info":    snap.Info,
	})
}

func (s *Server) handleHolidays(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holidays": snap.Holidays})
}

// channelRows returns the forecast rows of the {id} channel, writing a 404
// when the channel is unknown or failed in this run.
func (s *Server) channelRows(w http.ResponseWriter, r *http.Request) (*api.Snapshot, string, []api.ForecastRow) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return nil, "", nil
	}
	id := chi.URLParam(r, "id")
	rows, ok := snap.Forecasts[id]
	if !ok || len(rows) == 0 {
		if msg, failed := snap.Failures[id]; failed {
			writeError(w, http.StatusNotFound, fmt.Sprintf("channel %s has no forecast: %s", id, msg))
		} else {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown channel %s", id))
		}
		return nil, "", nil
	}
	return snap, id, rows
}

func (s *Server) handleWeekly(w http.ResponseWriter, r *http.Request) {
	_, id, rows := s.channelRows(w, r)
	if rows == nil {
		return
	}
	profile, _ := aggregate.Profile(id, rows)
	writeJSON(w, http.StatusOK, profile)
}

// handleComponents returns the decomposition of one channel. start and end
// (YYYY-MM-DD) narrow the window; the default is the whole frame.
func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	_, id, rows := s.channelRows(w, r)
	if rows == nil {
		return
	}

	from, to := rows[0].Date, rows[len(rows)-1].Date
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		d, err := time.Parse(api.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
			return
		}
		from = d
	}
	if v := q.Get("end"); v != "" {
		d, err := time.Parse(api.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
			return
		}
		to = d
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel": id,
		"rows":    aggregate.Window(rows, from, to),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap, id, rows := s.channelRows(w, r)
	if rows == nil {
		return
	}
	q, err := tableQuery(r, snap)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	q.Channels = []string{id}

	summaries := aggregate.Summarize(aggregate.Filter(snap.Table, snap.TargetDate, q), []string{id})
	if len(summaries) == 0 {
		writeError(w, http.StatusNotFound, "no forecast rows in the requested window")
		return
	}
	writeJSON(w, http.StatusOK, summaries[0])
}
