package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/newscast/forecaster/internal/api"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testSnapshot() *api.Snapshot {
	return &api.Snapshot{
		RunID:       "run-1",
		Key:         api.RunKey{SheetID: "sheet", GID: "7", Horizon: 90},
		GeneratedAt: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		TargetDate:  time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		Forecasts: api.ForecastSet{
			"SBS":  nil,
			"JTBC": nil,
		},
		Failures: map[string]string{"MBN": "no data"},
		Today: map[string]api.TodayPrediction{
			"JTBC": {Forecast: 3.2, Exact: true},
		},
	}
}

func TestEventFromSnapshot(t *testing.T) {
	ev := EventFromSnapshot(testSnapshot())

	if ev.Key != "sheet:7:90" {
		t.Errorf("Key = %s, want sheet:7:90", ev.Key)
	}
	if ev.TargetDate != "2024-03-01" {
		t.Errorf("TargetDate = %s", ev.TargetDate)
	}
	if len(ev.Channels) != 2 || ev.Channels[0] != "JTBC" || ev.Channels[1] != "SBS" {
		t.Errorf("Channels = %v, want sorted [JTBC SBS]", ev.Channels)
	}
	if ev.Failures["MBN"] != "no data" {
		t.Errorf("Failures = %v", ev.Failures)
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, "forecast-runs", nil)

	ev := EventFromSnapshot(testSnapshot())
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "sheet:7:90" {
		t.Errorf("message key = %s", msg.Key)
	}

	var decoded RunEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Today["JTBC"].Forecast != 3.2 {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close = %v, closed = %v", err, w.closed)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaPublisherWithWriter(&fakeWriter{err: boom}, "forecast-runs", nil)

	err := p.Publish(context.Background(), EventFromSnapshot(testSnapshot()))
	if !errors.Is(err, boom) {
		t.Errorf("Publish error = %v, want wrapped %v", err, boom)
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), RunEvent{}); err != nil {
		t.Errorf("Publish = %v", err)
	}
}
