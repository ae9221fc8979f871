// Package notify announces completed forecast runs to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/newscast/forecaster/internal/api"
)

// RunEvent is the message published after every completed run.
type RunEvent struct {
	RunID       string                         `json:"run_id"`
	Key         string                         `json:"key"`
	GeneratedAt time.Time                      `json:"generated_at"`
	TargetDate  string                         `json:"target_date"`
	Horizon     int                            `json:"horizon"`
	Channels    []string                       `json:"channels"`
	Failures    map[string]string              `json:"failures,omitempty"`
	Today       map[string]api.TodayPrediction `json:"today"`
}

// EventFromSnapshot summarizes snap for publication.
func EventFromSnapshot(snap *api.Snapshot) RunEvent {
	channels := make([]string, 0, len(snap.Forecasts))
	for ch := range snap.Forecasts {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	return RunEvent{
		RunID:       snap.RunID,
		Key:         snap.Key.String(),
		GeneratedAt: snap.GeneratedAt,
		TargetDate:  snap.TargetDate.Format(api.DateLayout),
		Horizon:     snap.Key.Horizon,
		Channels:    channels,
		Failures:    snap.Failures,
		Today:       snap.Today,
	}
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, ev RunEvent) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, RunEvent) error { return nil }
func (Noop) Close() error                            { return nil }

// Writer is the subset of *kafka.Writer used by KafkaPublisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON message per run, keyed by run key so all
// runs for the same source land on one partition.
type KafkaPublisher struct {
	w     Writer
	topic string
	log   *slog.Logger
	now   func() time.Time
}

// NewKafkaPublisher builds a publisher on a kafka-go writer.
func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaPublisherWithWriter(w, topic, log)
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w Writer, topic string, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaPublisher{
		w:     w,
		topic: topic,
		log:   log.With(slog.String("component", "notify"), slog.String("topic", topic)),
		now:   time.Now,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev RunEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.Key), Value: b, Time: p.now()}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	p.log.Info("run event published",
		slog.String("run_id", ev.RunID),
		slog.Int("channels", len(ev.Channels)),
		slog.Int("failures", len(ev.Failures)),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
