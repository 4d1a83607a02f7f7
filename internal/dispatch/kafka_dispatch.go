package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BusEvent is the record published for downstream consumers (push and SMS
// gateways, socket fan-out in other processes).
type BusEvent struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// KafkaNotifier publishes events keyed by channel, so one channel's events
// stay ordered within a partition.
type KafkaNotifier struct {
	w       MessageWriter
	timeout time.Duration
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return NewKafkaNotifierWithWriter(w)
}

func NewKafkaNotifierWithWriter(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{w: w, timeout: 2 * time.Second}
}

func (k *KafkaNotifier) Notify(ctx context.Context, channel, event string, payload any) error {
	ev := BusEvent{ID: uuid.NewString(), Channel: channel, Event: event, Payload: payload, SentAt: time.Now().UTC()}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(channel),
		Value:   b,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event)}},
	})
}

func (k *KafkaNotifier) Close() error {
	if k.w == nil {
		return nil
	}
	return k.w.Close()
}
