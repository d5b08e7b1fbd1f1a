package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/quickrun-notify/internal/models"
)

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const publishTimeout = 2 * time.Second

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

// KafkaProducer publishes order-created events keyed by order id.
type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic)}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishOrderCreated(ctx context.Context, ev models.OrderCreated) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode order event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.OrderID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DeadLetterRecord wraps a webhook body that could not be applied.
type DeadLetterRecord struct {
	Event      string          `json:"event"`
	Reason     string          `json:"reason"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Body       json.RawMessage `json:"body"`
}

// DeadLetterProducer parks unapplied webhooks on a topic for manual replay.
type DeadLetterProducer struct {
	writer MessageWriter
	now    func() time.Time
}

func NewDeadLetterProducer(brokers []string, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{writer: newWriter(brokers, topic), now: time.Now}
}

func NewDeadLetterProducerWithWriter(w MessageWriter) *DeadLetterProducer {
	return &DeadLetterProducer{writer: w, now: time.Now}
}

func (d *DeadLetterProducer) PublishDeadLetter(ctx context.Context, event string, body []byte, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	rec := DeadLetterRecord{Event: event, Reason: reason, ReceivedAt: d.now().UTC(), Body: body}
	if !json.Valid(body) {
		raw, _ := json.Marshal(string(body))
		rec.Body = raw
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return d.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event), Value: b})
}

func (d *DeadLetterProducer) Close() error {
	if d.writer == nil {
		return nil
	}
	return d.writer.Close()
}
