package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/tracking"
)

// MessageReader is the part of *kafka.Reader the location source uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaLocationSource reads device fixes from a topic keyed by device id.
type KafkaLocationSource struct {
	deviceID  string
	newReader func() MessageReader
	log       *slog.Logger
}

func NewKafkaLocationSource(brokers []string, topic, deviceID string, logger *slog.Logger) *KafkaLocationSource {
	return NewKafkaLocationSourceWithReader(deviceID, func() MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     "quickrun-agent-" + deviceID,
			MinBytes:    1,
			MaxBytes:    1e6,
			MaxWait:     time.Second,
			StartOffset: kafka.LastOffset,
		})
	}, logger)
}

func NewKafkaLocationSourceWithReader(deviceID string, newReader func() MessageReader, logger *slog.Logger) *KafkaLocationSource {
	return &KafkaLocationSource{deviceID: deviceID, newReader: newReader, log: logging.Component(logger, "location_source")}
}

// locationMessage is one fix as published by the device.
type locationMessage struct {
	DeviceID string    `json:"deviceId"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

type kafkaSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Cancel stops delivery. No callback runs after Cancel returns.
func (s *kafkaSubscription) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe delivers this device's fixes to cb, dropping any fix closer than
// req.MinInterval to the previous delivered one.
func (k *KafkaLocationSource) Subscribe(req tracking.Request, cb func(models.Fix)) (tracking.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	r := k.newReader()
	go func() {
		defer close(sub.done)
		defer r.Close()
		var last time.Time
		backoff := pushMinBackoff
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				k.log.Warn("location read failed", "error", err, "backoff", backoff)
				if !sleep(ctx, backoff) {
					return
				}
				backoff = min(backoff*2, pushMaxBackoff)
				continue
			}
			backoff = pushMinBackoff
			fix, ok := k.decode(m)
			if !ok {
				continue
			}
			if !last.IsZero() && fix.At.Sub(last) < req.MinInterval {
				continue
			}
			last = fix.At
			if ctx.Err() != nil {
				return
			}
			cb(fix)
		}
	}()
	return sub, nil
}

func (k *KafkaLocationSource) decode(m kafka.Message) (models.Fix, bool) {
	if len(m.Key) > 0 && string(m.Key) != k.deviceID {
		return models.Fix{}, false
	}
	var msg locationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		k.log.Warn("invalid location message", "error", err)
		return models.Fix{}, false
	}
	if msg.DeviceID != "" && msg.DeviceID != k.deviceID {
		return models.Fix{}, false
	}
	at := msg.At
	if at.IsZero() {
		at = m.Time
	}
	if at.IsZero() {
		at = time.Now()
	}
	return models.Fix{Coord: models.Coord{Lat: msg.Lat, Lng: msg.Lng}, At: at}, true
}
