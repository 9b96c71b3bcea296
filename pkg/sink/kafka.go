package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams events as JSON records keyed by symbol, so one market's
// events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *logrus.Entry
}

func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return newKafkaSink(w, topic, logger)
}

func newKafkaSink(w messageWriter, topic string, logger *logrus.Logger) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		logger: logger.WithFields(logrus.Fields{"component": "kafka_sink", "topic": topic}),
	}
}

func (k *KafkaSink) Write(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(NewRecord(ev))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Symbol),
			Value: value,
			Time:  ev.Timestamp,
			Headers: []kafka.Header{
				{Key: "event-kind", Value: []byte(ev.Kind)},
				{Key: "event-action", Value: []byte(ev.Action)},
			},
		})
	}
	k.logger.WithField("events", len(msgs)).Debug("Publishing events")
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
