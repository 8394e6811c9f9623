package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sgerhart/siemflux/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes alerts to a Kafka topic keyed by alert ID
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaSink creates a sink writing to topic on the comma-separated brokers
func NewKafkaSink(brokers, topic string, logger *slog.Logger) (*KafkaSink, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(writer, topic, logger), nil
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(w MessageWriter, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, topic: topic, logger: logger}
}

// Name implements Sink
func (k *KafkaSink) Name() string {
	return "kafka"
}

// Publish implements Sink
func (k *KafkaSink) Publish(ctx context.Context, alerts []model.Alert) error {
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal alert %s: %w", a.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(a.ID),
			Value: data,
			Time:  a.CreatedAt,
			Headers: []kafka.Header{
				{Key: "severity", Value: []byte(a.Severity)},
			},
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", k.topic, err)
	}
	k.logger.Debug("Alerts written to kafka", "topic", k.topic, "count", len(msgs))
	return nil
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
