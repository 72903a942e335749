package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TransitionEvent is published for every committed stage transition so
// downstream dashboards and reporting can follow the book without polling.
type TransitionEvent struct {
	TradeID   string    `json:"trade_id"`
	FromStage string    `json:"from_stage"`
	ToStage   string    `json:"to_stage"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EventBus publishes transition events.
type EventBus interface {
	PublishTransition(ctx context.Context, event TransitionEvent) error
}

// LogEventBus writes events to the log only. It is the default bus when no
// broker is configured.
type LogEventBus struct {
	logger *zap.Logger
}

// NewLogEventBus creates a log-backed bus.
func NewLogEventBus(logger *zap.Logger) *LogEventBus {
	return &LogEventBus{logger: logger}
}

func (b *LogEventBus) PublishTransition(ctx context.Context, event TransitionEvent) error {
	b.logger.Info("stage transition published",
		zap.String("trade_id", event.TradeID),
		zap.String("from_stage", event.FromStage),
		zap.String("to_stage", event.ToStage),
		zap.String("actor", event.Actor),
		zap.String("reason", event.Reason),
	)
	return nil
}

// KafkaEventBus publishes transition events to a Kafka topic, keyed by trade
// id so per-trade ordering survives partitioning.
type KafkaEventBus struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaEventBus creates a Kafka-backed bus.
func NewKafkaEventBus(brokers []string, topic string, logger *zap.Logger) *KafkaEventBus {
	return &KafkaEventBus{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		logger: logger,
	}
}

func (b *KafkaEventBus) PublishTransition(ctx context.Context, event TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TradeID),
		Value: payload,
	}); err != nil {
		b.logger.Error("failed to publish transition to kafka",
			zap.String("trade_id", event.TradeID), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (b *KafkaEventBus) Close() error { return b.writer.Close() }
