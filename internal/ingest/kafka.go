package ingest

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/models"
)

// EventHandler receives each analytics event read from the durable source.
type EventHandler func(ctx context.Context, event models.AnalyticsEvent) error

// KafkaSource consumes analytics events from a Kafka topic and hands them
// to the engine's ingestion entry point. The consumer group gives
// at-least-once delivery; downstream handlers are idempotent anyway.
type KafkaSource struct {
	reader  *kafka.Reader
	handler EventHandler
	logger  *zap.Logger
}

func NewKafkaSource(brokers []string, topic, groupID string, handler EventHandler, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		handler: handler,
		logger:  logger,
	}
}

// Run consumes until the context ends. A malformed message is logged and
// skipped; a handler failure is logged and the message is not retried here,
// the queue's own retry policy takes over once the event is enqueued.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var event models.AnalyticsEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			s.logger.Warn("skipping malformed analytics event",
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			continue
		}
		if err := s.handler(ctx, event); err != nil {
			s.logger.Error("failed to ingest analytics event",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
