// Package notify provides the Kafka-backed broadcast sink. Publishing is
// fire-and-forget: delivery failures are logged and dropped, they never reach
// the business operation that triggered the event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

type KafkaNotifier struct {
	logger *zap.Logger
	writer *kafka.Writer
	topic  string
}

func NewKafkaNotifier(logger *zap.Logger, brokers []string, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaNotifier{logger: logger, writer: writer, topic: topic}
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func (n *KafkaNotifier) Notify(ctx context.Context, event string, payload map[string]any) {
	body := map[string]any{
		"event_id":    uuid.NewString(),
		"event":       event,
		"occurred_at": time.Now().Format(time.RFC3339),
		"payload":     payload,
	}

	value, err := json.Marshal(body)
	if err != nil {
		n.logger.Error("failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	// Detached timeout: the caller's request must not wait on the broker.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = n.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event),
		Value: value,
	})
	if err != nil {
		n.logger.Error("failed to publish event",
			zap.String("event", event),
			zap.String("topic", n.topic),
			zap.Error(err),
		)
	}
}
