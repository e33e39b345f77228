package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes notifications for a delivery service to fan out.
// Messages are keyed by user so per-user ordering is preserved.
type KafkaNotifier struct {
	writer       *kafka.Writer
	topicByEvent map[string]string
	defaultTopic string
}

// NewKafkaNotifier creates a notifier that publishes events to Kafka.
func NewKafkaNotifier(brokers []string, defaultTopic string, topicByEvent map[string]string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("notify: kafka notifier requires at least one broker")
	}
	if defaultTopic == "" {
		return nil, fmt.Errorf("notify: kafka notifier requires a default topic")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topicByEvent: topicByEvent,
		defaultTopic: defaultTopic,
	}, nil
}

type envelope struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	SentAt    time.Time      `json:"sent_at"`
}

func (k *KafkaNotifier) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(envelope{
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topicFor(eventType),
		Key:   []byte(userID),
		Value: body,
		Time:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("notify: publish %s: %w", eventType, err)
	}
	return nil
}

// topicFor routes operational alerts and other mapped events to their own
// topic.
func (k *KafkaNotifier) topicFor(eventType string) string {
	if mapped, ok := k.topicByEvent[eventType]; ok && mapped != "" {
		return mapped
	}
	return k.defaultTopic
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
