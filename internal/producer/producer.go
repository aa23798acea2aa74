// Package producer publishes rule-changed control signals to Kafka.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"changealerts/internal/events"
	"changealerts/internal/kafkautil"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes events.RuleChanged messages on the control topic.
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a producer for topic with synchronous, leader-acknowledged writes.
func NewProducer(brokers string, topic string) (*Producer, error) {
	brokerList := kafkautil.ParseBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	slog.Info("Initializing Kafka producer",
		"brokers", brokerList,
		"topic", topic,
	)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerList...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           kafkautil.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: writer, topic: topic}, nil
}

// Publish writes a rule-changed signal keyed by rule id.
func (p *Producer) Publish(ctx context.Context, changed *events.RuleChanged) error {
	if changed.UpdatedAt == 0 {
		changed.UpdatedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(changed)
	if err != nil {
		return fmt.Errorf("failed to marshal rule changed event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(changed.RuleID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(changed.Action)},
			{Key: "rule_id", Value: []byte(changed.RuleID)},
		},
		Time: time.Unix(changed.UpdatedAt, 0),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("Failed to write message to Kafka",
			"rule_id", changed.RuleID,
			"topic", p.topic,
			"error", err,
		)
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	slog.Info("Published rule changed event",
		"rule_id", changed.RuleID,
		"action", changed.Action,
		"topic", p.topic,
	)
	return nil
}

// Close closes the Kafka writer.
func (p *Producer) Close() error {
	slog.Info("Closing Kafka producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
