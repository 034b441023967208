/*
Package events relays audit records to downstream consumers.

PURPOSE:
  Every money-moving change writes an AuditRecord in the same unit of work.
  Records with no published_at form an outbox. The Relay drains it in
  order and hands each record to a Publisher: Kafka in production, the
  logger when no brokers are configured.

DELIVERY:
  At-least-once. A record is marked published only after the publisher
  accepted it, so a crash between the two publishes it again. Consumers
  dedupe on the envelope id.

SEE ALSO:
  - finance/audit.go: Audit actions
  - api/scheduler.go: Runs the relay periodically
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/preiposip/fincore/finance"
)

// Publisher delivers one encoded event.
type Publisher interface {
	Publish(ctx context.Context, action string, payload []byte, partitionKey string) error
	Close() error
}

// Envelope is the wire form of an audit record.
type Envelope struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	PaymentID string         `json:"payment_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Encode builds the payload and partition key for rec. Records for one
// user share a partition so consumers see them in order.
func Encode(rec finance.AuditRecord) (payload []byte, key string, err error) {
	payload, err = json.Marshal(Envelope{
		ID:        rec.ID,
		Action:    string(rec.Action),
		ActorID:   rec.ActorID,
		UserID:    rec.UserID,
		PaymentID: rec.PaymentID,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode audit record %s: %w", rec.ID, err)
	}
	key = rec.UserID
	if key == "" {
		key = rec.PaymentID
	}
	if key == "" {
		key = rec.ID
	}
	return payload, key, nil
}

// =============================================================================
// KAFKA
// =============================================================================

type KafkaPublisher struct {
	writer        *kafka.Writer
	defaultTopic  string
	topicByAction map[string]string
}

// NewKafkaPublisher writes to defaultTopic unless topicByAction maps the
// action elsewhere.
func NewKafkaPublisher(brokers []string, defaultTopic string, topicByAction map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if defaultTopic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		defaultTopic:  defaultTopic,
		topicByAction: topicByAction,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, action string, payload []byte, partitionKey string) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic(action),
		Key:   []byte(partitionKey),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(action)},
		},
	})
}

func (p *KafkaPublisher) topic(action string) string {
	if mapped, ok := p.topicByAction[action]; ok && mapped != "" {
		return mapped
	}
	return p.defaultTopic
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// =============================================================================
// LOG
// =============================================================================

// LogPublisher writes events to a logger. Used when no brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, action string, payload []byte, partitionKey string) error {
	p.logger.InfoContext(ctx, "event published",
		"action", action,
		"key", partitionKey,
		"payload", string(payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
