// Package events publishes delivery audit records and dead-lettered retry
// entries to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a writer for one topic. Keys hash to partitions so that
// events for one recipient stay ordered.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

type auditEvent struct {
	ID        string    `json:"id"`
	Function  string    `json:"function"`
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome"`
	Gateway   string    `json:"gateway,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// AuditPublisher is a ledger.Sink writing to the audit topic.
type AuditPublisher struct {
	Writer MessageWriter
}

func (p *AuditPublisher) Append(ctx context.Context, rec ledger.Record) error {
	payload, err := json.Marshal(auditEvent{
		ID:        rec.ID.String(),
		Function:  rec.FunctionSlug,
		Recipient: rec.Recipient,
		Outcome:   string(rec.Outcome),
		Gateway:   rec.Gateway,
		MessageID: rec.MessageID,
		Source:    string(rec.Source),
		Error:     rec.Error,
		EmittedAt: rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.FunctionSlug + ":" + rec.Recipient),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(rec.Outcome)},
		},
	})
}

// DeadLetterPublisher is a queue.DeadLetterSink writing failed entries to
// the dead-letter topic.
type DeadLetterPublisher struct {
	Writer MessageWriter
}

func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, e queue.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.ID.String()), Value: payload})
}
