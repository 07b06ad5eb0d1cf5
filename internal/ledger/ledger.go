// Package ledger records delivery outcomes and remembers which
// once-per-recipient notifications have already gone out.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeQueued Outcome = "queued"
	OutcomeFailed Outcome = "failed"
)

type Source string

const (
	SourceDispatch Source = "dispatch"
	SourceRetry    Source = "retry"
	SourceTest     Source = "test"
)

// Record is one append-only audit row.
type Record struct {
	ID           uuid.UUID `json:"id"`
	FunctionSlug string    `json:"function_slug"`
	Recipient    string    `json:"recipient"`
	Outcome      Outcome   `json:"outcome"`
	Gateway      string    `json:"gateway,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	Source       Source    `json:"source"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sink persists or forwards audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Query filters audit listings. A zero Limit means 50.
type Query struct {
	FunctionSlug string
	Recipient    string
	Limit        int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	if q.Limit > 500 {
		return 500
	}
	return q.Limit
}

type Reader interface {
	List(ctx context.Context, q Query) ([]Record, error)
}

// NormalizeRecipient is the canonical form used for markers and lookups.
func NormalizeRecipient(recipient string) string {
	return strings.ToLower(strings.TrimSpace(recipient))
}
