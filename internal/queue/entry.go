// Package queue persists failed deliveries and retries them on a schedule
// with exponential backoff until they succeed or exhaust their attempts.
package queue

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Entry is one delivery awaiting retry. Variables are kept as submitted and
// re-rendered on every attempt.
type Entry struct {
	ID           uuid.UUID         `json:"id"`
	FunctionSlug string            `json:"function_slug"`
	TemplateID   int64             `json:"template_id"`
	Recipient    string            `json:"recipient"`
	Variables    map[string]string `json:"variables"`
	SendOnce     bool              `json:"send_once"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Status       Status            `json:"status"`
	NextRetryAt  time.Time         `json:"next_retry_at"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Due reports whether the entry may be claimed at now.
func (e Entry) Due(now time.Time) bool {
	return e.Status == StatusPending && !e.NextRetryAt.After(now) && e.RetryCount < e.MaxRetries
}

// ListFilter narrows List. A zero Limit means 100.
type ListFilter struct {
	Status Status
	Limit  int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}
