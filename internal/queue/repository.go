package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores entries. Every transition out of processing is
// conditional on the entry still being processing and returns
// ErrNotProcessing otherwise; terminal entries are never touched.
type Repository interface {
	Enqueue(ctx context.Context, e Entry) (Entry, error)
	// Claim atomically moves one due entry to processing. Concurrent
	// callers never receive the same entry.
	Claim(ctx context.Context, now time.Time) (Entry, error)
	Complete(ctx context.Context, id uuid.UUID, now time.Time) error
	// Retry increments retry_count and reschedules the entry.
	Retry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string, now time.Time) error
	// Fail increments retry_count and marks the entry failed.
	Fail(ctx context.Context, id uuid.UUID, lastErr string, now time.Time) error
	// Release returns a processing entry to pending without changing
	// retry_count, next_retry_at or last_error.
	Release(ctx context.Context, id uuid.UUID, now time.Time) error
	// RevertStale returns processing entries last updated before cutoff to
	// pending without changing retry_count.
	RevertStale(ctx context.Context, cutoff, now time.Time) (int, error)
	// PurgeFailed deletes failed entries last updated before cutoff.
	PurgeFailed(ctx context.Context, cutoff time.Time) (int, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	List(ctx context.Context, f ListFilter) ([]Entry, error)
}
