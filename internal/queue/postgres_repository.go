package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, function_slug, template_id, recipient, variables, send_once, retry_count, max_retries, status, next_retry_at, last_error, created_at, updated_at`

const insertEntry = `
INSERT INTO retry_queue (
id,
function_slug,
template_id,
recipient,
variables,
send_once,
retry_count,
max_retries,
status,
next_retry_at,
last_error,
created_at,
updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING ` + entryColumns

// claimEntry locks one due row and flips it to processing in a single
// statement; SKIP LOCKED keeps concurrent workers off each other's rows.
const claimEntry = `
UPDATE retry_queue
SET status = 'processing', updated_at = $1
WHERE id = (
    SELECT id FROM retry_queue
    WHERE status = 'pending' AND next_retry_at <= $1 AND retry_count < max_retries
    ORDER BY next_retry_at, created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + entryColumns

const completeEntry = `
UPDATE retry_queue SET status = 'completed', updated_at = $2
WHERE id = $1 AND status = 'processing'
`

const retryEntry = `
UPDATE retry_queue
SET status = 'pending', retry_count = retry_count + 1, next_retry_at = $2, last_error = $3, updated_at = $4
WHERE id = $1 AND status = 'processing'
`

const failEntry = `
UPDATE retry_queue
SET status = 'failed', retry_count = retry_count + 1, last_error = $2, updated_at = $3
WHERE id = $1 AND status = 'processing'
`

const releaseEntry = `
UPDATE retry_queue SET status = 'pending', updated_at = $2
WHERE id = $1 AND status = 'processing'
`

const revertStale = `
UPDATE retry_queue SET status = 'pending', updated_at = $2
WHERE status = 'processing' AND updated_at < $1
`

const purgeFailed = `DELETE FROM retry_queue WHERE status = 'failed' AND updated_at < $1`

const selectEntry = `SELECT ` + entryColumns + ` FROM retry_queue WHERE id = $1`

const listEntries = `
SELECT ` + entryColumns + `
FROM retry_queue
WHERE ($1 = '' OR status = $1)
ORDER BY updated_at DESC
LIMIT $2
`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	vars, err := json.Marshal(cloneVars(e.Variables))
	if err != nil {
		return Entry{}, fmt.Errorf("encode variables: %w", err)
	}
	out, err := scanEntry(r.pool.QueryRow(ctx, insertEntry,
		e.ID,
		e.FunctionSlug,
		e.TemplateID,
		e.Recipient,
		vars,
		e.SendOnce,
		e.RetryCount,
		e.MaxRetries,
		string(e.Status),
		e.NextRetryAt,
		e.LastError,
		e.CreatedAt,
		e.UpdatedAt,
	))
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Claim(ctx context.Context, now time.Time) (Entry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, claimEntry, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNoDueEntry
	}
	if err != nil {
		return Entry{}, fmt.Errorf("claim entry: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) Complete(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, "complete entry", completeEntry, id, now)
}

func (r *PostgresRepository) Retry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string, now time.Time) error {
	return r.transition(ctx, "reschedule entry", retryEntry, id, next, lastErr, now)
}

func (r *PostgresRepository) Fail(ctx context.Context, id uuid.UUID, lastErr string, now time.Time) error {
	return r.transition(ctx, "fail entry", failEntry, id, lastErr, now)
}

func (r *PostgresRepository) Release(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, "release entry", releaseEntry, id, now)
}

func (r *PostgresRepository) transition(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (r *PostgresRepository) RevertStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, revertStale, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("revert stale entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) PurgeFailed(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, purgeFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge failed entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, selectEntry, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("select entry: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, listEntries, string(f.Status), f.limit())
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e      Entry
		vars   []byte
		status string
	)
	if err := row.Scan(
		&e.ID,
		&e.FunctionSlug,
		&e.TemplateID,
		&e.Recipient,
		&vars,
		&e.SendOnce,
		&e.RetryCount,
		&e.MaxRetries,
		&status,
		&e.NextRetryAt,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	if err := json.Unmarshal(vars, &e.Variables); err != nil {
		return Entry{}, fmt.Errorf("decode variables of %s: %w", e.ID, err)
	}
	return e, nil
}
