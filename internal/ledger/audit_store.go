package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

const insertAudit = `
INSERT INTO delivery_audit (id, function_slug, recipient, outcome, gateway, message_id, source, error_detail, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
`

const listAudit = `
SELECT id, function_slug, recipient, outcome, gateway, message_id, source, error_detail, created_at
FROM delivery_audit
WHERE ($1 = '' OR function_slug = $1) AND ($2 = '' OR recipient = $2)
ORDER BY created_at DESC
LIMIT $3
`

// PostgresAudit stores records in delivery_audit.
type PostgresAudit struct {
	pool *pgxpool.Pool
}

func NewPostgresAudit(pool *pgxpool.Pool) *PostgresAudit {
	return &PostgresAudit{pool: pool}
}

func (p *PostgresAudit) Append(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, insertAudit,
		rec.ID,
		rec.FunctionSlug,
		rec.Recipient,
		string(rec.Outcome),
		rec.Gateway,
		rec.MessageID,
		string(rec.Source),
		rec.Error,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (p *PostgresAudit) List(ctx context.Context, q Query) ([]Record, error) {
	rows, err := p.pool.Query(ctx, listAudit, q.FunctionSlug, NormalizeRecipient(q.Recipient), q.limit())
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec             Record
			outcome, source string
		)
		if err := rows.Scan(&rec.ID, &rec.FunctionSlug, &rec.Recipient, &outcome, &rec.Gateway,
			&rec.MessageID, &source, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Outcome, rec.Source = Outcome(outcome), Source(source)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MemoryAudit keeps records in process.
type MemoryAudit struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (m *MemoryAudit) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAudit) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recipient := NormalizeRecipient(q.Recipient)
	out := make([]Record, 0)
	for _, rec := range m.records {
		if q.FunctionSlug != "" && rec.FunctionSlug != q.FunctionSlug {
			continue
		}
		if recipient != "" && rec.Recipient != recipient {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}
