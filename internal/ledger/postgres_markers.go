package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const claimMarker = `
INSERT INTO sent_markers (recipient, function_slug, state, claimed_at)
VALUES ($1, $2, 'claimed', now())
ON CONFLICT (recipient, function_slug) DO NOTHING
`

const markSent = `
INSERT INTO sent_markers (recipient, function_slug, state, claimed_at, sent_at)
VALUES ($1, $2, 'sent', now(), now())
ON CONFLICT (recipient, function_slug)
DO UPDATE SET state = 'sent', sent_at = now()
WHERE sent_markers.state <> 'sent'
`

const releaseMarker = `
DELETE FROM sent_markers
WHERE recipient = $1 AND function_slug = $2 AND state = 'claimed'
`

const selectSent = `
SELECT EXISTS (
    SELECT 1 FROM sent_markers
    WHERE recipient = $1 AND function_slug = $2 AND state = 'sent'
)
`

type PostgresMarkers struct {
	pool *pgxpool.Pool
}

func NewPostgresMarkers(pool *pgxpool.Pool) *PostgresMarkers {
	return &PostgresMarkers{pool: pool}
}

func (p *PostgresMarkers) Claim(ctx context.Context, recipient, function string) (bool, error) {
	tag, err := p.pool.Exec(ctx, claimMarker, NormalizeRecipient(recipient), function)
	if err != nil {
		return false, fmt.Errorf("claim marker: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresMarkers) MarkSent(ctx context.Context, recipient, function string) (bool, error) {
	tag, err := p.pool.Exec(ctx, markSent, NormalizeRecipient(recipient), function)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresMarkers) Release(ctx context.Context, recipient, function string) error {
	if _, err := p.pool.Exec(ctx, releaseMarker, NormalizeRecipient(recipient), function); err != nil {
		return fmt.Errorf("release marker: %w", err)
	}
	return nil
}

func (p *PostgresMarkers) HasSent(ctx context.Context, recipient, function string) (bool, error) {
	var sent bool
	if err := p.pool.QueryRow(ctx, selectSent, NormalizeRecipient(recipient), function).Scan(&sent); err != nil {
		return false, fmt.Errorf("select marker: %w", err)
	}
	return sent, nil
}
