package gateway

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectSettings = `
SELECT setting_key, setting_value
FROM system_settings
WHERE setting_key LIKE 'email_gateway_%'
`

const upsertSetting = `
INSERT INTO system_settings (setting_key, setting_value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (setting_key) DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = now()
`

// PostgresSettings reads the system_settings rows on top of the
// environment defaults.
type PostgresSettings struct {
	pool     *pgxpool.Pool
	defaults Settings
}

func NewPostgresSettings(pool *pgxpool.Pool, defaults Settings) *PostgresSettings {
	return &PostgresSettings{pool: pool, defaults: defaults}
}

func (p *PostgresSettings) Load(ctx context.Context) (Settings, error) {
	rows, err := p.pool.Query(ctx, selectSettings)
	if err != nil {
		return Settings{}, fmt.Errorf("query gateway settings: %w", err)
	}
	defer rows.Close()

	kv := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, fmt.Errorf("scan gateway setting: %w", err)
		}
		kv[key] = value
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("read gateway settings: %w", err)
	}
	return p.defaults.ApplyKV(kv), nil
}

func (p *PostgresSettings) Save(ctx context.Context, s Settings) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for key, value := range s.ToKV() {
			if _, err := tx.Exec(ctx, upsertSetting, key, value); err != nil {
				return fmt.Errorf("save %s: %w", key, err)
			}
		}
		return nil
	})
}
