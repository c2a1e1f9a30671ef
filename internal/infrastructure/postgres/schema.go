package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the leads table and its indexes. Every statement
// is idempotent, so all binaries call it at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id               BIGSERIAL PRIMARY KEY,
			event_key        VARCHAR(128) NOT NULL UNIQUE,
			telegram_id      VARCHAR(128) NOT NULL,
			event_type       VARCHAR(50),
			route_key        VARCHAR(50),
			src_url          TEXT,
			value            DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency         VARCHAR(10),
			user_data        JSONB NOT NULL DEFAULT '{}'::jsonb,
			custom_data      JSONB,
			cookies          JSONB,
			device_info      JSONB,
			session_metadata JSONB,
			sent             BOOLEAN NOT NULL DEFAULT FALSE,
			sent_pixels      JSONB,
			event_history    JSONB,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at  TIMESTAMPTZ,
			last_sent_at     TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_telegram_id ON leads (telegram_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_event_type ON leads (event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_created_at ON leads (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_unsent ON leads (created_at) WHERE NOT sent`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure leads schema: %w", err)
		}
	}
	return nil
}
