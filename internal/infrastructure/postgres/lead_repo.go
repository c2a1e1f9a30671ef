package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/crypto"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
)

// upsertRetries bounds how long a write survives transient connection
// drops before the error surfaces to the worker.
const upsertRetries = 3

// leadColumns is the shared scan list; scanLead must match it.
const leadColumns = `
	event_key, telegram_id, COALESCE(event_type, ''), COALESCE(route_key, ''),
	COALESCE(src_url, ''), value, COALESCE(currency, ''),
	COALESCE(user_data, '{}'::jsonb), COALESCE(custom_data, '{}'::jsonb),
	COALESCE(cookies, '{}'::jsonb), COALESCE(device_info, '{}'::jsonb),
	COALESCE(session_metadata, '{}'::jsonb), sent,
	COALESCE(sent_pixels, '[]'::jsonb), COALESCE(event_history, '[]'::jsonb),
	created_at, last_attempt_at, last_sent_at`

// LeadRepository is the durable lead.Repository. All merge decisions
// live in one upsert statement so concurrent workers writing the same
// event_key compose instead of clobbering each other.
type LeadRepository struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

func NewLeadRepository(pool *pgxpool.Pool, cipher *crypto.Cipher) *LeadRepository {
	return &LeadRepository{pool: pool, cipher: cipher}
}

func (r *LeadRepository) Upsert(ctx context.Context, l *lead.Lead, rec *lead.HistoryEntry) error {
	const sql = `
		INSERT INTO leads (
			event_key, telegram_id, event_type, route_key, src_url, value, currency,
			user_data, custom_data, cookies, device_info, session_metadata,
			sent, sent_pixels, event_history, last_attempt_at, last_sent_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			COALESCE($8::jsonb, '{}'::jsonb), $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb,
			$16, $13::jsonb, $14::jsonb,
			CASE WHEN $15 AND NOT $16 THEN NOW() END,
			CASE WHEN $16 THEN NOW() END
		)
		ON CONFLICT (event_key) DO UPDATE SET
			telegram_id = COALESCE(NULLIF(EXCLUDED.telegram_id, ''), leads.telegram_id),
			event_type  = COALESCE(NULLIF(EXCLUDED.event_type, ''), leads.event_type),
			route_key   = COALESCE(NULLIF(EXCLUDED.route_key, ''), leads.route_key),
			src_url     = COALESCE(NULLIF(EXCLUDED.src_url, ''), leads.src_url),
			value       = CASE WHEN EXCLUDED.value <> 0 THEN EXCLUDED.value ELSE leads.value END,
			currency    = COALESCE(NULLIF(EXCLUDED.currency, ''), leads.currency),
			user_data   = leads.user_data || EXCLUDED.user_data,
			custom_data = CASE WHEN EXCLUDED.custom_data IS NULL THEN leads.custom_data
				ELSE COALESCE(leads.custom_data, '{}'::jsonb) || EXCLUDED.custom_data END,
			cookies = CASE WHEN EXCLUDED.cookies IS NULL THEN leads.cookies
				ELSE COALESCE(leads.cookies, '{}'::jsonb) || EXCLUDED.cookies END,
			session_metadata = CASE WHEN EXCLUDED.session_metadata IS NULL THEN leads.session_metadata
				ELSE COALESCE(leads.session_metadata, '{}'::jsonb) || EXCLUDED.session_metadata END,
			device_info = COALESCE(EXCLUDED.device_info, leads.device_info),
			sent        = leads.sent OR EXCLUDED.sent,
			sent_pixels = CASE WHEN EXCLUDED.sent_pixels IS NULL THEN leads.sent_pixels
				ELSE (
					SELECT COALESCE(jsonb_agg(DISTINCT p ORDER BY p), '[]'::jsonb)
					FROM jsonb_array_elements_text(
						COALESCE(leads.sent_pixels, '[]'::jsonb) || EXCLUDED.sent_pixels
					) AS t(p)
				) END,
			event_history = CASE WHEN EXCLUDED.event_history IS NULL THEN leads.event_history
				ELSE COALESCE(leads.event_history, '[]'::jsonb) || EXCLUDED.event_history END,
			last_attempt_at = CASE WHEN $15 AND NOT $16 THEN NOW() ELSE leads.last_attempt_at END,
			last_sent_at    = CASE WHEN $16 THEN NOW() ELSE leads.last_sent_at END
	`

	args, err := r.upsertArgs(l, rec)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if _, err := r.pool.Exec(ctx, sql, args...); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("upsert lead %s: %w", l.EventKey, lastErr)
}

func (r *LeadRepository) upsertArgs(l *lead.Lead, rec *lead.HistoryEntry) ([]any, error) {
	cookies := l.Cookies
	if r.cipher != nil && len(cookies) > 0 {
		enc, err := r.cipher.EncryptMap(cookies)
		if err != nil {
			return nil, fmt.Errorf("encrypt cookies: %w", err)
		}
		cookies = enc
	}

	userData, err := jsonbStringMap(l.UserData)
	if err != nil {
		return nil, err
	}
	customData, err := jsonbAnyMap(l.CustomData)
	if err != nil {
		return nil, err
	}
	cookiesArg, err := jsonbStringMap(cookies)
	if err != nil {
		return nil, err
	}
	deviceInfo, err := jsonbStringMap(l.DeviceInfo)
	if err != nil {
		return nil, err
	}
	sessionMetadata, err := jsonbAnyMap(l.SessionMetadata)
	if err != nil {
		return nil, err
	}

	var pixels any
	if len(l.SentPixels) > 0 {
		b, err := json.Marshal(l.SentPixels)
		if err != nil {
			return nil, fmt.Errorf("marshal sent_pixels: %w", err)
		}
		pixels = string(b)
	}

	attempted := rec != nil
	success := attempted && rec.Status == lead.StatusSuccess

	var history any
	if attempted {
		entry := *rec
		if entry.TS.IsZero() {
			entry.TS = time.Now().UTC()
		}
		b, err := json.Marshal([]lead.HistoryEntry{entry})
		if err != nil {
			return nil, fmt.Errorf("marshal history entry: %w", err)
		}
		history = string(b)
	}

	return []any{
		l.EventKey, l.TelegramID, l.EventType, l.RouteKey, l.SrcURL, l.Value, l.Currency,
		userData, customData, cookiesArg, deviceInfo, sessionMetadata,
		pixels, history, attempted, success,
	}, nil
}

func (r *LeadRepository) GetByEventKey(ctx context.Context, eventKey string) (*lead.Lead, error) {
	sql := `SELECT ` + leadColumns + ` FROM leads WHERE event_key = $1`

	l, err := scanLead(r.pool.QueryRow(ctx, sql, eventKey), r.cipher)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lead.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query lead: %w", err)
	}
	return l, nil
}

// ListUnsent claims up to limit unsent records oldest-first, stamping
// last_attempt_at inside the claim so concurrent feeders skip rows
// another instance already picked up.
func (r *LeadRepository) ListUnsent(ctx context.Context, limit int) ([]*lead.Lead, error) {
	sql := `
		WITH claimed AS (
			SELECT event_key
			FROM leads
			WHERE NOT sent
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), updated AS (
			UPDATE leads
			SET last_attempt_at = NOW()
			WHERE event_key IN (SELECT event_key FROM claimed)
			RETURNING ` + leadColumns + `
		)
		SELECT * FROM updated ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, sql, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("claim unsent leads: %w", err)
	}
	defer rows.Close()

	return collectLeads(rows, r.cipher)
}

func (r *LeadRepository) ListRecent(ctx context.Context, limit int) ([]*lead.Lead, error) {
	sql := `SELECT ` + leadColumns + ` FROM leads ORDER BY created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, sql, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent leads: %w", err)
	}
	defer rows.Close()

	return collectLeads(rows, r.cipher)
}

func (r *LeadRepository) Stats(ctx context.Context) (*lead.Stats, error) {
	const sql = `SELECT COUNT(*), COUNT(*) FILTER (WHERE sent) FROM leads`

	s := &lead.Stats{}
	if err := r.pool.QueryRow(ctx, sql).Scan(&s.Total, &s.Sent); err != nil {
		return nil, fmt.Errorf("query lead stats: %w", err)
	}
	s.Pending = s.Total - s.Sent
	return s, nil
}

func scanLead(row pgx.Row, cipher *crypto.Cipher) (*lead.Lead, error) {
	l := &lead.Lead{}
	err := row.Scan(
		&l.EventKey, &l.TelegramID, &l.EventType, &l.RouteKey,
		&l.SrcURL, &l.Value, &l.Currency,
		&l.UserData, &l.CustomData,
		&l.Cookies, &l.DeviceInfo,
		&l.SessionMetadata, &l.Sent,
		&l.SentPixels, &l.EventHistory,
		&l.CreatedAt, &l.LastAttemptAt, &l.LastSentAt,
	)
	if err != nil {
		return nil, err
	}
	if cipher != nil && len(l.Cookies) > 0 {
		l.Cookies = cipher.DecryptMap(l.Cookies)
	}
	return l, nil
}

func collectLeads(rows pgx.Rows, cipher *crypto.Cipher) ([]*lead.Lead, error) {
	var leads []*lead.Lead
	for rows.Next() {
		l, err := scanLead(rows, cipher)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

func jsonbStringMap(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb map: %w", err)
	}
	return string(b), nil
}

func jsonbAnyMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb map: %w", err)
	}
	return string(b), nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
