package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists event records in the webhook_events table. The
// primary key on event_id is the dedup gate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CheckDuplicate(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, id,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Record(ctx context.Context, ev *Event) error {
	var payload interface{}
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, source, address, tx_id, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Source, nullString(ev.Address), nullString(ev.TxID), payload, string(ev.Status), ev.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	ev := &Event{}
	var (
		status      string
		address     sql.NullString
		txID        sql.NullString
		payload     []byte
		reason      sql.NullString
		processedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT event_id, source, address, tx_id, payload, status, error, received_at, processed_at
		FROM webhook_events WHERE event_id = $1`, id,
	).Scan(&ev.EventID, &ev.Source, &address, &txID, &payload, &status, &reason, &ev.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Status = Status(status)
	ev.Address = address.String
	ev.TxID = txID.String
	ev.Payload = payload
	ev.Error = reason.String
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	return ev, nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return p.mark(ctx, id, StatusProcessed, "", at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	return p.mark(ctx, id, StatusFailed, reason, at)
}

func (p *PostgresStore) mark(ctx context.Context, id string, status Status, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = $1, error = $2, processed_at = $3
		WHERE event_id = $4`,
		string(status), nullString(reason), at, id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
