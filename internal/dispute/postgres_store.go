package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lib/pq"
	"github.com/mbd888/bchescrow/internal/escrow"
)

// PostgresStore persists disputes in PostgreSQL. The partial unique index
// idx_disputes_open_escrow enforces one OPEN dispute per escrow.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, raised_by, reason, status, outcome, seller_share_sats,
		resolution, resolved_by, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, escrow_id, raised_by, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.EscrowID, d.RaisedBy, d.Reason, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Evidence, err = p.evidence(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddEvidence(ctx context.Context, ev *Evidence) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1 FOR UPDATE`, ev.DisputeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusOpen {
		return ErrDisputeNotOpen
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO dispute_evidence (dispute_id, submitted_by, kind, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		ev.DisputeID, ev.SubmittedBy, string(ev.Kind), ev.Content, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE disputes SET updated_at = $1 WHERE id = $2`, ev.CreatedAt, ev.DisputeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Close(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome = $2, seller_share_sats = $3, resolution = $4,
			resolved_by = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8 AND status = 'OPEN'`,
		string(d.Status), nullString(string(d.Outcome)), nullSats(d.SellerShare), nullString(d.Resolution),
		nullString(d.ResolvedBy), d.ResolvedAt, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("close dispute: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrDisputeNotOpen
	}
	return nil
}

func (p *PostgresStore) evidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, submitted_by, kind, content, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY id ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Evidence
	for rows.Next() {
		var (
			ev   Evidence
			kind string
		)
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &kind, &ev.Content, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = EvidenceKind(kind)
		result = append(result, ev)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		outcome    sql.NullString
		share      sql.NullInt64
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &status, &outcome, &share,
		&resolution, &resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Outcome = escrow.Outcome(outcome.String)
	d.SellerShare = btcutil.Amount(share.Int64)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullSats(a btcutil.Amount) sql.NullInt64 {
	if a == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(a), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
