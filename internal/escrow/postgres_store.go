package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lib/pq"
	"github.com/mbd888/bchescrow/internal/pagination"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, escrow_ref, buyer_id, seller_id, amount_sats, description, expires_at,
		       address, public_key, encrypted_key,
		       status, funding_tx, payout_tx, dispute_id,
		       funded_at, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, act *Activity) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, escrow_ref, buyer_id, seller_id, amount_sats, description, expires_at,
			address, public_key, encrypted_key,
			status, funding_tx, payout_tx, dispute_id,
			funded_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		e.ID, e.EscrowID, e.BuyerID, e.SellerID, int64(e.Amount), e.Description, e.ExpiresAt,
		nullString(e.Address), nullString(e.PublicKey), nullString(e.EncryptedKey),
		string(e.Status), nullString(e.FundingTxID), nullString(e.PayoutTxID), nullString(e.DisputeID),
		nullTime(e.FundedAt), nullTime(e.CompletedAt), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if act != nil {
		if err := insertActivity(ctx, tx, act); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 OR escrow_ref = $1`, key)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Mutate locks the row with SELECT ... FOR UPDATE for the duration of fn.
// The UPDATE additionally compares the status fn saw, so a writer that
// bypassed the lock can never be overwritten.
func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	seen := e.Status
	act, err := fn(e)
	if err != nil {
		return nil, err
	}
	if act == nil {
		return e, tx.Commit()
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			address = $1, public_key = $2, encrypted_key = $3,
			status = $4, funding_tx = $5, payout_tx = $6, dispute_id = $7,
			funded_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		nullString(e.Address), nullString(e.PublicKey), nullString(e.EncryptedKey),
		string(e.Status), nullString(e.FundingTxID), nullString(e.PayoutTxID), nullString(e.DisputeID),
		nullTime(e.FundedAt), nullTime(e.CompletedAt), e.UpdatedAt,
		e.ID, string(seen),
	)
	if err != nil {
		return nil, mapWriteError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrConflict
	}

	if err := insertActivity(ctx, tx, act); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit escrow transition: %w", err)
	}
	return e, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, act *Activity) error {
	meta, err := json.Marshal(act.Metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_activity (escrow_id, event, actor_id, actor_role, from_status, to_status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		act.EscrowID, act.Event, act.ActorID, string(act.Role),
		nullString(string(act.From)), string(act.To), meta, act.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record escrow activity: %w", err)
	}
	return nil
}

func (p *PostgresStore) FindByAddress(ctx context.Context, address string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE address = $1`, address)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + `
		FROM escrows
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore))
	}
	if !f.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < "+arg(f.ExpiresBefore))
	}
	if !f.ExpiresAfter.IsZero() {
		where = append(where, "expires_at > "+arg(f.ExpiresAfter))
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Activities(ctx context.Context, id string) ([]*Activity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, event, actor_id, actor_role, from_status, to_status, metadata, created_at
		FROM escrow_activity
		WHERE escrow_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Activity
	for rows.Next() {
		a := &Activity{}
		var (
			role, to string
			from     sql.NullString
			meta     []byte
		)
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.Event, &a.ActorID, &role, &from, &to, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = Role(role)
		a.From = Status(from.String)
		a.To = Status(to)
		if err := decodeMetadata(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("activity %d: %w", a.ID, err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// decodeMetadata reads a JSONB metadata column. An empty column leaves dst nil.
func decodeMetadata(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

// SavePendingPayout writes on its own connection, outside any Mutate unit,
// so the record survives a rollback of the transition.
func (p *PostgresStore) SavePendingPayout(ctx context.Context, pp *PendingPayout) error {
	meta, err := json.Marshal(pp.Metadata)
	if err != nil {
		return fmt.Errorf("encode payout metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pending_payouts (escrow_id, kind, from_status, to_status, event, actor_id, actor_role, metadata, raw_tx, txid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (escrow_id) DO UPDATE SET
			kind = EXCLUDED.kind, from_status = EXCLUDED.from_status, to_status = EXCLUDED.to_status,
			event = EXCLUDED.event, actor_id = EXCLUDED.actor_id, actor_role = EXCLUDED.actor_role,
			metadata = EXCLUDED.metadata, raw_tx = EXCLUDED.raw_tx, txid = EXCLUDED.txid,
			created_at = EXCLUDED.created_at`,
		pp.EscrowID, pp.Kind, string(pp.From), string(pp.To), pp.Event, pp.ActorID, string(pp.Role),
		meta, pp.RawTx, pp.TxID, pp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pending payout: %w", err)
	}
	return nil
}

const pendingColumns = `escrow_id, kind, from_status, to_status, event, actor_id, actor_role, metadata, raw_tx, txid, created_at`

func (p *PostgresStore) PendingPayout(ctx context.Context, escrowID string) (*PendingPayout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_payouts WHERE escrow_id = $1`, escrowID)
	pp, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return pp, err
}

func (p *PostgresStore) ClearPendingPayout(ctx context.Context, escrowID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM pending_payouts WHERE escrow_id = $1`, escrowID)
	return err
}

func (p *PostgresStore) ListPendingPayouts(ctx context.Context, createdBefore time.Time, limit int) ([]*PendingPayout, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payouts WHERE created_at < $1 ORDER BY created_at ASC`
	args := []any{createdBefore}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingPayout
	for rows.Next() {
		pp, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pp)
	}
	return result, rows.Err()
}

func scanPending(s scanner) (*PendingPayout, error) {
	pp := &PendingPayout{}
	var (
		from, to, role string
		meta           []byte
	)
	err := s.Scan(&pp.EscrowID, &pp.Kind, &from, &to, &pp.Event, &pp.ActorID, &role, &meta, &pp.RawTx, &pp.TxID, &pp.CreatedAt)
	if err != nil {
		return nil, err
	}
	pp.From = Status(from)
	pp.To = Status(to)
	pp.Role = Role(role)
	if err := decodeMetadata(meta, &pp.Metadata); err != nil {
		return nil, fmt.Errorf("pending payout %s: %w", pp.EscrowID, err)
	}
	return pp, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amountSats   int64
		address      sql.NullString
		publicKey    sql.NullString
		encryptedKey sql.NullString
		status       string
		fundingTx    sql.NullString
		payoutTx     sql.NullString
		disputeID    sql.NullString
		fundedAt     sql.NullTime
		completedAt  sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.EscrowID, &e.BuyerID, &e.SellerID, &amountSats, &e.Description, &e.ExpiresAt,
		&address, &publicKey, &encryptedKey,
		&status, &fundingTx, &payoutTx, &disputeID,
		&fundedAt, &completedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount = btcutil.Amount(amountSats)
	e.Address = address.String
	e.PublicKey = publicKey.String
	e.EncryptedKey = encryptedKey.String
	e.Status = Status(status)
	e.FundingTxID = fundingTx.String
	e.PayoutTxID = payoutTx.String
	e.DisputeID = disputeID.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// mapWriteError turns a unique violation on the deposit address into
// ErrAddressInUse.
func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "address") {
			return ErrAddressInUse
		}
		return ErrConflict
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
