package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresDirectory reads users from the users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const userColumns = `id, email, payout_address, created_at`

func (d *PostgresDirectory) Get(ctx context.Context, id string) (*User, error) {
	return d.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, strings.TrimSpace(id))
}

func (d *PostgresDirectory) Resolve(ctx context.Context, idOrEmail string) (*User, error) {
	if looksLikeEmail(idOrEmail) {
		return d.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = $1`, normalizeEmail(idOrEmail))
	}
	return d.Get(ctx, idOrEmail)
}

// Upsert writes a user. The account system normally owns this table; the
// method exists for seeding development databases and tests.
func (d *PostgresDirectory) Upsert(ctx context.Context, u *User) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, email, payout_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, payout_address = EXCLUDED.payout_address`,
		u.ID, normalizeEmail(u.Email), u.PayoutAddress,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) queryOne(ctx context.Context, query string, arg string) (*User, error) {
	u := &User{}
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PayoutAddress, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

var _ Directory = (*PostgresDirectory)(nil)
