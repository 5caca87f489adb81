// Package users resolves escrow parties.
//
// The account system that creates users lives outside this service; the
// directory only reads identities and payout addresses.
package users

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/bchescrow/internal/apperr"
)

var ErrUserNotFound = apperr.New(apperr.CodeNotFound, "user not found")

// User is an escrow party.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PayoutAddress string    `json:"payoutAddress"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Directory looks users up.
type Directory interface {
	Get(ctx context.Context, id string) (*User, error)
	// Resolve accepts either a user id or an email address.
	Resolve(ctx context.Context, idOrEmail string) (*User, error)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func looksLikeEmail(s string) bool {
	return strings.Contains(s, "@")
}
