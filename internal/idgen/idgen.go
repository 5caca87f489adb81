// Package idgen provides random identifier generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// crockford is Crockford's base32 alphabet: no I, L, O or U, so escrow
// references survive being read aloud or retyped.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// New generates a random UUID (v4) for internal record ids.
func New() string {
	return uuid.NewString()
}

// EscrowRef generates a human-shareable escrow reference such as
// "ESC-7K2M9QXD".
func EscrowRef() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	var sb strings.Builder
	sb.WriteString("ESC-")
	for _, c := range b {
		sb.WriteByte(crockford[c&31])
	}
	return sb.String()
}

// WithPrefix generates a random ID with a prefix (e.g. "dsp_", "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// IsEscrowRef reports whether s has the shape produced by EscrowRef.
func IsEscrowRef(s string) bool {
	if len(s) != 12 || !strings.HasPrefix(s, "ESC-") {
		return false
	}
	for i := 4; i < len(s); i++ {
		if !strings.ContainsRune(crockford, rune(s[i])) {
			return false
		}
	}
	return true
}
