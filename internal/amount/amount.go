// Package amount provides BCH amount parsing and formatting.
//
// BCH uses 8 decimal places. Amounts cross the API as decimal strings and
// are handled internally as satoshis (1 BCH = 100,000,000 sats).
package amount

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

const Decimals = 8

// DustLimit is the smallest output the network relays.
const DustLimit btcutil.Amount = 546

// MaxBCH bounds a single escrow.
var MaxBCH = decimal.NewFromInt(21_000_000)

var (
	ErrEmpty     = errors.New("amount is required")
	ErrMalformed = errors.New("amount is not a decimal number")
	ErrNotPos    = errors.New("amount must be positive")
	ErrPrecision = errors.New("amount has more than 8 decimal places")
	ErrTooLarge  = errors.New("amount exceeds maximum")
)

// Parse converts a decimal BCH string (e.g. "0.05") into a decimal,
// rejecting anything that cannot be represented exactly in satoshis.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrMalformed
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNotPos
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return decimal.Zero, ErrPrecision
	}
	if d.GreaterThan(MaxBCH) {
		return decimal.Zero, ErrTooLarge
	}
	return d, nil
}

// ToSats converts a BCH decimal to satoshis. Sub-satoshi digits are
// truncated; Parse already rejects them for user input.
func ToSats(d decimal.Decimal) btcutil.Amount {
	return btcutil.Amount(d.Shift(Decimals).Truncate(0).IntPart())
}

// FromSats converts satoshis to a BCH decimal.
func FromSats(sats btcutil.Amount) decimal.Decimal {
	return decimal.New(int64(sats), -Decimals)
}

// Format renders satoshis as a BCH string with exactly 8 decimals.
func Format(sats btcutil.Amount) string {
	return FromSats(sats).StringFixed(Decimals)
}
