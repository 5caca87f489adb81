// Package chain is the ledger gateway: a provider-abstracted view of the
// public BCH ledger with ordered fallback across data providers.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/mbd888/bchescrow/internal/apperr"
)

// Balance of one address in satoshis. Total includes unconfirmed funds.
type Balance struct {
	Confirmed   btcutil.Amount `json:"confirmed"`
	Unconfirmed btcutil.Amount `json:"unconfirmed"`
	Total       btcutil.Amount `json:"balance"`
}

// Transaction is one entry of an address history. Value is what the
// transaction paid to the queried address.
type Transaction struct {
	TxID          string         `json:"txid"`
	Confirmations int64          `json:"confirmations"`
	Value         btcutil.Amount `json:"value"`
	BlockHeight   int64          `json:"blockHeight"`
}

// UTXO is an unspent output held by an address.
type UTXO struct {
	TxID          string         `json:"txid"`
	Vout          uint32         `json:"vout"`
	Value         btcutil.Amount `json:"value"`
	Confirmations int64          `json:"confirmations"`
}

// Provider is one external source of ledger data.
type Provider interface {
	Name() string
	AddressBalance(ctx context.Context, address string) (*Balance, error)
	AddressTransactions(ctx context.Context, address string) ([]Transaction, error)
	AddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

var (
	ErrLedgerUnavailable = apperr.New(apperr.CodeLedgerUnavailable, "ledger unavailable")
	ErrBroadcastRejected = apperr.New(apperr.CodeBroadcastFailed, "transaction rejected")

	// ErrAlreadyKnown is returned by providers when a broadcast transaction
	// is already in the mempool or a block. The gateway treats it as success.
	ErrAlreadyKnown = errors.New("transaction already known")
)

// RejectedError is an explicit refusal of a transaction by a provider that
// is otherwise healthy. It is final: other providers would refuse it too.
type RejectedError struct {
	Provider string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected transaction: %s", e.Provider, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrBroadcastRejected }

// HTTPStatusError is a non-2xx response from a REST provider.
type HTTPStatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// TxIDFromHex decodes a serialized transaction and returns its id.
func TxIDFromHex(rawHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return "", fmt.Errorf("decode tx hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("decode tx: %w", err)
	}
	return tx.TxHash().String(), nil
}

// SameAddress compares two CashAddr strings, tolerating a missing prefix
// and case differences.
func SameAddress(a, b string) bool {
	return stripPrefix(strings.ToLower(a)) == stripPrefix(strings.ToLower(b))
}

func stripPrefix(s string) string {
	if _, rest, ok := strings.Cut(s, ":"); ok {
		return rest
	}
	return s
}
