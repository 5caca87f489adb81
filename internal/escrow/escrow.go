// Package escrow owns the lifecycle of a custodial BCH escrow.
//
// Flow:
//  1. Buyer creates an escrow → a fresh deposit address is generated and sealed
//  2. Buyer deposits to the address → poller, webhook or fund call marks it FUNDED
//  3. Seller submits work → buyer approves (payout to seller) or asks for a revision
//  4. Either party disputes → the dispute package settles it through Transition
//  5. No deposit before expiry → EXPIRED; a late deposit is refunded to the buyer
//
// Every status change goes through Service.Transition. Handlers never write
// status directly.
package escrow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/bchescrow/internal/amount"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/chain"
	"github.com/mbd888/bchescrow/internal/custody"
	"github.com/mbd888/bchescrow/internal/pagination"
)

var (
	ErrEscrowNotFound    = apperr.New(apperr.CodeNotFound, "escrow not found")
	ErrNotParty          = apperr.New(apperr.CodeForbidden, "not a party to this escrow")
	ErrWrongRole         = apperr.New(apperr.CodeForbidden, "role not allowed for this transition")
	ErrIllegalEdge       = apperr.New(apperr.CodeInvalidTransition, "transition not allowed from current status")
	ErrGuardFailed       = apperr.New(apperr.CodeInvalidTransition, "transition precondition not met")
	ErrConflict          = apperr.New(apperr.CodeInvalidTransition, "escrow changed concurrently")
	ErrBelowAmount       = apperr.New(apperr.CodeInsufficientFunds, "deposit below escrow amount")
	ErrUnconfirmed       = apperr.New(apperr.CodeInsufficientFunds, "confirmed deposit below escrow amount")
	ErrNothingToPay      = apperr.New(apperr.CodeInsufficientFunds, "escrow address holds no spendable funds")
	ErrDustPayout        = apperr.New(apperr.CodeInsufficientFunds, "payout output below dust limit")
	ErrNoPayoutAddress   = apperr.New(apperr.CodeValidation, "party has no payout address")
	ErrAddressInUse      = apperr.New(apperr.CodeInternal, "escrow address already in use")
	ErrWalletUnavailable = apperr.New(apperr.CodeInternal, "escrow wallet not provisioned")
	ErrPayoutInFlight    = apperr.New(apperr.CodeInvalidTransition, "an earlier payout for this escrow is in flight")
	ErrFundingUnverified = apperr.New(apperr.CodeInsufficientFunds, "funding transaction not seen paying the escrow address")
)

// Status is the canonical lifecycle state of an escrow.
type Status string

const (
	StatusCreated           Status = "CREATED"
	StatusAwaitingFunding   Status = "AWAITING_FUNDING"
	StatusFundingInProgress Status = "FUNDING_IN_PROGRESS"
	StatusFunded            Status = "FUNDED"
	StatusWorkSubmitted     Status = "WORK_SUBMITTED"
	StatusDisputed          Status = "DISPUTED"
	StatusExpired           Status = "EXPIRED"
	StatusCompleted         Status = "COMPLETED"
	StatusRefunded          Status = "REFUNDED"
	StatusCancelled         Status = "CANCELLED"
	StatusResolved          Status = "RESOLVED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusCreated, StatusAwaitingFunding, StatusFundingInProgress, StatusFunded,
	StatusWorkSubmitted, StatusDisputed, StatusExpired,
	StatusCompleted, StatusRefunded, StatusCancelled, StatusResolved,
}

// Terminal reports whether no edge leaves s. EXPIRED is not terminal: a
// late deposit can still be refunded from it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusResolved:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Escrow is one custodial holding transaction between a buyer and a seller.
type Escrow struct {
	ID          string         `json:"id"`
	EscrowID    string         `json:"escrowId"`
	BuyerID     string         `json:"buyerUserId"`
	SellerID    string         `json:"sellerUserId"`
	Amount      btcutil.Amount `json:"-"`
	Description string         `json:"description"`
	ExpiresAt   time.Time      `json:"expiresAt"`

	Address      string `json:"escrowAddress,omitempty"`
	PublicKey    string `json:"walletPublicKey,omitempty"`
	EncryptedKey string `json:"-"`

	Status      Status     `json:"status"`
	FundingTxID string     `json:"fundingTxHash,omitempty"`
	PayoutTxID  string     `json:"payoutTxHash,omitempty"`
	DisputeID   string     `json:"disputeId,omitempty"`
	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TxHash is the last observed transaction: the payout once one exists,
// otherwise the funding transaction.
func (e *Escrow) TxHash() string {
	if e.PayoutTxID != "" {
		return e.PayoutTxID
	}
	return e.FundingTxID
}

// MarshalJSON adds the decimal amount and the last observed tx hash. The
// sealed key is never serialized.
func (e Escrow) MarshalJSON() ([]byte, error) {
	type plain Escrow
	return json.Marshal(struct {
		plain
		AmountBCH  string `json:"amountBCH"`
		AmountSats int64  `json:"amountSats"`
		TxHash     string `json:"txHash,omitempty"`
	}{plain(e), amount.Format(e.Amount), int64(e.Amount), e.TxHash()})
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// Expired reports whether the escrow's deadline has passed at now.
func (e *Escrow) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *Escrow) sealedWallet() (custody.SealedWallet, error) {
	if e.Address == "" || e.EncryptedKey == "" {
		return custody.SealedWallet{}, ErrWalletUnavailable
	}
	return custody.SealedWallet{Address: e.Address, PublicKey: e.PublicKey, EncryptedKey: e.EncryptedKey}, nil
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	if e.FundedAt != nil {
		t := *e.FundedAt
		cp.FundedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Role is the capacity in which an actor performs a transition.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleSystem  Role = "system"
	RoleDispute Role = "dispute"
)

type actorKind int

const (
	kindUser actorKind = iota
	kindSystem
	kindDispute
)

// Actor identifies who requests a transition. Identity is always passed in
// explicitly; the service never reads it from a request context.
type Actor struct {
	ID   string
	kind actorKind
}

// UserActor is an authenticated buyer or seller.
func UserActor(userID string) Actor { return Actor{ID: userID, kind: kindUser} }

// SystemActor is a background job, named by its source.
func SystemActor(source string) Actor { return Actor{ID: "system:" + source, kind: kindSystem} }

// DisputeActor is the dispute module acting on behalf of one dispute.
func DisputeActor(disputeID string) Actor { return Actor{ID: disputeID, kind: kindDispute} }

// roleOf resolves the actor's role on e; the empty role means a stranger.
func roleOf(e *Escrow, a Actor) Role {
	switch a.kind {
	case kindSystem:
		return RoleSystem
	case kindDispute:
		if a.ID != "" && a.ID == e.DisputeID {
			return RoleDispute
		}
		return ""
	}
	switch {
	case a.ID == "":
		return ""
	case a.ID == e.BuyerID:
		return RoleBuyer
	case a.ID == e.SellerID:
		return RoleSeller
	}
	return ""
}

// Outcome of a settled dispute.
type Outcome string

const (
	OutcomeBuyer  Outcome = "buyer"
	OutcomeSeller Outcome = "seller"
	OutcomeSplit  Outcome = "split"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeBuyer || o == OutcomeSeller || o == OutcomeSplit
}

// Meta carries the per-edge inputs of a transition. Only the fields the
// edge needs are read.
type Meta struct {
	Source      string
	TxHash      string
	Observed    *chain.Balance
	Wallet      *custody.SealedWallet
	Description string
	Feedback    string
	DisputeID   string
	Outcome     Outcome
	SellerShare btcutil.Amount
	Resolution  string

	// Broadcast marks a TxHash returned by this service's own broadcast of
	// the raw transaction.
	Broadcast bool
}

func (m Meta) record() map[string]string {
	out := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("source", m.Source)
	put("txHash", m.TxHash)
	put("description", m.Description)
	put("feedback", m.Feedback)
	put("disputeId", m.DisputeID)
	put("outcome", string(m.Outcome))
	put("resolution", m.Resolution)
	if m.Observed != nil {
		put("balanceSats", strconv.FormatInt(int64(m.Observed.Total), 10))
	}
	if m.SellerShare > 0 {
		put("sellerShareSats", strconv.FormatInt(int64(m.SellerShare), 10))
	}
	return out
}

// Activity is one append-only audit entry.
type Activity struct {
	ID        int64             `json:"id"`
	EscrowID  string            `json:"escrowId"`
	Event     string            `json:"event"`
	ActorID   string            `json:"actorId"`
	Role      Role              `json:"role"`
	From      Status            `json:"from,omitempty"`
	To        Status            `json:"to"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// PendingPayout is a signed payout recorded before its broadcast, with the
// transition it settles. A broadcast whose outcome was lost is resent from
// here instead of being signed again.
type PendingPayout struct {
	EscrowID  string            `json:"escrowId"`
	Kind      string            `json:"kind"`
	From      Status            `json:"from"`
	To        Status            `json:"to"`
	Event     string            `json:"event"`
	ActorID   string            `json:"actorId"`
	Role      Role              `json:"role"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RawTx     string            `json:"-"`
	TxID      string            `json:"txid"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MutateFunc inspects the locked escrow and edits it in place. Returning a
// nil Activity with a nil error leaves the row untouched.
type MutateFunc func(e *Escrow) (*Activity, error)

// ListFilter selects escrows for background jobs. Zero fields don't filter.
type ListFilter struct {
	Statuses      []Status
	UpdatedBefore time.Time
	ExpiresBefore time.Time
	ExpiresAfter  time.Time
	Limit         int
}

// Store persists escrows and their activity log.
type Store interface {
	// Create inserts a new escrow together with its first activity entry.
	Create(ctx context.Context, e *Escrow, act *Activity) error
	// Get loads by record id or by escrow reference.
	Get(ctx context.Context, key string) (*Escrow, error)
	// Mutate runs fn on the escrow under a row lock. The status written
	// is compare-and-set against the status fn saw, and the activity entry
	// commits in the same unit.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Escrow, error)
	FindByAddress(ctx context.Context, address string) (*Escrow, error)
	// ListByParty pages newest first by (created_at, id); after is exclusive.
	ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error)
	List(ctx context.Context, f ListFilter) ([]*Escrow, error)
	Activities(ctx context.Context, id string) ([]*Activity, error)

	// SavePendingPayout upserts the in-flight payout of an escrow. It is
	// called while Mutate holds the escrow row, so it must not wait on it.
	SavePendingPayout(ctx context.Context, p *PendingPayout) error
	// PendingPayout returns nil, nil when the escrow has none.
	PendingPayout(ctx context.Context, escrowID string) (*PendingPayout, error)
	ClearPendingPayout(ctx context.Context, escrowID string) error
	ListPendingPayouts(ctx context.Context, createdBefore time.Time, limit int) ([]*PendingPayout, error)
}

// Ledger is the part of the ledger gateway the lifecycle needs.
type Ledger interface {
	AddressBalance(ctx context.Context, address string) (*chain.Balance, error)
	AddressUTXOs(ctx context.Context, address string) ([]chain.UTXO, error)
	AddressTransactions(ctx context.Context, address string) ([]chain.Transaction, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
	TxConfirmations(ctx context.Context, address, txid string) (int64, error)
}

// Custodian generates deposit wallets and signs payouts.
type Custodian interface {
	NewWallet() (*custody.SealedWallet, error)
	SignPayout(wallet custody.SealedWallet, inputs []custody.Input, outputs []custody.Output) (*custody.SignedTx, error)
}
