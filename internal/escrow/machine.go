package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/bchescrow/internal/apperr"
)

// payoutKind says where the money goes when an edge is taken.
type payoutKind int

const (
	payNone payoutKind = iota
	paySeller
	payBuyer
	paySplit
	payLateRefund
)

func (k payoutKind) String() string {
	switch k {
	case paySeller:
		return "seller"
	case payBuyer:
		return "buyer"
	case paySplit:
		return "split"
	case payLateRefund:
		return "late_refund"
	}
	return "none"
}

type edge struct {
	from, to Status
}

// guardEnv is what a guard may look at. It runs inside the store's locked
// unit, so the escrow is the current row.
type guardEnv struct {
	ctx    context.Context
	svc    *Service
	escrow *Escrow
	role   Role
	meta   Meta
	now    time.Time
}

type rule struct {
	event  string
	roles  []Role
	guard  func(g *guardEnv) error
	payout payoutKind
}

func (r rule) allows(role Role) bool {
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// transitions is the complete set of legal edges. Anything absent is
// INVALID_TRANSITION.
var transitions = map[edge]rule{
	{StatusCreated, StatusAwaitingFunding}: {
		event: "wallet_generated",
		roles: []Role{RoleSystem},
		guard: requireWallet,
	},
	{StatusCreated, StatusExpired}: {
		event: "expired",
		roles: []Role{RoleSystem},
		guard: requirePastExpiry,
	},
	{StatusCreated, StatusCancelled}: {
		event: "cancelled",
		roles: []Role{RoleBuyer},
	},
	{StatusAwaitingFunding, StatusFundingInProgress}: {
		event: "funding_submitted",
		roles: []Role{RoleBuyer},
		guard: requireTxHash,
	},
	{StatusAwaitingFunding, StatusFunded}: {
		event: "funded",
		roles: []Role{RoleBuyer, RoleSystem},
		guard: requireFullDeposit,
	},
	{StatusFundingInProgress, StatusFunded}: {
		event: "funded",
		roles: []Role{RoleBuyer, RoleSystem},
		guard: requireFullDeposit,
	},
	{StatusAwaitingFunding, StatusExpired}: {
		event: "expired",
		roles: []Role{RoleSystem},
		guard: requirePastExpiry,
	},
	{StatusAwaitingFunding, StatusCancelled}: {
		event: "cancelled",
		roles: []Role{RoleBuyer},
		guard: requireEmptyAddress,
	},
	{StatusFunded, StatusWorkSubmitted}: {
		event: "work_submitted",
		roles: []Role{RoleSeller},
		guard: requireDescription,
	},
	{StatusWorkSubmitted, StatusFunded}: {
		event: "revision_requested",
		roles: []Role{RoleBuyer},
		guard: requireFeedback,
	},
	{StatusWorkSubmitted, StatusCompleted}: {
		event:  "approved",
		roles:  []Role{RoleBuyer},
		payout: paySeller,
	},
	{StatusFunded, StatusCompleted}: {
		event:  "released",
		roles:  []Role{RoleBuyer},
		payout: paySeller,
	},
	{StatusFunded, StatusDisputed}: {
		event: "dispute_opened",
		roles: []Role{RoleBuyer, RoleSeller},
		guard: requireDisputeID,
	},
	{StatusWorkSubmitted, StatusDisputed}: {
		event: "dispute_opened",
		roles: []Role{RoleBuyer, RoleSeller},
		guard: requireDisputeID,
	},
	{StatusFunded, StatusRefunded}: {
		event:  "refunded",
		roles:  []Role{RoleSeller, RoleBuyer},
		guard:  buyerOnlyAfterExpiry,
		payout: payBuyer,
	},
	{StatusWorkSubmitted, StatusRefunded}: {
		event:  "refunded",
		roles:  []Role{RoleSeller},
		payout: payBuyer,
	},
	{StatusDisputed, StatusCompleted}: {
		event:  "dispute_settled",
		roles:  []Role{RoleDispute},
		guard:  requireOutcome(OutcomeSeller),
		payout: paySeller,
	},
	{StatusDisputed, StatusRefunded}: {
		event:  "dispute_settled",
		roles:  []Role{RoleDispute},
		guard:  requireOutcome(OutcomeBuyer),
		payout: payBuyer,
	},
	{StatusDisputed, StatusResolved}: {
		event:  "dispute_settled",
		roles:  []Role{RoleDispute},
		guard:  requireOutcome(OutcomeSplit),
		payout: paySplit,
	},
	{StatusExpired, StatusRefunded}: {
		event:  "late_deposit_refunded",
		roles:  []Role{RoleBuyer, RoleSystem},
		payout: payLateRefund,
	},
}

// CanTransition reports whether from → to is a legal edge for some actor.
func CanTransition(from, to Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// NextStatuses returns the statuses reachable from s in one step, sorted.
func NextStatuses(s Status) []Status {
	var out []Status
	for e := range transitions {
		if e.from == s {
			out = append(out, e.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func guardError(format string, args ...any) error {
	return apperr.Wrap(apperr.CodeInvalidTransition, ErrGuardFailed.Message, fmt.Errorf(format, args...))
}

func requireWallet(g *guardEnv) error {
	w := g.meta.Wallet
	if w == nil || w.Address == "" || w.EncryptedKey == "" || w.PublicKey == "" {
		return guardError("sealed wallet missing")
	}
	return nil
}

func requirePastExpiry(g *guardEnv) error {
	if !g.escrow.Expired(g.now) {
		return guardError("escrow expires at %s", g.escrow.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// requireTxHash accepts a funding hash the service broadcast itself, or one
// the address history shows paying the escrow address. A client-asserted
// hash is never taken on trust.
func requireTxHash(g *guardEnv) error {
	hash := strings.TrimSpace(g.meta.TxHash)
	if hash == "" {
		return guardError("funding transaction hash missing")
	}
	if g.meta.Broadcast {
		return nil
	}
	history, err := g.svc.ledger.AddressTransactions(g.ctx, g.escrow.Address)
	if err != nil {
		return err
	}
	for _, tx := range history {
		if strings.EqualFold(tx.TxID, hash) && tx.Value > 0 {
			return nil
		}
	}
	return apperr.Wrap(apperr.CodeInsufficientFunds, ErrFundingUnverified.Message,
		fmt.Errorf("%s not in history of %s", hash, g.escrow.Address))
}

// requireFullDeposit uses the caller's observation when present and asks
// the ledger otherwise. A ledger failure aborts with LEDGER_UNAVAILABLE.
func requireFullDeposit(g *guardEnv) error {
	bal := g.meta.Observed
	if bal == nil {
		var err error
		bal, err = g.svc.ledger.AddressBalance(g.ctx, g.escrow.Address)
		if err != nil {
			return err
		}
		g.meta.Observed = bal
	}
	if bal.Total < g.escrow.Amount {
		return apperr.Wrap(apperr.CodeInsufficientFunds, ErrBelowAmount.Message,
			fmt.Errorf("observed %d of %d sats", bal.Total, g.escrow.Amount))
	}
	return nil
}

func requireEmptyAddress(g *guardEnv) error {
	bal, err := g.svc.ledger.AddressBalance(g.ctx, g.escrow.Address)
	if err != nil {
		return err
	}
	if bal.Total > 0 {
		return guardError("escrow address already holds %d sats", bal.Total)
	}
	return nil
}

func requireDescription(g *guardEnv) error {
	if strings.TrimSpace(g.meta.Description) == "" {
		return guardError("work description missing")
	}
	return nil
}

func requireFeedback(g *guardEnv) error {
	if strings.TrimSpace(g.meta.Feedback) == "" {
		return guardError("revision feedback missing")
	}
	return nil
}

func requireDisputeID(g *guardEnv) error {
	if g.meta.DisputeID == "" {
		return guardError("dispute id missing")
	}
	return nil
}

func buyerOnlyAfterExpiry(g *guardEnv) error {
	if g.role == RoleBuyer && !g.escrow.Expired(g.now) {
		return apperr.Wrap(apperr.CodeForbidden, ErrWrongRole.Message,
			fmt.Errorf("buyer may refund only after %s", g.escrow.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

func requireOutcome(want Outcome) func(g *guardEnv) error {
	return func(g *guardEnv) error {
		if g.meta.DisputeID == "" || g.meta.DisputeID != g.escrow.DisputeID {
			return guardError("dispute %q does not hold this escrow", g.meta.DisputeID)
		}
		if g.meta.Outcome != want {
			return guardError("outcome %q does not lead to this status", g.meta.Outcome)
		}
		return nil
	}
}
