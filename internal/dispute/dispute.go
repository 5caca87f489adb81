// Package dispute implements the dispute sub-lifecycle of an escrow.
//
// A dispute never writes escrow status itself. Opening, conceding and
// resolving all go through the escrow service, which moves the money under
// its own lock; the dispute record follows.
package dispute

import (
	"context"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/bchescrow/internal/amount"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/escrow"
)

var (
	ErrDisputeNotFound = apperr.New(apperr.CodeNotFound, "dispute not found")
	ErrDisputeNotOpen  = apperr.New(apperr.CodeInvalidTransition, "dispute is not open")
	ErrAlreadyOpen     = apperr.New(apperr.CodeInvalidTransition, "escrow already has an open dispute")
	ErrNotParty        = apperr.New(apperr.CodeForbidden, "not a party to this dispute")
	ErrNotArbiter      = apperr.New(apperr.CodeForbidden, "only arbiters may resolve disputes")
)

const (
	DefaultMinReasonLength = 20
	MaxReasonLength        = 2000
	MaxEvidenceLength      = 10000
	MaxResolutionLength    = 2000
)

// OrphanGrace is how long a disputed escrow without a dispute record is
// left to the party that disputed it before the other party may adopt it.
const OrphanGrace = time.Minute

// Status is the dispute's own lifecycle.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
	StatusConceded Status = "CONCEDED"
)

// EvidenceKind classifies submitted evidence.
type EvidenceKind string

const (
	EvidenceText  EvidenceKind = "text"
	EvidenceImage EvidenceKind = "image"
	EvidenceFile  EvidenceKind = "file"
)

// Valid reports whether k is a known evidence kind.
func (k EvidenceKind) Valid() bool {
	return k == EvidenceText || k == EvidenceImage || k == EvidenceFile
}

// Evidence is one submission by a party.
type Evidence struct {
	ID          int64        `json:"id"`
	DisputeID   string       `json:"disputeId"`
	SubmittedBy string       `json:"submittedBy"`
	Kind        EvidenceKind `json:"type"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Dispute is a contested escrow awaiting concession or arbitration.
type Dispute struct {
	ID          string         `json:"id"`
	EscrowID    string         `json:"escrowId"`
	RaisedBy    string         `json:"raisedBy"`
	Reason      string         `json:"reason"`
	Status      Status         `json:"status"`
	Outcome     escrow.Outcome `json:"outcome,omitempty"`
	SellerShare btcutil.Amount `json:"-"`
	Resolution  string         `json:"resolution,omitempty"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Evidence    []Evidence     `json:"evidence"`
}

// MarshalJSON renders the split share as a BCH decimal.
func (d Dispute) MarshalJSON() ([]byte, error) {
	type plain Dispute
	out := struct {
		plain
		SellerShareBCH string `json:"sellerShareBCH,omitempty"`
	}{plain: plain(d)}
	if d.SellerShare > 0 {
		out.SellerShareBCH = amount.Format(d.SellerShare)
	}
	if out.Evidence == nil {
		out.Evidence = []Evidence{}
	}
	return json.Marshal(out)
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	return &cp
}

// Store persists disputes.
type Store interface {
	// Create inserts an OPEN dispute. A second OPEN dispute for the same
	// escrow fails with ErrAlreadyOpen.
	Create(ctx context.Context, d *Dispute) error
	// Get returns the dispute with its evidence.
	Get(ctx context.Context, id string) (*Dispute, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	AddEvidence(ctx context.Context, ev *Evidence) error
	// Close moves an OPEN dispute to its final status. A dispute that is
	// no longer OPEN fails with ErrDisputeNotOpen.
	Close(ctx context.Context, d *Dispute) error
}

// Escrows is the part of the escrow service disputes drive.
type Escrows interface {
	Find(ctx context.Context, key string) (*escrow.Escrow, error)
	OpenDispute(ctx context.Context, key, actorID, disputeID string) (*escrow.Escrow, error)
	Activities(ctx context.Context, key, actorID string) ([]*escrow.Activity, error)
	SettleDispute(ctx context.Context, key, disputeID string, outcome escrow.Outcome, sellerShare btcutil.Amount, resolution string) (*escrow.Escrow, error)
}
