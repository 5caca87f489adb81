package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/bchescrow/internal/amount"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/escrow"
	"github.com/mbd888/bchescrow/internal/idgen"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/retry"
	"github.com/mbd888/bchescrow/internal/traces"
)

// Service implements dispute operations.
type Service struct {
	store     Store
	escrows   Escrows
	arbiter   func(userID string) bool
	minReason int
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a dispute service. isArbiter decides who may resolve
// disputes; minReason is the shortest accepted reason.
func NewService(store Store, escrows Escrows, isArbiter func(userID string) bool, minReason int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if isArbiter == nil {
		isArbiter = func(string) bool { return false }
	}
	if minReason <= 0 {
		minReason = DefaultMinReasonLength
	}
	return &Service{
		store:     store,
		escrows:   escrows,
		arbiter:   isArbiter,
		minReason: minReason,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open raises a dispute on a funded escrow and moves the escrow to DISPUTED.
func (s *Service) Open(ctx context.Context, escrowKey, actorID, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.Actor(actorID))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n < s.minReason || n > MaxReasonLength {
		return nil, apperr.Validation(fmt.Sprintf("reason must be between %d and %d characters", s.minReason, MaxReasonLength))
	}

	e, err := s.escrows.Find(ctx, escrowKey)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actorID) {
		return nil, ErrNotParty
	}

	id := idgen.WithPrefix("dsp_")
	if e.Status == escrow.StatusDisputed {
		// The escrow may have moved before the record was written; such an
		// orphan is adopted instead of rejected, once it is clearly orphaned.
		_, err := s.store.Get(ctx, e.DisputeID)
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			adopt, err := s.mayAdopt(ctx, e, actorID)
			if err != nil {
				return nil, err
			}
			if !adopt {
				return nil, ErrAlreadyOpen
			}
			id = e.DisputeID
		case err != nil:
			return nil, err
		default:
			return nil, ErrAlreadyOpen
		}
	}
	span.SetAttributes(traces.EscrowID(e.ID), traces.DisputeID(id))

	if _, err := s.escrows.OpenDispute(ctx, e.ID, actorID, id); err != nil {
		return nil, err
	}

	now := s.now()
	d := &Dispute{
		ID:        id,
		EscrowID:  e.ID,
		RaisedBy:  actorID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = retry.StoreWrite.Do(ctx, func(ctx context.Context) error {
		err := s.store.Create(ctx, d)
		if errors.Is(err, ErrAlreadyOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("escrow disputed but dispute record not written",
			"escrow_id", e.ID, "dispute_id", id, "error", err)
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.logger.Info("dispute opened", "dispute_id", id, "escrow_id", e.ID, "raised_by", actorID)
	return d, nil
}

// mayAdopt decides whether actorID may take over a disputed escrow that has
// no dispute record. The party that moved the escrow may retry at once;
// anyone else waits out OrphanGrace, since the first open may still be
// writing its record.
func (s *Service) mayAdopt(ctx context.Context, e *escrow.Escrow, actorID string) (bool, error) {
	acts, err := s.escrows.Activities(ctx, e.ID, actorID)
	if err != nil {
		return false, err
	}
	openedAt := e.UpdatedAt
	for i := len(acts) - 1; i >= 0; i-- {
		a := acts[i]
		if a.To != escrow.StatusDisputed || a.Metadata["disputeId"] != e.DisputeID {
			continue
		}
		if a.ActorID == actorID {
			return true, nil
		}
		openedAt = a.CreatedAt
		break
	}
	return s.now().Sub(openedAt) >= OrphanGrace, nil
}

// Get returns a dispute visible to actorID: a party of its escrow or an
// arbiter.
func (s *Service) Get(ctx context.Context, id, actorID string) (*Dispute, error) {
	d, _, err := s.authorized(ctx, id, actorID, true)
	return d, err
}

// ListForEscrow returns every dispute of an escrow, newest first.
func (s *Service) ListForEscrow(ctx context.Context, escrowKey, actorID string) ([]*Dispute, error) {
	e, err := s.escrows.Find(ctx, escrowKey)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actorID) && !s.arbiter(actorID) {
		return nil, ErrNotParty
	}
	return s.store.ListByEscrow(ctx, e.ID)
}

// AddEvidence attaches a party's submission to an open dispute.
func (s *Service) AddEvidence(ctx context.Context, id, actorID string, kind EvidenceKind, content string) (*Dispute, error) {
	if !kind.Valid() {
		return nil, apperr.Validation("type must be text, image or file")
	}
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > MaxEvidenceLength {
		return nil, apperr.Validation(fmt.Sprintf("content must be between 1 and %d characters", MaxEvidenceLength))
	}

	d, _, err := s.authorized(ctx, id, actorID, false)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}

	if err := s.store.AddEvidence(ctx, &Evidence{
		DisputeID:   d.ID,
		SubmittedBy: actorID,
		Kind:        kind,
		Content:     content,
		CreatedAt:   s.now(),
	}); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("evidence").Inc()
	return s.store.Get(ctx, d.ID)
}

// Concede lets a party yield: the seller conceding refunds the buyer, the
// buyer conceding pays the seller.
func (s *Service) Concede(ctx context.Context, id, actorID string) (*Dispute, error) {
	d, e, err := s.authorized(ctx, id, actorID, false)
	if err != nil {
		return nil, err
	}

	outcome := escrow.OutcomeSeller
	if actorID == e.SellerID {
		outcome = escrow.OutcomeBuyer
	}
	if d.Status != StatusOpen {
		if d.Status == StatusConceded && d.ResolvedBy == actorID {
			return d, nil
		}
		return nil, ErrDisputeNotOpen
	}

	resolution := "conceded by " + string(roleName(e, actorID))
	return s.settle(ctx, d, e, StatusConceded, actorID, outcome, 0, resolution)
}

// ResolveRequest is an arbiter's ruling.
type ResolveRequest struct {
	Outcome        escrow.Outcome `json:"outcome"`
	SellerShareBCH string         `json:"sellerShareBCH"`
	Resolution     string         `json:"resolution"`
}

// Resolve applies an arbiter's ruling. A split pays the seller
// SellerShareBCH and the buyer the remainder less the miner fee.
func (s *Service) Resolve(ctx context.Context, id, arbiterID string, req ResolveRequest) (*Dispute, error) {
	if !s.arbiter(arbiterID) {
		return nil, ErrNotArbiter
	}
	if !req.Outcome.Valid() {
		return nil, apperr.Validation("outcome must be buyer, seller or split")
	}
	resolution := strings.TrimSpace(req.Resolution)
	if utf8.RuneCountInString(resolution) > MaxResolutionLength {
		return nil, apperr.Validation(fmt.Sprintf("resolution exceeds %d characters", MaxResolutionLength))
	}

	var share btcutil.Amount
	if req.Outcome == escrow.OutcomeSplit {
		d, err := amount.Parse(req.SellerShareBCH)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "invalid sellerShareBCH", err)
		}
		share = amount.ToSats(d)
	} else if strings.TrimSpace(req.SellerShareBCH) != "" {
		return nil, apperr.Validation("sellerShareBCH applies only to split outcomes")
	}

	d, e, err := s.authorized(ctx, id, arbiterID, true)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}
	return s.settle(ctx, d, e, StatusResolved, arbiterID, req.Outcome, share, resolution)
}

// settle pays out through the escrow service, then closes the record. The
// payout is the irreversible half, so the record write is retried; running
// settle again after a crash finds the escrow already settled and only
// closes the record.
func (s *Service) settle(ctx context.Context, d *Dispute, e *escrow.Escrow, final Status, actorID string, outcome escrow.Outcome, share btcutil.Amount, resolution string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.settle", traces.DisputeID(d.ID), traces.EscrowID(e.ID))
	defer span.End()

	if _, err := s.escrows.SettleDispute(ctx, e.ID, d.ID, outcome, share, resolution); err != nil {
		return nil, err
	}

	now := s.now()
	closed := d.clone()
	closed.Status = final
	closed.Outcome = outcome
	closed.SellerShare = share
	closed.Resolution = resolution
	closed.ResolvedBy = actorID
	closed.ResolvedAt = &now
	closed.UpdatedAt = now

	err := retry.StoreWrite.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		err := s.store.Close(ctx, closed)
		if errors.Is(err, ErrDisputeNotOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("CRITICAL: escrow settled but dispute record not closed",
			"dispute_id", d.ID, "escrow_id", e.ID, "outcome", outcome, "error", err)
		return nil, err
	}

	action := "resolved"
	if final == StatusConceded {
		action = "conceded"
	}
	metrics.DisputesTotal.WithLabelValues(action).Inc()
	s.logger.Info("dispute closed", "dispute_id", d.ID, "escrow_id", e.ID, "status", final, "outcome", outcome, "by", actorID)
	return closed, nil
}

// authorized loads a dispute and its escrow. Parties always pass; arbiters
// pass when allowArbiter is set.
func (s *Service) authorized(ctx context.Context, id, actorID string, allowArbiter bool) (*Dispute, *escrow.Escrow, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.escrows.Find(ctx, d.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	if !e.IsParty(actorID) && !(allowArbiter && s.arbiter(actorID)) {
		return nil, nil, ErrNotParty
	}
	return d, e, nil
}

func roleName(e *escrow.Escrow, userID string) escrow.Role {
	if userID == e.SellerID {
		return escrow.RoleSeller
	}
	return escrow.RoleBuyer
}
