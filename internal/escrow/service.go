package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/custody"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/retry"
	"github.com/mbd888/bchescrow/internal/syncutil"
	"github.com/mbd888/bchescrow/internal/traces"
	"github.com/mbd888/bchescrow/internal/users"
)

// Policy holds the tunables the lifecycle consumes.
type Policy struct {
	MinerFee btcutil.Amount
	// MinConfirmations is the depth at which a payout is reported final.
	MinConfirmations int64
	// ReleaseMinConfirmations gates seller payouts on funding depth.
	ReleaseMinConfirmations int64
	DefaultExpiry           time.Duration
	MaxExpiry               time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinerFee:         1000,
		MinConfirmations: 1,
		DefaultExpiry:    72 * time.Hour,
		MaxExpiry:        720 * time.Hour,
	}
}

// Service implements the escrow lifecycle.
type Service struct {
	store     Store
	ledger    Ledger
	custodian Custodian
	users     users.Directory
	policy    Policy
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
	readers   func(userID string) bool
}

// NewService creates an escrow service.
func NewService(store Store, ledger Ledger, custodian Custodian, dir users.Directory, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		custodian: custodian,
		users:     dir,
		policy:    policy,
		locks:     syncutil.NewKeyedMutex(256),
		logger:    logger,
		now:       time.Now,
		readers:   func(string) bool { return false },
	}
}

// WithReaders lets non-parties (arbiters) read escrows.
func (s *Service) WithReaders(fn func(userID string) bool) *Service {
	if fn != nil {
		s.readers = fn
	}
	return s
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the policy the service was built with.
func (s *Service) Policy() Policy { return s.policy }

// Transition is the only way an escrow's status changes. It loads the row
// under lock, checks the edge, role and guard, performs the payout the edge
// requires, and persists the new status with an activity entry. A request
// for the status the escrow already has is an already-applied success.
func (s *Service) Transition(ctx context.Context, key string, target Status, actor Actor, meta Meta) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Transition", traces.Actor(actor.ID))
	defer span.End()

	current, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(current.ID))
	span.SetAttributes(traces.Status(string(current.Status), string(target))...)

	unlock, err := s.locks.Lock(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		from    Status
		ruleErr error
		signed  *custody.SignedTx
		applied *Escrow
		act     *Activity
	)
	updated, err := s.store.Mutate(ctx, current.ID, func(e *Escrow) (*Activity, error) {
		from = e.Status
		a, tx, err := s.apply(ctx, e, target, actor, meta)
		if err != nil {
			ruleErr = err
			return nil, err
		}
		signed = tx
		if a != nil {
			applied = e.clone()
			act = a
		}
		return a, nil
	})
	switch {
	case ruleErr != nil:
		metrics.EscrowTransitionRejectedTotal.WithLabelValues(string(target), string(apperr.CodeOf(ruleErr))).Inc()
		return nil, ruleErr
	case err != nil && signed != nil:
		return s.persistAfterBroadcast(ctx, from, applied, act, signed, err)
	case err != nil:
		return nil, err
	}
	if signed != nil {
		s.clearPending(ctx, current.ID)
	}
	if act != nil {
		s.observe(ctx, from, updated, act)
	}
	return updated, nil
}

// apply edits e in place for from → target. It returns a nil Activity when
// the escrow is already in target.
func (s *Service) apply(ctx context.Context, e *Escrow, target Status, actor Actor, meta Meta) (*Activity, *custody.SignedTx, error) {
	from := e.Status
	role := roleOf(e, actor)
	if role == "" {
		return nil, nil, ErrNotParty
	}
	if from == target {
		return nil, nil, nil
	}

	r, ok := transitions[edge{from, target}]
	if !ok {
		return nil, nil, apperr.Wrap(apperr.CodeInvalidTransition, ErrIllegalEdge.Message, fmt.Errorf("%s -> %s", from, target))
	}
	if !r.allows(role) {
		return nil, nil, apperr.Wrap(apperr.CodeForbidden, ErrWrongRole.Message, fmt.Errorf("%s may not %s", role, r.event))
	}

	now := s.now()
	g := &guardEnv{ctx: ctx, svc: s, escrow: e, role: role, meta: meta, now: now}
	if r.guard != nil {
		if err := r.guard(g); err != nil {
			return nil, nil, err
		}
	}
	meta = g.meta

	var signed *custody.SignedTx
	if r.payout != payNone {
		intent := PendingPayout{From: from, To: target, Event: r.event, ActorID: actor.ID, Role: role}
		tx, err := s.settle(ctx, e, r.payout, meta, intent)
		if err != nil {
			return nil, nil, err
		}
		signed = tx
		e.PayoutTxID = tx.TxID
		meta.TxHash = tx.TxID
	}

	switch target {
	case StatusAwaitingFunding:
		e.Address = meta.Wallet.Address
		e.PublicKey = meta.Wallet.PublicKey
		e.EncryptedKey = meta.Wallet.EncryptedKey
	case StatusFundingInProgress:
		e.FundingTxID = meta.TxHash
	case StatusFunded:
		if e.FundedAt == nil {
			e.FundedAt = &now
		}
		if meta.TxHash != "" && e.FundingTxID == "" {
			e.FundingTxID = meta.TxHash
		}
	case StatusDisputed:
		e.DisputeID = meta.DisputeID
	}
	if target.Terminal() {
		e.CompletedAt = &now
	}
	e.Status = target
	e.UpdatedAt = now

	return &Activity{
		EscrowID:  e.ID,
		Event:     r.event,
		ActorID:   actor.ID,
		Role:      role,
		From:      from,
		To:        target,
		Metadata:  meta.record(),
		CreatedAt: now,
	}, signed, nil
}

// persistAfterBroadcast records a payout whose transaction is already on the
// network. The money has moved, so the write is retried rather than undone.
func (s *Service) persistAfterBroadcast(ctx context.Context, from Status, want *Escrow, act *Activity, tx *custody.SignedTx, cause error) (*Escrow, error) {
	s.logger.Error("CRITICAL: payout broadcast but escrow status write failed, retrying",
		"escrow_id", want.ID, "tx_hash", tx.TxID, "from", from, "to", want.Status, "error", cause)
	return s.persistPayout(ctx, from, want, act, tx)
}

func (s *Service) persistPayout(ctx context.Context, from Status, want *Escrow, act *Activity, tx *custody.SignedTx) (*Escrow, error) {
	var out *Escrow
	err := retry.StoreWrite.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		e, err := s.store.Mutate(ctx, want.ID, func(e *Escrow) (*Activity, error) {
			if e.Status == want.Status && e.PayoutTxID == tx.TxID {
				return nil, nil
			}
			if e.Status != from {
				return nil, retry.Permanent(fmt.Errorf("escrow moved to %s", e.Status))
			}
			*e = *want.clone()
			return act, nil
		})
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		s.logger.Error("CRITICAL: payout on chain but escrow record is stale, manual resolution required",
			"escrow_id", want.ID, "tx_hash", tx.TxID, "to", want.Status, "error", err)
		return nil, apperr.Wrap(apperr.CodeInternal, "payout broadcast but escrow record not updated", err)
	}
	s.clearPending(ctx, want.ID)
	s.observe(ctx, from, out, act)
	return out, nil
}

// PendingPayouts lists payouts recorded before createdBefore whose outcome
// was never written back to their escrow.
func (s *Service) PendingPayouts(ctx context.Context, createdBefore time.Time, limit int) ([]*PendingPayout, error) {
	return s.store.ListPendingPayouts(ctx, createdBefore, limit)
}

// ResumePayout resends a recorded payout and, once the network has it,
// writes the transition it settles. The edge was authorized when the payout
// was signed, so the guard does not run again.
func (s *Service) ResumePayout(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResumePayout", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.PendingPayout(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load pending payout: %w", err)
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return e, nil
	}
	if e.Status != p.From {
		s.logger.Info("dropping pending payout of a settled escrow", "escrow_id", id, "status", e.Status, "tx_hash", p.TxID)
		s.clearPending(ctx, id)
		return e, nil
	}

	utxos, err := s.ledger.AddressUTXOs(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	tx, err := s.rebroadcast(ctx, e, p, utxos)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	now := s.now()
	want := e.clone()
	want.Status = p.To
	want.PayoutTxID = tx.TxID
	want.UpdatedAt = now
	if p.To.Terminal() {
		want.CompletedAt = &now
	}
	act := &Activity{
		EscrowID:  e.ID,
		Event:     p.Event,
		ActorID:   p.ActorID,
		Role:      p.Role,
		From:      p.From,
		To:        p.To,
		Metadata:  p.Metadata,
		CreatedAt: now,
	}
	s.logger.Warn("resuming interrupted payout", "escrow_id", id, "tx_hash", tx.TxID, "from", p.From, "to", p.To)
	return s.persistPayout(ctx, p.From, want, act, tx)
}

func (s *Service) observe(ctx context.Context, from Status, e *Escrow, act *Activity) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()
	if e.Status.Terminal() {
		metrics.EscrowDuration.Observe(e.UpdatedAt.Sub(e.CreatedAt).Seconds())
	}
	s.logger.InfoContext(ctx, "escrow transition",
		"escrow_id", e.ID,
		"escrow_ref", e.EscrowID,
		"event", act.Event,
		"actor", act.ActorID,
		"from", from,
		"to", e.Status,
		"tx_hash", e.TxHash(),
	)
}

// Find loads an escrow without an authorization check. It is for internal
// collaborators (dispute, reconciler), never for request handlers.
func (s *Service) Find(ctx context.Context, key string) (*Escrow, error) {
	return s.store.Get(ctx, key)
}

// FindByAddress returns the escrow that owns a deposit address.
func (s *Service) FindByAddress(ctx context.Context, address string) (*Escrow, error) {
	return s.store.FindByAddress(ctx, address)
}

// List selects escrows for background jobs.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Escrow, error) {
	return s.store.List(ctx, f)
}

func (s *Service) authorizedGet(ctx context.Context, key, actorID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actorID) && !s.readers(actorID) {
		return nil, ErrNotParty
	}
	return e, nil
}
