// Package reconciler runs the background jobs that align escrow state with
// what the ledger reports: the funding poller, the recovery sweep, the
// expiry sweep and the webhook event pruner.
//
// Every job checks escrows one at a time in isolation. A ledger error or a
// panic on one escrow is logged and counted, and the run carries on.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bchescrow/internal/escrow"
	"github.com/mbd888/bchescrow/internal/metrics"
)

// Escrows is the part of the escrow service the jobs drive.
type Escrows interface {
	List(ctx context.Context, f escrow.ListFilter) ([]*escrow.Escrow, error)
	SyncFunding(ctx context.Context, e *escrow.Escrow, source string) (*escrow.Escrow, error)
	ProvisionWallet(ctx context.Context, id string) (*escrow.Escrow, error)
	Expire(ctx context.Context, id, source string) (*escrow.Escrow, error)
	PendingPayouts(ctx context.Context, createdBefore time.Time, limit int) ([]*escrow.PendingPayout, error)
	ResumePayout(ctx context.Context, id string) (*escrow.Escrow, error)
}

// Job is one periodic reconciliation task.
type Job interface {
	Name() string
	Run(ctx context.Context) (Report, error)
}

// Report summarises one job run.
type Report struct {
	Checked  int `json:"checked"`
	Advanced int `json:"advanced"`
	Failed   int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Checked += o.Checked
	r.Advanced += o.Advanced
	r.Failed += o.Failed
}

// Check results
const (
	resultAdvanced  = "advanced"
	resultUnchanged = "unchanged"
	resultFailed    = "failed"
)

// check runs fn for one escrow, recovering panics, and records the result.
// fn reports whether the escrow moved.
func check(ctx context.Context, job string, e *escrow.Escrow, logger *slog.Logger, fn func(ctx context.Context) (bool, error)) (r Report) {
	r.Checked = 1
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic checking escrow", "job", job, "escrow_id", e.ID, "panic", fmt.Sprint(p))
			metrics.ReconcilerChecksTotal.WithLabelValues(job, resultFailed).Inc()
			r.Failed = 1
			r.Advanced = 0
		}
	}()

	moved, err := fn(ctx)
	switch {
	case err != nil:
		logger.Warn("escrow check failed", "job", job, "escrow_id", e.ID, "status", e.Status, "error", err)
		metrics.ReconcilerChecksTotal.WithLabelValues(job, resultFailed).Inc()
		r.Failed = 1
	case moved:
		metrics.ReconcilerChecksTotal.WithLabelValues(job, resultAdvanced).Inc()
		r.Advanced = 1
	default:
		metrics.ReconcilerChecksTotal.WithLabelValues(job, resultUnchanged).Inc()
	}
	return r
}

func moved(before *escrow.Escrow, after *escrow.Escrow) bool {
	return after != nil && after.Status != before.Status
}

// Poller checks every escrow waiting for money and moves it to FUNDED once
// the observed balance, confirmed or not, covers the amount.
type Poller struct {
	escrows     Escrows
	concurrency int
	logger      *slog.Logger
}

// NewPoller creates a poller that checks up to concurrency escrows at once.
func NewPoller(escrows Escrows, concurrency int, logger *slog.Logger) *Poller {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{escrows: escrows, concurrency: concurrency, logger: logger}
}

func (p *Poller) Name() string { return "poller" }

func (p *Poller) Run(ctx context.Context) (Report, error) {
	list, err := p.escrows.List(ctx, escrow.ListFilter{
		Statuses: []escrow.Status{escrow.StatusAwaitingFunding, escrow.StatusFundingInProgress},
	})
	if err != nil {
		return Report{}, fmt.Errorf("list unfunded escrows: %w", err)
	}
	return fanOut(ctx, list, p.concurrency, func(ctx context.Context, e *escrow.Escrow) Report {
		return check(ctx, p.Name(), e, p.logger, func(ctx context.Context) (bool, error) {
			after, err := p.escrows.SyncFunding(ctx, e, "poller")
			return moved(e, after), err
		})
	}), nil
}

// RecoverySweep finishes work an interrupted request left behind: funding
// submissions whose status update never landed, escrows whose wallet was
// never provisioned, payouts whose broadcast outcome was lost, and deposits
// that reached an escrow after it expired.
type RecoverySweep struct {
	escrows           Escrows
	staleAfter        time.Duration
	lateDepositWindow time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// NewRecoverySweep creates a sweep that picks up escrows untouched for
// staleAfter. Expired escrows are watched for late deposits for
// lateDepositWindow past their deadline.
func NewRecoverySweep(escrows Escrows, staleAfter, lateDepositWindow time.Duration, logger *slog.Logger) *RecoverySweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoverySweep{
		escrows:           escrows,
		staleAfter:        staleAfter,
		lateDepositWindow: lateDepositWindow,
		logger:            logger,
		now:               time.Now,
	}
}

// pendingPayoutBatch bounds the payouts one recovery run resends.
const pendingPayoutBatch = 100

func (s *RecoverySweep) Name() string { return "recovery" }

func (s *RecoverySweep) Run(ctx context.Context) (Report, error) {
	now := s.now()
	var total Report

	inFlight, err := s.escrows.List(ctx, escrow.ListFilter{
		Statuses:      []escrow.Status{escrow.StatusFundingInProgress},
		UpdatedBefore: now.Add(-s.staleAfter),
	})
	if err != nil {
		return total, fmt.Errorf("list stale funding: %w", err)
	}
	for _, e := range inFlight {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		total.add(check(ctx, s.Name(), e, s.logger, func(ctx context.Context) (bool, error) {
			after, err := s.escrows.SyncFunding(ctx, e, "recovery")
			return moved(e, after), err
		}))
	}

	unprovisioned, err := s.escrows.List(ctx, escrow.ListFilter{
		Statuses:      []escrow.Status{escrow.StatusCreated},
		UpdatedBefore: now.Add(-s.staleAfter),
		ExpiresAfter:  now,
	})
	if err != nil {
		return total, fmt.Errorf("list unprovisioned: %w", err)
	}
	for _, e := range unprovisioned {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		total.add(check(ctx, s.Name(), e, s.logger, func(ctx context.Context) (bool, error) {
			after, err := s.escrows.ProvisionWallet(ctx, e.ID)
			return moved(e, after), err
		}))
	}

	pending, err := s.escrows.PendingPayouts(ctx, now.Add(-s.staleAfter), pendingPayoutBatch)
	if err != nil {
		return total, fmt.Errorf("list pending payouts: %w", err)
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		before := &escrow.Escrow{ID: p.EscrowID, Status: p.From}
		total.add(check(ctx, s.Name(), before, s.logger, func(ctx context.Context) (bool, error) {
			after, err := s.escrows.ResumePayout(ctx, p.EscrowID)
			return moved(before, after), err
		}))
	}

	expired, err := s.escrows.List(ctx, escrow.ListFilter{
		Statuses:     []escrow.Status{escrow.StatusExpired},
		ExpiresAfter: now.Add(-s.lateDepositWindow),
	})
	if err != nil {
		return total, fmt.Errorf("list expired: %w", err)
	}
	for _, e := range expired {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		total.add(check(ctx, s.Name(), e, s.logger, func(ctx context.Context) (bool, error) {
			after, err := s.escrows.SyncFunding(ctx, e, "recovery")
			return moved(e, after), err
		}))
	}
	return total, nil
}

// ExpirySweep closes escrows whose deadline passed without funding. An
// escrow with an address gets one last balance check first so a deposit
// that arrived just in time still funds it.
type ExpirySweep struct {
	escrows Escrows
	logger  *slog.Logger
	now     func() time.Time
}

// NewExpirySweep creates an expiry sweep.
func NewExpirySweep(escrows Escrows, logger *slog.Logger) *ExpirySweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweep{escrows: escrows, logger: logger, now: time.Now}
}

func (s *ExpirySweep) Name() string { return "expiry" }

func (s *ExpirySweep) Run(ctx context.Context) (Report, error) {
	list, err := s.escrows.List(ctx, escrow.ListFilter{
		Statuses:      []escrow.Status{escrow.StatusCreated, escrow.StatusAwaitingFunding},
		ExpiresBefore: s.now(),
	})
	if err != nil {
		return Report{}, fmt.Errorf("list overdue escrows: %w", err)
	}

	var total Report
	for _, e := range list {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		total.add(check(ctx, s.Name(), e, s.logger, func(ctx context.Context) (bool, error) {
			current := e
			if e.Status == escrow.StatusAwaitingFunding {
				synced, err := s.escrows.SyncFunding(ctx, e, "expiry")
				if err != nil {
					return false, err
				}
				if synced.Status != escrow.StatusAwaitingFunding {
					return true, nil
				}
				current = synced
			}
			after, err := s.escrows.Expire(ctx, current.ID, "expiry")
			return moved(e, after), err
		}))
	}
	return total, nil
}

// EventPruner is the webhook event store's retention hook.
type EventPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Pruner deletes webhook dedup records older than the retention window.
type Pruner struct {
	events    EventPruner
	retention time.Duration
	logger    *slog.Logger
}

// NewPruner creates a pruner.
func NewPruner(events EventPruner, retention time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{events: events, retention: retention, logger: logger}
}

func (p *Pruner) Name() string { return "pruner" }

func (p *Pruner) Run(ctx context.Context) (Report, error) {
	n, err := p.events.Prune(ctx, p.retention)
	if err != nil {
		return Report{}, err
	}
	if n > 0 {
		p.logger.Info("pruned webhook events", "count", n, "retention", p.retention)
	}
	return Report{Checked: int(n), Advanced: int(n)}, nil
}
