package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/chain"
	"github.com/mbd888/bchescrow/internal/escrow"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/retry"
	"github.com/mbd888/bchescrow/internal/traces"
)

// Escrows is the part of the escrow service the ingestor drives.
type Escrows interface {
	FindByAddress(ctx context.Context, address string) (*escrow.Escrow, error)
	SyncFunding(ctx context.Context, e *escrow.Escrow, source string) (*escrow.Escrow, error)
}

// Delivery is one inbound notification before it is recorded.
type Delivery struct {
	EventID string
	Source  string
	Address string
	TxID    string
	Payload json.RawMessage
}

// Result of an ingest call.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultIgnored   Result = "ignored"
	ResultDuplicate Result = "duplicate"
	ResultFailed    Result = "failed"
)

// Ingestor claims deliveries and runs the funding check for the escrow
// watching the notified address.
type Ingestor struct {
	store   Store
	escrows Escrows
	logger  *slog.Logger
	now     func() time.Time
}

// NewIngestor creates an ingestor.
func NewIngestor(store Store, escrows Escrows, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, escrows: escrows, logger: logger, now: time.Now}
}

// Store returns the underlying event store.
func (i *Ingestor) Store() Store { return i.store }

// Ingest records d and, if it was not seen before, syncs the matching
// escrow. A repeated event id yields ResultDuplicate and ErrDuplicateEvent
// without touching any escrow. When the sync fails the event is marked
// failed and the error is returned with ResultFailed; the poller picks the
// escrow up on its next pass.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (Result, error) {
	if d.EventID == "" {
		return "", apperr.Validation("eventId is required")
	}
	if d.Source == "" {
		d.Source = SourceWebhook
	}
	ctx, span := traces.StartSpan(ctx, "webhooks.Ingest", traces.EventID(d.EventID), traces.Source(d.Source))
	defer span.End()

	if dup, err := i.store.CheckDuplicate(ctx, d.EventID); err == nil && dup {
		return i.duplicate(d)
	}

	ev := &Event{
		EventID:    d.EventID,
		Source:     d.Source,
		Address:    d.Address,
		TxID:       d.TxID,
		Payload:    d.Payload,
		Status:     StatusReceived,
		ReceivedAt: i.now(),
	}
	if err := i.store.Record(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return i.duplicate(d)
		}
		return "", err
	}

	if d.Address == "" {
		return i.finish(ctx, d, ResultIgnored, nil)
	}
	e, err := i.escrows.FindByAddress(ctx, d.Address)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return i.finish(ctx, d, ResultIgnored, nil)
	}
	if err != nil {
		return i.finish(ctx, d, ResultFailed, err)
	}
	span.SetAttributes(traces.EscrowID(e.ID))

	if _, err := i.escrows.SyncFunding(ctx, e, d.Source); err != nil {
		traces.Fail(span, err)
		return i.finish(ctx, d, ResultFailed, err)
	}
	return i.finish(ctx, d, ResultProcessed, nil)
}

// HandleAddressEvent adapts Ingest to the websocket subscriber. Duplicates
// are not errors there.
func (i *Ingestor) HandleAddressEvent(ctx context.Context, ev chain.AddressEvent) error {
	_, err := i.Ingest(ctx, Delivery{
		EventID: ev.EventID,
		Source:  SourceWebsocket,
		Address: ev.Address,
		TxID:    ev.TxID,
		Payload: ev.Payload,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return nil
	}
	return err
}

// Prune removes events older than retention.
func (i *Ingestor) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return i.store.Prune(ctx, i.now().Add(-retention))
}

func (i *Ingestor) duplicate(d Delivery) (Result, error) {
	metrics.WebhookEventsTotal.WithLabelValues(d.Source, string(ResultDuplicate)).Inc()
	i.logger.Debug("duplicate event ignored", "event_id", d.EventID, "source", d.Source)
	return ResultDuplicate, ErrDuplicateEvent
}

func (i *Ingestor) finish(ctx context.Context, d Delivery, result Result, cause error) (Result, error) {
	metrics.WebhookEventsTotal.WithLabelValues(d.Source, string(result)).Inc()

	at := i.now()
	wctx := context.WithoutCancel(ctx)
	markErr := retry.StoreWrite.Do(wctx, func(ctx context.Context) error {
		if cause != nil {
			return i.store.MarkFailed(ctx, d.EventID, cause.Error(), at)
		}
		return i.store.MarkProcessed(ctx, d.EventID, at)
	})
	if markErr != nil {
		i.logger.Warn("event status not recorded", "event_id", d.EventID, "result", result, "error", markErr)
	}

	if cause != nil {
		i.logger.Warn("event processing failed", "event_id", d.EventID, "address", d.Address, "error", cause)
		return result, cause
	}
	i.logger.Info("event processed", "event_id", d.EventID, "source", d.Source, "address", d.Address, "result", result)
	return result, nil
}
