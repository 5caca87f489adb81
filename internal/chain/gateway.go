package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/circuitbreaker"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/traces"
)

const defaultTimeout = 10 * time.Second

// Gateway fans a query out over providers in order and returns the first
// successful answer. Answers from different providers are never combined.
// Transport failures fall through to the next provider; an explicit
// transaction rejection does not.
type Gateway struct {
	providers []Provider
	breaker   *circuitbreaker.Breaker
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGateway creates a gateway over providers (tried in the given order).
func NewGateway(providers []Provider, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		providers: providers,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		timeout:   timeout,
		logger:    logger,
	}
}

// WithBreaker replaces the per-provider circuit breaker.
func (g *Gateway) WithBreaker(b *circuitbreaker.Breaker) *Gateway {
	g.breaker = b
	return g
}

// Providers returns provider names in fallback order.
func (g *Gateway) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// OpenCircuits returns the providers currently skipped by the breaker.
func (g *Gateway) OpenCircuits() []string {
	var open []string
	for _, p := range g.providers {
		if g.breaker.State(p.Name()) != circuitbreaker.StateClosed {
			open = append(open, p.Name())
		}
	}
	return open
}

// AddressBalance returns the balance of address.
func (g *Gateway) AddressBalance(ctx context.Context, address string) (*Balance, error) {
	return first(ctx, g, "balance", func(ctx context.Context, p Provider) (*Balance, error) {
		return p.AddressBalance(ctx, address)
	})
}

// AddressTransactions returns the history of address.
func (g *Gateway) AddressTransactions(ctx context.Context, address string) ([]Transaction, error) {
	return first(ctx, g, "transactions", func(ctx context.Context, p Provider) ([]Transaction, error) {
		return p.AddressTransactions(ctx, address)
	})
}

// AddressUTXOs returns the unspent outputs of address.
func (g *Gateway) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return first(ctx, g, "utxos", func(ctx context.Context, p Provider) ([]UTXO, error) {
		return p.AddressUTXOs(ctx, address)
	})
}

// Broadcast submits a signed transaction and returns its id. A provider
// reporting the transaction as already known counts as success.
func (g *Gateway) Broadcast(ctx context.Context, rawHex string) (string, error) {
	txid, err := TxIDFromHex(rawHex)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, "malformed transaction", err)
	}
	return first(ctx, g, "broadcast", func(ctx context.Context, p Provider) (string, error) {
		got, err := p.Broadcast(ctx, rawHex)
		if errors.Is(err, ErrAlreadyKnown) {
			return txid, nil
		}
		if err != nil {
			return "", err
		}
		if got != "" && got != txid {
			g.logger.Warn("provider returned unexpected txid", "provider", p.Name(), "expected", txid, "got", got)
		}
		return txid, nil
	})
}

// TxConfirmations returns the confirmation depth of txid as seen in the
// history of address. An unseen transaction has zero confirmations.
func (g *Gateway) TxConfirmations(ctx context.Context, address, txid string) (int64, error) {
	txs, err := g.AddressTransactions(ctx, address)
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		if tx.TxID == txid {
			return tx.Confirmations, nil
		}
	}
	return 0, nil
}

func first[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context, Provider) (T, error)) (T, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.Op(op))
	defer span.End()

	var zero T
	var errs []error
	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var v T
		name := p.Name()
		err := g.breaker.Execute(name, func() error {
			cctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			started := time.Now()
			var err error
			v, err = fn(cctx, p)
			metrics.ObserveLedgerCall(name, op, started, err)
			return err
		}, countsAgainstProvider)

		if err == nil {
			span.SetAttributes(traces.Provider(name))
			return v, nil
		}

		var rej *RejectedError
		if errors.As(err, &rej) {
			return zero, err
		}
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			g.logger.Warn("ledger provider failed", "provider", name, "op", op, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	metrics.LedgerUnavailableTotal.WithLabelValues(op).Inc()
	if len(errs) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	err := apperr.Wrap(apperr.CodeLedgerUnavailable, ErrLedgerUnavailable.Message, errors.Join(errs...))
	traces.Fail(span, err)
	return zero, err
}

// countsAgainstProvider keeps explicit rejections from tripping the
// breaker; the provider answered correctly.
func countsAgainstProvider(err error) bool {
	var rej *RejectedError
	return !errors.As(err, &rej)
}
