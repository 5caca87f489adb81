package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mbd888/bchescrow/internal/amount"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/chain"
	"github.com/mbd888/bchescrow/internal/custody"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/traces"
)

// settle spends every UTXO of the escrow address to the recipients of kind
// and broadcasts the result. It runs inside the locked unit of Transition;
// the caller writes the new status only if this returns without error.
//
// The signed transaction is recorded as a PendingPayout before it is
// broadcast. A retry of the same edge resends that transaction rather than
// signing a new one, so a broadcast that reached the network but never
// reported back cannot strand the escrow or pay twice.
func (s *Service) settle(ctx context.Context, e *Escrow, kind payoutKind, meta Meta, intent PendingPayout) (signed *custody.SignedTx, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.payout", traces.EscrowID(e.ID))
	defer span.End()
	defer func() {
		result := "broadcast"
		if err != nil {
			result = string(apperr.CodeOf(err))
			traces.Fail(span, err)
		}
		metrics.PayoutsTotal.WithLabelValues(kind.String(), result).Inc()
	}()

	wallet, err := e.sealedWallet()
	if err != nil {
		return nil, err
	}

	pending, err := s.store.PendingPayout(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("load pending payout: %w", err)
	}
	utxos, err := s.ledger.AddressUTXOs(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	if pending != nil && pending.From == e.Status {
		if pending.Kind == kind.String() && pending.To == intent.To {
			return s.rebroadcast(ctx, e, pending, utxos)
		}
		landed, err := inputsSpent(pending.RawTx, utxos)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "decode pending payout", err)
		}
		if landed {
			return nil, apperr.Wrap(apperr.CodeInvalidTransition, ErrPayoutInFlight.Message,
				fmt.Errorf("%s payout %s spent the deposit", pending.Kind, pending.TxID))
		}
	}
	if len(utxos) == 0 {
		return nil, ErrNothingToPay
	}

	inputs := make([]custody.Input, 0, len(utxos))
	var total, deep btcutil.Amount
	for _, u := range utxos {
		inputs = append(inputs, custody.Input{TxID: u.TxID, Vout: u.Vout, Value: u.Value})
		total += u.Value
		if u.Confirmations >= s.policy.ReleaseMinConfirmations {
			deep += u.Value
		}
	}
	if (kind == paySeller || kind == paySplit) && s.policy.ReleaseMinConfirmations > 0 && deep < e.Amount {
		return nil, apperr.Wrap(apperr.CodeInsufficientFunds, ErrUnconfirmed.Message,
			fmt.Errorf("%d sats with %d+ confirmations, need %d", deep, s.policy.ReleaseMinConfirmations, e.Amount))
	}

	outputs, err := s.payoutOutputs(ctx, e, kind, meta, total)
	if err != nil {
		return nil, err
	}

	signed, err = s.custodian.SignPayout(wallet, inputs, outputs)
	switch {
	case errors.Is(err, custody.ErrOutputTooSmall), errors.Is(err, custody.ErrOutputsExceed):
		return nil, apperr.Wrap(apperr.CodeInsufficientFunds, ErrDustPayout.Message, err)
	case errors.Is(err, custody.ErrInvalidAddress):
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid payout address", err)
	case err != nil:
		return nil, apperr.Wrap(apperr.CodeInternal, "sign payout", err)
	}

	meta.TxHash = signed.TxID
	p := intent
	p.EscrowID = e.ID
	p.Kind = kind.String()
	p.Metadata = meta.record()
	p.RawTx = signed.Hex
	p.TxID = signed.TxID
	p.CreatedAt = s.now()
	if err := s.store.SavePendingPayout(ctx, &p); err != nil {
		return nil, fmt.Errorf("record pending payout: %w", err)
	}

	if _, err := s.ledger.Broadcast(ctx, signed.Hex); err != nil && !errors.Is(err, chain.ErrAlreadyKnown) {
		s.logger.Warn("payout broadcast failed", "escrow_id", e.ID, "kind", kind.String(), "tx_hash", signed.TxID, "error", err)
		var rejected *chain.RejectedError
		if errors.As(err, &rejected) {
			s.clearPending(ctx, e.ID)
		}
		return nil, apperr.Wrap(apperr.CodeBroadcastFailed, "payout broadcast failed", err)
	}
	span.SetAttributes(traces.TxID(signed.TxID))
	return signed, nil
}

// rebroadcast resends a recorded payout. An "already known" answer, or a
// failure after which the payout's inputs are gone from the address, means
// the network has it.
func (s *Service) rebroadcast(ctx context.Context, e *Escrow, p *PendingPayout, utxos []chain.UTXO) (*custody.SignedTx, error) {
	tx := &custody.SignedTx{Hex: p.RawTx, TxID: p.TxID}
	_, err := s.ledger.Broadcast(ctx, p.RawTx)
	if err == nil || errors.Is(err, chain.ErrAlreadyKnown) {
		return tx, nil
	}

	landed, derr := inputsSpent(p.RawTx, utxos)
	if derr != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "decode pending payout", derr)
	}
	if landed {
		s.logger.Info("pending payout already spent the deposit", "escrow_id", e.ID, "tx_hash", p.TxID, "broadcast_error", err)
		return tx, nil
	}

	s.logger.Warn("payout rebroadcast failed", "escrow_id", e.ID, "tx_hash", p.TxID, "error", err)
	var rejected *chain.RejectedError
	if errors.As(err, &rejected) {
		s.clearPending(ctx, e.ID)
	}
	return nil, apperr.Wrap(apperr.CodeBroadcastFailed, "payout broadcast failed", err)
}

func (s *Service) clearPending(ctx context.Context, escrowID string) {
	if err := s.store.ClearPendingPayout(context.WithoutCancel(ctx), escrowID); err != nil {
		s.logger.Warn("clear pending payout", "escrow_id", escrowID, "error", err)
	}
}

// inputsSpent reports whether any input of the raw transaction is missing
// from utxos. Only the custodian holds the key, so a missing input was
// spent by this transaction.
func inputsSpent(rawHex string, utxos []chain.UTXO) (bool, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return false, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return false, err
	}
	unspent := make(map[wire.OutPoint]bool, len(utxos))
	for _, u := range utxos {
		h, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		unspent[wire.OutPoint{Hash: *h, Index: u.Vout}] = true
	}
	for _, in := range tx.TxIn {
		if !unspent[in.PreviousOutPoint] {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) payoutOutputs(ctx context.Context, e *Escrow, kind payoutKind, meta Meta, total btcutil.Amount) ([]custody.Output, error) {
	spendable := total - s.policy.MinerFee
	if spendable < amount.DustLimit {
		return nil, apperr.Wrap(apperr.CodeInsufficientFunds, ErrDustPayout.Message,
			fmt.Errorf("%d sats left after %d sats fee", spendable, s.policy.MinerFee))
	}

	switch kind {
	case paySeller:
		to, err := s.payoutAddress(ctx, e.SellerID)
		if err != nil {
			return nil, err
		}
		return []custody.Output{{Address: to, Value: spendable}}, nil

	case payBuyer, payLateRefund:
		to, err := s.payoutAddress(ctx, e.BuyerID)
		if err != nil {
			return nil, err
		}
		return []custody.Output{{Address: to, Value: spendable}}, nil

	case paySplit:
		share := meta.SellerShare
		rest := spendable - share
		if share < amount.DustLimit || rest < amount.DustLimit {
			return nil, apperr.Wrap(apperr.CodeInsufficientFunds, ErrDustPayout.Message,
				fmt.Errorf("split %d/%d of %d spendable sats", share, rest, spendable))
		}
		sellerAddr, err := s.payoutAddress(ctx, e.SellerID)
		if err != nil {
			return nil, err
		}
		buyerAddr, err := s.payoutAddress(ctx, e.BuyerID)
		if err != nil {
			return nil, err
		}
		return []custody.Output{
			{Address: sellerAddr, Value: share},
			{Address: buyerAddr, Value: rest},
		}, nil
	}
	return nil, fmt.Errorf("unknown payout kind %d", kind)
}

func (s *Service) payoutAddress(ctx context.Context, userID string) (string, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("payout recipient %s: %w", userID, err)
	}
	if u.PayoutAddress == "" {
		return "", apperr.Wrap(apperr.CodeValidation, ErrNoPayoutAddress.Message, fmt.Errorf("user %s", userID))
	}
	return u.PayoutAddress, nil
}
