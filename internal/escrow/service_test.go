package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/custody"
	"github.com/mbd888/bchescrow/internal/idgen"
)

func TestCreate_AwaitsFundingThenPollerFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t)
	if e.Status != StatusAwaitingFunding {
		t.Fatalf("status = %s, want AWAITING_FUNDING", e.Status)
	}
	if !strings.HasPrefix(e.Address, "bchtest:") {
		t.Errorf("address %q is not a testnet CashAddr", e.Address)
	}
	if e.EncryptedKey == "" || strings.Contains(e.EncryptedKey, e.PublicKey) {
		t.Error("expected sealed key material")
	}
	if !idgen.IsEscrowRef(e.EscrowID) {
		t.Errorf("escrow ref %q malformed", e.EscrowID)
	}
	if e.Amount != 5_000_000 {
		t.Errorf("amount = %d sats", e.Amount)
	}
	if want := h.clock.Now().Add(24 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %s, want %s", e.ExpiresAt, want)
	}

	// Nothing deposited yet: the poller leaves it alone.
	same, err := h.svc.SyncFunding(ctx, e, "poller")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if same.Status != StatusAwaitingFunding {
		t.Fatalf("status = %s", same.Status)
	}

	h.ledger.deposit(e.Address, e.Amount, 0)
	funded, err := h.svc.SyncFunding(ctx, e, "poller")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if funded.Status != StatusFunded || funded.FundedAt == nil {
		t.Fatalf("got %s fundedAt=%v", funded.Status, funded.FundedAt)
	}

	acts, err := h.svc.Activities(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatal(err)
	}
	var events []string
	for _, a := range acts {
		events = append(events, a.Event)
	}
	if got := strings.Join(events, ","); got != "created,wallet_generated,funded" {
		t.Errorf("activity = %s", got)
	}
	if acts[2].Role != RoleSystem || acts[2].Metadata["source"] != "poller" {
		t.Errorf("funded entry = %+v", acts[2])
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, func(p *Policy) { p.MaxExpiry = 48 * time.Hour })
	ctx := context.Background()

	base := CreateRequest{Buyer: h.buyer.ID, Seller: h.seller.ID, AmountBCH: "0.01", ExpiryHours: 24}
	tests := []struct {
		name  string
		actor string
		edit  func(r *CreateRequest)
		code  apperr.Code
	}{
		{"unknown seller", h.buyer.ID, func(r *CreateRequest) { r.Seller = "ghost@example.com" }, apperr.CodeValidation},
		{"unknown buyer", h.buyer.ID, func(r *CreateRequest) { r.Buyer = "nobody" }, apperr.CodeValidation},
		{"same party", h.buyer.ID, func(r *CreateRequest) { r.Seller = h.buyer.Email }, apperr.CodeValidation},
		{"zero amount", h.buyer.ID, func(r *CreateRequest) { r.AmountBCH = "0" }, apperr.CodeValidation},
		{"sub-satoshi", h.buyer.ID, func(r *CreateRequest) { r.AmountBCH = "0.000000001" }, apperr.CodeValidation},
		{"below fee and dust", h.buyer.ID, func(r *CreateRequest) { r.AmountBCH = "0.00001" }, apperr.CodeValidation},
		{"expiry too long", h.buyer.ID, func(r *CreateRequest) { r.ExpiryHours = 49 }, apperr.CodeValidation},
		{"negative expiry", h.buyer.ID, func(r *CreateRequest) { r.ExpiryHours = -1 }, apperr.CodeValidation},
		{"long description", h.buyer.ID, func(r *CreateRequest) { r.Description = strings.Repeat("x", MaxDescriptionLength+1) }, apperr.CodeValidation},
		{"not the buyer", h.seller.ID, func(r *CreateRequest) {}, apperr.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.edit(&req)
			_, err := h.svc.Create(ctx, tt.actor, req)
			requireCode(t, err, tt.code)
		})
	}

	page, _ := h.svc.ListForActor(ctx, h.buyer.ID, "", 0)
	if len(page.Escrows) != 0 {
		t.Errorf("rejected creates left %d escrows behind", len(page.Escrows))
	}
}

func TestCreate_DefaultExpiry(t *testing.T) {
	h := newHarness(t)
	e, err := h.svc.Create(context.Background(), h.buyer.ID, CreateRequest{
		Buyer: h.buyer.ID, Seller: h.seller.ID, AmountBCH: "0.01",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := h.clock.Now().Add(72 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %s, want %s", e.ExpiresAt, want)
	}
}

func TestCreate_WalletFailureLeavesCreated(t *testing.T) {
	h := newHarness(t)
	h.custodian.fail.Store(true)

	e := h.create(t)
	if e.Status != StatusCreated || e.Address != "" {
		t.Fatalf("got %s address=%q", e.Status, e.Address)
	}

	h.custodian.fail.Store(false)
	e, err := h.svc.ProvisionWallet(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if e.Status != StatusAwaitingFunding || e.Address == "" {
		t.Fatalf("got %s address=%q", e.Status, e.Address)
	}
}

func TestFund_IdempotentWhenAlreadyFunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)
	h.ledger.deposit(e.Address, e.Amount, 0)

	first, err := h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	second, err := h.svc.Fund(ctx, e.EscrowID, h.buyer.ID, FundRequest{})
	if err != nil {
		t.Fatalf("second fund: %v", err)
	}
	again, err := h.svc.SyncFunding(ctx, second, "poller")
	if err != nil {
		t.Fatalf("poll after funded: %v", err)
	}
	direct, err := h.svc.Transition(ctx, e.ID, StatusFunded, SystemActor("poller"), Meta{})
	if err != nil {
		t.Fatalf("same-status transition: %v", err)
	}

	for _, got := range []*Escrow{first, second, again, direct} {
		if got.Status != StatusFunded {
			t.Errorf("status = %s", got.Status)
		}
		if !got.FundedAt.Equal(*first.FundedAt) {
			t.Error("fundedAt moved on a repeated check")
		}
	}
	acts, _ := h.svc.Activities(ctx, e.ID, h.buyer.ID)
	if len(acts) != 3 {
		t.Errorf("expected 3 activity entries, got %d", len(acts))
	}
}

func TestFund_TxHashThenRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)
	txHash := strings.Repeat("ab", 32)
	h.ledger.announce(e.Address, txHash, e.Amount)

	e, err := h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{TxHash: txHash})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if e.Status != StatusFundingInProgress || e.FundingTxID != txHash {
		t.Fatalf("got %s tx=%s", e.Status, e.FundingTxID)
	}

	h.ledger.deposit(e.Address, e.Amount+500, 0)
	e, err = h.svc.SyncFunding(ctx, e, "recovery")
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if e.Status != StatusFunded || e.FundingTxID != txHash {
		t.Fatalf("got %s tx=%s", e.Status, e.FundingTxID)
	}
}

func TestFund_UnverifiedTxHashRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)

	// A well-formed hash the ledger has never seen paying this address.
	_, err := h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{TxHash: strings.Repeat("ab", 32)})
	requireCode(t, err, apperr.CodeInsufficientFunds)

	// A transaction to some other address does not count either.
	other := h.create(t)
	h.ledger.announce(other.Address, strings.Repeat("cd", 32), e.Amount)
	_, err = h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{TxHash: strings.Repeat("cd", 32)})
	requireCode(t, err, apperr.CodeInsufficientFunds)

	if got := h.status(t, e.ID); got != StatusAwaitingFunding {
		t.Fatalf("status = %s, want AWAITING_FUNDING", got)
	}
	acts := mustActivities(t, h, e.ID)
	for _, a := range acts {
		if a.To == StatusFundingInProgress {
			t.Fatal("unverified hash recorded a funding activity")
		}
	}
}

func TestFund_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)

	_, err := h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{})
	requireCode(t, err, apperr.CodeInsufficientFunds)

	h.ledger.deposit(e.Address, e.Amount-1, 0)
	_, err = h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{})
	requireCode(t, err, apperr.CodeInsufficientFunds)

	_, err = h.svc.Fund(ctx, e.ID, h.seller.ID, FundRequest{})
	requireCode(t, err, apperr.CodeForbidden)

	_, err = h.svc.Fund(ctx, e.ID, h.stranger.ID, FundRequest{})
	requireCode(t, err, apperr.CodeForbidden)

	_, err = h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{TxHash: "xyz"})
	requireCode(t, err, apperr.CodeValidation)

	_, err = h.svc.Fund(ctx, "ESC-00000000", h.buyer.ID, FundRequest{})
	requireCode(t, err, apperr.CodeNotFound)

	if got := h.status(t, e.ID); got != StatusAwaitingFunding {
		t.Errorf("status changed to %s", got)
	}
}

func TestFund_LedgerUnavailableIsRetryableAndMutatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)
	h.ledger.deposit(e.Address, e.Amount, 0)
	h.ledger.setDown(true)

	_, err := h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{TxHash: strings.Repeat("cd", 32)})
	requireCode(t, err, apperr.CodeLedgerUnavailable)
	if !apperr.Retryable(err) {
		t.Error("ledger outage must be retryable")
	}
	if got := h.status(t, e.ID); got != StatusAwaitingFunding {
		t.Errorf("status changed to %s during outage", got)
	}

	_, err = h.svc.CheckStatus(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeLedgerUnavailable)

	h.ledger.setDown(false)
	e, err = h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{})
	if err != nil || e.Status != StatusFunded {
		t.Fatalf("after recovery: %v %v", e, err)
	}
}

func TestApprove_PaysSellerOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	e, err := h.svc.SubmitWork(ctx, e.ID, h.seller.ID, "final files uploaded")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if e.Status != StatusWorkSubmitted {
		t.Fatalf("status = %s", e.Status)
	}

	_, err = h.svc.Approve(ctx, e.ID, h.seller.ID)
	requireCode(t, err, apperr.CodeForbidden)

	e, err = h.svc.Approve(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e.Status != StatusCompleted || e.PayoutTxID == "" || e.CompletedAt == nil {
		t.Fatalf("got %s payout=%q", e.Status, e.PayoutTxID)
	}
	if h.ledger.broadcastCount() != 1 {
		t.Fatalf("broadcasts = %d, want 1", h.ledger.broadcastCount())
	}

	tx := h.ledger.lastBroadcast()
	if tx.TxHash().String() != e.PayoutTxID {
		t.Error("recorded payout tx differs from broadcast")
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != int64(e.Amount-h.svc.Policy().MinerFee) {
		t.Errorf("seller receives %d", tx.TxOut[0].Value)
	}
	if want := scriptFor(t, h.seller.PayoutAddress); string(tx.TxOut[0].PkScript) != string(want) {
		t.Error("payout not addressed to the seller")
	}

	// Approving again is an already-applied outcome, not a second payout.
	again, err := h.svc.Approve(ctx, e.ID, h.buyer.ID)
	if err != nil || again.Status != StatusCompleted {
		t.Fatalf("repeat approve: %v %v", again, err)
	}
	if h.ledger.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d after repeat", h.ledger.broadcastCount())
	}
}

func scriptFor(t *testing.T, address string) []byte {
	t.Helper()
	addr, err := custody.Testnet.DecodeAddress(address)
	if err != nil {
		t.Fatal(err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

func TestRevisionLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	_, err := h.svc.RequestRevision(ctx, e.ID, h.buyer.ID, "needs work")
	requireCode(t, err, apperr.CodeInvalidTransition)

	_, err = h.svc.SubmitWork(ctx, e.ID, h.seller.ID, "   ")
	requireCode(t, err, apperr.CodeValidation)

	if _, err := h.svc.SubmitWork(ctx, e.ID, h.seller.ID, "draft v1"); err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.RequestRevision(ctx, e.ID, h.buyer.ID, "")
	requireCode(t, err, apperr.CodeValidation)

	e, err = h.svc.RequestRevision(ctx, e.ID, h.buyer.ID, "darker blue please")
	if err != nil || e.Status != StatusFunded {
		t.Fatalf("revision: %v %v", e, err)
	}
	e, err = h.svc.SubmitWork(ctx, e.ID, h.seller.ID, "draft v2")
	if err != nil || e.Status != StatusWorkSubmitted {
		t.Fatalf("resubmit: %v %v", e, err)
	}

	acts, _ := h.svc.Activities(ctx, e.ID, h.seller.ID)
	last := acts[len(acts)-2]
	if last.Event != "revision_requested" || last.Metadata["feedback"] != "darker blue please" {
		t.Errorf("revision entry = %+v", last)
	}
}

func TestRelease_ConfirmationGate(t *testing.T) {
	h := newHarness(t, func(p *Policy) { p.ReleaseMinConfirmations = 1 })
	ctx := context.Background()
	e := h.funded(t)

	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeInsufficientFunds)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Errorf("expected ErrUnconfirmed, got %v", err)
	}
	if h.ledger.broadcastCount() != 0 {
		t.Fatal("gate must stop the payout before broadcast")
	}

	h.ledger.confirmAll(e.Address, 1)
	e, err = h.svc.Release(ctx, e.ID, h.buyer.ID)
	if err != nil || e.Status != StatusCompleted {
		t.Fatalf("release: %v %v", e, err)
	}
}

func TestRelease_BroadcastFailureKeepsStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)
	before, _ := h.svc.Activities(ctx, e.ID, h.buyer.ID)

	h.ledger.setReject(true)
	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeBroadcastFailed)
	if !apperr.Retryable(err) {
		t.Error("broadcast failure must be retryable")
	}
	if got := h.status(t, e.ID); got != StatusFunded {
		t.Fatalf("status = %s after failed broadcast", got)
	}
	after, _ := h.svc.Activities(ctx, e.ID, h.buyer.ID)
	if len(after) != len(before) {
		t.Error("failed payout wrote an activity entry")
	}

	h.ledger.setReject(false)
	e, err = h.svc.Release(ctx, e.ID, h.buyer.ID)
	if err != nil || e.Status != StatusCompleted {
		t.Fatalf("retry: %v %v", e, err)
	}
}

func TestRelease_StatusWriteRetriedAfterBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	h.store.failWrites.Store(1)
	e, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if e.Status != StatusCompleted || e.PayoutTxID == "" {
		t.Fatalf("got %s payout=%q", e.Status, e.PayoutTxID)
	}
	if got := h.status(t, e.ID); got != StatusCompleted {
		t.Fatalf("stored status = %s", got)
	}
	if h.ledger.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d", h.ledger.broadcastCount())
	}
}

func TestRelease_StatusWriteExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	h.store.failWrites.Store(100)
	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeInternal)
	h.store.failWrites.Store(0)

	if h.ledger.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d", h.ledger.broadcastCount())
	}
}

func TestRelease_LostBroadcastReplyIsResentNotResigned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	// The network takes the payout but the reply times out.
	h.ledger.loseReplies(1)
	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeBroadcastFailed)
	if got := h.status(t, e.ID); got != StatusFunded {
		t.Fatalf("status = %s after lost reply", got)
	}
	first := h.ledger.lastBroadcast().TxHash().String()
	if utxos, _ := h.ledger.AddressUTXOs(ctx, e.Address); len(utxos) != 0 {
		t.Fatalf("deposit still unspent: %v", utxos)
	}

	// The retry resends the recorded payout instead of finding nothing to pay.
	e, err = h.svc.Release(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.Status != StatusCompleted || e.PayoutTxID != first {
		t.Fatalf("got %s payout=%q, want COMPLETED %s", e.Status, e.PayoutTxID, first)
	}
	if h.ledger.broadcastCount() != 1 {
		t.Errorf("network saw %d distinct payouts", h.ledger.broadcastCount())
	}
	if p, _ := h.store.PendingPayout(ctx, e.ID); p != nil {
		t.Error("pending payout left after the status was written")
	}
}

func TestRelease_LostReplyBlocksConflictingPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	h.ledger.loseReplies(1)
	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeBroadcastFailed)

	_, err = h.svc.Refund(ctx, e.ID, h.seller.ID)
	requireCode(t, err, apperr.CodeInvalidTransition)
	if h.ledger.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d", h.ledger.broadcastCount())
	}
	if got := h.status(t, e.ID); got != StatusFunded {
		t.Fatalf("status = %s", got)
	}
}

func TestResumePayout_FinishesInterruptedRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	h.ledger.loseReplies(1)
	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeBroadcastFailed)

	h.clock.Advance(time.Hour)
	pending, err := h.svc.PendingPayouts(ctx, h.clock.Now().Add(-10*time.Minute), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending payouts: %v %v", pending, err)
	}
	p := pending[0]
	if p.From != StatusFunded || p.To != StatusCompleted || p.ActorID != h.buyer.ID || p.Role != RoleBuyer {
		t.Fatalf("pending payout = %+v", p)
	}

	got, err := h.svc.ResumePayout(ctx, e.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.Status != StatusCompleted || got.PayoutTxID != p.TxID || got.CompletedAt == nil {
		t.Fatalf("resumed escrow = %s payout=%q", got.Status, got.PayoutTxID)
	}
	acts, err := h.svc.Activities(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	last := acts[len(acts)-1]
	if last.To != StatusCompleted || last.ActorID != h.buyer.ID || last.Metadata["txHash"] != p.TxID {
		t.Errorf("last activity = %+v", last)
	}

	// Nothing left to resume.
	again, err := h.svc.ResumePayout(ctx, e.ID)
	if err != nil || again.Status != StatusCompleted {
		t.Fatalf("second resume: %v %v", again, err)
	}
	if n := len(mustActivities(t, h, e.ID)); n != len(acts) {
		t.Errorf("second resume wrote %d activities", n-len(acts))
	}
}

func TestRelease_StatusWriteExhaustedLeavesPayoutResumable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)

	h.store.failWrites.Store(100)
	_, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeInternal)
	h.store.failWrites.Store(0)

	got, err := h.svc.ResumePayout(ctx, e.ID)
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("resume: %v %v", got, err)
	}
	if h.ledger.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d", h.ledger.broadcastCount())
	}
}

func mustActivities(t *testing.T, h *harness, id string) []*Activity {
	t.Helper()
	acts, err := h.svc.Activities(context.Background(), id, h.buyer.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	return acts
}

func TestRefund_Roles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.funded(t)
	_, err := h.svc.Refund(ctx, e.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeForbidden)
	_, err = h.svc.Refund(ctx, e.ID, h.stranger.ID)
	requireCode(t, err, apperr.CodeForbidden)

	e, err = h.svc.Refund(ctx, e.ID, h.seller.ID)
	if err != nil || e.Status != StatusRefunded {
		t.Fatalf("seller refund: %v %v", e, err)
	}
	if want := scriptFor(t, h.buyer.PayoutAddress); string(h.ledger.lastBroadcast().TxOut[0].PkScript) != string(want) {
		t.Error("refund not addressed to the buyer")
	}

	// Past expiry the buyer may pull the money back.
	e2 := h.funded(t)
	h.clock.Advance(25 * time.Hour)
	e2, err = h.svc.Refund(ctx, e2.ID, h.buyer.ID)
	if err != nil || e2.Status != StatusRefunded {
		t.Fatalf("buyer refund after expiry: %v %v", e2, err)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t)
	_, err := h.svc.Cancel(ctx, e.ID, h.seller.ID)
	requireCode(t, err, apperr.CodeForbidden)

	e, err = h.svc.Cancel(ctx, e.ID, h.buyer.ID)
	if err != nil || e.Status != StatusCancelled {
		t.Fatalf("cancel: %v %v", e, err)
	}

	// Money already on the address: cancelling would strand it.
	e2 := h.create(t)
	h.ledger.deposit(e2.Address, 10_000, 0)
	_, err = h.svc.Cancel(ctx, e2.ID, h.buyer.ID)
	requireCode(t, err, apperr.CodeInvalidTransition)
}

func TestExpiry_ThenFundRejectedAndLateDepositRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)

	_, err := h.svc.Expire(ctx, e.ID, "expiry")
	requireCode(t, err, apperr.CodeInvalidTransition)

	h.clock.Advance(24*time.Hour + time.Second)
	e, err = h.svc.Expire(ctx, e.ID, "expiry")
	if err != nil || e.Status != StatusExpired {
		t.Fatalf("expire: %v %v", e, err)
	}

	_, err = h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{})
	requireCode(t, err, apperr.CodeInvalidTransition)

	// A deposit below the fee cannot be refunded and is left alone.
	h.ledger.deposit(e.Address, 900, 0)
	e, err = h.svc.SyncFunding(ctx, e, "recovery")
	if err != nil || e.Status != StatusExpired {
		t.Fatalf("dust deposit: %v %v", e, err)
	}

	h.ledger.deposit(e.Address, e.Amount, 0)
	e, err = h.svc.SyncFunding(ctx, e, "recovery")
	if err != nil {
		t.Fatalf("late deposit: %v", err)
	}
	if e.Status != StatusRefunded {
		t.Fatalf("status = %s", e.Status)
	}
	tx := h.ledger.lastBroadcast()
	if len(tx.TxIn) != 2 || tx.TxOut[0].Value != int64(e.Amount+900-h.svc.Policy().MinerFee) {
		t.Errorf("late refund spends %d inputs for %d sats", len(tx.TxIn), tx.TxOut[0].Value)
	}
}

func TestDisputeEdges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)
	disputeID := idgen.WithPrefix("dsp_")

	_, err := h.svc.OpenDispute(ctx, e.ID, h.stranger.ID, disputeID)
	requireCode(t, err, apperr.CodeForbidden)

	_, err = h.svc.Transition(ctx, e.ID, StatusDisputed, UserActor(h.seller.ID), Meta{})
	requireCode(t, err, apperr.CodeInvalidTransition)

	e, err = h.svc.OpenDispute(ctx, e.ID, h.seller.ID, disputeID)
	if err != nil || e.Status != StatusDisputed || e.DisputeID != disputeID {
		t.Fatalf("open: %v %v", e, err)
	}

	_, err = h.svc.OpenDispute(ctx, e.ID, h.buyer.ID, idgen.WithPrefix("dsp_"))
	requireCode(t, err, apperr.CodeInvalidTransition)

	// Parties cannot settle; only the dispute holding the escrow can.
	_, err = h.svc.Transition(ctx, e.ID, StatusCompleted, UserActor(h.buyer.ID), Meta{})
	requireCode(t, err, apperr.CodeForbidden)
	_, err = h.svc.SettleDispute(ctx, e.ID, "dsp_other", OutcomeSeller, 0, "")
	requireCode(t, err, apperr.CodeForbidden)

	_, err = h.svc.SettleDispute(ctx, e.ID, disputeID, OutcomeSplit, 100, "")
	requireCode(t, err, apperr.CodeInsufficientFunds)

	share := btcutil.Amount(2_000_000)
	e, err = h.svc.SettleDispute(ctx, e.ID, disputeID, OutcomeSplit, share, "half done")
	if err != nil || e.Status != StatusResolved {
		t.Fatalf("split: %v %v", e, err)
	}
	tx := h.ledger.lastBroadcast()
	if len(tx.TxOut) != 2 || tx.TxOut[0].Value != int64(share) || tx.TxOut[1].Value != int64(e.Amount-share-h.svc.Policy().MinerFee) {
		t.Errorf("split outputs %+v", tx.TxOut)
	}
}

func TestGetAndList_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)

	if _, err := h.svc.Get(ctx, e.EscrowID, h.seller.ID); err != nil {
		t.Errorf("seller read: %v", err)
	}
	_, err := h.svc.Get(ctx, e.ID, h.stranger.ID)
	requireCode(t, err, apperr.CodeForbidden)
	_, err = h.svc.Activities(ctx, e.ID, h.stranger.ID)
	requireCode(t, err, apperr.CodeForbidden)

	h.svc.WithReaders(func(id string) bool { return id == h.stranger.ID })
	if _, err := h.svc.Get(ctx, e.ID, h.stranger.ID); err != nil {
		t.Errorf("reader: %v", err)
	}

	page, err := h.svc.ListForActor(ctx, h.seller.ID, "", 10)
	if err != nil || len(page.Escrows) != 1 {
		t.Fatalf("list: %v", err)
	}
}

func TestListForActor_Pages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.create(t)
	}

	seen := map[string]bool{}
	cursor := ""
	var sizes []int
	for {
		page, err := h.svc.ListForActor(ctx, h.buyer.ID, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(page.Escrows))
		for _, e := range page.Escrows {
			if seen[e.ID] {
				t.Fatalf("escrow %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 || len(sizes) != 3 || sizes[2] != 1 {
		t.Errorf("pages %v, seen %d", sizes, len(seen))
	}

	_, err := h.svc.ListForActor(ctx, h.buyer.ID, "not-a-cursor!", 2)
	requireCode(t, err, apperr.CodeValidation)
}

func TestCheckStatus_ReportsFinality(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t)
	h.ledger.deposit(e.Address, e.Amount, 0)

	report, err := h.svc.CheckStatus(ctx, e.ID, h.seller.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escrow.Status != StatusFunded || report.Balance.Total != e.Amount {
		t.Fatalf("report = %+v", report)
	}

	e, err = h.svc.Release(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatal(err)
	}
	report, err = h.svc.CheckStatus(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.PayoutFinal {
		t.Error("unconfirmed payout reported final")
	}

	h.ledger.mu.Lock()
	h.ledger.confs[e.PayoutTxID] = 1
	h.ledger.mu.Unlock()
	report, _ = h.svc.CheckStatus(ctx, e.ID, h.buyer.ID)
	if !report.PayoutFinal || report.PayoutConfirmations != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestCheckStatus_DegradesWhenConfirmationLookupFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t)
	e, err := h.svc.Release(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatal(err)
	}

	h.ledger.failConfirmations(apperr.Wrap(apperr.CodeLedgerUnavailable, "ledger unavailable", errors.New("indexer lagging")))
	report, err := h.svc.CheckStatus(ctx, e.ID, h.buyer.ID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if report.Escrow.Status != StatusCompleted || report.Balance == nil {
		t.Fatalf("report = %+v", report)
	}
	if report.ConfirmationsKnown || report.PayoutFinal || report.PayoutConfirmations != 0 {
		t.Errorf("confirmation fields not marked unknown: %+v", report)
	}
	if report.ConfirmationsError != "ledger unavailable" {
		t.Errorf("confirmationsError = %q", report.ConfirmationsError)
	}

	h.ledger.failConfirmations(nil)
	report, err = h.svc.CheckStatus(ctx, e.ID, h.buyer.ID)
	if err != nil || !report.ConfirmationsKnown || report.ConfirmationsError != "" {
		t.Fatalf("after recovery: %+v %v", report, err)
	}
}

// Two conflicting calls on one escrow: exactly one wins, the other sees
// INVALID_TRANSITION, and the stored status is one of the two outcomes.
func TestConcurrentCancelAndFund(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		e := h.create(t)
		h.ledger.announce(e.Address, strings.Repeat("ef", 32), e.Amount)

		var (
			wg                 sync.WaitGroup
			cancelErr, fundErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.svc.Cancel(ctx, e.ID, h.buyer.ID)
		}()
		go func() {
			defer wg.Done()
			_, fundErr = h.svc.Fund(ctx, e.ID, h.buyer.ID, FundRequest{TxHash: strings.Repeat("ef", 32)})
		}()
		wg.Wait()

		if (cancelErr == nil) == (fundErr == nil) {
			t.Fatalf("iteration %d: cancel=%v fund=%v", i, cancelErr, fundErr)
		}
		final := h.status(t, e.ID)
		switch {
		case cancelErr == nil:
			requireCode(t, fundErr, apperr.CodeInvalidTransition)
			if final != StatusCancelled {
				t.Fatalf("status = %s", final)
			}
		default:
			requireCode(t, cancelErr, apperr.CodeInvalidTransition)
			if final != StatusFundingInProgress {
				t.Fatalf("status = %s", final)
			}
		}
	}
}

func TestEscrowJSONNeverCarriesKeyMaterial(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)

	raw, err := e.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if strings.Contains(body, e.EncryptedKey) || strings.Contains(body, "encrypted") {
		t.Errorf("sealed key serialized: %s", body)
	}
	if !strings.Contains(body, `"amountBCH":"0.05000000"`) {
		t.Errorf("missing decimal amount: %s", body)
	}
}
