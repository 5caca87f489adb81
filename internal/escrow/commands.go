package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mbd888/bchescrow/internal/amount"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/chain"
	"github.com/mbd888/bchescrow/internal/idgen"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/pagination"
	"github.com/mbd888/bchescrow/internal/users"
)

const (
	MaxDescriptionLength = 2000
	MaxWorkTextLength    = 10000
	DefaultListLimit     = 50
	MaxListLimit         = 200
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Buyer       string `json:"buyer" binding:"required"`
	Seller      string `json:"seller" binding:"required"`
	AmountBCH   string `json:"amountBCH" binding:"required"`
	Description string `json:"description"`
	ExpiryHours int    `json:"expiryHours"`
}

// FundRequest optionally names the funding transaction, or carries it
// signed so the service can broadcast it.
type FundRequest struct {
	TxHash string `json:"txHash"`
	RawTx  string `json:"rawTx"`
}

// StatusReport is the check/poll projection.
type StatusReport struct {
	Escrow               *Escrow        `json:"escrow"`
	Balance              *chain.Balance `json:"balance,omitempty"`
	FundingConfirmations int64          `json:"fundingConfirmations"`
	PayoutConfirmations  int64          `json:"payoutConfirmations"`
	PayoutFinal          bool           `json:"payoutFinal"`
	// ConfirmationsKnown is false when the depth lookup failed; the
	// confirmation fields are then zero and carry no information.
	ConfirmationsKnown bool   `json:"confirmationsKnown"`
	ConfirmationsError string `json:"confirmationsError,omitempty"`
}

// Create opens an escrow on behalf of the buyer and provisions its deposit
// wallet. If provisioning fails the escrow is returned in CREATED and the
// recovery sweep retries it.
func (s *Service) Create(ctx context.Context, actorID string, req CreateRequest) (*Escrow, error) {
	amt, err := amount.Parse(req.AmountBCH)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amountBCH", err)
	}
	sats := amount.ToSats(amt)
	if sats < s.policy.MinerFee+amount.DustLimit {
		return nil, apperr.Validation(fmt.Sprintf("amountBCH must be at least %s", amount.Format(s.policy.MinerFee+amount.DustLimit)))
	}

	desc := strings.TrimSpace(req.Description)
	if len(desc) > MaxDescriptionLength {
		return nil, apperr.Validation(fmt.Sprintf("description exceeds %d characters", MaxDescriptionLength))
	}

	expiry := s.policy.DefaultExpiry
	if req.ExpiryHours < 0 {
		return nil, apperr.Validation("expiryHours must not be negative")
	}
	if req.ExpiryHours > 0 {
		expiry = time.Duration(req.ExpiryHours) * time.Hour
	}
	if s.policy.MaxExpiry > 0 && expiry > s.policy.MaxExpiry {
		return nil, apperr.Validation(fmt.Sprintf("expiryHours exceeds %d", int(s.policy.MaxExpiry/time.Hour)))
	}

	buyer, err := s.resolveParty(ctx, "buyer", req.Buyer)
	if err != nil {
		return nil, err
	}
	seller, err := s.resolveParty(ctx, "seller", req.Seller)
	if err != nil {
		return nil, err
	}
	if buyer.ID == seller.ID {
		return nil, apperr.Validation("buyer and seller must differ")
	}
	if actorID != buyer.ID {
		return nil, apperr.New(apperr.CodeForbidden, "only the buyer may create an escrow")
	}

	now := s.now()
	e := &Escrow{
		ID:          idgen.New(),
		EscrowID:    idgen.EscrowRef(),
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
		Amount:      sats,
		Description: desc,
		ExpiresAt:   now.Add(expiry),
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	act := &Activity{
		EscrowID:  e.ID,
		Event:     "created",
		ActorID:   actorID,
		Role:      RoleBuyer,
		To:        StatusCreated,
		Metadata:  map[string]string{"amountSats": fmt.Sprint(int64(sats))},
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, e, act); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	metrics.EscrowCreatedTotal.Inc()

	provisioned, err := s.ProvisionWallet(ctx, e.ID)
	if err != nil {
		s.logger.Error("escrow wallet provisioning failed", "escrow_id", e.ID, "error", err)
		return e, nil
	}
	return provisioned, nil
}

func (s *Service) resolveParty(ctx context.Context, field, idOrEmail string) (*users.User, error) {
	if strings.TrimSpace(idOrEmail) == "" {
		return nil, apperr.Validation(field + " is required")
	}
	u, err := s.users.Resolve(ctx, idOrEmail)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, apperr.Validation(field + " not found")
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ProvisionWallet generates and seals the deposit wallet of a CREATED
// escrow, moving it to AWAITING_FUNDING.
func (s *Service) ProvisionWallet(ctx context.Context, id string) (*Escrow, error) {
	w, err := s.custodian.NewWallet()
	if err != nil {
		return nil, fmt.Errorf("generate wallet: %w", err)
	}
	return s.Transition(ctx, id, StatusAwaitingFunding, SystemActor("custody"), Meta{Source: "create", Wallet: w})
}

// Fund checks the deposit address and advances the escrow. The balance is
// read before anything is written, so a ledger outage leaves the escrow
// untouched and the caller may retry.
func (s *Service) Fund(ctx context.Context, key, actorID string, req FundRequest) (*Escrow, error) {
	e, err := s.authorizedGet(ctx, key, actorID)
	if err != nil {
		return nil, err
	}
	if actorID != e.BuyerID {
		return nil, apperr.Wrap(apperr.CodeForbidden, ErrWrongRole.Message, errors.New("only the buyer funds an escrow"))
	}
	switch e.Status {
	case StatusFunded:
		return e, nil
	case StatusAwaitingFunding, StatusFundingInProgress:
	default:
		return nil, apperr.Wrap(apperr.CodeInvalidTransition, ErrIllegalEdge.Message, fmt.Errorf("cannot fund from %s", e.Status))
	}

	txHash := strings.TrimSpace(req.TxHash)
	if txHash != "" {
		if _, err := chainhash.NewHashFromStr(txHash); err != nil || len(txHash) != 64 {
			return nil, apperr.Validation("txHash must be 64 hex characters")
		}
	}
	broadcast := false
	if raw := strings.TrimSpace(req.RawTx); raw != "" {
		txid, err := s.ledger.Broadcast(ctx, raw)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeValidation {
				return nil, err
			}
			return nil, apperr.Wrap(apperr.CodeBroadcastFailed, "funding broadcast failed", err)
		}
		txHash = txid
		broadcast = true
	}

	bal, err := s.ledger.AddressBalance(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	actor := UserActor(actorID)
	switch {
	case bal.Total >= e.Amount:
		return s.Transition(ctx, e.ID, StatusFunded, actor, Meta{Source: "fund", Observed: bal, TxHash: txHash})
	case txHash != "":
		if e.Status == StatusFundingInProgress {
			return e, nil
		}
		return s.Transition(ctx, e.ID, StatusFundingInProgress, actor, Meta{Source: "fund", TxHash: txHash, Broadcast: broadcast})
	}
	return nil, apperr.Wrap(apperr.CodeInsufficientFunds, ErrBelowAmount.Message,
		fmt.Errorf("observed %d of %d sats", bal.Total, e.Amount))
}

// CheckStatus reports the escrow with what the ledger currently shows for
// it, advancing an unfunded escrow whose deposit has arrived.
func (s *Service) CheckStatus(ctx context.Context, key, actorID string) (*StatusReport, error) {
	e, err := s.authorizedGet(ctx, key, actorID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Escrow: e}
	if e.Address == "" {
		return report, nil
	}

	bal, err := s.ledger.AddressBalance(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	report.Balance = bal

	if (e.Status == StatusAwaitingFunding || e.Status == StatusFundingInProgress) && bal.Total >= e.Amount {
		actor := SystemActor("status_check")
		if actorID == e.BuyerID {
			actor = UserActor(actorID)
		}
		funded, err := s.Transition(ctx, e.ID, StatusFunded, actor, Meta{Source: "status_check", Observed: bal})
		if err != nil {
			return nil, err
		}
		report.Escrow = funded
		e = funded
	}

	report.ConfirmationsKnown = true
	if err := s.reportConfirmations(ctx, e, report); err != nil {
		s.logger.Warn("confirmation lookup failed", "escrow_id", e.ID, "error", err)
		report.FundingConfirmations = 0
		report.PayoutConfirmations = 0
		report.PayoutFinal = false
		report.ConfirmationsKnown = false
		report.ConfirmationsError = apperr.Message(err)
	}
	return report, nil
}

func (s *Service) reportConfirmations(ctx context.Context, e *Escrow, report *StatusReport) error {
	if e.FundingTxID != "" {
		n, err := s.ledger.TxConfirmations(ctx, e.Address, e.FundingTxID)
		if err != nil {
			return err
		}
		report.FundingConfirmations = n
	}
	if e.PayoutTxID != "" {
		n, err := s.ledger.TxConfirmations(ctx, e.Address, e.PayoutTxID)
		if err != nil {
			return err
		}
		report.PayoutConfirmations = n
		report.PayoutFinal = n >= s.policy.MinConfirmations
	}
	return nil
}

// SubmitWork records the seller's delivery.
func (s *Service) SubmitWork(ctx context.Context, key, actorID, description string) (*Escrow, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperr.Validation("description is required")
	}
	if len(description) > MaxWorkTextLength {
		return nil, apperr.Validation(fmt.Sprintf("description exceeds %d characters", MaxWorkTextLength))
	}
	if _, err := s.authorizedGet(ctx, key, actorID); err != nil {
		return nil, err
	}
	return s.Transition(ctx, key, StatusWorkSubmitted, UserActor(actorID), Meta{Source: "request", Description: description})
}

// RequestRevision sends submitted work back to the seller.
func (s *Service) RequestRevision(ctx context.Context, key, actorID, feedback string) (*Escrow, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, apperr.Validation("feedback is required")
	}
	if len(feedback) > MaxWorkTextLength {
		return nil, apperr.Validation(fmt.Sprintf("feedback exceeds %d characters", MaxWorkTextLength))
	}
	e, err := s.authorizedGet(ctx, key, actorID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusWorkSubmitted {
		return nil, apperr.Wrap(apperr.CodeInvalidTransition, ErrIllegalEdge.Message, fmt.Errorf("no submitted work in %s", e.Status))
	}
	return s.Transition(ctx, e.ID, StatusFunded, UserActor(actorID), Meta{Source: "request", Feedback: feedback})
}

// Approve accepts submitted work and pays the seller.
func (s *Service) Approve(ctx context.Context, key, actorID string) (*Escrow, error) {
	return s.payoutCommand(ctx, key, actorID, StatusCompleted, StatusWorkSubmitted)
}

// Release pays the seller without a work submission.
func (s *Service) Release(ctx context.Context, key, actorID string) (*Escrow, error) {
	return s.payoutCommand(ctx, key, actorID, StatusCompleted, StatusFunded)
}

// Refund returns the deposit to the buyer.
func (s *Service) Refund(ctx context.Context, key, actorID string) (*Escrow, error) {
	if _, err := s.authorizedGet(ctx, key, actorID); err != nil {
		return nil, err
	}
	return s.Transition(ctx, key, StatusRefunded, UserActor(actorID), Meta{Source: "request"})
}

// Cancel abandons an escrow that never received funds.
func (s *Service) Cancel(ctx context.Context, key, actorID string) (*Escrow, error) {
	if _, err := s.authorizedGet(ctx, key, actorID); err != nil {
		return nil, err
	}
	return s.Transition(ctx, key, StatusCancelled, UserActor(actorID), Meta{Source: "request"})
}

// payoutCommand pins the edge a command means: approve and release both
// end in COMPLETED but start from different statuses.
func (s *Service) payoutCommand(ctx context.Context, key, actorID string, target, from Status) (*Escrow, error) {
	e, err := s.authorizedGet(ctx, key, actorID)
	if err != nil {
		return nil, err
	}
	if e.Status != from && e.Status != target {
		return nil, apperr.Wrap(apperr.CodeInvalidTransition, ErrIllegalEdge.Message, fmt.Errorf("%s -> %s", e.Status, target))
	}
	return s.Transition(ctx, e.ID, target, UserActor(actorID), Meta{Source: "request"})
}

// OpenDispute moves the escrow to DISPUTED on behalf of a party. Called by
// the dispute package with the id of the dispute it is about to record.
func (s *Service) OpenDispute(ctx context.Context, key, actorID, disputeID string) (*Escrow, error) {
	e, err := s.Transition(ctx, key, StatusDisputed, UserActor(actorID), Meta{Source: "dispute", DisputeID: disputeID})
	if err != nil {
		return nil, err
	}
	if e.DisputeID != disputeID {
		return nil, apperr.Wrap(apperr.CodeInvalidTransition, ErrIllegalEdge.Message, errors.New("escrow already disputed"))
	}
	return e, nil
}

// SettleDispute pays out a disputed escrow according to outcome. For a
// split, sellerShare is what the seller receives; the buyer gets the rest
// less the miner fee.
func (s *Service) SettleDispute(ctx context.Context, key, disputeID string, outcome Outcome, sellerShare btcutil.Amount, resolution string) (*Escrow, error) {
	var target Status
	switch outcome {
	case OutcomeSeller:
		target = StatusCompleted
	case OutcomeBuyer:
		target = StatusRefunded
	case OutcomeSplit:
		target = StatusResolved
	default:
		return nil, apperr.Validation("outcome must be buyer, seller or split")
	}
	return s.Transition(ctx, key, target, DisputeActor(disputeID), Meta{
		Source:      "dispute",
		DisputeID:   disputeID,
		Outcome:     outcome,
		SellerShare: sellerShare,
		Resolution:  resolution,
	})
}

// SyncFunding compares the ledger with an escrow that may be waiting for
// money: unfunded escrows move to FUNDED once the deposit covers the amount,
// and expired escrows that received a late deposit are refunded. Escrows in
// any other status are returned unchanged.
func (s *Service) SyncFunding(ctx context.Context, e *Escrow, source string) (*Escrow, error) {
	switch e.Status {
	case StatusAwaitingFunding, StatusFundingInProgress, StatusExpired:
	default:
		return e, nil
	}
	if e.Address == "" {
		return e, nil
	}
	bal, err := s.ledger.AddressBalance(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusExpired {
		if bal.Total <= s.policy.MinerFee {
			return e, nil
		}
		return s.Transition(ctx, e.ID, StatusRefunded, SystemActor(source), Meta{Source: source, Observed: bal})
	}
	if bal.Total < e.Amount {
		return e, nil
	}
	return s.Transition(ctx, e.ID, StatusFunded, SystemActor(source), Meta{Source: source, Observed: bal})
}

// Expire closes an escrow whose deadline passed before any deposit.
func (s *Service) Expire(ctx context.Context, id, source string) (*Escrow, error) {
	return s.Transition(ctx, id, StatusExpired, SystemActor(source), Meta{Source: source})
}

// Get returns an escrow visible to actorID.
func (s *Service) Get(ctx context.Context, key, actorID string) (*Escrow, error) {
	return s.authorizedGet(ctx, key, actorID)
}

// Page is one slice of an actor's escrow list.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// ListForActor returns escrows where actorID is buyer or seller, newest
// first. cursor is the NextCursor of a previous page, or empty.
func (s *Service) ListForActor(ctx context.Context, actorID, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.Validation("cursor is invalid")
	}
	escrows, err := s.store.ListByParty(ctx, actorID, after, limit+1)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list escrows", err)
	}
	escrows, next, more := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if escrows == nil {
		escrows = []*Escrow{}
	}
	return &Page{Escrows: escrows, NextCursor: next, HasMore: more}, nil
}

// Activities returns the audit log of an escrow, oldest first.
func (s *Service) Activities(ctx context.Context, key, actorID string) ([]*Activity, error) {
	e, err := s.authorizedGet(ctx, key, actorID)
	if err != nil {
		return nil, err
	}
	return s.store.Activities(ctx, e.ID)
}
