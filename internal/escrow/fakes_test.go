package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/chain"
	"github.com/mbd888/bchescrow/internal/custody"
	"github.com/mbd888/bchescrow/internal/users"
)

// fakeLedger keeps UTXOs per address and spends them when a payout that
// references them is broadcast.
type fakeLedger struct {
	mu         sync.Mutex
	utxos      map[string][]chain.UTXO
	confs      map[string]int64
	history    map[string][]chain.Transaction
	known      map[string]bool
	broadcasts []*wire.MsgTx
	nextTx     int
	down       bool
	reject     bool
	// lostReply accepts the next broadcasts, then answers with a deadline
	// error as if the reply never arrived.
	lostReply   int
	confsErr    error
	historyDown bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		utxos:   make(map[string][]chain.UTXO),
		confs:   make(map[string]int64),
		history: make(map[string][]chain.Transaction),
		known:   make(map[string]bool),
	}
}

func (f *fakeLedger) deposit(address string, sats btcutil.Amount, confirmations int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTx++
	txid := fmt.Sprintf("%064x", f.nextTx)
	f.utxos[address] = append(f.utxos[address], chain.UTXO{TxID: txid, Vout: 0, Value: sats, Confirmations: confirmations})
	f.confs[txid] = confirmations
	f.history[address] = append(f.history[address], chain.Transaction{TxID: txid, Confirmations: confirmations, Value: sats})
	return txid
}

// announce lists a transaction in the address history before any of its
// value shows up in the balance, as a lagging indexer does.
func (f *fakeLedger) announce(address, txid string, sats btcutil.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[address] = append(f.history[address], chain.Transaction{TxID: txid, Value: sats})
}

func (f *fakeLedger) loseReplies(n int) {
	f.mu.Lock()
	f.lostReply = n
	f.mu.Unlock()
}

func (f *fakeLedger) failHistory(down bool) {
	f.mu.Lock()
	f.historyDown = down
	f.mu.Unlock()
}

func (f *fakeLedger) failConfirmations(err error) {
	f.mu.Lock()
	f.confsErr = err
	f.mu.Unlock()
}

func (f *fakeLedger) confirmAll(address string, confirmations int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.utxos[address] {
		f.utxos[address][i].Confirmations = confirmations
		f.confs[f.utxos[address][i].TxID] = confirmations
	}
}

func (f *fakeLedger) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeLedger) setReject(reject bool) {
	f.mu.Lock()
	f.reject = reject
	f.mu.Unlock()
}

func (f *fakeLedger) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeLedger) lastBroadcast() *wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func (f *fakeLedger) unavailable() error {
	return apperr.Wrap(apperr.CodeLedgerUnavailable, chain.ErrLedgerUnavailable.Message, errors.New("all providers timed out"))
}

func (f *fakeLedger) AddressBalance(_ context.Context, address string) (*chain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.unavailable()
	}
	bal := &chain.Balance{}
	for _, u := range f.utxos[address] {
		if u.Confirmations > 0 {
			bal.Confirmed += u.Value
		} else {
			bal.Unconfirmed += u.Value
		}
	}
	bal.Total = bal.Confirmed + bal.Unconfirmed
	return bal, nil
}

func (f *fakeLedger) AddressUTXOs(_ context.Context, address string) ([]chain.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.unavailable()
	}
	return append([]chain.UTXO(nil), f.utxos[address]...), nil
}

func (f *fakeLedger) Broadcast(_ context.Context, rawHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", f.unavailable()
	}
	if f.reject {
		return "", &chain.RejectedError{Provider: "fake", Reason: "mempool full"}
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}
	txid := tx.TxHash().String()
	if f.known[txid] {
		return "", chain.ErrAlreadyKnown
	}
	f.known[txid] = true
	spent := make(map[wire.OutPoint]bool)
	for _, in := range tx.TxIn {
		spent[in.PreviousOutPoint] = true
	}
	for addr, list := range f.utxos {
		kept := list[:0]
		for _, u := range list {
			hash, _ := chainHash(u.TxID)
			if !spent[wire.OutPoint{Hash: hash, Index: u.Vout}] {
				kept = append(kept, u)
			}
		}
		f.utxos[addr] = kept
	}
	f.broadcasts = append(f.broadcasts, &tx)
	if f.lostReply > 0 {
		f.lostReply--
		return "", context.DeadlineExceeded
	}
	return txid, nil
}

func (f *fakeLedger) AddressTransactions(_ context.Context, address string) ([]chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.historyDown {
		return nil, f.unavailable()
	}
	return append([]chain.Transaction(nil), f.history[address]...), nil
}

func (f *fakeLedger) TxConfirmations(_ context.Context, _ string, txid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, f.unavailable()
	}
	if f.confsErr != nil {
		return 0, f.confsErr
	}
	return f.confs[txid], nil
}

func chainHash(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

// flakyCustodian fails wallet generation while fail is set.
type flakyCustodian struct {
	*custody.Custodian
	fail atomic.Bool
}

func (c *flakyCustodian) NewWallet() (*custody.SealedWallet, error) {
	if c.fail.Load() {
		return nil, errors.New("entropy source unavailable")
	}
	return c.Custodian.NewWallet()
}

// flakyStore fails the write half of the next n Mutate calls after fn ran.
type flakyStore struct {
	*MemoryStore
	failWrites atomic.Int32
}

func (f *flakyStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Escrow, error) {
	if f.failWrites.Load() > 0 {
		f.failWrites.Add(-1)
		e, err := f.MemoryStore.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		act, err := fn(e)
		if err != nil {
			return nil, err
		}
		if act == nil {
			return e, nil
		}
		return nil, errors.New("write escrow: connection reset by peer")
	}
	return f.MemoryStore.Mutate(ctx, id, fn)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc       *Service
	store     *flakyStore
	ledger    *fakeLedger
	custodian *flakyCustodian
	dir       *users.MemoryDirectory
	clock     *testClock
	buyer     *users.User
	seller    *users.User
	stranger  *users.User
}

func newHarness(t *testing.T, mutate ...func(*Policy)) *harness {
	t.Helper()

	cipher, err := custody.NewKeyCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	cust := &flakyCustodian{Custodian: custody.NewCustodian(custody.Testnet, cipher)}

	dir := users.NewMemoryDirectory()
	h := &harness{
		store:     &flakyStore{MemoryStore: NewMemoryStore()},
		ledger:    newFakeLedger(),
		custodian: cust,
		dir:       dir,
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		buyer:     &users.User{ID: "u-buyer", Email: "buyer@example.com", PayoutAddress: payoutAddress(t)},
		seller:    &users.User{ID: "u-seller", Email: "seller@example.com", PayoutAddress: payoutAddress(t)},
		stranger:  &users.User{ID: "u-stranger", Email: "stranger@example.com", PayoutAddress: payoutAddress(t)},
	}
	dir.Put(h.buyer)
	dir.Put(h.seller)
	dir.Put(h.stranger)

	policy := DefaultPolicy()
	for _, m := range mutate {
		m(&policy)
	}
	h.svc = NewService(h.store, h.ledger, cust, dir, policy, nil).WithClock(h.clock.Now)
	return h
}

func payoutAddress(t *testing.T) string {
	t.Helper()
	w, err := custody.GenerateWallet(custody.Testnet)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	w.PrivateKey.Zero()
	return w.Address
}

// create opens a 0.05 BCH escrow with a 24h expiry.
func (h *harness) create(t *testing.T) *Escrow {
	t.Helper()
	e, err := h.svc.Create(context.Background(), h.buyer.ID, CreateRequest{
		Buyer:       h.buyer.Email,
		Seller:      h.seller.Email,
		AmountBCH:   "0.05",
		Description: "logo design",
		ExpiryHours: 24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

// funded returns an escrow that received exactly its amount.
func (h *harness) funded(t *testing.T) *Escrow {
	t.Helper()
	e := h.create(t)
	h.ledger.deposit(e.Address, e.Amount, 0)
	e, err := h.svc.SyncFunding(context.Background(), e, "poller")
	if err != nil {
		t.Fatalf("sync funding: %v", err)
	}
	if e.Status != StatusFunded {
		t.Fatalf("status = %s, want FUNDED", e.Status)
	}
	return e
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return e.Status
}

func requireCode(t *testing.T, err error, want apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got := apperr.CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}
