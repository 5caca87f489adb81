// Package webhooks records inbound address-activity notifications so each
// one is processed at most once.
//
// A delivery is claimed by inserting its event id. The insert is the only
// gate: two concurrent deliveries of the same id race on the unique key and
// exactly one of them wins, the other gets ErrDuplicateEvent.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/bchescrow/internal/apperr"
)

// Status of a recorded event.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Sources
const (
	SourceWebhook   = "webhook"
	SourceWebsocket = "websocket"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>".
const SignatureHeader = "X-Webhook-Signature"

var (
	ErrDuplicateEvent = apperr.New(apperr.CodeDuplicateEvent, "event already received")
	ErrEventNotFound  = apperr.New(apperr.CodeNotFound, "event not found")
)

// Event is the idempotency record for one external notification.
type Event struct {
	EventID     string          `json:"eventId"`
	Source      string          `json:"source"`
	Address     string          `json:"address,omitempty"`
	TxID        string          `json:"txHash,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Store persists event records.
type Store interface {
	// CheckDuplicate reports whether id has already been recorded.
	CheckDuplicate(ctx context.Context, id string) (bool, error)
	// Record claims ev.EventID. It returns ErrDuplicateEvent when the id
	// is already present.
	Record(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error
	// Prune deletes events received before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Sign returns the signature header value for body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a header value produced by Sign.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(body, secret)))
}

// MemoryStore is an in-memory event store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) CheckDuplicate(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	return ok, nil
}

func (m *MemoryStore) Record(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.EventID]; ok {
		return ErrDuplicateEvent
	}
	cp := *ev
	m.events[ev.EventID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return m.mark(id, StatusProcessed, "", at)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, reason string, at time.Time) error {
	return m.mark(id, StatusFailed, reason, at)
}

func (m *MemoryStore) mark(id string, status Status, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = status
	ev.Error = reason
	ev.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ev := range m.events {
		if ev.ReceivedAt.Before(before) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

var _ Store = (*MemoryStore)(nil)
