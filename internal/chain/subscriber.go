package chain

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/bchescrow/internal/metrics"
)

// AddressEvent is one push notification of activity on a watched address.
// EventID is stable across redeliveries of the same activity.
type AddressEvent struct {
	EventID string
	Address string
	TxID    string
	Payload json.RawMessage
}

// AddressSource lists the addresses that should be watched right now.
type AddressSource func(ctx context.Context) ([]string, error)

// EventHandler consumes one address event.
type EventHandler func(ctx context.Context, ev AddressEvent) error

// Subscriber keeps a Blockbook websocket subscription covering every
// address returned by source, reconnecting with backoff and re-subscribing
// when the address set changes.
type Subscriber struct {
	url     string
	source  AddressSource
	handle  EventHandler
	refresh time.Duration
	dialer  *websocket.Dialer
	logger  *slog.Logger
	running atomic.Bool
}

// NewSubscriber creates a subscriber for the websocket endpoint at url.
func NewSubscriber(url string, source AddressSource, handle EventHandler, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		url:     url,
		source:  source,
		handle:  handle,
		refresh: 30 * time.Second,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
	}
}

// Running reports whether Run is active.
func (s *Subscriber) Running() bool { return s.running.Load() }

type wsRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type wsSubscribeParams struct {
	Addresses []string `json:"addresses"`
}

type wsMessage struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type wsAddressNotification struct {
	Address string `json:"address"`
	Tx      struct {
		Txid string `json:"txid"`
	} `json:"tx"`
}

const subscribeID = "addresses"

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	backoff := time.Second
	for ctx.Err() == nil {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		s.logger.Warn("ledger websocket disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

func (s *Subscriber) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	msgs := make(chan wsMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			var m wsMessage
			if err := conn.ReadJSON(&m); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-done:
				return
			}
		}
	}()

	var current []string
	if current, err = s.subscribe(ctx, conn, nil); err != nil {
		return err
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if current, err = s.subscribe(ctx, conn, current); err != nil {
				return err
			}
		case m := <-msgs:
			s.dispatch(ctx, m)
		}
	}
}

// subscribe replaces the subscription when the address set differs from
// current. Blockbook treats each subscribeAddresses as the full set.
func (s *Subscriber) subscribe(ctx context.Context, conn *websocket.Conn, current []string) ([]string, error) {
	addrs, err := s.source(ctx)
	if err != nil {
		s.logger.Warn("list watched addresses failed", "error", err)
		return current, nil
	}
	if current != nil && sameSet(addrs, current) {
		return current, nil
	}
	if addrs == nil {
		addrs = []string{}
	}
	req := wsRequest{ID: subscribeID, Method: "subscribeAddresses", Params: wsSubscribeParams{Addresses: addrs}}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		return current, err
	}
	metrics.ActiveSubscriptions.Set(float64(len(addrs)))
	return addrs, nil
}

func (s *Subscriber) dispatch(ctx context.Context, m wsMessage) {
	if m.ID != subscribeID || len(m.Data) == 0 {
		return
	}
	var n wsAddressNotification
	if err := json.Unmarshal(m.Data, &n); err != nil || n.Address == "" || n.Tx.Txid == "" {
		return // subscription acknowledgement
	}
	ev := AddressEvent{
		EventID: n.Tx.Txid + ":" + n.Address,
		Address: n.Address,
		TxID:    n.Tx.Txid,
		Payload: m.Data,
	}
	if err := s.handle(ctx, ev); err != nil {
		s.logger.Warn("address event handling failed", "event_id", ev.EventID, "error", err)
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, x := range a {
		seen[x] = struct{}{}
	}
	for _, x := range b {
		if _, ok := seen[x]; !ok {
			return false
		}
	}
	return true
}
