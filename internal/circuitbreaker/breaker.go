// Package circuitbreaker isolates failing ledger providers. Each provider
// key moves closed → open → half-open; a failed half-open trial reopens the
// circuit for twice as long, up to eight times the base cool-off.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the provider's circuit is open.
var ErrOpen = errors.New("circuit open")

// State of one provider's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const maxBackoffFactor = 8

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bchescrow",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Ledger provider circuit transitions.",
	}, []string{"provider", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bchescrow",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state per ledger provider (0 closed, 1 open, 2 half-open).",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(transitions, stateGauge)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	coolOff  time.Duration
}

// Breaker tracks one circuit per provider key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolOff   time.Duration
	now       func() time.Time
}

// New returns a breaker that opens after threshold consecutive countable
// failures and waits coolOff before probing. Non-positive arguments mean
// 5 failures and 30s.
func New(threshold int, coolOff time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolOff:   coolOff,
		now:       time.Now,
	}
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-off has elapsed admits exactly one trial.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < c.coolOff {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess closes the circuit and resets its backoff.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.failures = 0
	c.coolOff = b.coolOff
	b.move(key, c, StateClosed)
}

// RecordFailure counts a failure against key.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{coolOff: b.coolOff}
		b.circuits[key] = c
	}
	c.failures++

	switch c.state {
	case StateHalfOpen:
		c.coolOff = min(c.coolOff*2, b.coolOff*maxBackoffFactor)
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	case StateClosed:
		if c.failures >= b.threshold {
			c.openedAt = b.now()
			b.move(key, c, StateOpen)
		}
	}
}

// Execute runs fn when key's circuit allows it. Errors for which countable
// returns false, such as a node rejecting a transaction, leave the circuit
// as a success would. A nil countable counts every error.
func (b *Breaker) Execute(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// CoolOff returns how long key's circuit stays open once tripped.
func (b *Breaker) CoolOff(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.coolOff
	}
	return b.coolOff
}

// caller holds b.mu
func (b *Breaker) move(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	c.state = to
}
