// Package health aggregates named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is one subsystem's result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker reports one subsystem. The registry fills in Name and LatencyMS.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry runs its checks concurrently, each bounded by the registry's
// per-check timeout.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry returns an empty registry with a 2s per-check timeout.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a check. Results keep registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll is healthy only when every check is. A panicking check counts
// as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	timeout := r.timeout
	r.mu.RUnlock()

	out := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = run(ctx, e, timeout)
		}()
	}
	wg.Wait()

	healthy := true
	for _, s := range out {
		healthy = healthy && s.Healthy
	}
	return healthy, out
}

func run(ctx context.Context, e entry, timeout time.Duration) (s Status) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s = Status{Detail: fmt.Sprintf("check panicked: %v", p)}
		}
		s.Name = e.name
		s.LatencyMS = time.Since(start).Milliseconds()
	}()
	return e.check(ctx)
}
