package health

import (
	"context"
	"fmt"
	"strings"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DB reports whether the database answers a ping.
func DB(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Circuits is satisfied by *chain.Gateway.
type Circuits interface {
	Providers() []string
	OpenCircuits() []string
}

// Ledger is unhealthy only when every provider's circuit is open. Some
// open circuits are reported in Detail.
func Ledger(g Circuits) Checker {
	return func(_ context.Context) Status {
		all := g.Providers()
		open := g.OpenCircuits()
		s := Status{Name: "ledger", Healthy: len(all) > 0 && len(open) < len(all)}
		switch {
		case len(all) == 0:
			s.Detail = "no providers configured"
		case len(open) > 0:
			s.Detail = fmt.Sprintf("open circuits: %s", strings.Join(open, ","))
		}
		return s
	}
}

// Running reports a background loop's liveness.
func Running(name string, running func() bool) Checker {
	return func(_ context.Context) Status {
		if running() {
			return Status{Name: name, Healthy: true}
		}
		return Status{Name: name, Healthy: false, Detail: "not running"}
	}
}
