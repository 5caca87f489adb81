package reconciler

import (
	"context"
	"sync"

	"github.com/mbd888/bchescrow/internal/escrow"
	"golang.org/x/sync/errgroup"
)

// fanOut runs fn over list with at most limit calls in flight. fn handles
// its own errors, so the group never cancels early.
func fanOut(ctx context.Context, list []*escrow.Escrow, limit int, fn func(context.Context, *escrow.Escrow) Report) Report {
	var (
		mu    sync.Mutex
		total Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, e := range list {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := fn(gctx, e)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total
}
