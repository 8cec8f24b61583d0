package ledger

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// StreamRoots calls fn once per root matching q with at most parallel
// invocations in flight. It returns once every invocation has completed or
// the first one has failed; after a failure no further invocations start.
func (e *Engine) StreamRoots(ctx context.Context, q RootQuery, parallel int, fn func(context.Context, RootActivity) error) error {
	if parallel < 1 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	iterErr := e.store.EachRoot(gctx, q, func(ra RootActivity) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error { return fn(gctx, ra) })
		return nil
	})
	waitErr := g.Wait()
	if waitErr != nil {
		return waitErr
	}
	if iterErr != nil && !errors.Is(iterErr, context.Canceled) {
		return iterErr
	}
	return ctx.Err()
}
