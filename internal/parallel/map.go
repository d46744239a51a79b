package parallel

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Each calls fn for every item with at most limit calls in flight. Unlike
// errgroup.Group.Wait a failing call does not cancel the others, all errors
// are joined in the order of items. A limit lower than one means no limit.
//
//	err := parallel.Each(ctx, 4, uploaders, upload)
func Each[E any](ctx context.Context, limit int, items []E, fn func(context.Context, E) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	errs := make([]error, len(items))
	for idx, item := range items {
		if ctx.Err() != nil {
			errs[idx] = ctx.Err()
			continue
		}
		g.Go(func() error {
			errs[idx] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
