package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunAll runs every camera until ctx is cancelled or one of them fails
// fatally; a fatal failure stops the others.
func RunAll(ctx context.Context, cams ...*Camera) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cam := range cams {
		g.Go(func() error {
			if err := cam.Run(ctx); err != nil {
				return fmt.Errorf("%s camera: %w", cam.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
