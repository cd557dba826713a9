package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cortexproject/mergecursors/pkg/util"
)

// ForEachJob runs jobFunc for each job up to concurrency concurrent workers.
// Unlike ForEach it does not stop on errors: every job is attempted and all
// errors are returned combined.
func ForEachJob[T any](ctx context.Context, jobs []T, concurrency int, jobFunc func(ctx context.Context, job T) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	ch := make(chan T)

	// Keep track of all errors occurred.
	errs := util.MultiError{}
	errsMx := sync.Mutex{}

	for ix := 0; ix < min(concurrency, len(jobs)); ix++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for job := range ch {
				if err := jobFunc(ctx, job); err != nil {
					errsMx.Lock()
					errs.Add(err)
					errsMx.Unlock()
				}
			}
		}()
	}

	for _, job := range jobs {
		ch <- job
	}
	close(ch)

	// wait for ongoing workers to finish.
	wg.Wait()

	errsMx.Lock()
	defer errsMx.Unlock()
	return errs.Err()
}

// ForEach runs the provided jobFunc for each job up to concurrency concurrent workers.
// The execution breaks on first error encountered.
func ForEach[T any](ctx context.Context, jobs []T, concurrency int, jobFunc func(ctx context.Context, job T) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan T)

	// Start workers.
	for ix := 0; ix < min(concurrency, len(jobs)); ix++ {
		g.Go(func() error {
			for job := range ch {
				if err := jobFunc(ctx, job); err != nil {
					return err
				}
			}

			return nil
		})
	}

	// Push jobs to workers.
sendLoop:
	for _, job := range jobs {
		select {
		case ch <- job:
			// ok
		case <-ctx.Done():
			// don't start new tasks.
			break sendLoop
		}
	}

	close(ch)

	// Wait until done (or context has canceled).
	return g.Wait()
}
