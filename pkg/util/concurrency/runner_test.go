package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestForEachJob(t *testing.T) {
	var (
		ctx = context.Background()

		// Keep track of processed jobs.
		processedMx sync.Mutex
		processed   []string
	)

	jobs := []string{"a", "b", "c"}

	err := ForEachJob(ctx, jobs, 2, func(ctx context.Context, job string) error {
		processedMx.Lock()
		defer processedMx.Unlock()
		processed = append(processed, job)
		return nil
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, jobs, processed)
}

func TestForEachJob_ShouldContinueOnErrorButReturnIt(t *testing.T) {
	// Keep the processed jobs count.
	var processed atomic.Int32

	err := ForEachJob(context.Background(), []string{"a", "b", "c"}, 2, func(ctx context.Context, job string) error {
		if processed.CAS(0, 1) {
			return errors.New("the first request is failing")
		}

		processed.Add(1)
		return nil
	})

	require.EqualError(t, err, "the first request is failing")
	assert.Equal(t, int32(3), processed.Load())
}

func TestForEachJob_NoJobs(t *testing.T) {
	require.NoError(t, ForEachJob(context.Background(), []int(nil), 4, func(context.Context, int) error {
		return errors.New("unexpected")
	}))
}

func TestForEach(t *testing.T) {
	var (
		ctx = context.Background()

		// Keep track of processed jobs.
		processedMx sync.Mutex
		processed   []string
	)

	jobs := []string{"a", "b", "c"}

	err := ForEach(ctx, jobs, 2, func(ctx context.Context, job string) error {
		processedMx.Lock()
		defer processedMx.Unlock()
		processed = append(processed, job)
		return nil
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, jobs, processed)
}

func TestForEach_ShouldBreakOnFirstError(t *testing.T) {
	var (
		ctx = context.Background()

		// Keep the processed jobs count.
		processed atomic.Int32
	)

	err := ForEach(ctx, []string{"a", "b", "c"}, 2, func(ctx context.Context, job string) error {
		if processed.CAS(0, 1) {
			return errors.New("the first request is failing")
		}

		// Wait 1s and increase the number of processed jobs, unless the context get canceled earlier.
		select {
		case <-time.After(time.Second):
			processed.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}

		return nil
	})

	require.EqualError(t, err, "the first request is failing")

	// Since we expect the first error interrupts the workers, we should only see
	// 1 job processed (the one which immediately returned error).
	assert.Equal(t, int32(1), processed.Load())
}
