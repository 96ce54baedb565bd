package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netly/fleet/internal/core/queue"
	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func targets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("node-%d", i+1)
	}
	return out
}

func TestRun_NoTargets(t *testing.T) {
	t.Parallel()

	called := false
	err := queue.Run(context.Background(), nil, queue.Options[string]{
		OnComplete: func(string, error, int, int) { called = true },
	}, func(context.Context, string) error { return errBoom })

	require.NoError(t, err)
	assert.False(t, called)
}

func TestRun_BoundAndCompletions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, bound int
	}{
		{1, 1}, {5, 1}, {5, 2}, {8, 3}, {16, 16}, {20, 4},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d/c=%d", tc.n, tc.bound), func(t *testing.T) {
			t.Parallel()

			var (
				inFlight, peak atomic.Int32
				mu             sync.Mutex
				completions    = map[string]int{}
				lastDone       int
			)

			err := queue.Run(context.Background(), targets(tc.n), queue.Options[string]{
				Concurrency: tc.bound,
				OnComplete: func(target string, err error, done, total int) {
					mu.Lock()
					defer mu.Unlock()
					completions[target]++
					lastDone = done
					assert.Equal(t, tc.n, total)
				},
			}, func(_ context.Context, _ string) error {
				cur := inFlight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})

			require.NoError(t, err)
			assert.LessOrEqual(t, int(peak.Load()), tc.bound)
			assert.Len(t, completions, tc.n)
			for target, count := range completions {
				assert.Equal(t, 1, count, "target %s completed more than once", target)
			}
			assert.Equal(t, tc.n, lastDone)
		})
	}
}

func TestRun_ZeroConcurrencyMeansOne(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	err := queue.Run(context.Background(), targets(4), queue.Options[string]{Concurrency: 0},
		func(_ context.Context, _ string) error {
			cur := inFlight.Add(1)
			if cur > peak.Load() {
				peak.Store(cur)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_SingleErrorIsReturnedUnwrapped(t *testing.T) {
	t.Parallel()

	failure := &domain.TaskFailure{Target: "node-3", ExitStatus: 2, Message: "install failed"}
	var attempted atomic.Int32

	err := queue.Run(context.Background(), targets(5), queue.Options[string]{Concurrency: 2},
		func(_ context.Context, target string) error {
			attempted.Add(1)
			if target == "node-3" {
				return failure
			}
			return nil
		})

	require.Error(t, err)
	assert.Same(t, failure, err)
	assert.Equal(t, int32(5), attempted.Load())
}

func TestRun_ManyErrorsAreAggregated(t *testing.T) {
	t.Parallel()

	var attempted atomic.Int32
	err := queue.Run(context.Background(), targets(6), queue.Options[string]{
		Op:          "install",
		Concurrency: 3,
	}, func(_ context.Context, target string) error {
		attempted.Add(1)
		switch target {
		case "node-2", "node-4", "node-6":
			return fmt.Errorf("%s: %w", target, errBoom)
		}
		return nil
	})

	var agg *domain.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errors, 3)
	assert.Equal(t, 6, agg.Total)
	assert.ElementsMatch(t, []string{"node-2", "node-4", "node-6"}, agg.Targets())
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "install: 3/6 targets failed")
	assert.Equal(t, int32(6), attempted.Load())
}

func TestRun_CancelledContextStillAttemptsEveryTarget(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var completions atomic.Int32
	err := queue.Run(ctx, targets(3), queue.Options[string]{
		Concurrency: 2,
		OnComplete:  func(string, error, int, int) { completions.Add(1) },
	}, func(ctx context.Context, _ string) error {
		return ctx.Err()
	})

	var agg *domain.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errors, 3)
	assert.Equal(t, int32(3), completions.Load())
	assert.ErrorIs(t, err, context.Canceled)
}
