// Package queue runs a worker over a list of targets with a bounded number of workers in
// flight. A failing target never stops the others: every target is attempted exactly once and
// the failures are reported together once all of them have completed.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/netly/fleet/internal/domain"
	"golang.org/x/sync/semaphore"
)

// Worker processes one target.
type Worker[T any] func(ctx context.Context, target T) error

// Options configure a run. Zero values are usable.
type Options[T any] struct {
	// Op names the batch in aggregate errors, e.g. "install".
	Op string
	// Concurrency is the maximum number of workers in flight. Values below 1 mean 1.
	Concurrency int
	// Identify names a target in aggregate errors. Defaults to fmt's %v.
	Identify func(T) string
	// OnComplete fires once per target, after its worker returned. done counts completions
	// so far, including this one.
	OnComplete func(target T, err error, done, total int)
}

// Run attempts every target and returns nil when all succeeded, the worker's own error when
// exactly one failed, and a *domain.AggregateError holding each failure otherwise.
func Run[T any](ctx context.Context, targets []T, opts Options[T], worker Worker[T]) error {
	total := len(targets)
	if total == 0 {
		return nil
	}

	bound := opts.Concurrency
	if bound < 1 {
		bound = 1
	}
	identify := opts.Identify
	if identify == nil {
		identify = func(t T) string { return fmt.Sprintf("%v", t) }
	}

	sem := semaphore.NewWeighted(int64(bound))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []*domain.TargetError
		done int
	)

	// complete serializes bookkeeping so OnComplete sees a strictly increasing done count.
	complete := func(target T, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, &domain.TargetError{Target: identify(target), Err: err})
		}
		done++
		if opts.OnComplete != nil {
			opts.OnComplete(target, err, done, total)
		}
	}

	for _, target := range targets {
		// Every target is attempted even once ctx is done; workers observe ctx themselves.
		if err := sem.Acquire(context.Background(), 1); err != nil {
			complete(target, err)
			continue
		}
		wg.Add(1)
		go func(target T) {
			defer wg.Done()
			defer sem.Release(1)
			complete(target, worker(ctx, target))
		}(target)
	}
	wg.Wait()

	return Collect(opts.Op, total, errs)
}

// Collect folds per-target failures the way Run reports them: nil for none, the underlying
// error for exactly one, an aggregate otherwise.
func Collect(op string, total int, errs []*domain.TargetError) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0].Err
	default:
		if op == "" {
			op = "batch"
		}
		return &domain.AggregateError{Op: op, Total: total, Errors: errs}
	}
}
