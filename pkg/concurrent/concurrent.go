package concurrent

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Concurrent runs action for each element of the sequence in its own goroutine,
// at most limit at a time (limit <= 0 means no limit). It waits for all of them
// and returns the first error; the context passed to action is cancelled once
// any action fails.
func Concurrent[T any](ctx context.Context, seq iter.Seq[T], limit int, action func(context.Context, T) error) error {
	errGroup, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	for value := range seq {
		errGroup.Go(func() error {
			return action(ctx, value)
		})
	}

	return errGroup.Wait()
}

// ParallelMute runs action for each element of the sequence, at most limit at a
// time, and waits for all of them. Errors are ignored.
func ParallelMute[T any](seq iter.Seq[T], limit int, action func(T) error) {
	errGroup := errgroup.Group{}
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	for value := range seq {
		errGroup.Go(func() error {
			_ = action(value)
			return nil
		})
	}

	_ = errGroup.Wait()
}

// Drain keeps pulling values from next and hands each to action in its own
// goroutine, at most limit at a time, until next reports that nothing is left.
// A slot is taken before next is called, so nothing is pulled while every slot
// is busy. It waits for every started action. An error from next stops the
// pulling and is returned once the started actions are done.
func Drain[T any](ctx context.Context, limit int, next func(context.Context) (T, bool, error), action func(context.Context, T)) error {
	if limit <= 0 {
		limit = 1
	}
	slots := semaphore.NewWeighted(int64(limit))
	var running errgroup.Group
	defer func() { _ = running.Wait() }()

	for {
		// Acquire may succeed on a done context.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := slots.Acquire(ctx, 1); err != nil {
			return err
		}

		value, ok, err := next(ctx)
		if err != nil || !ok {
			slots.Release(1)
			return err
		}

		running.Go(func() error {
			defer slots.Release(1)
			action(ctx, value)
			return nil
		})
	}
}
