package sched

import (
	"context"
	"errors"
)

// ErrStopped is returned by Loop.Sync once the loop is no longer running
var ErrStopped = errors.New("scheduler stopped")

// Task is a handle of an asynchronous operation started by Start
type Task struct {
	canceled bool
	finished bool
	cancel   context.CancelFunc
}

// Cancel cancels the task, its done callback will not be called; it is idempotent.
// Must be called on the scheduler.
func (t *Task) Cancel() {
	if t == nil || t.canceled {
		return
	}
	t.canceled = true
	t.cancel()
}

// Pending returns true if the task neither finished nor got cancelled
func (t *Task) Pending() bool {
	return t != nil && !t.canceled && !t.finished
}

// Start runs work off the scheduler with a child context of ctx, then posts done with its result.
// done is skipped if the task was cancelled before the result got back to the scheduler.
func Start[T any](s Scheduler, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) *Task {
	childctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel}
	s.Go(func() {
		v, err := work(childctx)
		s.Post(func() {
			defer cancel()
			if t.canceled {
				return
			}
			t.finished = true
			done(v, err)
		})
	})
	return t
}
