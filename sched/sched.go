// Package sched implements the cooperative scheduler that serializes all PPP protocol logic.
// Every FSM, link, bundle and engine callback runs on the scheduler's single goroutine;
// blocking work (credential lookups, bundle configuration) is farmed out with Start and
// rejoins the loop on completion.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs functions one at a time
type Scheduler interface {
	// Post queues f to run on the scheduler, safe to call from any goroutine
	Post(f func())
	// AfterFunc runs f on the scheduler after d
	AfterFunc(d time.Duration, f func()) Timer
	// Go runs f off the scheduler
	Go(f func())
}

// Timer is a single-shot timer registered on a Scheduler
type Timer interface {
	// Stop prevents the timer from firing; calling it more than once, or after the timer fired, is a no-op
	Stop()
}

// Loop is the Scheduler backed by a single goroutine, see Run
type Loop struct {
	mux     *sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      *sync.WaitGroup
	logger  *zap.Logger
}

// NewLoop returns a new Loop; nothing runs until Run is called
func NewLoop(logger *zap.Logger) *Loop {
	return &Loop{
		mux:    new(sync.Mutex),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		wg:     new(sync.WaitGroup),
		logger: logger.Named("loop"),
	}
}

// Post implements Scheduler interface; posts after Run returned are dropped
func (l *Loop) Post(f func()) {
	l.mux.Lock()
	if l.stopped {
		l.mux.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mux.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go implements Scheduler interface, Run waits for f to return before returning itself
func (l *Loop) Go(f func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		f()
	}()
}

// Run executes posted functions until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mux.Lock()
		l.stopped = true
		l.queue = nil
		l.mux.Unlock()
		close(l.done)
		l.wg.Wait()
		l.logger.Info("loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for {
			l.mux.Lock()
			batch := l.queue
			l.queue = nil
			l.mux.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				f()
			}
		}
	}
}

// Done returns a channel closed after Run returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Sync runs f on the loop and waits for it to finish
func (l *Loop) Sync(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		f()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped bool
}

// Stop implements Timer interface, must be called on the loop
func (lt *loopTimer) Stop() {
	if lt.stopped {
		return
	}
	lt.stopped = true
	lt.t.Stop()
}

// AfterFunc implements Scheduler interface
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := new(loopTimer)
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			f()
		})
	})
	return lt
}
