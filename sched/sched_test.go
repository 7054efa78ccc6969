package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoopSerializes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(zap.NewNop())
	go l.Run(ctx)
	counter := 0
	for i := 0; i < 100; i++ {
		l.Post(func() { counter++ })
	}
	var got int
	require.NoError(t, l.Sync(ctx, func() { got = counter }))
	assert.Equal(t, 100, got)
	cancel()
	<-l.Done()
	assert.ErrorIs(t, l.Sync(context.Background(), func() {}), ErrStopped)
}

func TestLoopTimerStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(zap.NewNop())
	go l.Run(ctx)
	fired := make(chan struct{}, 2)
	var tm Timer
	require.NoError(t, l.Sync(ctx, func() {
		tm = l.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })
		tm.Stop()
		tm.Stop()
		l.AfterFunc(time.Millisecond, func() { fired <- struct{}{} })
	}))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer didn't fire")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, fired, 0)
	cancel()
	<-l.Done()
}

func TestStartCancelled(t *testing.T) {
	m := NewManual()
	called := false
	task := Start(m, context.Background(), func(ctx context.Context) (int, error) {
		return 1, nil
	}, func(v int, err error) {
		called = true
	})
	assert.True(t, task.Pending())
	task.Cancel()
	task.Cancel()
	m.RunPending()
	assert.False(t, called)
	assert.False(t, task.Pending())
}

func TestStartDone(t *testing.T) {
	m := NewManual()
	var got int
	var gotErr error
	task := Start(m, context.Background(), func(ctx context.Context) (int, error) {
		return 7, errors.New("boom")
	}, func(v int, err error) {
		got, gotErr = v, err
	})
	m.RunPending()
	assert.Equal(t, 7, got)
	assert.EqualError(t, gotErr, "boom")
	assert.False(t, task.Pending())
}

func TestStartOnLoopCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(zap.NewNop())
	go l.Run(ctx)
	started := make(chan struct{})
	var task *Task
	require.NoError(t, l.Sync(ctx, func() {
		task = Start(l, ctx, func(c context.Context) (struct{}, error) {
			close(started)
			<-c.Done()
			return struct{}{}, c.Err()
		}, func(struct{}, error) {
			t.Error("done called after cancel")
		})
	}))
	<-started
	require.NoError(t, l.Sync(ctx, task.Cancel))
	cancel()
	<-l.Done()
}

func TestManualAdvance(t *testing.T) {
	m := NewManual()
	var order []int
	m.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	m.AfterFunc(time.Second, func() {
		order = append(order, 1)
		m.AfterFunc(500*time.Millisecond, func() { order = append(order, 15) })
	})
	stopped := m.AfterFunc(time.Second, func() { order = append(order, -1) })
	stopped.Stop()
	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []int{1, 15}, order)
	assert.Equal(t, 1, m.PendingTimers())
	m.Advance(time.Second)
	assert.Equal(t, []int{1, 15, 2}, order)
	assert.Equal(t, 2500*time.Millisecond, m.Now())
}
