package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestScheduler_FiresOnSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(zaptest.NewLogger(t))
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(zaptest.NewLogger(t))
	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Add(Job{Name: "long", Spec: "@every 1s", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	assert.True(t, cancelled.Load())
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "manual", Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Add(Job{Name: "bounded", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "manual"), boom)
	assert.ErrorIs(t, s.RunNow(context.Background(), "bounded"), context.DeadlineExceeded)
	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	noop := func(context.Context) error { return nil }
	assert.Error(t, s.Add(Job{Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "bad", Spec: "every tuesday", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "ok", Spec: "@every 1m", Run: noop}))
	assert.ErrorContains(t, s.Add(Job{Name: "ok", Run: noop}), "already registered")
}
