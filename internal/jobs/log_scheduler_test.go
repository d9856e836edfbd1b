package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waflog/waflog-backend/internal/lock"
	"github.com/waflog/waflog-backend/internal/safego"
	"github.com/waflog/waflog-backend/internal/services"
	"github.com/waflog/waflog-backend/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type blockingRunner struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	result  *services.BatchResult
	err     error
	panics  bool
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
		result:  &services.BatchResult{ProcessedCount: 3, FailedCount: 1},
	}
}

func (r *blockingRunner) ProcessAll(ctx context.Context, _ *string, _ int) (*services.BatchResult, error) {
	r.calls.Add(1)
	r.entered <- struct{}{}
	if r.panics {
		panic("processor exploded")
	}
	select {
	case <-r.release:
		return r.result, r.err
	case <-ctx.Done():
		return &services.BatchResult{}, ctx.Err()
	}
}

func waitEntered(t *testing.T, r *blockingRunner) {
	t.Helper()
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not entered")
	}
}

func newTestScheduler(t *testing.T, r BatchRunner, enabled bool) *LogScheduler {
	t.Helper()
	s, err := NewLogScheduler(r, nil, SchedulerConfig{
		Enabled:   enabled,
		Schedule:  "*/5 * * * *",
		Timezone:  "Africa/Addis_Ababa",
		BatchSize: 50,
	})
	require.NoError(t, err)
	return s
}

// ---------------------------------------------------------------------------
// Construction / lifecycle
// ---------------------------------------------------------------------------

func TestNewLogScheduler_Validation(t *testing.T) {
	_, err := NewLogScheduler(newBlockingRunner(), nil, SchedulerConfig{Schedule: "every five minutes"})
	assert.Error(t, err)

	_, err = NewLogScheduler(newBlockingRunner(), nil, SchedulerConfig{Schedule: "*/5 * * * *", Timezone: "Mars/Olympus"})
	assert.Error(t, err)

	s, err := NewLogScheduler(newBlockingRunner(), nil, SchedulerConfig{Schedule: "@hourly"})
	require.NoError(t, err)
	assert.Equal(t, "UTC", s.Status().Timezone)
	assert.Equal(t, services.DefaultBatchSize, s.cfg.BatchSize)
}

func TestLogScheduler_DisabledNeverInstallsTimer(t *testing.T) {
	s := newTestScheduler(t, newBlockingRunner(), false)
	s.Start(context.Background())

	st := s.Status()
	assert.False(t, st.Enabled)
	assert.False(t, st.Active)
	assert.Nil(t, st.NextRun)
	s.Stop()
}

func TestLogScheduler_StartStop(t *testing.T) {
	s := newTestScheduler(t, newBlockingRunner(), true)
	s.Start(context.Background())
	s.Start(context.Background())

	st := s.Status()
	assert.True(t, st.Enabled)
	assert.True(t, st.Active)
	assert.False(t, st.Running)
	assert.Equal(t, "*/5 * * * *", st.Schedule)
	assert.Equal(t, "Africa/Addis_Ababa", st.Timezone)
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.After(time.Now()))

	s.Stop()
	assert.False(t, s.Status().Active)
	s.Stop()
}

// ---------------------------------------------------------------------------
// Single-flight
// ---------------------------------------------------------------------------

func TestLogScheduler_TickSkippedWhileRunInFlight(t *testing.T) {
	r := newBlockingRunner()
	s := newTestScheduler(t, r, true)
	skippedBefore := testutil.ToFloat64(telemetry.LogCronRunsTotal.WithLabelValues("skipped"))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background(), "manual")
		done <- err
	}()
	waitEntered(t, r)
	assert.True(t, s.Status().Running)

	// A tick that fires now must be dropped, not queued behind the run.
	s.tick()
	_, err := s.RunOnce(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrRunInFlight)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, skippedBefore+2, testutil.ToFloat64(telemetry.LogCronRunsTotal.WithLabelValues("skipped")))

	close(r.release)
	require.NoError(t, <-done)

	st := s.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "manual", st.LastRun.Trigger)
	assert.Equal(t, 3, st.LastRun.ProcessedCount)
	assert.Equal(t, 1, st.LastRun.FailedCount)

	// Nothing was queued: the runner saw exactly one call.
	select {
	case <-r.entered:
		t.Fatal("skipped tick was executed later")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestLogScheduler_RunAfterCompletionIsAllowed(t *testing.T) {
	r := newBlockingRunner()
	close(r.release)
	s := newTestScheduler(t, r, true)

	for i := 0; i < 3; i++ {
		res, err := s.RunOnce(context.Background(), "manual")
		require.NoError(t, err)
		assert.Equal(t, 3, res.ProcessedCount)
	}
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestLogScheduler_LockHeldOnAnotherReplica(t *testing.T) {
	r := newBlockingRunner()
	locker := lock.NewLocal()
	held, err := locker.Acquire(context.Background(), runLockKey, time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	s, err := NewLogScheduler(r, locker, SchedulerConfig{Enabled: true, Schedule: "@every 1h"})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrRunInFlight)
	assert.Equal(t, int32(0), r.calls.Load())
	assert.False(t, s.Status().Running)
}

func TestLogScheduler_RunnerErrorRecorded(t *testing.T) {
	r := newBlockingRunner()
	r.err = errors.New("list failed")
	close(r.release)
	s := newTestScheduler(t, r, true)

	_, err := s.RunOnce(context.Background(), "manual")
	assert.EqualError(t, err, "list failed")
	require.NotNil(t, s.Status().LastRun)
	assert.Equal(t, "list failed", s.Status().LastRun.Error)
}

func TestLogScheduler_PanicReleasesGuard(t *testing.T) {
	r := newBlockingRunner()
	r.panics = true
	s := newTestScheduler(t, r, true)

	_, err := s.RunOnce(context.Background(), "manual")
	var pe *safego.PanicError
	require.ErrorAs(t, err, &pe)
	assert.False(t, s.Status().Running)

	// Guard and lock are free again.
	r.panics = false
	close(r.release)
	_, err = s.RunOnce(context.Background(), "manual")
	assert.NoError(t, err)
}

func TestLogScheduler_StopCancelsScheduledRun(t *testing.T) {
	r := newBlockingRunner()
	s := newTestScheduler(t, r, true)
	s.Start(context.Background())

	finished := make(chan struct{})
	go func() {
		s.tick()
		close(finished)
	}()
	waitEntered(t, r)

	s.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run was not cancelled by Stop")
	}
	require.NotNil(t, s.Status().LastRun)
	assert.Contains(t, s.Status().LastRun.Error, "context canceled")
}
