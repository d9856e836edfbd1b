package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/waflog/waflog-backend/internal/services"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) RunOnce(ctx context.Context, trigger string) (*services.BatchResult, error) {
	r.calls.Add(1)
	if trigger != "worker" {
		panic("unexpected trigger " + trigger)
	}
	return &services.BatchResult{}, r.err
}

func waitForCalls(t *testing.T, r *countingRunner, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("runner called %d times, want at least %d", r.calls.Load(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewLogWorker_DefaultInterval(t *testing.T) {
	w := NewLogWorker(&countingRunner{}, 0)
	if w.interval != defaultWorkerInterval {
		t.Errorf("interval = %v, want %v", w.interval, defaultWorkerInterval)
	}
}

func TestLogWorker_PollsUntilStopped(t *testing.T) {
	r := &countingRunner{}
	w := NewLogWorker(r, 10*time.Millisecond)
	w.Start(context.Background())

	waitForCalls(t, r, 3)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}

	after := r.calls.Load()
	time.Sleep(40 * time.Millisecond)
	if r.calls.Load() != after {
		t.Error("worker kept polling after Stop")
	}
	w.Stop()
}

func TestLogWorker_ContextCancelEndsLoop(t *testing.T) {
	r := &countingRunner{err: ErrRunInFlight}
	w := NewLogWorker(r, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	waitForCalls(t, r, 1)
	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit on context cancel despite a one hour interval")
	}
}
