// log_worker.go implements LogWorker, a polling alternative to the cron schedule
// for deployments that want the backlog drained continuously. It shares the
// scheduler's single-flight guard, so a poll that lands during a cron run is
// skipped.
package jobs

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/waflog/waflog-backend/internal/services"
)

const defaultWorkerInterval = 30 * time.Second

// Runner is satisfied by LogScheduler.
type Runner interface {
	RunOnce(ctx context.Context, trigger string) (*services.BatchResult, error)
}

// LogWorker polls the backlog on a fixed interval.
type LogWorker struct {
	runner   Runner
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLogWorker creates a new LogWorker. A non-positive interval defaults to 30s.
func NewLogWorker(runner Runner, interval time.Duration) *LogWorker {
	if interval <= 0 {
		interval = defaultWorkerInterval
	}
	return &LogWorker{
		runner:   runner,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. A poll runs immediately, then every interval.
// Cancelling ctx or calling Stop aborts an in-flight poll and ends the loop
// without waiting out the interval.
func (w *LogWorker) Start(ctx context.Context) {
	log.Printf("Starting log worker with interval of %v", w.interval)

	runCtx, cancel := context.WithCancel(ctx)
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		select {
		case <-w.stopCh:
		case <-runCtx.Done():
		}
		cancel()
	}()
	go func() {
		defer w.wg.Done()
		defer cancel()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.poll(runCtx)
		for {
			select {
			case <-ticker.C:
				w.poll(runCtx)
			case <-w.stopCh:
				log.Println("Log worker stopped")
				return
			case <-runCtx.Done():
				log.Println("Log worker context cancelled")
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it to exit.
func (w *LogWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *LogWorker) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := w.runner.RunOnce(ctx, "worker")
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInFlight):
		slog.Debug("log worker poll skipped, run already in flight")
	case errors.Is(err, context.Canceled):
	default:
		slog.Warn("log worker poll failed", "error", err)
	}
}
