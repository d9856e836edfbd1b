// log_scheduler.go implements LogScheduler, the cron-driven driver of the batch
// processor. Every tick runs one ProcessAll pass unless a pass is already in flight,
// in which case the tick is dropped rather than queued. Manual triggers and the
// polling worker go through the same guard, and an optional distributed lock
// extends it across replicas.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waflog/waflog-backend/internal/lock"
	"github.com/waflog/waflog-backend/internal/safego"
	"github.com/waflog/waflog-backend/internal/services"
	"github.com/waflog/waflog-backend/internal/telemetry"
)

// ErrRunInFlight is returned when a batch run is already executing here or, with a
// distributed lock, on another replica.
var ErrRunInFlight = errors.New("a log processing run is already in flight")

const (
	runLockKey     = "log-batch"
	defaultLockTTL = 30 * time.Minute
)

// BatchRunner is the part of services.LogProcessor the scheduler drives.
type BatchRunner interface {
	ProcessAll(ctx context.Context, organizationID *string, batchSize int) (*services.BatchResult, error)
}

// SchedulerConfig configures a LogScheduler.
type SchedulerConfig struct {
	Enabled   bool
	Schedule  string
	Timezone  string
	BatchSize int
	// LockTTL bounds how long a crashed replica can hold the distributed run lock.
	LockTTL time.Duration
}

// RunSummary describes the most recent completed run.
type RunSummary struct {
	Trigger        string    `json:"trigger"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	SkippedCount   int       `json:"skipped_count"`
	Error          string    `json:"error,omitempty"`
}

// SchedulerStatus is returned by Status.
type SchedulerStatus struct {
	Enabled  bool        `json:"enabled"`
	Active   bool        `json:"active"`
	Running  bool        `json:"running"`
	Schedule string      `json:"schedule"`
	Timezone string      `json:"timezone"`
	NextRun  *time.Time  `json:"next_run,omitempty"`
	LastRun  *RunSummary `json:"last_run,omitempty"`
}

// LogScheduler owns the cron timer and the single-flight guard for batch runs.
type LogScheduler struct {
	runner   BatchRunner
	locker   lock.Locker
	cfg      SchedulerConfig
	location *time.Location
	schedule cron.Schedule

	running atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	lastRun *RunSummary
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewLogScheduler validates cfg and creates a stopped scheduler. A nil locker
// falls back to an in-process lock.
func NewLogScheduler(runner BatchRunner, locker lock.Locker, cfg SchedulerConfig) (*LogScheduler, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid cron timezone %q: %w", cfg.Timezone, err)
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = services.DefaultBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &LogScheduler{
		runner:   runner,
		locker:   locker,
		cfg:      cfg,
		location: loc,
		schedule: schedule,
	}, nil
}

// Start installs the cron timer. It is a no-op when the scheduler is disabled by
// configuration or already active. Runs started by the timer are cancelled when
// ctx is done or Stop is called.
func (s *LogScheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Println("Log scheduler: disabled (processing.cron.enabled=false)")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(s.location), cron.WithLogger(cronLogger{}))
	s.entryID = c.Schedule(s.schedule, cron.FuncJob(s.tick))
	c.Start()
	s.cron = c

	log.Printf("Log scheduler started (schedule: %q, timezone: %s, batch size: %d)",
		s.cfg.Schedule, s.location, s.cfg.BatchSize)
}

// Stop removes the timer, cancels an in-flight scheduled run and waits for it to
// return. It is safe to call on a stopped scheduler.
func (s *LogScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	done := c.Stop()
	cancel()
	<-done.Done()
	log.Println("Log scheduler stopped")
}

// Status reports whether the timer is installed and whether a run is in flight.
func (s *LogScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		Enabled:  s.cfg.Enabled,
		Active:   s.cron != nil,
		Running:  s.running.Load(),
		Schedule: s.cfg.Schedule,
		Timezone: s.location.String(),
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	return st
}

// RunOnce executes one guarded batch run immediately. It returns ErrRunInFlight
// without running when another run holds the guard.
func (s *LogScheduler) RunOnce(ctx context.Context, trigger string) (*services.BatchResult, error) {
	return s.runGuarded(ctx, trigger)
}

// tick is the cron job body.
func (s *LogScheduler) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.runGuarded(ctx, "cron")
	if errors.Is(err, ErrRunInFlight) {
		slog.Info("log scheduler tick skipped, previous run still in flight")
	}
}

func (s *LogScheduler) runGuarded(ctx context.Context, trigger string) (*services.BatchResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.LogCronRunsTotal.WithLabelValues("skipped").Inc()
		return nil, ErrRunInFlight
	}
	defer s.running.Store(false)

	lease, err := s.locker.Acquire(ctx, runLockKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			telemetry.LogCronRunsTotal.WithLabelValues("skipped").Inc()
			return nil, ErrRunInFlight
		}
		telemetry.LogCronRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release log batch lock", "error", err)
		}
	}()

	summary := RunSummary{Trigger: trigger, StartedAt: time.Now()}
	var result *services.BatchResult
	var runErr error
	if panicErr := safego.Run("log-batch", func() {
		result, runErr = s.runner.ProcessAll(ctx, nil, s.cfg.BatchSize)
	}); panicErr != nil {
		runErr = panicErr
	}
	summary.FinishedAt = time.Now()

	if result != nil {
		summary.ProcessedCount = result.ProcessedCount
		summary.FailedCount = result.FailedCount
		summary.SkippedCount = result.SkippedCount
	}
	outcome := "completed"
	if runErr != nil {
		outcome = "failed"
		summary.Error = runErr.Error()
	}
	telemetry.LogCronRunsTotal.WithLabelValues(outcome).Inc()

	slog.Info("log batch run finished",
		"trigger", trigger,
		"outcome", outcome,
		"processed", summary.ProcessedCount,
		"failed", summary.FailedCount,
		"skipped", summary.SkippedCount,
		"duration", summary.FinishedAt.Sub(summary.StartedAt),
	)
	if runErr != nil {
		slog.Error("log batch run aborted", "trigger", trigger, "error", runErr)
	}

	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()

	return result, runErr
}

// cronLogger routes robfig/cron's internal logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
