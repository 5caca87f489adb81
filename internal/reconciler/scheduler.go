package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/bchescrow/internal/metrics"
)

type entry struct {
	job      Job
	interval time.Duration
	runMu    sync.Mutex
}

// Scheduler runs each registered job on its own ticker.
type Scheduler struct {
	entries []*entry
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
	running atomic.Bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, stop: make(chan struct{})}
}

// Add registers job to run every interval. Jobs with a non-positive
// interval are skipped. Add must be called before Start.
func (s *Scheduler) Add(job Job, interval time.Duration) *Scheduler {
	if interval <= 0 {
		s.logger.Info("job disabled", "job", job.Name())
		return s
	}
	s.entries = append(s.entries, &entry{job: job, interval: interval})
	return s
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.job.Name()
	}
	return names
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs every job once, then on its interval, until ctx is done or
// Stop is called. It blocks until all job loops have returned. Call in a
// goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, e)
		}()
	}

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	cancel()
	wg.Wait()
}

// Stop signals the scheduler to stop. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// RunNow runs every job once in registration order and returns the
// reports keyed by job name.
func (s *Scheduler) RunNow(ctx context.Context) map[string]Report {
	out := make(map[string]Report, len(s.entries))
	for _, e := range s.entries {
		out[e.job.Name()] = s.safeRun(ctx, e)
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	s.safeRun(ctx, e)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx, e)
		}
	}
}

// safeRun runs a job, never overlapping with itself, and survives panics.
func (s *Scheduler) safeRun(ctx context.Context, e *entry) (report Report) {
	name := e.job.Name()
	if !e.runMu.TryLock() {
		s.logger.Debug("job still running, skipping tick", "job", name)
		return report
	}
	defer e.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciler job", "job", name, "panic", fmt.Sprint(r))
			metrics.ReconcilerRunsTotal.WithLabelValues(name, "panic").Inc()
		}
	}()

	start := time.Now()
	report, err := e.job.Run(ctx)
	metrics.ReconcilerLastRun.WithLabelValues(name).SetToCurrentTime()
	if err != nil {
		metrics.ReconcilerRunsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Warn("reconciler run failed", "job", name, "error", err, "checked", report.Checked)
		return report
	}
	metrics.ReconcilerRunsTotal.WithLabelValues(name, "ok").Inc()
	if report.Checked > 0 {
		s.logger.Info("reconciler run complete", "job", name,
			"checked", report.Checked, "advanced", report.Advanced, "failed", report.Failed,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return report
}
