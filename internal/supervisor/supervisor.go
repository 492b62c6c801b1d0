// Package supervisor implements the Supervisor (C8, spec.md §4.8): a
// liveness watchdog that re-spawns the Poll Scheduler if it stalls, logging
// a periodic snapshot of rate-controller and process stats. Grounded on the
// structured-snapshot logging style of ws/internal/shared/monitoring, with
// gopsutil supplying the process-level numbers that package's cgroup reader
// covers for the ws_poc server.
package supervisor

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/esharat1/esharar/internal/logging"
	"github.com/esharat1/esharar/internal/metrics"
	"github.com/esharat1/esharar/internal/ratelimit"
	"github.com/esharat1/esharar/internal/registry"
)

const checkInterval = 60 * time.Second

// Scheduler is the narrow surface the supervisor needs to watch and respawn
// the Poll Scheduler.
type Scheduler interface {
	Run(ctx context.Context) error
	Alive() <-chan struct{}
}

// Supervisor watches a Scheduler and keeps exactly one instance of it
// running.
type Supervisor struct {
	newScheduler func() Scheduler
	controller   *ratelimit.Controller
	registry     registry.Registry
	metrics      *metrics.Registry
	logger       zerolog.Logger

	proc *process.Process
}

// New creates a Supervisor. newScheduler constructs a fresh Scheduler
// instance each time one must be (re)spawned.
func New(newScheduler func() Scheduler, controller *ratelimit.Controller, reg registry.Registry, m *metrics.Registry, logger zerolog.Logger) *Supervisor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Supervisor{
		newScheduler: newScheduler,
		controller:   controller,
		registry:     reg,
		metrics:      m,
		logger:       logger,
		proc:         proc,
	}
}

// Run owns the scheduler's lifecycle until ctx is cancelled: it spawns the
// first instance, then watches a 60 s tick for liveness, re-spawning on
// stall (spec.md §4.8).
func (s *Supervisor) Run(ctx context.Context) {
	defer logging.RecoverPanic(s.logger, "supervisor", nil)

	runs := make(chan struct{})
	sched := s.spawn(ctx, runs)
	// watched is the alive channel observed at the previous tick (or at
	// spawn time). Alive() always returns the scheduler's *current* channel,
	// which only closes at the start of its *next* cycle — so liveness can
	// only be judged by holding onto the same channel across a full
	// checkInterval and testing whether it has rotated, never by calling
	// Alive() again at check time.
	watched := sched.Alive()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-runs:
			// The scheduler goroutine exited (panic recovered, error
			// returned, or context cancelled); respawn unless we're
			// shutting down.
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Msg("scheduler task terminated, respawning")
			if s.metrics != nil {
				s.metrics.SchedulerRestarts.Inc()
			}
			sched = s.spawn(ctx, runs)
			watched = sched.Alive()

		case <-ticker.C:
			sched, watched = s.checkLiveness(ctx, sched, watched, runs)
			s.logSnapshot(ctx)
		}
	}
}

// checkLiveness detects a scheduler that stopped advancing cycles without
// its goroutine having exited yet (e.g. stuck on an un-cancellable call).
// watched is the Alive() channel captured at the previous tick (or at
// spawn); it rotates (closes and is replaced) at the top of every cycle, so
// if it is still open a full checkInterval later, the scheduler has not
// completed a cycle since then. A scheduler that never started despite a
// non-empty registry (spec.md §4.8) is covered the same way: its Alive
// channel never closes. Returns the Scheduler to watch going forward and the
// channel to compare against on the next tick — both unchanged unless sched
// was judged stalled and replaced.
func (s *Supervisor) checkLiveness(ctx context.Context, sched Scheduler, watched <-chan struct{}, runs chan struct{}) (Scheduler, <-chan struct{}) {
	select {
	case <-watched:
		// Rotated since last tick: still making progress. Hold onto the
		// scheduler's new current channel for the next comparison.
		return sched, sched.Alive()
	default:
		watches, err := s.registry.AllActive(ctx)
		if err == nil && len(watches) > 0 {
			s.logger.Warn().Msg("scheduler has not advanced a cycle since last check, treating as stalled")
			if s.metrics != nil {
				s.metrics.SchedulerRestarts.Inc()
			}
			// The stalled goroutine is abandoned; it will signal runs and
			// exit whenever its current blocking call unwinds or ctx is
			// cancelled.
			replacement := s.spawn(ctx, runs)
			return replacement, replacement.Alive()
		}
		return sched, watched
	}
}

// spawn starts a new Scheduler goroutine, signalling runs when it returns.
func (s *Supervisor) spawn(ctx context.Context, runs chan struct{}) Scheduler {
	sched := s.newScheduler()
	go func() {
		defer func() { runs <- struct{}{} }()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("scheduler run returned an error")
		}
	}()
	return sched
}

// logSnapshot logs rate-controller stats, watch count, goroutine count, and
// process-level resource usage (spec.md §4.8), and updates the controller
// delay and mode gauges.
func (s *Supervisor) logSnapshot(ctx context.Context) {
	stats := s.controller.Snapshot()
	if s.metrics != nil {
		s.metrics.ControllerDelayMs.Set(float64(stats.CurrentDelay.Milliseconds()))
		s.metrics.SetMode(string(stats.Mode))
	}

	watchCount := -1
	if watches, err := s.registry.AllActive(ctx); err == nil {
		watchCount = len(watches)
	}

	event := s.logger.Info().
		Str("mode", string(stats.Mode)).
		Dur("current_delay", stats.CurrentDelay).
		Int("window_size", stats.WindowSize).
		Int64("success_total", stats.SuccessTotal).
		Int64("fail_total", stats.FailTotal).
		Int("active_watches", watchCount).
		Int("goroutines", runtime.NumGoroutine())

	if s.proc != nil {
		if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
			event = event.Float64("cpu_percent", pct)
		}
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			event = event.Uint64("rss_bytes", mi.RSS)
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		event = event.Float64("host_mem_used_percent", vm.UsedPercent)
	}
	if counts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(counts) > 0 {
		event = event.Float64("host_cpu_percent", counts[0])
	}

	event.Msg("supervisor snapshot")
}
