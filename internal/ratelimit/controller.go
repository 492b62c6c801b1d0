// Package ratelimit implements the Adaptive Rate Controller (spec.md §4.2):
// the sole pacing authority for outbound RPC calls. No other component sleeps
// on its own judgment (spec.md §4.2, closing line).
//
// Philosophy, in the style of ws/internal/shared/limits/resource_guard.go:
//   - One process-wide regulator, one mutex, no per-caller state.
//   - A hard-ceiling token bucket (golang.org/x/time/rate) backstops the
//     adaptive delay so a miscalibrated mode can never exceed the configured
//     requests-per-second ceiling — the "safety valve" the teacher's
//     ResourceGuard applies to Kafka consumption, applied here to RPC calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Mode is the controller's current pacing regime.
type Mode string

const (
	ModeFast    Mode = "fast"
	ModeNormal  Mode = "normal"
	ModeCareful Mode = "careful"
)

// Outcome classifies what happened after acquire() let a call through.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeNetworkError
)

// Config carries the tunables from spec.md §6; zero values fall back to the
// spec's defaults.
type Config struct {
	MinDelay             time.Duration
	MaxDelay             time.Duration
	BaseDelay            time.Duration
	Window               time.Duration
	MaxRPCCallsPerSecond int
	BatchSizeBase        int
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 80 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 3 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.MaxRPCCallsPerSecond <= 0 {
		c.MaxRPCCallsPerSecond = 25
	}
	if c.BatchSizeBase <= 0 {
		c.BatchSizeBase = 12
	}
	return c
}

// Controller is the single process-wide Adaptive Rate Controller.
// Its mutable state is guarded by one mutex (spec.md §5).
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	ceiling *rate.Limiter // hard backstop at MaxRPCCallsPerSecond

	mu                 sync.Mutex
	currentDelay       time.Duration
	window             []time.Time // rolling request timestamps, last Window
	consecutiveSuccess int
	successTotal       int64
	failTotal          int64
	mode               Mode
	lastRateLimitAt    time.Time
}

// New creates an Adaptive Rate Controller with the given configuration.
func New(cfg Config, logger zerolog.Logger) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:          cfg,
		logger:       logger,
		ceiling:      rate.NewLimiter(rate.Limit(cfg.MaxRPCCallsPerSecond), cfg.MaxRPCCallsPerSecond),
		currentDelay: cfg.BaseDelay,
		mode:         ModeNormal,
	}
}

// Acquire blocks for current_delay, records the request in the rolling
// window, and re-evaluates mode against the observed rate. Every outbound
// call must call Acquire before issuing (spec.md §4.2).
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	delay := c.currentDelay
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := c.ceiling.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.window = append(c.window, now)
	c.trimWindow(now)
	c.recomputeMode(now)
	return nil
}

// trimWindow drops timestamps older than cfg.Window. Caller holds c.mu.
func (c *Controller) trimWindow(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for ; i < len(c.window); i++ {
		if c.window[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

// recomputeMode applies the mode-transition rule from spec.md §4.2: current
// 60s rate against MAX_RPC_CALLS_PER_SECOND*60 capacity. Caller holds c.mu.
func (c *Controller) recomputeMode(now time.Time) {
	capacity := float64(c.cfg.MaxRPCCallsPerSecond) * c.cfg.Window.Seconds()
	if capacity <= 0 {
		return
	}
	ratio := float64(len(c.window)) / capacity
	switch {
	case ratio > 0.90:
		c.mode = ModeCareful
	case ratio < 0.70:
		c.mode = ModeFast
	default:
		c.mode = ModeNormal
	}
}

// Report records the outcome of a completed RPC attempt and adjusts pacing.
func (c *Controller) Report(outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		c.successTotal++
		c.consecutiveSuccess++
		threshold := 5
		factor := 0.95
		if c.mode == ModeFast {
			threshold = 3
			factor = 0.9
		}
		if c.consecutiveSuccess >= threshold {
			c.currentDelay = clamp(time.Duration(float64(c.currentDelay)*factor), c.cfg.MinDelay, c.cfg.MaxDelay)
			c.consecutiveSuccess = 0
		}

	case OutcomeRateLimited:
		c.failTotal++
		c.consecutiveSuccess = 0
		now := time.Now()
		recentRepeat := !c.lastRateLimitAt.IsZero() && now.Sub(c.lastRateLimitAt) < 30*time.Second
		c.lastRateLimitAt = now
		if recentRepeat {
			c.currentDelay = clamp(time.Duration(float64(c.currentDelay)*1.8), c.cfg.MinDelay, c.cfg.MaxDelay)
			c.mode = ModeCareful
		} else {
			c.currentDelay = clamp(time.Duration(float64(c.currentDelay)*1.3), c.cfg.MinDelay, c.cfg.MaxDelay)
		}

	case OutcomeNetworkError:
		c.failTotal++
		c.consecutiveSuccess = 0
		c.currentDelay = clamp(time.Duration(float64(c.currentDelay)*1.2), c.cfg.MinDelay, c.cfg.MaxDelay)
	}
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// OptimalBatchSize returns the scheduler's next batch size (spec.md §4.2).
// Monotone non-increasing in mode: fast >= normal >= careful.
func (c *Controller) OptimalBatchSize() int {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	base := c.cfg.BatchSizeBase
	switch mode {
	case ModeFast:
		return min(base+4, 20)
	case ModeCareful:
		floor := base - 3
		if floor < 1 {
			floor = 1
		}
		return min(floor, 6)
	default:
		return base
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Mode returns the controller's current pacing regime.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// CurrentDelay returns the controller's current per-request delay.
func (c *Controller) CurrentDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDelay
}

// BatchDelayFactor returns the mode-dependent inter-batch sleep multiplier
// (spec.md §4.4 step 3: fast:0.7, careful:1.5, normal:1.0).
func (c *Controller) BatchDelayFactor() float64 {
	switch c.Mode() {
	case ModeFast:
		return 0.7
	case ModeCareful:
		return 1.5
	default:
		return 1.0
	}
}

// Stats is a point-in-time snapshot for supervisor logging and tests.
type Stats struct {
	CurrentDelay time.Duration
	Mode         Mode
	WindowSize   int
	SuccessTotal int64
	FailTotal    int64
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CurrentDelay: c.currentDelay,
		Mode:         c.mode,
		WindowSize:   len(c.window),
		SuccessTotal: c.successTotal,
		FailTotal:    c.failTotal,
	}
}
