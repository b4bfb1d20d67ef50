// Package breaker implements a count-based sliding-window circuit breaker
// that wraps a delivery path and short-circuits calls when the recent
// failure or slow-call rate is too high.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed means calls pass through and outcomes are recorded.
	StateClosed State = iota
	// StateHalfOpen means a limited number of trial calls are permitted.
	StateHalfOpen
	// StateOpen means calls are rejected without being attempted.
	StateOpen
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned when the circuit breaker rejects a call outright.
	ErrOpen = errors.Newf("circuit breaker is open").
		Component("breaker").
		Category(errors.CategoryLimit).
		Build()
	// ErrTooManyTrials is returned in half-open state once the trial
	// call budget is spoken for.
	ErrTooManyTrials = errors.Newf("circuit breaker is half-open, trial budget exhausted").
				Component("breaker").
				Category(errors.CategoryLimit).
				Build()
)

// Config holds the thresholds governing state transitions.
type Config struct {
	// WindowSize is the number of recent call outcomes considered.
	WindowSize int
	// MinCalls is the minimum number of recorded calls before rates are evaluated.
	MinCalls int
	// FailureRateThreshold opens the circuit when exceeded or met (0..1].
	FailureRateThreshold float64
	// SlowRateThreshold opens the circuit when the slow-call rate meets it (0..1].
	SlowRateThreshold float64
	// SlowCallDuration is the duration above which a call counts as slow.
	SlowCallDuration time.Duration
	// OpenStateWait is how long the circuit stays open before probing.
	OpenStateWait time.Duration
	// HalfOpenCalls is the number of trial calls permitted in half-open state.
	HalfOpenCalls int
}

// DefaultConfig returns the thresholds used for the email delivery path.
func DefaultConfig() Config {
	return Config{
		WindowSize:           20,
		MinCalls:             10,
		FailureRateThreshold: 0.5,
		SlowRateThreshold:    0.5,
		SlowCallDuration:     5 * time.Second,
		OpenStateWait:        10 * time.Second,
		HalfOpenCalls:        3,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be at least 1, got %d", c.WindowSize)
	}
	if c.MinCalls < 1 || c.MinCalls > c.WindowSize {
		return fmt.Errorf("min calls must be in 1..%d, got %d", c.WindowSize, c.MinCalls)
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("failure rate threshold must be in (0,1], got %v", c.FailureRateThreshold)
	}
	if c.SlowRateThreshold <= 0 || c.SlowRateThreshold > 1 {
		return fmt.Errorf("slow rate threshold must be in (0,1], got %v", c.SlowRateThreshold)
	}
	if c.HalfOpenCalls < 1 {
		return fmt.Errorf("half-open calls must be at least 1, got %d", c.HalfOpenCalls)
	}
	return nil
}

// outcome is one recorded call result in the sliding window.
type outcome struct {
	failed bool
	slow   bool
}

// Breaker is a circuit breaker shared by all workers of one delivery path.
// All state lives behind a single mutex; callers only hold it around
// bookkeeping, never across the wrapped call.
type Breaker struct {
	name   string
	config Config

	mu           sync.Mutex // guards all fields below
	state        State
	window       []outcome // ring buffer of the most recent outcomes
	windowNext   int
	windowCount  int
	openedAt     time.Time
	trialsIssued int
	trialsDone   int
	trialsFailed int

	metrics *metrics.NotificationMetrics
	logger  *slog.Logger
}

// New creates a circuit breaker for the named delivery path.
func New(name string, config Config, m *metrics.NotificationMetrics) *Breaker {
	b := &Breaker{
		name:    name,
		config:  config,
		state:   StateClosed,
		window:  make([]outcome, config.WindowSize),
		metrics: m,
		logger:  logging.ForService("breaker").With("breaker", name),
	}
	if m != nil {
		m.UpdateBreakerState(name, int(StateClosed))
	}
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

// stateLocked resolves the effective state, promoting open to half-open
// once the wait has elapsed. Caller must hold the lock.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.OpenStateWait {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn through the breaker. When the circuit is open the call
// is rejected with ErrOpen without invoking fn; in half-open state at
// most HalfOpenCalls trial invocations are admitted.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	b.record(err != nil, duration > b.config.SlowCallDuration)
	return err
}

// acquire decides whether a call may proceed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(time.Now()) {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialsIssued >= b.config.HalfOpenCalls {
			return ErrTooManyTrials
		}
		b.trialsIssued++
		return nil
	default:
		return ErrOpen
	}
}

// record feeds one call outcome back into the breaker.
func (b *Breaker) record(failed, slow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialsDone++
		if failed {
			b.trialsFailed++
		}
		if b.trialsDone >= b.config.HalfOpenCalls {
			rate := float64(b.trialsFailed) / float64(b.trialsDone)
			if rate >= b.config.FailureRateThreshold {
				b.transitionLocked(StateOpen)
			} else {
				b.transitionLocked(StateClosed)
			}
		}
	case StateClosed:
		b.window[b.windowNext] = outcome{failed: failed, slow: slow}
		b.windowNext = (b.windowNext + 1) % b.config.WindowSize
		if b.windowCount < b.config.WindowSize {
			b.windowCount++
		}
		if b.shouldOpenLocked() {
			b.transitionLocked(StateOpen)
		}
	case StateOpen:
		// A call admitted just before the circuit opened; its outcome
		// no longer influences the decision.
	}
}

// shouldOpenLocked evaluates the sliding-window rates. Caller holds the lock.
func (b *Breaker) shouldOpenLocked() bool {
	if b.windowCount < b.config.MinCalls {
		return false
	}
	failures, slows := 0, 0
	for i := 0; i < b.windowCount; i++ {
		if b.window[i].failed {
			failures++
		}
		if b.window[i].slow {
			slows++
		}
	}
	total := float64(b.windowCount)
	return float64(failures)/total >= b.config.FailureRateThreshold ||
		float64(slows)/total >= b.config.SlowRateThreshold
}

// transitionLocked moves the breaker to a new state. Caller holds the lock.
func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = time.Now()
	case StateHalfOpen:
		b.trialsIssued = 0
		b.trialsDone = 0
		b.trialsFailed = 0
	case StateClosed:
		b.window = make([]outcome, b.config.WindowSize)
		b.windowNext = 0
		b.windowCount = 0
	}

	if b.metrics != nil {
		b.metrics.UpdateBreakerState(b.name, int(next))
	}
	b.logger.Info("circuit breaker state changed",
		"from", prev.String(), "to", next.String())
}
