package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/task"
)

// RetryPolicy computes how long a task waits before its next attempt.
// The delay doubles per attempt from Base and never exceeds Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy returns the stock backoff schedule: 5s, 10s, 20s,
// ... capped at 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base: 5 * time.Second,
		Max:  5 * time.Minute,
	}
}

// Delay returns the backoff after the given attempt number (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// BreakerSettings configures the per-action-kind circuit breakers.
type BreakerSettings struct {
	TripAfter uint32        // consecutive failures before the breaker opens
	Cooldown  time.Duration // how long the breaker stays open before probing
}

// DefaultBreakerSettings returns the stock breaker configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		TripAfter: 5,
		Cooldown:  30 * time.Second,
	}
}

// BreakerRegistry manages one circuit breaker per action kind. When a
// whole class of actions keeps failing, the breaker opens and the worker
// skips those tasks without consuming their attempts until the cooldown
// passes.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry with the given settings. Zero
// settings fields fall back to the defaults.
func NewBreakerRegistry(settings BreakerSettings, logger *zap.Logger) *BreakerRegistry {
	defaults := DefaultBreakerSettings()
	if settings.TripAfter == 0 {
		settings.TripAfter = defaults.TripAfter
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = defaults.Cooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given action kind, creating it
// on first use.
func (r *BreakerRegistry) Get(kind task.ActionKind) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(kind)
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one probe at a time while half-open
		Interval:    0, // never clear counts automatically
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("action_kind", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation is an operator action, not an action failure.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	r.breakers[key] = cb
	return cb
}

// Open reports whether the breaker for kind currently rejects work.
// Half-open breakers report false so probe attempts get through.
func (r *BreakerRegistry) Open(kind task.ActionKind) bool {
	return r.Get(kind).State() == gobreaker.StateOpen
}
