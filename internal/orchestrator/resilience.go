package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff for recovery actions.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.Reset()
	return b
}

// retry runs op with exponential backoff until it succeeds, the policy gives
// up, or ctx is cancelled.
func retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return op()
	}
	return backoff.Retry(operation, backoff.WithContext(cfg.policy(), ctx))
}

// pause waits one backoff interval, or until ctx is done.
func pause(ctx context.Context, cfg RetryConfig) error {
	d := cfg.policy().NextBackOff()
	if d == backoff.Stop {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// breakerRegistry manages one circuit breaker per agent.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func newBreakerRegistry(logger *slog.Logger) *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// get returns the breaker for agent, creating it on first use.
func (r *breakerRegistry) get(agent string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agent]; ok {
		return cb
	}
	cb := r.newBreaker(agent)
	r.breakers[agent] = cb
	return cb
}

func (r *breakerRegistry) newBreaker(agent string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 3,                // Allow 3 test requests in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "agent", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Shutdown cancels the execution context; that is not the agent's fault.
			// Agent timeouts surface as DeadlineExceeded and do count.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// reset discards the agent's breaker so the next call starts closed.
func (r *breakerRegistry) reset(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agent)
}

// state reports the breaker state for agent; unknown agents are closed.
func (r *breakerRegistry) state(agent string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agent]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// call runs fn through the agent's breaker.
func (r *breakerRegistry) call(agent string, fn func() (any, error)) (any, error) {
	return r.get(agent).Execute(fn)
}
