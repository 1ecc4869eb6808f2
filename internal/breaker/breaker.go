// Package breaker implements a circuit breaker that routes calls to a
// fallback while a dependency is failing and probes it again after a
// recovery timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit state
type State string

// Circuit states
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Call when the circuit rejects the primary and no
// fallback was given
var ErrOpen = errors.New("circuit breaker is open")

// Default option values
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// Options configures a Breaker. Zero values take the defaults above.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	Logger           *slog.Logger
	Clock            func() time.Time
}

// Breaker guards calls to one remote dependency
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	logger           *slog.Logger
	clock            func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

// Stats is a point-in-time snapshot of a breaker
type Stats struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	Failures         int        `json:"failures"`
	FailureThreshold int        `json:"failure_threshold"`
	RecoveryTimeout  float64    `json:"recovery_timeout"`
	LastFailure      *time.Time `json:"last_failure"`
}

// New creates a closed breaker
func New(name string, opts Options) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: opts.FailureThreshold,
		recoveryTimeout:  opts.RecoveryTimeout,
		halfOpenMaxCalls: opts.HalfOpenMaxCalls,
		logger:           opts.Logger,
		clock:            opts.Clock,
		state:            StateClosed,
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = DefaultFailureThreshold
	}
	if b.recoveryTimeout <= 0 {
		b.recoveryTimeout = DefaultRecoveryTimeout
	}
	if b.halfOpenMaxCalls <= 0 {
		b.halfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	b.logger = b.logger.With(slog.String("breaker", name))
	return b
}

// Call runs primary unless the circuit is open, in which case fallback runs
// instead. A failing primary also falls back. A nil fallback yields the
// primary's error, or ErrOpen when primary was skipped.
func Call[T any](ctx context.Context, b *Breaker, primary, fallback func(context.Context) (T, error)) (T, error) {
	if !b.allow() {
		b.logger.Debug("Circuit open, using fallback")
		if fallback == nil {
			var zero T
			return zero, ErrOpen
		}
		return fallback(ctx)
	}

	result, err := runPrimary(ctx, primary)
	if err == nil {
		b.onSuccess()
		return result, nil
	}

	b.onFailure(err)
	if fallback == nil {
		return result, err
	}
	return fallback(ctx)
}

// Execute is Call for operations that only return an error
func (b *Breaker) Execute(ctx context.Context, primary, fallback func(context.Context) error) error {
	wrap := func(fn func(context.Context) error) func(context.Context) (struct{}, error) {
		if fn == nil {
			return nil
		}
		return func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		}
	}
	_, err := Call(ctx, b, wrap(primary), wrap(fallback))
	return err
}

func runPrimary[T any](ctx context.Context, primary func(context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in protected call: %v", r)
		}
	}()
	return primary(ctx)
}

// allow decides under the lock whether primary may run now
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock().Sub(b.lastFailure) < b.recoveryTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.logger.Info("Circuit half-open, testing recovery")
	}

	if b.state == StateHalfOpen {
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
	}
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.logger.Info("Circuit closed, dependency recovered")
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock()

	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("Circuit open, recovery test failed", slog.Any("error", err))
	case b.failures >= b.failureThreshold && b.state != StateOpen:
		b.state = StateOpen
		b.logger.Warn("Circuit open",
			slog.Int("failures", b.failures),
			slog.Any("error", err),
		)
	}
}

// State returns the current state without triggering a transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the circuit closed and clears its history
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.lastFailure = time.Time{}
	b.halfOpenCalls = 0
	b.logger.Info("Circuit manually reset")
}

// Trip forces the circuit open as if a failure just happened
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateOpen
	b.lastFailure = b.clock()
	b.logger.Warn("Circuit manually tripped")
}

// Stats returns a snapshot for observability endpoints
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:             b.name,
		State:            b.state,
		Failures:         b.failures,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  b.recoveryTimeout.Seconds(),
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		s.LastFailure = &last
	}
	return s
}
