package blockstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// CircuitState is the breaker position.
type CircuitState = gobreaker.State

const (
	CircuitClosed   = gobreaker.StateClosed
	CircuitHalfOpen = gobreaker.StateHalfOpen
	CircuitOpen     = gobreaker.StateOpen
)

// CircuitBreakerConfig tunes when the client stops calling the store.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive store failures that open the circuit
	SuccessThreshold int           // trial calls that must succeed to close it again
	Timeout          time.Duration // how long the circuit stays open
	FailureWindow    time.Duration // failure counts reset this often while closed
}

// DefaultCircuitBreakerConfig opens after 5 failures within a minute and
// retries after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		FailureWindow:    time.Minute,
	}
}

// CircuitBreaker guards one store host. Client errors such as a 404 or a
// rejected payload say nothing about store health and never trip it.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a closed breaker named after the store host.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := uint32(max(config.FailureThreshold, 1))
	return &CircuitBreaker{
		name: name,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(max(config.SuccessThreshold, 1)),
			Interval:    config.FailureWindow,
			Timeout:     config.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !countsAsFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("circuit state changed",
					zap.String("circuit", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
	}
}

// Execute runs fn unless the circuit is open. A refused call returns a
// *CircuitOpenError without reaching the store.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	_, err := cb.cb.Execute(func() (any, error) {
		v, err := fn(ctx)
		out = v
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, &CircuitOpenError{Name: cb.name}
	}
	return out, err
}

// State returns the breaker position. An open circuit whose timeout has
// passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.cb.State()
}
