// Package circuitbreaker wraps sony/gobreaker behind the small surface the
// bridge client needs: record outcomes, ask whether the channel should be
// considered gone.
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

type CircuitBreaker interface {
	IsOpen() bool
	Success()
	Failure()
}

type Opt func(*cfg)

// WithOpenTimeout sets how long the breaker stays open before allowing a
// probe request through.
func WithOpenTimeout(timeout time.Duration) Opt {
	return func(cfg *cfg) {
		cfg.openTimeout = timeout
	}
}

// WithConsecutiveFailures sets how many consecutive failures trip the breaker.
func WithConsecutiveFailures(consecutiveFailures int) Opt {
	return func(cfg *cfg) {
		cfg.consecutiveFailures = consecutiveFailures
	}
}

func WithLogger(logger logger.Logger) Opt {
	return func(cfg *cfg) {
		cfg.logger = logger
	}
}

func New(name string, opts ...Opt) CircuitBreaker {
	cfg := &cfg{
		name:                name,
		openTimeout:         30 * time.Second,
		consecutiveFailures: 3,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &circuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1, // allow a single probe through when half-open
			Interval:    0,
			Timeout:     cfg.openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.consecutiveFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if cfg.logger != nil {
					cfg.logger.Infon("circuit breaker state changed",
						logger.NewStringField("name", name),
						logger.NewStringField("from", from.String()),
						logger.NewStringField("to", to.String()),
					)
				}
			},
		}),
	}
}

type circuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) IsOpen() bool {
	return cb.cb.State() == gobreaker.StateOpen
}

func (cb *circuitBreaker) Success() {
	_, _ = cb.cb.Execute(func() (any, error) {
		return true, nil
	})
}

func (cb *circuitBreaker) Failure() {
	_, _ = cb.cb.Execute(func() (any, error) {
		return nil, errors.New("failure")
	})
}

type cfg struct {
	name                string
	openTimeout         time.Duration
	consecutiveFailures int
	logger              logger.Logger
}
