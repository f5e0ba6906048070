// Package breaker implements the Failure Breaker (§4.C): a three-state
// gate, one per remote endpoint per Download, built on top of
// sony/gobreaker's closed/open/half-open state machine.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"segfetch/internal"
)

// Config mirrors the breaker.* configuration group of §6.
type Config struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	ResetTimeoutMs   int
}

// Breaker wraps a gobreaker.CircuitBreaker to satisfy internal.Breaker.
// When disabled it admits every guarded call unconditionally.
type Breaker struct {
	endpoint string
	enabled  bool
	cb       *gobreaker.CircuitBreaker
}

// New builds a Breaker for one endpoint. failure_threshold consecutive
// failures trip it open; success_threshold consecutive admitted
// successes in half_open close it; any half_open failure reopens it.
func New(endpoint string, cfg Config) *Breaker {
	if !cfg.Enabled {
		return &Breaker{endpoint: endpoint, enabled: false}
	}

	successThreshold := cfg.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 1
	}
	failureThreshold := uint32(cfg.FailureThreshold)

	settings := gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: uint32(successThreshold),
		Timeout:     time.Duration(cfg.ResetTimeoutMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}

	return &Breaker{
		endpoint: endpoint,
		enabled:  true,
		cb:       gobreaker.NewCircuitBreaker(settings),
	}
}

// Guard admits fn only if the breaker currently allows a call through;
// a synchronous call, never retried internally by the breaker itself.
func (b *Breaker) Guard(ctx context.Context, fn func() error) error {
	if !b.enabled {
		return fn()
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return internal.NewBreakerOpenError(b.endpoint)
	}
	return err
}

// State reports the breaker's current state for diagnostics/persistence.
func (b *Breaker) State() internal.BreakerState {
	if !b.enabled {
		return internal.BreakerClosed
	}
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return internal.BreakerOpen
	case gobreaker.StateHalfOpen:
		return internal.BreakerHalfOpen
	default:
		return internal.BreakerClosed
	}
}

var _ internal.Breaker = (*Breaker)(nil)
