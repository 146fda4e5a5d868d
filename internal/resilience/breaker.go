// Package resilience guards best-effort upstream calls with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default 5.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before letting one
	// probe through. Default 30s.
	ResetTimeout time.Duration
}

// Breaker is a three-state circuit breaker. A warm Lambda container keeps one
// per upstream so a failing coach model stops costing every turn its full
// timeout.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is open. While half-open only a single
// probe call is admitted; its outcome closes or re-opens the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(probe, callErr)
	return callErr
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrCircuitOpen
		}
		b.probeInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		if err != nil {
			b.state = StateOpen
			b.openedAt = b.now()
			slog.Warn("circuit breaker re-opened", "name", b.name, "error", err)
			return
		}
		b.state = StateClosed
		b.failures = 0
		slog.Info("circuit breaker closed", "name", b.name)
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
		slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition happens on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}
