package replica

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	if s == BreakerOpen {
		return "open"
	}
	return "closed"
}

// CircuitBreaker decides whether dual connections may use the replica at
// all. While open, every call goes to main.
type CircuitBreaker interface {
	Handle(err error)
	State() BreakerState
}

// BreakOnNotSupportedOperations opens as soon as an unsupported operation is
// attempted and stays open until Reset. An unsupported call means the caller
// relies on behavior the dual connection cannot reproduce across two
// databases, so main-only routing is the only safe mode left.
type BreakOnNotSupportedOperations struct {
	open atomic.Bool
}

var defaultBreaker = &BreakOnNotSupportedOperations{}

// DefaultCircuitBreaker returns the process-wide breaker used by New unless
// WithCircuitBreaker overrides it.
func DefaultCircuitBreaker() *BreakOnNotSupportedOperations { return defaultBreaker }

func (b *BreakOnNotSupportedOperations) Handle(err error) {
	if err == nil || !errors.Is(err, ErrUnsupported) {
		return
	}
	if b.open.CompareAndSwap(false, true) {
		slog.Warn("replica circuit breaker opened; routing all calls to main",
			slog.Any("error", err))
	}
}

func (b *BreakOnNotSupportedOperations) State() BreakerState {
	if b.open.Load() {
		return BreakerOpen
	}
	return BreakerClosed
}

// Reset closes the breaker.
func (b *BreakOnNotSupportedOperations) Reset() {
	b.open.Store(false)
}
