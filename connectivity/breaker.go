package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is where the sync API breaker stands.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // upserts go out
	BreakerOpen                         // upserts fail fast with ErrCircuitOpen
	BreakerHalfOpen                     // a few upserts test whether the API is back
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker is shared by every entity endpoint under one sync API base.
// After threshold consecutive transport or 5xx failures it opens, so the
// rest of a run's upserts fail in place instead of each waiting out its
// retries. Once cooldown has passed since the last failure it lets upserts
// through again and closes after recover of them succeed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	recovered int
	lastFail  time.Time

	threshold int
	cooldown  time.Duration
	recover   int
	now       func() time.Time
	onChange  func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets how many consecutive failures open the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets the cooldown before an open breaker retries.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerHalfOpenMax sets how many upserts must succeed after the
// cooldown before the breaker closes.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.recover = n }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerOnChange registers fn to run on every state change. fn runs
// with the breaker locked and must not call back into it.
func WithBreakerOnChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker opens after 5 failures, retries after 30s and closes
// after 2 successes.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold: 5,
		cooldown:  30 * time.Second,
		recover:   2,
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cooledDown()
	return cb.state
}

// Allow reports whether an upsert may go out now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cooledDown()
	return cb.state != BreakerOpen
}

// RecordSuccess notes an upsert the API answered.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != BreakerHalfOpen {
		return
	}
	cb.recovered++
	if cb.recovered >= cb.recover {
		cb.set(BreakerClosed)
	}
}

// RecordFailure notes an upsert the API did not answer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.set(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.set(BreakerOpen)
	}
}

// cooledDown moves an open breaker to half-open once the cooldown has
// passed. mu must be held.
func (cb *CircuitBreaker) cooledDown() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFail) >= cb.cooldown {
		cb.set(BreakerHalfOpen)
	}
}

// set changes state and resets the counters. mu must be held.
func (cb *CircuitBreaker) set(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.recovered = 0
	if cb.onChange != nil && from != to {
		cb.onChange(from, to)
	}
}

// WithCircuitBreaker puts cb in front of the sync API base. An open breaker
// fails the call with *ErrCircuitOpen naming base. A 4xx means the API
// is up and rejected the record, so it counts as a success.
func WithCircuitBreaker(cb *CircuitBreaker, base string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Endpoint: base}
			}
			resp, err := next(ctx, payload)
			var se *StatusError
			if err == nil || (errors.As(err, &se) && se.ClientError()) {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			return resp, err
		}
	}
}
