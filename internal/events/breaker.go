package events

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pitabwire/caseportal/model"
)

// ErrBrokerUnavailable is returned while the breaker is open.
var ErrBrokerUnavailable = errors.New("event broker unavailable: circuit open")

// BreakerState is the state of a BreakerPublisher.
type BreakerState int

const (
	// BreakerClosed lets every publish through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects publishes without contacting the broker.
	BreakerOpen
	// BreakerHalfOpen lets trial publishes through to test the broker.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerPublisher stops calling a failing broker. After failureThreshold
// consecutive failures it opens and drops events for cooldown; it then lets
// publishes through again and closes after successThreshold consecutive
// successes. Any failure while half-open reopens it.
//
// Dropped events are reported as ErrBrokerUnavailable, which the case
// service logs like any other publish failure.
type BreakerPublisher struct {
	next Publisher
	now  func() time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// BreakerOption configures a BreakerPublisher.
type BreakerOption func(*BreakerPublisher)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *BreakerPublisher) { b.now = now }
}

// NewBreakerPublisher wraps next. Non-positive thresholds default to 5
// failures and 1 success; a non-positive cooldown defaults to 30s.
func NewBreakerPublisher(next Publisher, failureThreshold, successThreshold int, cooldown time.Duration, opts ...BreakerOption) *BreakerPublisher {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &BreakerPublisher{
		next:             next,
		now:              time.Now,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish forwards evt unless the breaker is open.
func (b *BreakerPublisher) Publish(ctx context.Context, evt model.Event) error {
	if !b.allow() {
		return ErrBrokerUnavailable
	}
	err := b.next.Publish(ctx, evt)
	b.record(err == nil)
	return err
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *BreakerPublisher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.state
}

// HealthCheck reports the breaker as unhealthy while open and otherwise
// defers to the wrapped publisher when it can check itself.
func (b *BreakerPublisher) HealthCheck(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBrokerUnavailable
	}
	if hc, ok := b.next.(interface {
		HealthCheck(ctx context.Context) error
	}); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close closes the wrapped publisher.
func (b *BreakerPublisher) Close() error { return b.next.Close() }

func (b *BreakerPublisher) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.state != BreakerOpen
}

func (b *BreakerPublisher) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		if !ok {
			b.open()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// open must be called with mu held.
func (b *BreakerPublisher) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// expire must be called with mu held.
func (b *BreakerPublisher) expire() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
