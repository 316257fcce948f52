package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/caseportal/model"
)

// Publisher delivers case events. Delivery is at most once; callers do not
// retry.
type Publisher interface {
	Publish(ctx context.Context, evt model.Event) error
	Close() error
}

// --- MemoryPublisher ---

// MemoryPublisher records published events. Intended for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes every subsequent Publish return err.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records evt.
func (p *MemoryPublisher) Publish(_ context.Context, evt model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (p *MemoryPublisher) Events() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Close is a no-op.
func (p *MemoryPublisher) Close() error { return nil }

// --- LogPublisher ---

// LogPublisher writes events to a zap logger. Used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs evt at info level without its data payload.
func (p *LogPublisher) Publish(_ context.Context, evt model.Event) error {
	p.logger.Info("case event",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("case_id", evt.CaseID),
		zap.String("case_definition_id", evt.CaseDefinitionID),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// --- ObservedPublisher ---

// PublishObserver is notified of every publish attempt.
type PublishObserver interface {
	OnEventPublished(eventType string, err error)
}

// ObservedPublisher reports the outcome of each Publish on the wrapped
// publisher to an observer.
type ObservedPublisher struct {
	next     Publisher
	observer PublishObserver
}

// NewObservedPublisher wraps next.
func NewObservedPublisher(next Publisher, observer PublishObserver) *ObservedPublisher {
	return &ObservedPublisher{next: next, observer: observer}
}

// Publish delegates to the wrapped publisher.
func (p *ObservedPublisher) Publish(ctx context.Context, evt model.Event) error {
	err := p.next.Publish(ctx, evt)
	p.observer.OnEventPublished(evt.Type, err)
	return err
}

// Close closes the wrapped publisher.
func (p *ObservedPublisher) Close() error { return p.next.Close() }
