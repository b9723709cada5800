package event

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Handler reacts to a delivered event. A returned error is logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

// FailureHook observes handler failures, e.g. to count them.
type FailureHook func(ev Event, pattern string, err error)

// Subscription identifies a registered handler.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Pattern returns the topic pattern the subscription was registered with.
func (s *Subscription) Pattern() string { return s.pattern }

type envelope struct {
	ctx   context.Context
	ev    Event
	flush chan struct{}
}

// Bus is a publish/subscribe hub. Handlers run in subscription order and a
// failing handler never stops delivery to the others.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64

	logger    zerolog.Logger
	onFailure FailureHook

	// async mode; closeMu guards closed and sends on queue
	queue   chan envelope
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithAsync delivers events from a single dispatcher goroutine, preserving
// publish order. Publish returns once the event is queued.
func WithAsync(queueSize int) Option {
	return func(b *Bus) {
		if queueSize < 1 {
			queueSize = 1
		}
		b.queue = make(chan envelope, queueSize)
	}
}

// WithFailureHook registers a callback for handler failures.
func WithFailureHook(h FailureHook) Option {
	return func(b *Bus) { b.onFailure = h }
}

// New creates a bus. Without WithAsync delivery is synchronous.
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queue != nil {
		b.done = make(chan struct{})
		go b.dispatch()
	}
	return b
}

// Subscribe registers h for events whose topic matches pattern.
// Patterns: "*", an exact topic, or dot segments with "*" ("resource.*").
func (b *Bus) Subscribe(pattern string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: pattern, handler: h}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes the subscription. Returns false if it was not registered.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b.queue == nil {
		b.deliver(ctx, ev)
		return
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		b.logger.Warn().Str("topic", ev.Topic()).Str("entity_id", ev.EntityID).Msg("bus closed, event dropped")
		return
	}
	b.queue <- envelope{ctx: context.WithoutCancel(ctx), ev: ev}
}

// Flush blocks until every event queued before the call has been delivered.
// It is a no-op for synchronous buses.
func (b *Bus) Flush(ctx context.Context) error {
	if b.queue == nil {
		return nil
	}
	marker := make(chan struct{})
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return nil
	}
	select {
	case b.queue <- envelope{flush: marker}:
		b.closeMu.RUnlock()
	case <-ctx.Done():
		b.closeMu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	if b.queue == nil {
		return
	}
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.closeMu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for env := range b.queue {
		if env.flush != nil {
			close(env.flush)
			continue
		}
		b.deliver(env.ctx, env.ev)
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	topic := ev.Topic()

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matchTopic(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := b.invoke(ctx, s, ev); err != nil {
			b.logger.Warn().
				Err(err).
				Str("topic", topic).
				Str("pattern", s.pattern).
				Str("entity_id", ev.EntityID).
				Msg("event handler failed")
			if b.onFailure != nil {
				b.onFailure(ev, s.pattern, err)
			}
		}
	}
}

func (b *Bus) invoke(ctx context.Context, s *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

func matchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == Wildcard || pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != topicParts[i] {
			return false
		}
	}
	return true
}
