// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus is the in-process event hub. Every state change in the
// orchestrator is published here; the WebSocket bridge and any internal
// subscriber observe the system exclusively through this package.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetBusLogger()
		log = &l
	})
	return log
}

// Handler consumes one event. Returning an error marks the delivery
// failed for this subscriber only; the publish is unaffected.
type Handler func(ctx context.Context, evt protocol.Event) error

// Middleware runs before fan-out on every publish. It may rewrite the
// event; returning false vetoes delivery entirely.
type Middleware func(ctx context.Context, evt protocol.Event) (protocol.Event, bool)

// Subscription is the handle returned by Subscribe and accepted by
// Unsubscribe.
type Subscription struct {
	id      string
	topic   string
	handler Handler
}

// Topic reports the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Bus delivers events to topic subscribers. Delivery is at-most-once
// per subscription per publish, with no replay and no persistence.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*Subscription
	middleware []Middleware
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
	}
}

// Use appends a middleware to the chain. Middlewares run in the order
// they were added, on every publish.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers a handler for a topic. Multiple handlers per
// topic are allowed; insertion order is preserved.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: h,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	getLog().Debug().
		Str("topic", topic).
		Str("subscription_id", sub.id).
		Msg("Subscribed")

	return sub
}

// Unsubscribe removes a subscription. Removing an unknown or already
// removed subscription is a no-op. A publish already in flight still
// delivers to the removed handler (it iterates a snapshot).
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish runs the middleware chain, then invokes every handler for the
// event's topic concurrently. It returns once all handlers have settled.
// Handler errors and panics are logged, never propagated; a middleware
// veto drops the event before fan-out.
func (b *Bus) Publish(ctx context.Context, evt protocol.Event) {
	b.mu.RLock()
	mws := append([]Middleware(nil), b.middleware...)
	subs := append([]*Subscription(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()

	for _, mw := range mws {
		var ok bool
		evt, ok = mw(ctx, evt)
		if !ok {
			getLog().Debug().
				Str("topic", evt.Topic).
				Str("event_id", evt.EventID).
				Msg("Event vetoed by middleware")
			return
		}
	}

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.deliver(ctx, s, evt)
		}(sub)
	}
	wg.Wait()
}

// Emit is shorthand for publishing a fresh unscoped event.
func (b *Bus) Emit(ctx context.Context, topic string, payload any) {
	b.Publish(ctx, protocol.New(topic, payload))
}

// deliver invokes one handler, isolating its failure modes from the
// publisher and from sibling handlers.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().
				Interface("panic", r).
				Str("topic", evt.Topic).
				Str("event_id", evt.EventID).
				Str("subscription_id", sub.id).
				Msg("Event handler panicked")
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		getLog().Error().
			Err(err).
			Str("topic", evt.Topic).
			Str("event_id", evt.EventID).
			Str("subscription_id", sub.id).
			Msg("Event handler failed")
	}
}

// SubscriberCount reports the number of live subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
