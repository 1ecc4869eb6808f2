// Package events fans job logs, subsystem statuses and job completions out
// to local subscribers and, optionally, to every other instance through a
// shared stream.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Subscriber receives envelopes. An error from Send removes the subscriber.
type Subscriber interface {
	Send(ctx context.Context, env Envelope) error
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(ctx context.Context, env Envelope) error

// Send implements Subscriber
func (f SubscriberFunc) Send(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Bus is the in-process set of connected subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber
	logger *slog.Logger
}

// NewBus creates an empty Bus
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]Subscriber),
		logger: logger,
	}
}

// Subscribe registers s and returns its id
func (b *Bus) Subscribe(s Subscriber) string {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = s
	n := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("Subscriber added", slog.String("subscriber_id", id), slog.Int("subscribers", n))
	return id
}

// Unsubscribe removes a subscriber; unknown ids are ignored
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Count returns the number of connected subscribers
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Broadcast sends env to every subscriber and drops those whose send fails.
// It returns the number of successful deliveries.
func (b *Bus) Broadcast(ctx context.Context, env Envelope) int {
	b.mu.RLock()
	targets := make(map[string]Subscriber, len(b.subs))
	for id, s := range b.subs {
		targets[id] = s
	}
	b.mu.RUnlock()

	var failed []string
	for id, s := range targets {
		if err := s.Send(ctx, env); err != nil {
			b.logger.Debug("Dropping subscriber",
				slog.String("subscriber_id", id),
				slog.Any("error", err),
			)
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}

	return len(targets) - len(failed)
}
