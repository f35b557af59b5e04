// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package eventbus provides the in-process event bus shared by plugins.
package eventbus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/pkg/errutil"
	"github.com/lablabbean/pluginhost/pkg/plugin"
)

// Compile-time interface check.
var _ plugin.EventBus = (*Bus)(nil)

type subscriber struct {
	owner   string
	handler plugin.EventHandler
}

// Bus delivers events sequentially to subscribers in registration order.
//
// Subscriber slices are replaced, never mutated in place, so a publish in
// progress keeps iterating the snapshot it took.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type][]subscriber
	logger *slog.Logger
}

// New creates an event bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[reflect.Type][]subscriber),
		logger: logger,
	}
}

// SubscribeEvent appends handler to the subscribers of key.
func (b *Bus) SubscribeEvent(key reflect.Type, handler plugin.EventHandler) {
	b.subscribe(key, "", handler)
}

func (b *Bus) subscribe(key reflect.Type, owner string, handler plugin.EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[key]
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[key] = append(next, subscriber{owner: owner, handler: handler})
}

// PublishEvent calls every subscriber of key in order and waits for each.
// Subscriber errors and panics are logged and do not stop delivery.
func (b *Bus) PublishEvent(ctx context.Context, key reflect.Type, event any) error {
	b.mu.RLock()
	subs := b.subs[key]
	b.mu.RUnlock()

	for i, s := range subs {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // cancellation is returned as-is
		}
		if err := b.safeCall(ctx, s.handler, event); err != nil {
			errutil.LogError(b.logger, "event subscriber failed", err,
				"event_type", typeName(key),
				"subscriber", i,
				"owner", s.owner)
		}
	}
	return nil
}

// UnsubscribeOwner drops every subscription registered through the scope of
// owner and returns how many were removed.
func (b *Bus) UnsubscribeOwner(owner string) int {
	if owner == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, cur := range b.subs {
		next := make([]subscriber, 0, len(cur))
		for _, s := range cur {
			if s.owner == owner {
				removed++
				continue
			}
			next = append(next, s)
		}
		if len(next) == 0 {
			delete(b.subs, key)
		} else {
			b.subs[key] = next
		}
	}
	return removed
}

// SubscriberCount returns the number of subscribers for key.
func (b *Bus) SubscriberCount(key reflect.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Scoped returns a view of the bus whose subscriptions are owned by owner.
func (b *Bus) Scoped(owner string) plugin.EventBus {
	return &scoped{bus: b, owner: owner}
}

type scoped struct {
	bus   *Bus
	owner string
}

func (s *scoped) SubscribeEvent(key reflect.Type, handler plugin.EventHandler) {
	s.bus.subscribe(key, s.owner, handler)
}

func (s *scoped) PublishEvent(ctx context.Context, key reflect.Type, event any) error {
	return s.bus.PublishEvent(ctx, key, event)
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("EVENT_HANDLER_PANIC").Errorf("event handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
