// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin

import (
	"context"
	"reflect"
)

// EventHandler receives a published event. Returned errors are logged by the
// bus and never reach the publisher.
type EventHandler func(ctx context.Context, event any) error

// EventBus delivers typed events to subscribers.
type EventBus interface {
	SubscribeEvent(key reflect.Type, handler EventHandler)
	PublishEvent(ctx context.Context, key reflect.Type, event any) error
}

// Subscribe registers handler for events of type T.
func Subscribe[T any](bus EventBus, handler func(ctx context.Context, event T) error) {
	bus.SubscribeEvent(KeyOf[T](), func(ctx context.Context, event any) error {
		v, ok := event.(T)
		if !ok {
			return nil
		}
		return handler(ctx, v)
	})
}

// Publish delivers event to every subscriber of T and waits for all of them.
// The only error returned is a cancellation of ctx.
func Publish[T any](ctx context.Context, bus EventBus, event T) error {
	return bus.PublishEvent(ctx, KeyOf[T](), event)
}

// Loaded is published after a plugin reaches the started state.
type Loaded struct {
	ID         string
	Version    string
	Generation int
}

// Failed is published when a plugin is marked failed.
type Failed struct {
	ID     string
	Reason string
}

// Unloaded is published after a plugin is unloaded.
type Unloaded struct {
	ID string
}

// ScriptEvent is the event type exchanged with script plugins, which have no
// Go types of their own.
type ScriptEvent struct {
	Topic   string
	Source  string
	Payload map[string]any
}
