// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Command echo is a binary plugin that republishes every "echo" event as
// "echoed".
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/lablabbean/pluginhost/pkg/pluginsdk"
)

type echo struct {
	prefix  string
	running atomic.Bool
	echoed  atomic.Int64
}

func (e *echo) Initialize(_ context.Context, req pluginsdk.InitRequest) ([]string, error) {
	if p, ok := req.Config["prefix"].(string); ok {
		e.prefix = p
	}
	return []string{"echo"}, nil
}

func (e *echo) Start(context.Context) error {
	e.running.Store(true)
	return nil
}

func (e *echo) Stop(context.Context) error {
	e.running.Store(false)
	return nil
}

func (e *echo) HandleEvent(_ context.Context, evt pluginsdk.Event) ([]pluginsdk.Event, error) {
	text, _ := evt.Payload["text"].(string)
	e.echoed.Add(1)
	return []pluginsdk.Event{{
		Topic:   "echoed",
		Payload: map[string]any{"text": e.prefix + strings.TrimSpace(text)},
	}}, nil
}

func (e *echo) Health(context.Context) (string, string) {
	if !e.running.Load() {
		return "unknown", "not started"
	}
	return "healthy", ""
}

func main() {
	pluginsdk.Serve("echo", &echo{})
}
