// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package goplugin

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/oops"

	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
	"github.com/lablabbean/pluginhost/pkg/pluginsdk"
)

// Compile-time interface checks.
var (
	_ pluginapi.Plugin         = (*remotePlugin)(nil)
	_ pluginapi.HealthReporter = (*remotePlugin)(nil)
)

// remotePlugin is the host-side stand-in for a plugin process.
type remotePlugin struct {
	id           string
	lifecycle    pluginsdk.Lifecycle
	logger       *slog.Logger
	eventTimeout time.Duration
}

func (p *remotePlugin) Initialize(ctx context.Context, pctx *pluginapi.Context) error {
	topics, err := p.lifecycle.Initialize(ctx, pluginsdk.InitRequest{
		PluginID: pctx.PluginID,
		Profile:  pctx.Profile,
		Config:   pctx.Config,
	})
	if err != nil {
		return oops.In("goplugin").With("plugin", p.id).Wrap(err)
	}
	if len(topics) == 0 {
		return nil
	}

	events := pctx.Events
	pluginapi.Subscribe(events, func(ctx context.Context, evt pluginapi.ScriptEvent) error {
		// Events the plugin emitted itself are never looped back.
		if evt.Source == p.id || !subscribed(topics, evt.Topic) {
			return nil
		}
		return p.deliver(ctx, events, evt)
	})
	p.logger.Debug("binary plugin subscribed", "topics", topics)
	return nil
}

func (p *remotePlugin) deliver(ctx context.Context, events pluginapi.EventBus, evt pluginapi.ScriptEvent) error {
	callCtx, cancel := context.WithTimeout(ctx, p.eventTimeout)
	defer cancel()

	out, err := p.lifecycle.HandleEvent(callCtx, pluginsdk.Event{
		Topic:   evt.Topic,
		Source:  evt.Source,
		Payload: evt.Payload,
	})
	if err != nil {
		return oops.In("goplugin").
			With("plugin", p.id).
			With("topic", evt.Topic).
			Wrapf(err, "plugin %s HandleEvent failed", p.id)
	}
	for _, e := range out {
		if err := pluginapi.Publish(ctx, events, pluginapi.ScriptEvent{
			Topic:   e.Topic,
			Source:  p.id,
			Payload: e.Payload,
		}); err != nil {
			return err //nolint:wrapcheck // cancellation is returned as-is
		}
	}
	return nil
}

func (p *remotePlugin) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return oops.In("goplugin").With("plugin", p.id).Wrap(err)
	}
	return nil
}

func (p *remotePlugin) Stop(ctx context.Context) error {
	if err := p.lifecycle.Stop(ctx); err != nil {
		return oops.In("goplugin").With("plugin", p.id).Wrap(err)
	}
	return nil
}

// Health asks the process. A process that does not answer is unhealthy.
func (p *remotePlugin) Health(ctx context.Context) (pluginapi.HealthStatus, string) {
	callCtx, cancel := context.WithTimeout(ctx, p.eventTimeout)
	defer cancel()

	status, message, err := p.lifecycle.Health(callCtx)
	if err != nil {
		return pluginapi.HealthUnhealthy, err.Error()
	}
	switch s := pluginapi.HealthStatus(status); s {
	case pluginapi.HealthHealthy, pluginapi.HealthDegraded, pluginapi.HealthUnhealthy:
		return s, message
	default:
		return pluginapi.HealthUnknown, message
	}
}

func subscribed(topics []string, topic string) bool {
	return slices.Contains(topics, "*") || slices.Contains(topics, topic)
}
