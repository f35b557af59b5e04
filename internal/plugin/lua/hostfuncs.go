// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package lua

import (
	"context"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// hostModule is the "host" global exposed to scripts. Functions that need
// the plugin context raise a Lua error when called before initialize.
type hostModule struct {
	ec   *execContext
	pctx atomic.Pointer[pluginapi.Context]
}

func newHostModule(ec *execContext) *hostModule {
	return &hostModule{ec: ec}
}

func (h *hostModule) bind(pctx *pluginapi.Context) {
	h.pctx.Store(pctx)
}

func (h *hostModule) register(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(h.log))
	L.SetField(mod, "new_id", L.NewFunction(h.newID))
	L.SetField(mod, "plugin_id", L.NewFunction(h.pluginID))
	L.SetField(mod, "config", L.NewFunction(h.config))
	L.SetField(mod, "publish", L.NewFunction(h.publish))
	L.SetField(mod, "subscribe", L.NewFunction(h.subscribe))
	L.SetGlobal("host", mod)
}

func (h *hostModule) bound(L *lua.LState, fn string) *pluginapi.Context {
	pctx := h.pctx.Load()
	if pctx == nil {
		L.RaiseError("host.%s is only available from initialize onwards", fn)
		return nil
	}
	return pctx
}

// host.log(level, message)
func (h *hostModule) log(L *lua.LState) int {
	level := L.CheckString(1)
	message := L.CheckString(2)

	logger := h.ec.logger
	switch level {
	case "debug":
		logger.Debug(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
	return 0
}

// host.new_id() -> string
func (h *hostModule) newID(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

// host.plugin_id() -> string
func (h *hostModule) pluginID(L *lua.LState) int {
	L.Push(lua.LString(h.ec.manifest.ID))
	return 1
}

// host.config(key) -> value or nil
func (h *hostModule) config(L *lua.LState) int {
	key := L.CheckString(1)
	pctx := h.bound(L, "config")
	if pctx == nil {
		return 0
	}
	L.Push(toLua(L, pctx.Config[key]))
	return 1
}

// host.publish(topic, payload)
func (h *hostModule) publish(L *lua.LState) int {
	topic := L.CheckString(1)
	payload := map[string]any{}
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		if m, ok := fromLua(tbl).(map[string]any); ok {
			payload = m
		}
	}
	pctx := h.bound(L, "publish")
	if pctx == nil {
		return 0
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	evt := pluginapi.ScriptEvent{Topic: topic, Source: h.ec.manifest.ID, Payload: payload}
	if err := pluginapi.Publish(ctx, pctx.Events, evt); err != nil {
		L.RaiseError("publish %s: %s", topic, err.Error())
	}
	return 0
}

// host.subscribe(topic, fn(event)); topic "*" receives every script event.
func (h *hostModule) subscribe(L *lua.LState) int {
	topic := L.CheckString(1)
	fn := L.CheckFunction(2)
	pctx := h.bound(L, "subscribe")
	if pctx == nil {
		return 0
	}

	ec := h.ec
	pluginapi.Subscribe(pctx.Events, func(ctx context.Context, evt pluginapi.ScriptEvent) error {
		if topic != "*" && evt.Topic != topic {
			return nil
		}
		return ec.call(ctx, func(L *lua.LState) error {
			arg := toLua(L, map[string]any{
				"topic":   evt.Topic,
				"source":  evt.Source,
				"payload": evt.Payload,
			})
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, arg); err != nil {
				return oops.In("lua").
					With("plugin", ec.manifest.ID).
					With("topic", evt.Topic).
					Wrap(err)
			}
			return nil
		})
	})
	return 0
}
