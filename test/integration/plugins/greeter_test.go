// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

//go:build integration

package plugins_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/lablabbean/pluginhost/internal/builtin"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
	"github.com/lablabbean/pluginhost/internal/plugin/lua"
	"github.com/lablabbean/pluginhost/internal/plugin/native"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// inbox collects "greeted" script events.
type inbox struct {
	mu     sync.Mutex
	events []pluginapi.ScriptEvent
}

func (b *inbox) handle(_ context.Context, e pluginapi.ScriptEvent) error {
	if e.Topic != "greeted" {
		return nil
	}
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
	return nil
}

func (b *inbox) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Payload["text"].(string))
	}
	return out
}

func (b *inbox) last() pluginapi.ScriptEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

var _ = Describe("Greeter plugin", func() {
	var (
		ctx    context.Context
		root   string
		l      *loader.Loader
		greets *inbox
	)

	greet := func(name string) {
		Expect(pluginapi.Publish(ctx, l.Bus(), pluginapi.ScriptEvent{
			Topic:   "greet",
			Source:  "test",
			Payload: map[string]any{"name": name},
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = copyPlugin("greeter")

		catalog := native.NewCatalog()
		builtin.Register(catalog)

		var err error
		l, err = loader.New(loader.Config{
			Paths:     []string{root},
			HotReload: true,
			Settings:  map[string]map[string]any{"greeter": {"greeting": "hi"}},
		},
			loader.WithRuntime(native.NewRuntime(catalog)),
			loader.WithRuntime(lua.NewRuntime()),
			loader.WithBuiltins(builtin.Discovered()...),
			loader.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		Expect(err).NotTo(HaveOccurred())

		greets = &inbox{}
		pluginapi.Subscribe(l.Bus(), greets.handle)

		started, err := l.DiscoverAndLoad(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(started).To(Equal(2))
	})

	AfterEach(func() {
		Expect(l.Close(ctx)).To(Succeed())
	})

	It("loads the built-in before the script plugin", func() {
		Expect(l.LoadedIDs()).To(Equal([]string{builtin.LifecycleLogID, "greeter"}))
		Expect(l.Ready()).To(BeTrue())

		d, ok := l.Table().Get("greeter")
		Expect(ok).To(BeTrue())
		Expect(d.State).To(Equal(plugin.StateStarted))
		Expect(d.Collectible).To(BeTrue())
	})

	It("answers greet events with the configured greeting", func() {
		greet("Ada")
		greet("Grace")

		Expect(greets.texts()).To(Equal([]string{"hi, Ada", "hi, Grace"}))
		Expect(greets.last().Source).To(Equal("greeter"))
		Expect(greets.last().Payload["count"]).To(BeEquivalentTo(2))
	})

	It("starts from a fresh script state after a reload", func() {
		greet("Ada")
		Expect(l.ReloadPlugin(ctx, "greeter")).To(Succeed())

		d, _ := l.Table().Get("greeter")
		Expect(d.Generation).To(Equal(2))
		Expect(d.State).To(Equal(plugin.StateStarted))

		greet("Ada")
		Expect(greets.texts()).To(Equal([]string{"hi, Ada", "hi, Ada"}), "old subscription is gone")
		Expect(greets.last().Payload["count"]).To(BeEquivalentTo(1))
	})

	It("picks up an edited script on reload", func() {
		script := filepath.Join(root, "greeter", "main.lua")
		src, err := os.ReadFile(script)
		Expect(err).NotTo(HaveOccurred())
		edited := []byte(string(src) + "\nfunction greeter.start()\n  greeting = string.upper(greeting)\nend\n")
		Expect(os.WriteFile(script, edited, 0o600)).To(Succeed())

		Expect(l.ReloadPlugin(ctx, "greeter")).To(Succeed())
		greet("Ada")
		Expect(greets.texts()).To(Equal([]string{"HI, Ada"}))
	})

	It("stops answering once unloaded and records the lifecycle", func() {
		Expect(l.UnloadPlugin(ctx, "greeter")).To(Succeed())
		greet("Ada")
		Expect(greets.texts()).To(BeEmpty())

		log, err := pluginapi.Get[builtin.LifecycleLog](l.Registry(), pluginapi.One)
		Expect(err).NotTo(HaveOccurred())
		var events []string
		for _, e := range log.Recent() {
			events = append(events, e.PluginID+":"+e.Event)
		}
		Expect(events).To(Equal([]string{
			"lifecycle-log:loaded",
			"greeter:loaded",
			"greeter:unloaded",
		}))
	})
})
