// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package pluginsdk is the SDK for binary plugins.
//
// A binary plugin is an executable that serves a Handler over HashiCorp
// go-plugin. The host starts one process per execution context and talks to
// it over gRPC:
//
//	func main() {
//		pluginsdk.Serve("echo", &EchoHandler{})
//	}
package pluginsdk

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// HandshakeConfig is shared by the host and every plugin binary. A process
// started without the magic cookie refuses to run.
var HandshakeConfig = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINHOST_PLUGIN",
	MagicCookieValue: "pluginhost-v1",
}

// InitRequest carries the host context to a binary plugin.
type InitRequest struct {
	PluginID string
	Profile  string
	Config   map[string]any
}

// Event is a script event crossing the process boundary.
type Event struct {
	Topic   string
	Source  string
	Payload map[string]any
}

// Handler is implemented by plugin binaries.
type Handler interface {
	// Initialize returns the event topics the plugin wants delivered.
	// "*" subscribes to every topic.
	Initialize(ctx context.Context, req InitRequest) ([]string, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// HandleEvent returns events to publish in response. Source is set by
	// the host.
	HandleEvent(ctx context.Context, evt Event) ([]Event, error)
}

// HealthReporter is optionally implemented by handlers. Handlers that do
// not implement it report "healthy".
type HealthReporter interface {
	Health(ctx context.Context) (status, message string)
}

// Lifecycle is the host's view of a running plugin binary.
type Lifecycle interface {
	Handler
	Health(ctx context.Context) (status, message string, err error)
}

// Serve runs handler as the plugin named name. It blocks until the host
// kills the process.
func Serve(name string, handler Handler) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: goplugin.PluginSet{
			name: &GRPCPlugin{Impl: handler},
		},
		GRPCServer: goplugin.DefaultGRPCServer,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       name,
			Output:     os.Stderr,
			Level:      hclog.Info,
			JSONFormat: true,
		}),
	})
}
