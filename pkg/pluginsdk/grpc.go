// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package pluginsdk

import (
	"context"
	"errors"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service served by plugin binaries.
const ServiceName = "pluginhost.plugin.v1.Lifecycle"

const (
	methodInitialize  = "Initialize"
	methodStart       = "Start"
	methodStop        = "Stop"
	methodHandleEvent = "HandleEvent"
	methodHealth      = "Health"
)

// GRPCPlugin implements go-plugin's GRPCPlugin for the lifecycle service.
type GRPCPlugin struct {
	goplugin.NetRPCUnsupportedPlugin
	// Impl is used by the plugin process only.
	Impl Handler
}

// GRPCServer registers the lifecycle service (called by the plugin process).
func (p *GRPCPlugin) GRPCServer(_ *goplugin.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errors.New("pluginsdk: handler is nil")
	}
	s.RegisterService(&serviceDesc, &server{impl: p.Impl})
	return nil
}

// GRPCClient returns a Lifecycle client (called by the host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *goplugin.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return NewClient(c), nil
}

// lifecycleServer is the handler type checked by grpc.Server.RegisterService.
type lifecycleServer interface {
	initialize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	start(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
	stop(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
	handleEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	health(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*lifecycleServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodInitialize, newStruct, lifecycleServer.initialize),
		unary(methodStart, newEmpty, lifecycleServer.start),
		unary(methodStop, newEmpty, lifecycleServer.stop),
		unary(methodHandleEvent, newStruct, lifecycleServer.handleEvent),
		unary(methodHealth, newEmpty, lifecycleServer.health),
	},
	Metadata: "pluginhost/plugin/v1/lifecycle.proto",
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

func unary[Req, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(lifecycleServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s, _ := srv.(lifecycleServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				r, _ := req.(Req)
				return call(s, ctx, r)
			})
		},
	}
}

// server adapts a Handler to the wire messages.
type server struct {
	impl Handler
}

func (s *server) initialize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	req := InitRequest{
		PluginID: stringField(m, "plugin_id"),
		Profile:  stringField(m, "profile"),
		Config:   mapField(m, "config"),
	}
	topics, err := s.impl.Initialize(ctx, req)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(topics))
	for i, t := range topics {
		list[i] = t
	}
	return structpb.NewStruct(map[string]any{"subscriptions": list})
}

func (s *server) start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, s.impl.Start(ctx)
}

func (s *server) stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, s.impl.Stop(ctx)
}

func (s *server) handleEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	out, err := s.impl.HandleEvent(ctx, eventFromMap(in.AsMap()))
	if err != nil {
		return nil, err
	}
	return eventsToStruct(out)
}

func (s *server) health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, message := "healthy", ""
	if hr, ok := s.impl.(HealthReporter); ok {
		status, message = hr.Health(ctx)
	}
	return structpb.NewStruct(map[string]any{"status": status, "message": message})
}

// Compile-time interface check.
var _ Lifecycle = (*Client)(nil)

// Client calls the lifecycle service of a plugin binary.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return oops.In("pluginsdk").With("method", method).Wrap(err)
	}
	return nil
}

// Initialize implements Handler.
func (c *Client) Initialize(ctx context.Context, req InitRequest) ([]string, error) {
	config := req.Config
	if config == nil {
		config = map[string]any{}
	}
	in, err := structpb.NewStruct(map[string]any{
		"plugin_id": req.PluginID,
		"profile":   req.Profile,
		"config":    config,
	})
	if err != nil {
		return nil, oops.In("pluginsdk").With("plugin", req.PluginID).Wrapf(err, "encode plugin config")
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodInitialize, in, out); err != nil {
		return nil, err
	}
	raw, _ := out.AsMap()["subscriptions"].([]any)
	topics := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok && s != "" {
			topics = append(topics, s)
		}
	}
	return topics, nil
}

// Start implements Handler.
func (c *Client) Start(ctx context.Context) error {
	return c.invoke(ctx, methodStart, &emptypb.Empty{}, &emptypb.Empty{})
}

// Stop implements Handler.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, methodStop, &emptypb.Empty{}, &emptypb.Empty{})
}

// HandleEvent implements Handler.
func (c *Client) HandleEvent(ctx context.Context, evt Event) ([]Event, error) {
	in, err := eventToStruct(evt)
	if err != nil {
		return nil, oops.In("pluginsdk").With("topic", evt.Topic).Wrapf(err, "encode event")
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodHandleEvent, in, out); err != nil {
		return nil, err
	}
	raw, _ := out.AsMap()["events"].([]any)
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			events = append(events, eventFromMap(m))
		}
	}
	return events, nil
}

// Health implements Lifecycle.
func (c *Client) Health(ctx context.Context) (string, string, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodHealth, &emptypb.Empty{}, out); err != nil {
		return "", "", err
	}
	m := out.AsMap()
	return stringField(m, "status"), stringField(m, "message"), nil
}

func eventMap(evt Event) map[string]any {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{"topic": evt.Topic, "source": evt.Source, "payload": payload}
}

func eventToStruct(evt Event) (*structpb.Struct, error) {
	return structpb.NewStruct(eventMap(evt))
}

func eventsToStruct(events []Event) (*structpb.Struct, error) {
	list := make([]any, len(events))
	for i, e := range events {
		list[i] = eventMap(e)
	}
	return structpb.NewStruct(map[string]any{"events": list})
}

func eventFromMap(m map[string]any) Event {
	return Event{
		Topic:   stringField(m, "topic"),
		Source:  stringField(m, "source"),
		Payload: mapField(m, "payload"),
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	if v == nil {
		return map[string]any{}
	}
	return v
}
