/*
 * Copyright (c) 2019-2022, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport carries cluster state events from a worker to the
// master over a bidirectional gRPC stream. There is no .proto compiler in
// this build environment, so the service descriptor below is hand-wired in
// the shape protoc-gen-go-grpc would otherwise emit, and the wire envelope
// is wrapperspb.BytesValue carrying a JSON-encoded event rather than a
// generated message type.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const eventStreamServiceName = "shardmesh.transport.EventStream"

var eventStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: eventStreamServiceName,
	HandlerType: (*EventStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       eventStreamStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/transport/eventstream.go",
}

// EventStreamClient is the client API for the EventStream service: one
// long-lived bidirectional stream per worker-to-master connection.
type EventStreamClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (EventStream_StreamClient, error)
}

type eventStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewEventStreamClient wraps cc (a dialed *grpc.ClientConn satisfies this)
// in an EventStreamClient.
func NewEventStreamClient(cc grpc.ClientConnInterface) EventStreamClient {
	return &eventStreamClient{cc: cc}
}

func (c *eventStreamClient) Stream(ctx context.Context, opts ...grpc.CallOption) (EventStream_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &eventStreamServiceDesc.Streams[0], "/"+eventStreamServiceName+"/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &eventStreamStreamClient{stream}, nil
}

// EventStream_StreamClient is the bidirectional stream handle the client
// sends envelopes on and receives acknowledgements from.
type EventStream_StreamClient interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type eventStreamStreamClient struct {
	grpc.ClientStream
}

func (x *eventStreamStreamClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *eventStreamStreamClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// EventStreamServer is the server API for the EventStream service.
type EventStreamServer interface {
	Stream(EventStream_StreamServer) error
}

// UnimplementedEventStreamServer embeds into a concrete server to satisfy
// the interface ahead of implementing Stream, matching the
// forward-compatibility convention protoc-gen-go-grpc emits.
type UnimplementedEventStreamServer struct{}

func (UnimplementedEventStreamServer) Stream(EventStream_StreamServer) error {
	return status.Error(codes.Unimplemented, "method Stream not implemented")
}

// RegisterEventStreamServer registers srv against s under the EventStream
// service descriptor.
func RegisterEventStreamServer(s grpc.ServiceRegistrar, srv EventStreamServer) {
	s.RegisterService(&eventStreamServiceDesc, srv)
}

func eventStreamStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(EventStreamServer).Stream(&eventStreamStreamServer{stream})
}

// EventStream_StreamServer is the bidirectional stream handle the server
// receives envelopes on and sends acknowledgements from.
type EventStream_StreamServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type eventStreamStreamServer struct {
	grpc.ServerStream
}

func (x *eventStreamStreamServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *eventStreamStreamServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
