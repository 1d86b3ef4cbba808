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

package transport

import (
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/state"
)

// Ingest is the master-side EventStreamServer: every event a worker sends
// is applied to the shared Store, in the order received, and acknowledged
// with an envelope carrying the resulting snapshot ordinal.
type Ingest struct {
	UnimplementedEventStreamServer

	store *state.Store
}

// NewIngest constructs an Ingest applying events into store.
func NewIngest(store *state.Store) *Ingest {
	return &Ingest{store: store}
}

// Stream implements EventStreamServer. It never returns an error for a
// malformed or unknown event — per the error-handling design, the event
// applier never fails; it logs and moves on. It returns only on stream
// teardown (EOF or a transport error).
func (g *Ingest) Stream(stream EventStream_StreamServer) error {
	for {
		env, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		ev, err := DecodeEvent(env)
		if err != nil {
			klog.Warningf("transport: dropping malformed event: %v", err)
			continue
		}

		snap := g.store.Apply(ev)

		ack, err := encodeAck(snap.Ordinal)
		if err != nil {
			klog.Warningf("transport: encoding ack for ordinal %d: %v", snap.Ordinal, err)
			continue
		}
		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

// Serve starts a gRPC server on a TCP listener bound to addr, hosting the
// EventStream service, following the listen-then-Serve shape the device
// plugin's own grpc wiring uses.
func Serve(addr string, store *state.Store, opts ...grpc.ServerOption) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer(opts...)
	RegisterEventStreamServer(srv, NewIngest(store))

	go func() {
		if err := srv.Serve(lis); err != nil {
			klog.Infof("transport: grpc server on %s stopped: %v", addr, err)
		}
	}()

	return srv, nil
}

func encodeAck(ordinal uint64) (*wrapperspb.BytesValue, error) {
	return EncodeEvent(state.Event{
		Ordinal: ordinal,
		Kind:    ackKind,
		Payload: ackPayload{Ordinal: ordinal},
	})
}

// ackKind and ackPayload give the acknowledgement its own wire shape
// distinct from any real state.Kind, so a worker can tell an ack apart
// from an event echoed back, without adding a second RPC method to the
// service descriptor.
const ackKind state.Kind = "_Ack"

type ackPayload struct {
	Ordinal uint64 `json:"ordinal"`
}
