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
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/state"
)

// Dial opens a plaintext gRPC connection to a master's EventStream
// endpoint. Plaintext matches the teacher's own unix-socket device plugin
// transport: both are trusted-host-local or trusted-cluster-local links,
// not internet-facing.
func Dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	//nolint:staticcheck // DialContext is deprecated in favor of NewClient; kept for parity with the teacher's dial helper.
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Shipper ships locally-appended events to a master over one long-lived
// bidirectional stream, draining acknowledgements as they arrive. It is the
// worker-side half of C4's event emission into C5's append-only log running
// on a remote master.
type Shipper struct {
	client EventStreamClient
}

// NewShipper wraps a dialed connection in a Shipper.
func NewShipper(conn grpc.ClientConnInterface) *Shipper {
	return &Shipper{client: NewEventStreamClient(conn)}
}

// Run opens the stream and forwards every event read from events until ctx
// is cancelled or events is closed. It observes cancellation within the
// same bound every other long-running loop in this system does: the
// underlying stream is torn down as soon as ctx.Done() fires, discarding
// any in-flight send. When events is closed, Run half-closes the stream and
// returns once the master has ended it, i.e. after every sent event has
// been applied.
func (s *Shipper) Run(ctx context.Context, events <-chan state.Event) error {
	stream, err := s.client.Stream(ctx)
	if err != nil {
		return fmt.Errorf("transport: opening stream: %w", err)
	}

	acks := make(chan uint64, 16)
	recvErr := make(chan error, 1)
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			ordinal, err := DecodeAck(env)
			if err != nil {
				klog.Warningf("transport: dropping malformed ack: %v", err)
				continue
			}
			select {
			case acks <- ordinal:
			default:
				klog.V(4).Infof("transport: ack backlog full, dropping ack for ordinal %d", ordinal)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return fmt.Errorf("transport: stream closed: %w", err)
		case ack := <-acks:
			klog.V(4).Infof("transport: master acked ordinal %d", ack)
		case ev, ok := <-events:
			if !ok {
				if err := stream.CloseSend(); err != nil {
					return err
				}
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-acks:
					case err := <-recvErr:
						if errors.Is(err, io.EOF) {
							return nil
						}
						return fmt.Errorf("transport: stream closed: %w", err)
					}
				}
			}
			env, err := EncodeEvent(ev)
			if err != nil {
				klog.Warningf("transport: dropping unencodable event ordinal %d: %v", ev.Ordinal, err)
				continue
			}
			if err := stream.Send(env); err != nil {
				return fmt.Errorf("transport: send: %w", err)
			}
		}
	}
}
