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
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/state"
)

func dialBufconn(t *testing.T, store *state.Store) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	srv := grpc.NewServer()
	RegisterEventStreamServer(srv, NewIngest(store))
	go srv.Serve(lis) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		srv.Stop()
	}
}

func TestShipperDeliversEventsAndStoreReflectsThem(t *testing.T) {
	store := state.NewStore()
	conn, cleanup := dialBufconn(t, store)
	defer cleanup()

	shipper := NewShipper(conn)
	events := make(chan state.Event, 4)
	events <- state.Event{Ordinal: 1, Kind: state.KindNodeJoined, Payload: state.NodeJoinedPayload{NodeID: "node-a"}}
	events <- state.Event{Ordinal: 2, Kind: state.KindDeviceDiscovered, Payload: state.DeviceDiscoveredPayload{NodeID: "node-a"}}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := shipper.Run(ctx, events)
	assert.NoError(t, err)

	snap := store.Snapshot()
	assert.Contains(t, snap.Nodes, "node-a")
	assert.Equal(t, uint64(2), snap.Ordinal)
}

func TestShipperRunReturnsOnContextCancellation(t *testing.T) {
	store := state.NewStore()
	conn, cleanup := dialBufconn(t, store)
	defer cleanup()

	shipper := NewShipper(conn)
	events := make(chan state.Event) // never closed, never sent to

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- shipper.Run(ctx, events) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Shipper.Run did not exit within the cancellation bound")
	}
}
