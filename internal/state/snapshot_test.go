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

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/telemetry"
	"github.com/shardmesh/shardmesh/internal/topology"
)

func seedEvents() []Event {
	log := NewLog()
	events := []Event{
		log.Append(KindNodeJoined, NodeJoinedPayload{NodeID: "node-a"}),
		log.Append(KindDeviceDiscovered, DeviceDiscoveredPayload{NodeID: "node-a", Device: backend.Device{ID: "cuda:0", MemoryBytes: 24 << 30}}),
		log.Append(KindDeviceDiscovered, DeviceDiscoveredPayload{NodeID: "node-a", Device: backend.Device{ID: "cuda:1", MemoryBytes: 24 << 30}}),
		log.Append(KindDeviceMetricsUpdated, DeviceMetricsUpdatedPayload{Sample: telemetry.Sample{DeviceID: "cuda:0", MemoryTotal: 24 << 30, MemoryUsed: 1 << 30, UtilPercent: 10}}),
		log.Append(KindLinkMetricsMeasured, LinkMetricsMeasuredPayload{From: "cuda:0", To: "cuda:1", Metrics: topology.LinkMetrics{BandwidthMBps: 25000, LatencyMs: 1}}),
	}
	return events
}

func TestApplyIsDeterministicAcrossTwoReplays(t *testing.T) {
	events := seedEvents()
	first := Replay(events)
	second := Replay(events)
	assert.Equal(t, first, second)
}

func TestDeviceDiscoveredOnUnknownNodeIsAnomalyNotCrash(t *testing.T) {
	log := NewLog()
	ev := log.Append(KindDeviceDiscovered, DeviceDiscoveredPayload{NodeID: "ghost-node", Device: backend.Device{ID: "cuda:0"}})

	st := NewStore()
	snap := st.Apply(ev)

	assert.Empty(t, snap.Devices, "a device attributed to an unknown node must not be recorded")
	anomalies := st.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, KindDeviceDiscovered, anomalies[0].Kind)
}

func TestUnknownEventKindIsAnomalyNotCrash(t *testing.T) {
	st := NewStore()
	assert.NotPanics(t, func() {
		st.Apply(Event{Ordinal: 1, Kind: "SomethingMadeUp", Payload: nil})
	})
	assert.Len(t, st.Anomalies(), 1)
}

func TestReapplyingSameOrdinalIsNoOp(t *testing.T) {
	st := NewStore()
	ev := Event{Ordinal: 1, Kind: KindNodeJoined, Payload: NodeJoinedPayload{NodeID: "node-a"}}

	first := st.Apply(ev)
	second := st.Apply(ev)

	assert.Same(t, first, second, "re-applying an already-seen ordinal must leave the snapshot unchanged")
}

func TestInstanceLifecycleRequestedToActive(t *testing.T) {
	log := NewLog()
	pipeline := []Shard{{Ordinal: 0, MemoryBytes: 1 << 30}, {Ordinal: 1, MemoryBytes: 1 << 30}}

	st := NewStore()
	st.Apply(log.Append(KindNodeJoined, NodeJoinedPayload{NodeID: "node-a"}))
	st.Apply(log.Append(KindDeviceDiscovered, DeviceDiscoveredPayload{NodeID: "node-a", Device: backend.Device{ID: "cuda:0"}}))
	st.Apply(log.Append(KindDeviceDiscovered, DeviceDiscoveredPayload{NodeID: "node-a", Device: backend.Device{ID: "cuda:1"}}))

	snap := st.Apply(log.Append(KindInstanceRequested, InstanceRequestedPayload{InstanceID: "inst-1", Pipeline: pipeline}))
	assert.Equal(t, StatusPlacing, snap.Instances["inst-1"].Status)

	snap = st.Apply(log.Append(KindShardPlaced, ShardPlacedPayload{InstanceID: "inst-1", ShardOrdinal: 0, DeviceID: "cuda:0"}))
	assert.Equal(t, StatusPlacing, snap.Instances["inst-1"].Status, "instance stays Placing until every shard is assigned")

	snap = st.Apply(log.Append(KindShardPlaced, ShardPlacedPayload{InstanceID: "inst-1", ShardOrdinal: 1, DeviceID: "cuda:1"}))
	assert.Equal(t, StatusActive, snap.Instances["inst-1"].Status, "the last shard placement completes the pipeline")
}

func TestInstanceRetiresOnNodeDeparture(t *testing.T) {
	log := NewLog()
	pipeline := []Shard{{Ordinal: 0, MemoryBytes: 1 << 30}}

	st := NewStore()
	st.Apply(log.Append(KindNodeJoined, NodeJoinedPayload{NodeID: "node-a"}))
	st.Apply(log.Append(KindDeviceDiscovered, DeviceDiscoveredPayload{NodeID: "node-a", Device: backend.Device{ID: "cuda:0"}}))
	st.Apply(log.Append(KindInstanceRequested, InstanceRequestedPayload{InstanceID: "inst-1", Pipeline: pipeline}))
	st.Apply(log.Append(KindShardPlaced, ShardPlacedPayload{InstanceID: "inst-1", ShardOrdinal: 0, DeviceID: "cuda:0"}))

	snap := st.Apply(log.Append(KindNodeLeft, NodeLeftPayload{NodeID: "node-a", Reason: "heartbeat lost"}))

	assert.Equal(t, StatusRetiring, snap.Instances["inst-1"].Status)
	assert.NotContains(t, snap.Devices, "cuda:0")

	final := st.Apply(log.Append(KindInstanceRetired, InstanceRetiredPayload{InstanceID: "inst-1", Reason: "deallocated"}))
	assert.Equal(t, StatusRetired, final.Instances["inst-1"].Status)
}

func TestInstanceRequestedFailsPlacementGoesRetired(t *testing.T) {
	log := NewLog()
	st := NewStore()
	st.Apply(log.Append(KindInstanceRequested, InstanceRequestedPayload{InstanceID: "inst-1", Pipeline: []Shard{{Ordinal: 0, MemoryBytes: 1}}}))
	snap := st.Apply(log.Append(KindInstanceRetired, InstanceRetiredPayload{InstanceID: "inst-1", Reason: "NoFeasibleDevice"}))
	assert.Equal(t, StatusRetired, snap.Instances["inst-1"].Status)
}

func TestLogAssignsMonotonicOrdinals(t *testing.T) {
	log := NewLog()
	a := log.Append(KindNodeJoined, NodeJoinedPayload{NodeID: "node-a"})
	b := log.Append(KindNodeJoined, NodeJoinedPayload{NodeID: "node-b"})
	assert.Equal(t, uint64(1), a.Ordinal)
	assert.Equal(t, uint64(2), b.Ordinal)
	assert.Len(t, log.Since(1), 1)
	assert.Len(t, log.All(), 2)
}
