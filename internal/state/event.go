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

// Package state maintains the authoritative cluster view as the deterministic
// fold of an append-only event log: one apply function per event variant,
// total over all inputs, publishing a new immutable ClusterSnapshot per event.
package state

import (
	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/telemetry"
	"github.com/shardmesh/shardmesh/internal/topology"
)

// Kind tags which payload an Event carries.
type Kind string

const (
	KindNodeJoined           Kind = "NodeJoined"
	KindNodeLeft             Kind = "NodeLeft"
	KindDeviceDiscovered     Kind = "DeviceDiscovered"
	KindDeviceMetricsUpdated Kind = "DeviceMetricsUpdated"
	KindLinkMetricsMeasured  Kind = "LinkMetricsMeasured"
	KindInstanceRequested    Kind = "InstanceRequested"
	KindShardPlaced          Kind = "ShardPlaced"
	KindInstanceRetired      Kind = "InstanceRetired"
	KindAccessGranted        Kind = "AccessGranted"
	KindAccessRevoked        Kind = "AccessRevoked"
)

// Event is one tagged record in the append-only log. Ordinal is assigned at
// append time by the Log and is never set by the caller.
type Event struct {
	Ordinal uint64
	Kind    Kind
	Payload interface{}
}

// NodeJoinedPayload announces a worker node entering the cluster.
type NodeJoinedPayload struct {
	NodeID string
}

// NodeLeftPayload announces a worker node departing; every device and
// instance bound to it is removed/retired by the applier.
type NodeLeftPayload struct {
	NodeID string
	Reason string
}

// DeviceDiscoveredPayload records one device becoming known, attributed to
// the node that discovered it. Devices are immutable once recorded.
type DeviceDiscoveredPayload struct {
	NodeID string
	Device backend.Device
}

// DeviceMetricsUpdatedPayload carries one validated telemetry sample.
type DeviceMetricsUpdatedPayload struct {
	Sample telemetry.Sample
}

// LinkMetricsMeasuredPayload carries one directed interconnect measurement.
type LinkMetricsMeasuredPayload struct {
	From, To string
	Metrics  topology.LinkMetrics
}

// Shard is a contiguous range of model layers within a Pipeline.
type Shard struct {
	Ordinal             int
	ComputeFLOPs         float64
	MemoryBytes          uint64
	InputBytes           uint64
	OutputBytes          uint64
	SupportedPrecisions []string
}

// InstanceRequestedPayload starts an instance's lifecycle: Requested.
type InstanceRequestedPayload struct {
	InstanceID string
	Pipeline   []Shard
}

// ShardPlacedPayload assigns one shard of an in-flight instance to a device.
type ShardPlacedPayload struct {
	InstanceID     string
	ShardOrdinal   int
	DeviceID       string
	Score          float64
	PipelineLength int // total shard count; lets the applier detect completion
}

// InstanceRetiredPayload ends an instance's lifecycle, successfully or not.
type InstanceRetiredPayload struct {
	InstanceID string
	Reason     string
}

// AccessGrantedPayload/AccessRevokedPayload log capability changes for audit
// and for the access layer's own event-sourced record, independent of the
// synchronous capability check made on each operation.
type AccessGrantedPayload struct {
	Principal  string
	DeviceID   string
	Operations []string
}

type AccessRevokedPayload struct {
	Principal string
	DeviceID  string
}
