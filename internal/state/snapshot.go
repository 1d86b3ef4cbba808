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
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/telemetry"
	"github.com/shardmesh/shardmesh/internal/topology"
)

// InstanceStatus is a state in the instance lifecycle:
// Requested -> Placing -> Active -> Retiring -> Retired.
type InstanceStatus string

const (
	StatusRequested InstanceStatus = "Requested"
	StatusPlacing   InstanceStatus = "Placing"
	StatusActive    InstanceStatus = "Active"
	StatusRetiring  InstanceStatus = "Retiring"
	StatusRetired   InstanceStatus = "Retired"
)

// Instance is one placed-model lifecycle tracked by the snapshot.
type Instance struct {
	ID           string
	Pipeline     []Shard
	Status       InstanceStatus
	Assignments  map[int]string // shard ordinal -> device id
	RetireReason string
}

func (i Instance) clone() Instance {
	out := i
	out.Assignments = make(map[int]string, len(i.Assignments))
	for k, v := range i.Assignments {
		out.Assignments[k] = v
	}
	return out
}

// placementComplete reports whether every shard in the pipeline has an
// assignment.
func (i Instance) placementComplete() bool {
	return len(i.Assignments) >= len(i.Pipeline) && len(i.Pipeline) > 0
}

// ClusterSnapshot is the deterministic fold of the event log at some
// ordinal. It is immutable: every apply produces a new value, never mutates
// an existing one in place, so readers holding a reference see a consistent
// view regardless of concurrent appliers.
type ClusterSnapshot struct {
	Ordinal    uint64
	Nodes      map[string]bool
	Devices    map[string]backend.Device
	DeviceNode map[string]string
	Metrics    map[string]telemetry.Sample
	Topology   *topology.Graph
	Instances  map[string]Instance
}

func newSnapshot() *ClusterSnapshot {
	return &ClusterSnapshot{
		Nodes:      make(map[string]bool),
		Devices:    make(map[string]backend.Device),
		DeviceNode: make(map[string]string),
		Metrics:    make(map[string]telemetry.Sample),
		Topology:   topology.NewGraph(),
		Instances:  make(map[string]Instance),
	}
}

// clone makes a shallow-per-field copy so the apply path can mutate one map
// without aliasing the snapshot a concurrent reader is holding. Device and
// Sample values are themselves immutable, so their maps only need a new
// top-level map, not per-entry deep copies.
func (s *ClusterSnapshot) clone() *ClusterSnapshot {
	out := &ClusterSnapshot{
		Ordinal:    s.Ordinal,
		Nodes:      make(map[string]bool, len(s.Nodes)),
		Devices:    make(map[string]backend.Device, len(s.Devices)),
		DeviceNode: make(map[string]string, len(s.DeviceNode)),
		Metrics:    make(map[string]telemetry.Sample, len(s.Metrics)),
		Topology:   s.Topology, // replaced wholesale on DeviceDiscovered and LinkMetricsMeasured, shared otherwise
		Instances:  make(map[string]Instance, len(s.Instances)),
	}
	for k, v := range s.Nodes {
		out.Nodes[k] = v
	}
	for k, v := range s.Devices {
		out.Devices[k] = v
	}
	for k, v := range s.DeviceNode {
		out.DeviceNode[k] = v
	}
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	for k, v := range s.Instances {
		out.Instances[k] = v.clone()
	}
	return out
}

// AnomalyRecord is logged, never fatal, when an event cannot be applied
// meaningfully (unknown kind, malformed payload, reference to an unknown
// entity). Application stays total: the fold always produces a snapshot.
type AnomalyRecord struct {
	Ordinal uint64
	Kind    Kind
	Reason  string
}

// Store holds the current published snapshot and folds events into it one
// at a time. Snapshot() is the single synchronization point between the
// applier goroutine and any number of concurrent readers.
type Store struct {
	mu       sync.RWMutex
	current  *ClusterSnapshot
	lastOrd  uint64
	anomalies []AnomalyRecord
}

// NewStore constructs a Store with the empty snapshot at ordinal 0.
func NewStore() *Store {
	return &Store{current: newSnapshot()}
}

// Snapshot returns the current published snapshot. Safe for concurrent use
// with Apply.
func (s *Store) Snapshot() *ClusterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Anomalies returns every anomaly recorded so far, oldest first.
func (s *Store) Anomalies() []AnomalyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AnomalyRecord, len(s.anomalies))
	copy(out, s.anomalies)
	return out
}

// Apply folds one event into the current snapshot and publishes the result.
// Re-applying an already-seen ordinal (at or below the last applied one) is
// a no-op: the snapshot is unchanged, matching the log's idempotence
// requirement. Apply is total — it never panics or returns an error; a
// malformed event is recorded to the anomaly log and otherwise ignored.
func (s *Store) Apply(ev Event) *ClusterSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Ordinal <= s.lastOrd {
		return s.current
	}

	next := s.current.clone()
	next.Ordinal = ev.Ordinal

	if err := applyInto(next, ev); err != nil {
		s.anomalies = append(s.anomalies, AnomalyRecord{Ordinal: ev.Ordinal, Kind: ev.Kind, Reason: err.Error()})
		klog.Warningf("state: anomaly applying ordinal %d (%s): %v", ev.Ordinal, ev.Kind, err)
	}

	s.lastOrd = ev.Ordinal
	s.current = next
	return next
}

// Replay folds every event in order from the empty snapshot, returning the
// final result. Two Replay calls over the same event slice always produce
// byte-identical-by-value snapshots, since apply is deterministic and total.
func Replay(events []Event) *ClusterSnapshot {
	st := NewStore()
	var out *ClusterSnapshot = st.current
	for _, ev := range events {
		out = st.Apply(ev)
	}
	return out
}

func applyInto(snap *ClusterSnapshot, ev Event) error {
	switch ev.Kind {
	case KindNodeJoined:
		p, ok := ev.Payload.(NodeJoinedPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		snap.Nodes[p.NodeID] = true
		return nil

	case KindNodeLeft:
		p, ok := ev.Payload.(NodeLeftPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		delete(snap.Nodes, p.NodeID)

		departing := make(map[string]bool)
		for devID, nodeID := range snap.DeviceNode {
			if nodeID == p.NodeID {
				departing[devID] = true
			}
		}

		for id, inst := range snap.Instances {
			if inst.Status == StatusActive && instanceUsesAny(inst, departing) {
				inst.Status = StatusRetiring
				inst.RetireReason = "device loss: node " + p.NodeID + " left"
				snap.Instances[id] = inst
			}
		}

		for devID := range departing {
			delete(snap.Devices, devID)
			delete(snap.DeviceNode, devID)
			delete(snap.Metrics, devID)
		}
		return nil

	case KindDeviceDiscovered:
		p, ok := ev.Payload.(DeviceDiscoveredPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		if !snap.Nodes[p.NodeID] {
			return fmt.Errorf("device %s discovered on unknown node %s", p.Device.ID, p.NodeID)
		}
		snap.Devices[p.Device.ID] = p.Device
		snap.DeviceNode[p.Device.ID] = p.NodeID
		g := snap.Topology.Clone()
		g.AddNode(p.Device.ID)
		snap.Topology = g
		return nil

	case KindDeviceMetricsUpdated:
		p, ok := ev.Payload.(DeviceMetricsUpdatedPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		if !p.Sample.Valid() {
			return fmt.Errorf("sample for %s fails validation", p.Sample.DeviceID)
		}
		if _, known := snap.Devices[p.Sample.DeviceID]; !known {
			return fmt.Errorf("metrics for unknown device %s", p.Sample.DeviceID)
		}
		snap.Metrics[p.Sample.DeviceID] = p.Sample
		return nil

	case KindLinkMetricsMeasured:
		p, ok := ev.Payload.(LinkMetricsMeasuredPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		g := snap.Topology.Clone()
		g.SetEdge(p.From, p.To, p.Metrics)
		snap.Topology = g
		return nil

	case KindInstanceRequested:
		p, ok := ev.Payload.(InstanceRequestedPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		if _, exists := snap.Instances[p.InstanceID]; exists {
			return fmt.Errorf("instance %s already requested", p.InstanceID)
		}
		snap.Instances[p.InstanceID] = Instance{
			ID:          p.InstanceID,
			Pipeline:    p.Pipeline,
			Status:      StatusPlacing,
			Assignments: make(map[int]string),
		}
		return nil

	case KindShardPlaced:
		p, ok := ev.Payload.(ShardPlacedPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		inst, ok := snap.Instances[p.InstanceID]
		if !ok {
			return fmt.Errorf("shard placed for unknown instance %s", p.InstanceID)
		}
		if inst.Status != StatusPlacing {
			return fmt.Errorf("instance %s not in Placing (is %s)", p.InstanceID, inst.Status)
		}
		inst.Assignments[p.ShardOrdinal] = p.DeviceID
		if inst.placementComplete() {
			inst.Status = StatusActive
		}
		snap.Instances[p.InstanceID] = inst
		return nil

	case KindInstanceRetired:
		p, ok := ev.Payload.(InstanceRetiredPayload)
		if !ok {
			return fmt.Errorf("payload type %T does not match kind %s", ev.Payload, ev.Kind)
		}
		inst, ok := snap.Instances[p.InstanceID]
		if !ok {
			return fmt.Errorf("retire for unknown instance %s", p.InstanceID)
		}
		switch inst.Status {
		case StatusPlacing:
			inst.Status = StatusRetired
		case StatusActive:
			inst.Status = StatusRetiring
		case StatusRetiring:
			inst.Status = StatusRetired
		}
		inst.RetireReason = p.Reason
		snap.Instances[p.InstanceID] = inst
		return nil

	case KindAccessGranted, KindAccessRevoked:
		// Recorded for audit/replay completeness; the access package owns the
		// synchronous capability check itself and does not read these back.
		return nil

	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func instanceUsesAny(inst Instance, deviceIDs map[string]bool) bool {
	for _, devID := range inst.Assignments {
		if deviceIDs[devID] {
			return true
		}
	}
	return false
}
