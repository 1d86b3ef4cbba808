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

package placement

import (
	"sort"
	"time"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/topology"
)

// cspSolver carries the fixed inputs of one solve attempt so the recursive
// search doesn't thread them through every call.
type cspSolver struct {
	shards          []state.Shard
	devices         []DeviceState
	byID            map[string]DeviceState
	graph           *topology.Graph
	maxHopLatencyMs float64
	maxPeakFLOPs    float64
	deadline        time.Time

	perShardScore map[int]float64
	timedOut      bool
}

// solveCSP runs backtracking search with minimum-remaining-values variable
// ordering and forward checking against the memory-fit, no-overload, and
// thermal-veto constraints. Value ordering within a shard's domain is
// descending score, so the first complete assignment found is already a
// high-quality solution. Returns ok=false if the deadline elapses or the
// search tree is exhausted without a feasible assignment.
func solveCSP(shards []state.Shard, devices []DeviceState, graph *topology.Graph, maxHopLatencyMs float64, deadline time.Time) (map[int]string, map[int]float64, bool, bool) {
	s := &cspSolver{
		shards:          shards,
		devices:         devices,
		byID:            make(map[string]DeviceState, len(devices)),
		graph:           graph,
		maxHopLatencyMs: maxHopLatencyMs,
		maxPeakFLOPs:    maxPeakFLOPsOf(devices),
		deadline:        deadline,
		perShardScore:   make(map[int]float64),
	}
	for _, d := range devices {
		s.byID[d.Device.ID] = d
	}

	remaining := make(map[string]uint64, len(devices))
	for _, d := range devices {
		remaining[d.Device.ID] = d.FreeBytes
	}

	assignment := make(map[int]string)
	ok := s.backtrack(assignment, remaining)
	return assignment, s.perShardScore, ok, s.timedOut
}

func (s *cspSolver) backtrack(assignment map[int]string, remaining map[string]uint64) bool {
	if time.Now().After(s.deadline) {
		s.timedOut = true
		return false
	}
	if len(assignment) == len(s.shards) {
		return true
	}

	shardIdx, domain := s.selectUnassignedShard(assignment, remaining)
	if shardIdx < 0 || len(domain) == 0 {
		return false
	}

	sort.Slice(domain, func(i, j int) bool {
		return domain[i].score > domain[j].score
	})

	shard := s.shards[shardIdx]
	for _, cand := range domain {
		if !s.consistentWithNeighbors(shardIdx, cand.deviceID, assignment) {
			continue
		}

		assignment[shardIdx] = cand.deviceID
		remaining[cand.deviceID] -= shard.MemoryBytes
		s.perShardScore[shardIdx] = cand.score

		if s.backtrack(assignment, remaining) {
			return true
		}

		remaining[cand.deviceID] += shard.MemoryBytes
		delete(assignment, shardIdx)
		delete(s.perShardScore, shardIdx)

		if s.timedOut {
			return false
		}
	}
	return false
}

type candidate struct {
	deviceID string
	score    float64
}

// selectUnassignedShard applies minimum-remaining-values: of the shards not
// yet assigned, pick the one with the fewest legal devices, forward-checked
// against constraints 1 (memory fit), 4 (no-overload, via remaining), and 5
// (thermal veto).
func (s *cspSolver) selectUnassignedShard(assignment map[int]string, remaining map[string]uint64) (int, []candidate) {
	bestIdx := -1
	var bestDomain []candidate

	for i, shard := range s.shards {
		if _, done := assignment[i]; done {
			continue
		}
		domain := s.domainFor(shard, remaining)
		if bestIdx == -1 || len(domain) < len(bestDomain) {
			bestIdx, bestDomain = i, domain
		}
	}
	return bestIdx, bestDomain
}

func (s *cspSolver) domainFor(shard state.Shard, remaining map[string]uint64) []candidate {
	var out []candidate
	for _, d := range s.devices {
		if d.Throttling { // constraint 5
			continue
		}
		free := remaining[d.Device.ID]
		if free < shard.MemoryBytes { // constraints 1 + 4
			continue
		}
		if !precisionCompatible(shard, d.Device) {
			continue
		}
		dCopy := d
		dCopy.FreeBytes = free
		sub := Score(shard, dCopy, nil, s.graph, s.maxPeakFLOPs)
		out = append(out, candidate{deviceID: d.Device.ID, score: sub.Total()})
	}
	return out
}

// consistentWithNeighbors checks constraints 2 (precision) and 3 (link
// latency budget) against whichever pipeline-adjacent shards are already
// assigned; the other neighbor, if still unassigned, is checked when it is
// assigned in turn.
func (s *cspSolver) consistentWithNeighbors(shardIdx int, deviceID string, assignment map[int]string) bool {
	shard := s.shards[shardIdx]
	dev := s.byID[deviceID].Device
	if prevDev, ok := assignment[shardIdx-1]; ok && shardIdx-1 >= 0 {
		prevShard := s.shards[shardIdx-1]
		if !linkWithinBudget(s.graph, prevDev, deviceID, prevShard.OutputBytes, s.maxHopLatencyMs) {
			return false
		}
		if !devicePrecisionCompatible(s.byID[prevDev].Device, dev) {
			return false
		}
	}
	if nextDev, ok := assignment[shardIdx+1]; ok {
		if !linkWithinBudget(s.graph, deviceID, nextDev, shard.OutputBytes, s.maxHopLatencyMs) {
			return false
		}
		if !devicePrecisionCompatible(dev, s.byID[nextDev].Device) {
			return false
		}
	}
	return true
}

func linkWithinBudget(graph *topology.Graph, from, to string, bytes uint64, budgetMs float64) bool {
	fromPhysical, toPhysical := physicalDeviceID(from), physicalDeviceID(to)
	if fromPhysical == toPhysical {
		return true // same physical device, or two partitions of it: no transfer needed
	}
	return graph.ExpectedTransferTime(fromPhysical, toPhysical, bytes) <= budgetMs
}

// precisionCompatible reports whether the device supports at least one of
// the shard's required precisions. An empty requirement list is treated as
// "any precision is fine".
func precisionCompatible(shard state.Shard, dev backend.Device) bool {
	if len(shard.SupportedPrecisions) == 0 {
		return true
	}
	for _, want := range shard.SupportedPrecisions {
		for _, have := range dev.SupportedPrecisions {
			if want == have {
				return true
			}
		}
	}
	return false
}

// devicePrecisionCompatible reports whether prev's output precisions and
// next's input precisions share at least one format — constraint 2, the
// binary adjacent-shard device compatibility check, evaluated between the
// two physical devices hosting a pipeline-adjacent pair of shards. A device
// with no explicit Input/OutputPrecisions falls back to SupportedPrecisions;
// an empty set on either side is treated as "no declared restriction".
func devicePrecisionCompatible(prev, next backend.Device) bool {
	prevOut := prev.OutputPrecisions
	if len(prevOut) == 0 {
		prevOut = prev.SupportedPrecisions
	}
	nextIn := next.InputPrecisions
	if len(nextIn) == 0 {
		nextIn = next.SupportedPrecisions
	}
	if len(prevOut) == 0 || len(nextIn) == 0 {
		return true
	}
	for _, out := range prevOut {
		for _, in := range nextIn {
			if out == in {
				return true
			}
		}
	}
	return false
}
