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
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/topology"
)

// tieScoreEpsilon bounds how close two devices' sub-scores must be to count
// as a tie broken by TimeSlicingStrategy rather than by raw score.
const tieScoreEpsilon = 1e-9

// preferOnTie reports whether a device with candidateFree bytes remaining
// should replace the current best (with currentFree remaining) when both
// score identically. "packed" (the teacher's only implemented strategy,
// internal/rm/allocate.go's packedAllocation) prefers the device with less
// room left, consolidating load; "distributed" spreads load by preferring
// the device with more room left. Anything else falls back to packed.
func preferOnTie(strategy string, candidateFree, currentFree uint64) bool {
	if strategy == "distributed" {
		return candidateFree > currentFree
	}
	return candidateFree < currentFree
}

// greedyPlace assigns shards in pipeline order, each to the highest-scoring
// feasible device with residual memory after prior assignments, breaking
// score ties per strategy ("packed" or "distributed"). It is not guaranteed
// to respect the link-latency budget (constraint 3) across shards — a
// violation is recorded in notes rather than refused, since the greedy path
// must always succeed if any per-shard-independent feasible assignment
// exists.
func greedyPlace(shards []state.Shard, devices []DeviceState, graph *topology.Graph, maxHopLatencyMs float64, strategy string) (map[int]string, map[int]float64, []string, bool) {
	remaining := make(map[string]uint64, len(devices))
	byID := make(map[string]DeviceState, len(devices))
	for _, d := range devices {
		remaining[d.Device.ID] = d.FreeBytes
		byID[d.Device.ID] = d
	}
	maxPeakFLOPs := maxPeakFLOPsOf(devices)

	assignment := make(map[int]string)
	scores := make(map[int]float64)
	var notes []string
	var prevDevice string

	for i, shard := range shards {
		bestID := ""
		bestScore := -1.0
		var bestFree uint64
		for _, d := range devices {
			if d.Throttling {
				continue
			}
			free := remaining[d.Device.ID]
			if free < shard.MemoryBytes {
				continue
			}
			if !precisionCompatible(shard, d.Device) {
				continue
			}
			if prevDevice != "" && !devicePrecisionCompatible(byID[prevDevice].Device, d.Device) {
				continue
			}
			dCopy := d
			dCopy.FreeBytes = free
			sub := Score(shard, dCopy, nil, graph, maxPeakFLOPs)
			total := sub.Total()
			switch {
			case bestID == "" || total > bestScore+tieScoreEpsilon:
				bestScore, bestID, bestFree = total, d.Device.ID, free
			case total > bestScore-tieScoreEpsilon && preferOnTie(strategy, free, bestFree):
				bestScore, bestID, bestFree = total, d.Device.ID, free
			}
		}

		if bestID == "" {
			return assignment, scores, notes, false
		}

		if i > 0 && prevDevice != "" && !linkWithinBudget(graph, prevDevice, bestID, shards[i-1].OutputBytes, maxHopLatencyMs) {
			notes = append(notes, "link latency budget exceeded between shards")
		}

		assignment[i] = bestID
		scores[i] = bestScore
		remaining[bestID] -= shard.MemoryBytes
		prevDevice = bestID
	}

	return assignment, scores, notes, true
}
