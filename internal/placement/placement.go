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
	"time"

	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/topology"
)

// Placement is the final shard -> device mapping for one instance.
type Placement struct {
	Assignments map[int]string
	Feasible    bool
	Reason      string // set when !Feasible, e.g. "NoFeasibleDevice"
}

// DecisionLog records how a Placement was reached, for the audit trail and
// for the end-to-end test scenarios that assert on solver choice.
type DecisionLog struct {
	Heterogeneous bool
	Solver        string // "csp" or "greedy"; "none" for zero shards, "" when the feasibility check rejects
	ElapsedMs     float64
	PerShardScore map[int]float64
	Notes         []string
}

// Config holds the tunables governing one Solve call.
type Config struct {
	MaxHopLatencyMs     float64       // constraint 3 budget; default 200
	CSPTimeout          time.Duration // solver wall-clock budget; default 5s
	TimeSlicingStrategy string        // greedy tie-break: "packed" or "distributed"; default "packed"
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxHopLatencyMs: 200, CSPTimeout: 5 * time.Second, TimeSlicingStrategy: "packed"}
}

// Solve assigns every shard in pipeline order to a device, choosing between
// the CSP solver and the greedy fallback per the homogeneity heuristic, and
// falling back to greedy if the CSP solver times out or exhausts its
// search tree without a solution.
func Solve(shards []state.Shard, devices []DeviceState, graph *topology.Graph, cfg Config) (Placement, DecisionLog) {
	start := time.Now()

	if len(shards) == 0 {
		return Placement{Assignments: map[int]string{}, Feasible: true},
			DecisionLog{Solver: "none", ElapsedMs: 0, PerShardScore: map[int]float64{}}
	}

	devices, physicalOf := expandPartitions(devices)

	if reason, ok := feasibilityCheck(shards, devices); !ok {
		return Placement{Feasible: false, Reason: reason},
			DecisionLog{ElapsedMs: elapsedMs(start), PerShardScore: map[int]float64{}, Notes: []string{reason}}
	}

	heterogeneous := isHeterogeneous(devices)

	if !heterogeneous {
		assignment, scores, notes, ok := greedyPlace(shards, devices, graph, cfg.MaxHopLatencyMs, cfg.TimeSlicingStrategy)
		return finish(remapToPhysical(assignment, physicalOf), scores, notes, ok, false, "greedy", start)
	}

	deadline := start.Add(cfg.CSPTimeout)
	assignment, scores, ok, timedOut := solveCSP(shards, devices, graph, cfg.MaxHopLatencyMs, deadline)
	if ok {
		return finish(remapToPhysical(assignment, physicalOf), scores, nil, true, true, "csp", start)
	}

	if timedOut {
		klog.Warningf("placement: CSP solver exceeded %s budget, falling back to greedy", cfg.CSPTimeout)
	} else {
		klog.Warningf("placement: CSP search exhausted without a solution, falling back to greedy")
	}

	assignment, scores, notes, greedyOK := greedyPlace(shards, devices, graph, cfg.MaxHopLatencyMs, cfg.TimeSlicingStrategy)
	return finish(remapToPhysical(assignment, physicalOf), scores, notes, greedyOK, true, "greedy", start)
}

func finish(assignment map[int]string, scores map[int]float64, notes []string, ok, heterogeneous bool, solver string, start time.Time) (Placement, DecisionLog) {
	if !ok {
		return Placement{Feasible: false, Reason: "NoFeasibleDevice"},
			DecisionLog{Heterogeneous: heterogeneous, Solver: solver, ElapsedMs: elapsedMs(start), PerShardScore: scores, Notes: notes}
	}
	return Placement{Assignments: assignment, Feasible: true},
		DecisionLog{Heterogeneous: heterogeneous, Solver: solver, ElapsedMs: elapsedMs(start), PerShardScore: scores, Notes: notes}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// feasibilityCheck rejects up front any shard that cannot fit any device at
// all, short-circuiting to NoFeasibleDevice without running a solver.
func feasibilityCheck(shards []state.Shard, devices []DeviceState) (string, bool) {
	for _, shard := range shards {
		fits := false
		for _, d := range devices {
			if d.FreeBytes >= shard.MemoryBytes {
				fits = true
				break
			}
		}
		if !fits {
			return "NoFeasibleDevice", false
		}
	}
	return "", true
}

// isHeterogeneous detects whether the candidate device set needs the CSP
// solver: memory skew beyond 20%, or more than one backend family present.
func isHeterogeneous(devices []DeviceState) bool {
	if len(devices) == 0 {
		return false
	}
	minMem, maxMem := devices[0].Device.MemoryBytes, devices[0].Device.MemoryBytes
	families := make(map[string]bool)
	for _, d := range devices {
		if d.Device.MemoryBytes < minMem {
			minMem = d.Device.MemoryBytes
		}
		if d.Device.MemoryBytes > maxMem {
			maxMem = d.Device.MemoryBytes
		}
		families[string(d.Device.Family)] = true
	}
	if len(families) >= 2 {
		return true
	}
	if minMem == 0 {
		return maxMem > 0
	}
	return float64(maxMem)/float64(minMem) > 1.2
}
