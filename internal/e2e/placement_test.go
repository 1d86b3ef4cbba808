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

package e2e

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/placement"
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/topology"
)

const gib = 1 << 30

func shard(ordinal int, memBytes uint64) state.Shard {
	return state.Shard{Ordinal: ordinal, MemoryBytes: memBytes, SupportedPrecisions: []string{"fp16"}}
}

func device(id string, memGiB uint64, mobility bool, tempC float64, hasTemp, throttling bool) placement.DeviceState {
	return placement.DeviceState{
		Device: backend.Device{
			ID:                  id,
			MemoryBytes:         memGiB * gib,
			Mobility:            mobility,
			ThermalEnvelope:     mobility,
			SupportedPrecisions: []string{"fp16"},
		},
		FreeBytes:      memGiB * gib,
		Temperature:    tempC,
		HasTemperature: hasTemp,
		Throttling:     throttling,
	}
}

var _ = Describe("Placement", func() {
	It("places a homogeneous two-device cluster with the greedy solver", func() {
		devices := []placement.DeviceState{
			device("X:0", 24, false, 0, false, false),
			device("X:1", 24, false, 0, false, false),
		}
		shards := []state.Shard{shard(0, 5*gib), shard(1, 5*gib), shard(2, 5*gib), shard(3, 5*gib)}

		result, log := placement.Solve(shards, devices, topology.NewGraph(), placement.DefaultConfig())

		Expect(result.Feasible).To(BeTrue())
		Expect(log.Solver).To(Equal("greedy"))
		Expect(log.Heterogeneous).To(BeFalse())

		perDevice := map[string]int{}
		for _, devID := range result.Assignments {
			perDevice[devID]++
		}
		Expect(perDevice["X:0"]).To(Equal(2))
		Expect(perDevice["X:1"]).To(Equal(2))
	})

	It("invokes the CSP solver for a heterogeneous cluster with memory skew", func() {
		devices := []placement.DeviceState{
			device("A:0", 24, false, 0, false, false),
			device("B:0", 8, true, 60, true, false),
		}
		shards := []state.Shard{shard(0, 10*gib), shard(1, 6*gib), shard(2, 6*gib)}

		result, log := placement.Solve(shards, devices, topology.NewGraph(), placement.DefaultConfig())

		Expect(result.Feasible).To(BeTrue())
		Expect(log.Heterogeneous).To(BeTrue())
		Expect(log.Solver).To(Equal("csp"))
		Expect(log.ElapsedMs).To(BeNumerically("<", 5000))
		Expect(result.Assignments[0]).To(Equal("A:0"))
	})

	It("excludes a throttling device and reports NoFeasibleDevice when nothing else fits", func() {
		devices := []placement.DeviceState{
			device("A:0", 24, false, 0, false, false),
			device("B:0", 8, true, 90, true, true),
		}
		shards := []state.Shard{shard(0, 10*gib), shard(1, 6*gib), shard(2, 20*gib)}

		result, _ := placement.Solve(shards, devices, topology.NewGraph(), placement.DefaultConfig())

		Expect(result.Feasible).To(BeFalse())
		Expect(result.Reason).To(Equal("NoFeasibleDevice"))
	})

	It("returns an empty placement immediately for zero shards", func() {
		result, log := placement.Solve(nil, []placement.DeviceState{device("X:0", 24, false, 0, false, false)}, topology.NewGraph(), placement.DefaultConfig())

		Expect(result.Feasible).To(BeTrue())
		Expect(result.Assignments).To(BeEmpty())
		Expect(log.Solver).To(Equal("none"))
	})

	It("rejects a shard that exceeds every device's memory", func() {
		devices := []placement.DeviceState{device("X:0", 24, false, 0, false, false)}
		shards := []state.Shard{shard(0, 32*gib)}

		result, _ := placement.Solve(shards, devices, topology.NewGraph(), placement.DefaultConfig())

		Expect(result.Feasible).To(BeFalse())
		Expect(result.Reason).To(Equal("NoFeasibleDevice"))
	})
})
