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

// Package placement assigns pipeline shards to discovered devices: a
// cardinal per-(shard,device) scorer, and a relational assignment layer
// that picks between a backtracking CSP solver and a greedy fallback.
package placement

import (
	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/topology"
)

const (
	weightCompute   = 0.40
	weightMemory    = 0.30
	weightNetwork   = 0.15
	weightThermal   = 0.10
	weightBandwidth = 0.05

	referenceLinkMBps    = 10000
	defaultThrottleC     = 85
	defaultThermalMargin = 20
)

// DeviceState is a device as seen by the scorer: its static description
// plus the dynamic figures a placement decision needs.
type DeviceState struct {
	NodeID      string
	Device      backend.Device
	FreeBytes   uint64
	Temperature float64
	HasTemperature bool
	Throttling  bool
}

// SubScores breaks a score into its five weighted components, each in
// [0, 1], for the decision log.
type SubScores struct {
	Compute, Memory, Network, Thermal, Bandwidth float64
}

// Total applies the fixed weights. The weights sum to 1.0 by construction.
func (s SubScores) Total() float64 {
	return weightCompute*s.Compute + weightMemory*s.Memory + weightNetwork*s.Network +
		weightThermal*s.Thermal + weightBandwidth*s.Bandwidth
}

// peakFLOPs is a device's relative compute throughput proxy: no backend
// exposes a direct FLOPs counter, so compute units, clock, and tensor-unit
// count stand in for it, consistent with how the discovery layer already
// reports these three fields and nothing more granular.
func peakFLOPs(d backend.Device) float64 {
	return float64(d.ComputeUnits) * float64(d.PeakClockMHz) * (1 + float64(d.TensorUnits)*0.1)
}

// Score computes score(shard, device) per the fixed formula. placedNeighbors
// is the set of device ids already hosting a pipeline-adjacent shard (empty
// if none are placed yet). maxPeakFLOPs is the maximum peakFLOPs among the
// candidate device set, for normalizing the compute sub-score.
func Score(shard state.Shard, dev DeviceState, placedNeighbors []string, graph *topology.Graph, maxPeakFLOPs float64) SubScores {
	sub := SubScores{}

	if maxPeakFLOPs > 0 {
		sub.Compute = clamp01(peakFLOPs(dev.Device) / maxPeakFLOPs)
	}

	if dev.FreeBytes >= shard.MemoryBytes && dev.FreeBytes > 0 {
		sub.Memory = 1 - float64(shard.MemoryBytes)/float64(dev.FreeBytes)
	} // else stays 0, vetoing the pair per the memory-fit constraint

	sub.Network = networkSubScore(dev.Device.ID, placedNeighbors, graph)
	sub.Bandwidth = bandwidthSubScore(dev.Device.ID, placedNeighbors, graph)
	sub.Thermal = thermalSubScore(dev)

	return sub
}

func networkSubScore(deviceID string, neighbors []string, graph *topology.Graph) float64 {
	if len(neighbors) == 0 {
		return 1
	}
	var sum float64
	for _, n := range neighbors {
		bw := graph.Bandwidth(deviceID, n)
		if bw <= 0 {
			bw = graph.Bandwidth(n, deviceID)
		}
		sum += bw
	}
	avg := sum / float64(len(neighbors))
	return clamp01(avg / referenceLinkMBps)
}

func bandwidthSubScore(deviceID string, neighbors []string, graph *topology.Graph) float64 {
	if len(neighbors) == 0 {
		return 1
	}
	for _, n := range neighbors {
		if m, ok := graph.Edge(deviceID, n); ok && m.PeerAccessSupported {
			return 1
		}
	}
	return 0.3
}

func thermalSubScore(dev DeviceState) float64 {
	if !dev.Device.ThermalEnvelope {
		return 1
	}
	if dev.Device.Mobility && dev.HasTemperature {
		return clamp01((defaultThrottleC - dev.Temperature) / defaultThermalMargin)
	}
	return 1 // no sensor reading: assume headroom, per the telemetry missing-sensor policy
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxPeakFLOPsOf(devices []DeviceState) float64 {
	var max float64
	for _, d := range devices {
		if f := peakFLOPs(d.Device); f > max {
			max = f
		}
	}
	return max
}
