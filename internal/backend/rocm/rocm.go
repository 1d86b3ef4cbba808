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

// Package rocm implements the backend.Backend contract for AMD ROCm
// devices by reading the kfd topology sysfs tree directly: the ecosystem
// has no maintained Go binding for the ROCm runtime, but the kernel
// driver's topology is plain text under /sys/class/kfd and needs nothing
// beyond the standard library to read.
package rocm

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shardmesh/shardmesh/internal/backend"
)

const (
	component     = "backend/rocm"
	topologyRoot  = "/sys/class/kfd/kfd/topology/nodes"
)

// New constructs a ROCm backend that probes the kfd topology tree at
// Initialize time.
func New() *backend.Simulated {
	return backend.NewSimulated(backend.RocmFamily, probe)
}

func probe(ctx context.Context) ([]backend.Device, error) {
	entries, err := os.ReadDir(topologyRoot)
	if os.IsNotExist(err) {
		return nil, nil // no kfd driver loaded: ROCm is simply absent on this host
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read %s: %w", component, topologyRoot, err)
	}

	var devices []backend.Device
	for _, e := range entries {
		props, err := readProperties(filepath.Join(topologyRoot, e.Name(), "properties"))
		if err != nil {
			continue
		}
		// A node with simd_count == 0 is the host CPU entry kfd always
		// reports alongside any GPU nodes; skip it.
		if props["simd_count"] == 0 {
			continue
		}
		dev := backend.Device{
			ID:                fmt.Sprintf("rocm:%s", e.Name()),
			Vendor:            "AMD",
			Family:            backend.RocmFamily,
			ComputeCapability: fmt.Sprintf("gfx%d", props["gfx_target_version"]),
			MemoryBytes:       readVRAMBytes(filepath.Join(topologyRoot, e.Name())),
			ComputeUnits:      uint32(props["simd_count"] / maxInt(props["simd_per_cu"], 1)),
			PeakClockMHz:      uint32(props["max_engine_clk_fcompute"]),
			TensorUnits:       0,
			Mobility:          false,
			ThermalEnvelope:   true,
			DriverVersion:     "rocm-kfd",
			SupportedPrecisions: []string{"fp32", "fp16", "bf16"},
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func readProperties(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		props[fields[0]] = v
	}
	return props, scanner.Err()
}

// readVRAMBytes sums the size of every local (non-system) memory bank
// reported for the node; a node with no mem_banks directory (or one kfd
// does not populate for this kernel version) reports zero, which leaves the
// device with no free memory for placement, so no shard is placed on it.
func readVRAMBytes(nodeDir string) uint64 {
	banksRoot := filepath.Join(nodeDir, "mem_banks")
	banks, err := os.ReadDir(banksRoot)
	if err != nil {
		return 0
	}
	var total uint64
	for _, b := range banks {
		props, err := readProperties(filepath.Join(banksRoot, b.Name(), "properties"))
		if err != nil {
			continue
		}
		// heap_type 0 is VRAM local to the GPU in the kfd topology ABI.
		if props["heap_type"] == 0 {
			total += uint64(props["size_in_bytes"])
		}
	}
	return total
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
