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

// Package cpu implements the backend.Backend contract as the terminal
// fallback target: every node has exactly one CPU device, described from
// real /proc accounting via github.com/prometheus/procfs rather than a
// vendor SDK. The placement engine has no CPU-specific rule: the device is
// scored like any other, and with PeakClockMHz 0 its compute sub-score is 0.
package cpu

import (
	"context"
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"

	"github.com/shardmesh/shardmesh/internal/backend"
)

const (
	component = "backend/cpu"
	deviceID  = "cpu:0"
)

// New constructs the CPU-fallback backend, reading total memory and core
// count from procfs at Initialize time.
func New() *backend.Simulated {
	return backend.NewSimulated(backend.CpuFallback, probe)
}

func probe(ctx context.Context) ([]backend.Device, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("%s: open procfs: %w", component, err)
	}

	meminfo, err := fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("%s: read meminfo: %w", component, err)
	}

	var totalBytes uint64
	if meminfo.MemTotal != nil {
		totalBytes = *meminfo.MemTotal * 1024 // MemTotal is reported in KiB
	}

	return []backend.Device{{
		ID:                  deviceID,
		Vendor:              "generic",
		Family:              backend.CpuFallback,
		ComputeCapability:   "host",
		MemoryBytes:         totalBytes,
		ComputeUnits:        uint32(runtime.NumCPU()),
		PeakClockMHz:        0,
		TensorUnits:         0,
		Mobility:            false,
		ThermalEnvelope:     false,
		DriverVersion:       "n/a",
		SupportedPrecisions: []string{"fp64", "fp32", "fp16"},
	}}, nil
}
