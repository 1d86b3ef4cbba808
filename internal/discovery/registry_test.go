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

package discovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/backend"
)

func TestWriteReadRegistryRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gpu_registry.json")

	result := &Result{
		Platform:       PlatformLinux,
		PrimaryBackend: backend.CudaFamily,
		Devices: []VerifiedDevice{{
			Device: backend.Device{
				ID:                "cuda:0",
				Vendor:            "NVIDIA",
				MemoryBytes:       8 << 30,
				ComputeUnits:      80,
				ComputeCapability: "8.6",
				PeakBandwidthGBps: 760,
			},
			SupportsPeerAccess: true,
		}},
	}
	reg := ToRegistry(result, time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC))

	require.NoError(t, WriteRegistry(path, reg))

	loaded, err := ReadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, reg, loaded)
}

func TestRunTwiceYieldsIdenticalRegistry(t *testing.T) {
	devices := []backend.Device{{ID: "cuda:0", MemoryBytes: 4 << 30, Vendor: "NVIDIA"}}
	newBackend := func() backend.Backend {
		return backend.NewSimulated(backend.CudaFamily, func(ctx context.Context) ([]backend.Device, error) {
			out := make([]backend.Device, len(devices))
			copy(out, devices)
			return out, nil
		})
	}

	run := func() Registry {
		result, err := Run(context.Background(), PlatformLinux, map[backend.Family]backend.Backend{
			backend.CudaFamily: newBackend(),
		})
		require.NoError(t, err)
		return ToRegistry(result, time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))
	}

	first := run()
	second := run()
	assert.Equal(t, first, second, "discover_all() run twice on unchanged hardware must yield an identical registry")
}
