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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/backend"
)

func TestPriorityOrderEndsInCPUFallback(t *testing.T) {
	for _, p := range []Platform{PlatformLinux, PlatformWindows, PlatformMacOS, PlatformMobile} {
		order := PriorityOrder(p)
		require.NotEmpty(t, order)
		assert.Equal(t, backend.CpuFallback, order[len(order)-1], "platform %s must terminate in cpu fallback", p)
	}
}

func TestRunSkipsUnavailableBackendAndUsesCPUFallback(t *testing.T) {
	cpu := backend.NewSimulated(backend.CpuFallback, func(ctx context.Context) ([]backend.Device, error) {
		return []backend.Device{{ID: "cpu:0", MemoryBytes: 1 << 30}}, nil
	})
	cuda := backend.NewSimulated(backend.CudaFamily, func(ctx context.Context) ([]backend.Device, error) {
		return nil, assert.AnError
	})

	result, err := Run(context.Background(), PlatformLinux, map[backend.Family]backend.Backend{
		backend.CudaFamily:  cuda,
		backend.CpuFallback: cpu,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.CpuFallback, result.PrimaryBackend)
	require.Len(t, result.Devices, 1)
	assert.Equal(t, "cpu:0", result.Devices[0].Device.ID)
}

func TestRunExcludesDeviceFailingVerification(t *testing.T) {
	broken := &brokenCopyBackend{Simulated: backend.NewSimulated(backend.CudaFamily, func(ctx context.Context) ([]backend.Device, error) {
		return []backend.Device{{ID: "cuda:0", MemoryBytes: 1 << 30}}, nil
	})}

	_, err := Run(context.Background(), PlatformLinux, map[backend.Family]backend.Backend{
		backend.CudaFamily: broken,
	})
	assert.Error(t, err, "no device survives verification, so discovery must fail")
}

// brokenCopyBackend wraps Simulated but corrupts every device-to-host copy,
// exercising the discovery round-trip's content-mismatch detection path.
type brokenCopyBackend struct {
	*backend.Simulated
}

func (b *brokenCopyBackend) CopyDeviceToHost(ctx context.Context, src backend.MemoryHandle, offset, size uint64) ([]byte, error) {
	out, err := b.Simulated.CopyDeviceToHost(ctx, src, offset, size)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i] ^= 0xFF
	}
	return out, nil
}

var _ backend.Backend = (*brokenCopyBackend)(nil)
