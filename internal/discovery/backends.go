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
	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/backend/cpu"
	"github.com/shardmesh/shardmesh/internal/backend/cuda"
	"github.com/shardmesh/shardmesh/internal/backend/directml"
	"github.com/shardmesh/shardmesh/internal/backend/metal"
	"github.com/shardmesh/shardmesh/internal/backend/rocm"
	"github.com/shardmesh/shardmesh/internal/backend/vulkan"
)

// AllBackends constructs one adapter per known family. Run only probes the
// families PriorityOrder selects for the host's platform; adapters for
// families absent on this host report zero devices at Initialize rather
// than erroring, except where Initialize itself signals
// BackendUnavailable.
func AllBackends() map[backend.Family]backend.Backend {
	return map[backend.Family]backend.Backend{
		backend.CudaFamily:     cuda.New(),
		backend.RocmFamily:     rocm.New(),
		backend.MetalFamily:    metal.New(),
		backend.DirectMLFamily: directml.New(),
		backend.VulkanCompute:  vulkan.New(),
		backend.CpuFallback:    cpu.New(),
	}
}
