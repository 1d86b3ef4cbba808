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

import "strings"

// partitionSep joins a physical device id and a partition id into the
// synthetic candidate id the solvers see, e.g. "cuda:0#mig-0".
const partitionSep = "#"

// expandPartitions turns every device carrying one or more Partitions into
// one synthetic DeviceState per partition, sized to that partition's own
// memory/compute capacity rather than the whole device's. domainFor and
// greedyPlace need no change to treat these as independent targets: they
// already iterate the device list and key everything off Device.ID. A
// device with no partitions passes through unchanged. The returned map
// translates every id the solvers may produce — synthetic or physical —
// back to the physical device id the topology graph and the external
// ShardPlacedPayload contract both key on.
func expandPartitions(devices []DeviceState) ([]DeviceState, map[string]string) {
	physicalOf := make(map[string]string, len(devices))
	expanded := make([]DeviceState, 0, len(devices))

	for _, d := range devices {
		physicalOf[d.Device.ID] = d.Device.ID
		if len(d.Device.Partitions) == 0 {
			expanded = append(expanded, d)
			continue
		}
		for _, p := range d.Device.Partitions {
			part := d
			part.Device.ID = d.Device.ID + partitionSep + p.ID
			part.Device.MemoryBytes = p.MemoryBytes
			part.Device.ComputeUnits = p.ComputeUnits
			part.Device.Partitions = nil
			part.FreeBytes = p.MemoryBytes
			physicalOf[part.Device.ID] = d.Device.ID
			expanded = append(expanded, part)
		}
	}
	return expanded, physicalOf
}

// physicalDeviceID strips a synthetic partition suffix, returning the
// physical device id a topology graph edge or an external payload expects.
// An id with no partition suffix is returned unchanged.
func physicalDeviceID(id string) string {
	if i := strings.Index(id, partitionSep); i >= 0 {
		return id[:i]
	}
	return id
}

// remapToPhysical rewrites a shard->device assignment map produced over an
// expandPartitions candidate set back to physical device ids.
func remapToPhysical(assignment map[int]string, physicalOf map[string]string) map[int]string {
	out := make(map[int]string, len(assignment))
	for shard, id := range assignment {
		if physical, ok := physicalOf[id]; ok {
			out[shard] = physical
		} else {
			out[shard] = id
		}
	}
	return out
}
