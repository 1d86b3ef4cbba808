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

// Package discovery runs the platform-ordered backend probe, verifies each
// returned device with a live round-trip, and persists the resulting
// inventory to the on-disk registry. It is the static half of cluster
// info; telemetry (internal/telemetry) supplies the dynamic half.
package discovery

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/backend/cuda"
)

// Platform tags the host class used to order backend probing.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformMobile  Platform = "mobile"
)

// PriorityOrder returns the backend families to attempt, in order, for the
// given platform class. CpuFallback is always the terminal entry so the
// cluster always forms.
func PriorityOrder(p Platform) []backend.Family {
	switch p {
	case PlatformWindows:
		return []backend.Family{backend.DirectMLFamily, backend.CudaFamily, backend.RocmFamily, backend.CpuFallback}
	case PlatformMacOS:
		return []backend.Family{backend.MetalFamily, backend.CpuFallback}
	case PlatformMobile:
		return []backend.Family{backend.VulkanCompute, backend.CpuFallback}
	default:
		return []backend.Family{backend.CudaFamily, backend.RocmFamily, backend.VulkanCompute, backend.CpuFallback}
	}
}

// verificationSize is the size of the allocate/copy/deallocate round-trip
// used to confirm a reported device is actually usable.
const verificationSize = 1 << 20 // 1 MiB

// Result is the outcome of one discover_all() run.
type Result struct {
	Platform       Platform
	PrimaryBackend backend.Family
	Devices        []VerifiedDevice

	// CudaPeerOrder ranks the CUDA backend's initialized device ids by
	// NVLink-alignment affinity, per cuda.Backend.AlignedPeerOrder. Empty
	// when that backend holds fewer than two devices or the ranking failed;
	// topology building then
	// falls back to treating same-node CUDA pairs as PCIe-only.
	CudaPeerOrder []string
}

// VerifiedDevice pairs a discovered Device that passed verification with
// whether its backend reports peer-copy support for it.
type VerifiedDevice struct {
	Device              backend.Device
	SupportsPeerAccess  bool
}

// Run executes discover_all(): initialize each backend in priority order,
// verify every device it reports with a 1 MiB round-trip, and return the
// combined inventory. A backend that fails to initialize is logged and
// skipped — it never aborts the run. The first backend to report at least
// one verified device becomes PrimaryBackend; every backend is still
// initialized for visibility (e.g. the CPU fallback is always probed even
// when a GPU backend succeeds), as spec'd for inventory completeness.
func Run(ctx context.Context, platform Platform, backends map[backend.Family]backend.Backend) (*Result, error) {
	order := PriorityOrder(platform)
	result := &Result{Platform: platform}

	for _, family := range order {
		b, ok := backends[family]
		if !ok {
			continue
		}
		devices, err := b.Initialize(ctx)
		if err != nil {
			klog.Warningf("discovery: backend %s unavailable: %v", family, err)
			continue
		}

		verified := verifyDevices(ctx, b, devices)
		if len(verified) == 0 {
			continue
		}
		if result.PrimaryBackend == "" {
			result.PrimaryBackend = family
		}
		result.Devices = append(result.Devices, verified...)
	}

	if len(result.Devices) == 0 {
		return nil, fmt.Errorf("discovery: no backend produced a verified device")
	}

	if cudaBackend, ok := backends[backend.CudaFamily].(*cuda.Backend); ok {
		ordered, err := cudaBackend.AlignedPeerOrder()
		if err != nil {
			klog.Warningf("discovery: NVLink alignment ranking failed, topology falls back to PCIe-only edges: %v", err)
		} else {
			result.CudaPeerOrder = ordered
		}
	}
	return result, nil
}

// verifyDevices performs the allocate/copy/deallocate round-trip for each
// device and excludes (with a logged warning) any device that fails it.
func verifyDevices(ctx context.Context, b backend.Backend, devices []backend.Device) []VerifiedDevice {
	var out []VerifiedDevice
	for _, dev := range devices {
		if err := verifyOne(ctx, b, dev.ID); err != nil {
			klog.Warningf("discovery: device %s failed verification: %v", dev.ID, err)
			continue
		}
		out = append(out, VerifiedDevice{
			Device:             dev,
			SupportsPeerAccess: b.SupportsPeerCopy(dev.ID, dev.ID),
		})
	}
	return out
}

func verifyOne(ctx context.Context, b backend.Backend, deviceID string) error {
	payload := make([]byte, verificationSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	handle, err := b.Allocate(ctx, deviceID, verificationSize)
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	defer func() {
		if derr := b.Deallocate(ctx, handle); derr != nil {
			klog.Warningf("discovery: cleanup deallocate for %s: %v", deviceID, derr)
		}
	}()

	if err := b.CopyHostToDevice(ctx, payload, handle, 0); err != nil {
		return fmt.Errorf("copy host->device: %w", err)
	}
	if err := b.Synchronize(ctx, deviceID); err != nil {
		return fmt.Errorf("synchronize: %w", err)
	}
	roundTripped, err := b.CopyDeviceToHost(ctx, handle, 0, verificationSize)
	if err != nil {
		return fmt.Errorf("copy device->host: %w", err)
	}
	if len(roundTripped) != verificationSize {
		return fmt.Errorf("round-trip size mismatch: got %d want %d", len(roundTripped), verificationSize)
	}
	for i := range payload {
		if roundTripped[i] != payload[i] {
			return fmt.Errorf("round-trip content mismatch at offset %d", i)
		}
	}
	return nil
}
