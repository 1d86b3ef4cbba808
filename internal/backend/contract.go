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

// Package backend defines the uniform, vendor-agnostic contract that every
// accelerator family adapter (CUDA, ROCm, Metal, DirectML, Vulkan-compute,
// CPU-fallback) implements: memory allocation, host/device transfers,
// synchronization, and introspection. The contract is deliberately thin: it
// moves bytes and reports state, it never runs a kernel.
package backend

import (
	"context"
)

// Family tags the vendor runtime family a Backend wraps. It is a sealed set:
// dispatch on Family is exhaustive at every call site that needs to special
// case a family, there is no reflection-based plugin registry.
type Family string

const (
	CudaFamily     Family = "cuda"
	RocmFamily     Family = "rocm"
	MetalFamily    Family = "metal"
	DirectMLFamily Family = "directml"
	VulkanCompute  Family = "vulkan"
	CpuFallback    Family = "cpu"
)

// Partition describes a fractional slice of a physical device (e.g. an
// NVIDIA MIG instance) that the placement engine may treat as an
// independently schedulable target. A Device with no partitions is treated
// as a single whole target.
type Partition struct {
	ID           string
	MemoryBytes  uint64
	ComputeUnits uint32
}

// Device is the immutable identity and attribute record of one addressable
// accelerator, as discovered. Devices are created by discovery and never
// mutated; a device disappears only when its owning node leaves the
// cluster.
type Device struct {
	ID                  string // "<backend>:<ordinal>", stable for the process lifetime
	Vendor              string
	Family              Family
	ComputeCapability   string
	MemoryBytes         uint64
	ComputeUnits        uint32
	PeakClockMHz        uint32
	PeakBandwidthGBps   float32
	TensorUnits         uint32
	Mobility            bool // true for mobile/embedded accelerators with a thermal envelope
	ThermalEnvelope     bool
	DriverVersion       string
	SupportedPrecisions []string
	// InputPrecisions/OutputPrecisions are the precision formats this device
	// can accept from, or hand off to, an adjacent pipeline shard on another
	// device. Empty means "falls back to SupportedPrecisions" — most
	// backends don't distinguish input/output capability from general
	// compute precision, only devices with an asymmetric conversion path
	// (e.g. a quantizing interconnect bridge) need to set these explicitly.
	InputPrecisions  []string
	OutputPrecisions []string
	Partitions       []Partition
}

// MemoryHandle is an opaque reference to one device allocation. It is valid
// only within the backend that issued it and only while present in that
// backend's handle table; any operation against a handle absent from the
// table fails with ErrInvalidHandle.
type MemoryHandle struct {
	ID        string
	DeviceID  string
	Size      uint64
	CreatedAt int64 // unix nanos, stamped by the issuing backend
}

// MemoryStats reports the memory accounting for one device at call time.
type MemoryStats struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// Backend is the capability set every accelerator family adapter satisfies.
// Operations are non-blocking at the caller: they return as soon as work is
// queued, and may be awaited for completion via Synchronize. Ordering is
// FIFO per device within one Backend; there is no cross-device ordering
// guarantee without an explicit Synchronize.
type Backend interface {
	// Family reports which vendor runtime family this adapter wraps.
	Family() Family

	// Initialize probes for the vendor driver/runtime and returns the
	// devices it can drive. A device that fails to probe is skipped, not
	// fatal; the backend as a whole fails only with ErrBackendUnavailable
	// when no driver/runtime is present at all.
	Initialize(ctx context.Context) ([]Device, error)

	// Shutdown releases every outstanding allocation, frees queues and
	// context, and is safe to call more than once.
	Shutdown(ctx context.Context) error

	// ListDevices returns the devices this backend currently owns.
	ListDevices() []Device

	Allocate(ctx context.Context, deviceID string, size uint64) (MemoryHandle, error)
	Deallocate(ctx context.Context, handle MemoryHandle) error

	CopyHostToDevice(ctx context.Context, src []byte, dst MemoryHandle, offset uint64) error
	CopyDeviceToHost(ctx context.Context, src MemoryHandle, offset, size uint64) ([]byte, error)
	// CopyDeviceToDevice moves bytes between two handles owned by this
	// backend. It fails with ErrPeerAccessUnsupported when the backend
	// cannot perform the copy directly; callers then stage through host
	// memory via CopyDeviceToHost + CopyHostToDevice.
	CopyDeviceToDevice(ctx context.Context, src, dst MemoryHandle, size uint64) error

	Synchronize(ctx context.Context, deviceID string) error

	QueryMemory(ctx context.Context, deviceID string) (MemoryStats, error)
	// QueryThermal, QueryPower and QueryClock return (value, true) when the
	// vendor exposes the sensor, or (0, false) when it does not. A missing
	// sensor is not an error: the scorer treats it as "assume headroom".
	QueryThermal(ctx context.Context, deviceID string) (celsius float64, ok bool, err error)
	QueryPower(ctx context.Context, deviceID string) (watts float64, ok bool, err error)
	QueryClock(ctx context.Context, deviceID string) (mhz uint32, ok bool, err error)

	// SupportsPeerCopy reports whether CopyDeviceToDevice between src and
	// dst can succeed, without attempting it, so the placement engine does
	// not pessimize pairs that would actually work.
	SupportsPeerCopy(src, dst string) bool
}

// NewDeviceInitFailedError wraps a per-device probe failure during
// Initialize; the caller logs it and excludes the device, it never aborts
// discovery.
func NewDeviceInitFailedError(component, deviceID string, cause error) error {
	return newErr(KindDeviceInitFailed, component, deviceID, cause, "device init failed: %v", cause)
}

// NewBackendUnavailableError wraps the absence of a vendor driver/runtime.
func NewBackendUnavailableError(component string, cause error) error {
	return newErr(KindBackendUnavailable, component, "", cause, "backend unavailable: %v", cause)
}

// NewSizeInvalidError classifies an allocation request of zero size.
func NewSizeInvalidError(component, deviceID string, size uint64) error {
	return newErr(KindSizeInvalid, component, deviceID, nil, "invalid allocation size %d", size)
}

// NewRangeOverflowError classifies a copy whose offset/size would read or
// write outside the bounds of the handle's allocation.
func NewRangeOverflowError(component, deviceID string, offset, size, handleSize uint64) error {
	return newErr(KindRangeOverflow, component, deviceID, nil,
		"range [%d, %d) overflows handle of size %d", offset, offset+size, handleSize)
}

// NewInvalidHandleError classifies use of an unknown or already-freed handle.
func NewInvalidHandleError(component string, handle MemoryHandle) error {
	return newErr(KindInvalidHandle, component, handle.DeviceID, nil, "unknown or freed handle %q", handle.ID)
}

// NewUnknownDeviceError classifies an operation addressed to a device id the
// backend does not own.
func NewUnknownDeviceError(component, deviceID string) error {
	return newErr(KindUnknownDevice, component, deviceID, nil, "device not owned by this backend")
}

// NewOutOfMemoryError classifies an allocation request beyond available
// device memory.
func NewOutOfMemoryError(component, deviceID string, requested, free uint64) error {
	return newErr(KindOutOfMemory, component, deviceID, nil,
		"requested %d bytes, %d free", requested, free)
}

// NewPeerAccessUnsupportedError classifies a device-to-device copy the
// backend cannot perform directly.
func NewPeerAccessUnsupportedError(component, deviceID string) error {
	return newErr(KindPeerAccessUnsupported, component, deviceID, nil, "peer access not supported")
}

// NewBackendClosedError classifies any operation attempted after Shutdown.
func NewBackendClosedError(component string) error {
	return newErr(KindBackendUnavailable, component, "", nil, "backend closed")
}

// NewAccessDeniedError classifies a capability check failure: principal
// lacks the operation, or the device is outside its whitelist.
func NewAccessDeniedError(component, principal, deviceID, operation string) error {
	return newErr(KindAccessDenied, component, deviceID, nil,
		"principal %q denied operation %q", principal, operation)
}

// NewQuotaExceededError classifies an allocation that would push a
// principal's outstanding memory past its quota; treated as an
// AccessDenied variant per the error taxonomy.
func NewQuotaExceededError(component, principal, deviceID string, outstanding, requested, quota uint64) error {
	return newErr(KindQuotaExceeded, component, deviceID, nil,
		"principal %q quota exceeded: outstanding %d + requested %d > quota %d", principal, outstanding, requested, quota)
}
