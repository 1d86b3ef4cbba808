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

// Package cuda implements the backend.Backend contract for NVIDIA CUDA
// devices on top of real NVML bindings. Device memory is tracked in the
// shared host-side handle table and staged through host buffers for
// transfers: NVML exposes introspection and accounting, not a copy engine,
// so Allocate/Copy* simulate the device-memory timeline in host RAM while
// reporting real hardware state for everything the scorer and executor
// read (temperature, power, clocks, free/used memory).
package cuda

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NVIDIA/go-gpuallocator/gpuallocator"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/backend"
)

const component = "backend/cuda"

// alignedAllocationPolicy orders same-family candidate devices for
// NVLink-aligned grouping. It feeds the topology builder a ranking hint
// rather than a container allocation decision.
var alignedAllocationPolicy = gpuallocator.NewBestEffortPolicy()

type nvmlDevice struct {
	handle nvml.Device
	index  int
	uuid   string
}

// Backend wraps the NVML library handle and the set of GPUs it found at
// Initialize time.
type Backend struct {
	mu       sync.RWMutex
	devices  map[string]nvmlDevice
	inited   bool
	closed   bool
	handles  *backend.HandleTable
	nvmllib  nvml.Interface
}

// New constructs an uninitialized CUDA backend. Initialize must be called
// before any other method.
func New() *Backend {
	return &Backend{
		devices: make(map[string]nvmlDevice),
		handles: backend.NewHandleTable(),
		nvmllib: nvml.New(),
	}
}

func (b *Backend) Family() backend.Family { return backend.CudaFamily }

// Initialize loads the NVML library and enumerates every GPU it reports.
// A failure to load the library at all is ErrBackendUnavailable; a failure
// to read an individual device's attributes excludes that device rather
// than aborting discovery.
func (b *Backend) Initialize(ctx context.Context) ([]backend.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ret := b.nvmllib.Init(); ret != nvml.SUCCESS {
		return nil, backend.NewBackendUnavailableError(component, fmt.Errorf("nvml init: %v", nvml.ErrorString(ret)))
	}
	b.inited = true

	count, ret := b.nvmllib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, backend.NewBackendUnavailableError(component, fmt.Errorf("device count: %v", nvml.ErrorString(ret)))
	}

	var out []backend.Device
	for i := 0; i < count; i++ {
		gpu, ret := b.nvmllib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			klog.Warningf("%s: skipping device %d: %v", component, i, nvml.ErrorString(ret))
			continue
		}
		dev, uuid, err := describeDevice(i, gpu)
		if err != nil {
			klog.Warningf("%s: skipping device %d: %v", component, i, err)
			continue
		}
		b.devices[dev.ID] = nvmlDevice{handle: gpu, index: i, uuid: uuid}
		out = append(out, dev)
	}

	klog.Infof("%s: initialized with %d device(s)", component, len(out))
	return out, nil
}

func describeDevice(index int, gpu nvml.Device) (backend.Device, string, error) {
	name, ret := gpu.GetName()
	if ret != nvml.SUCCESS {
		return backend.Device{}, "", fmt.Errorf("name: %v", nvml.ErrorString(ret))
	}

	uuid, ret := gpu.GetUUID()
	if ret != nvml.SUCCESS {
		return backend.Device{}, "", fmt.Errorf("uuid: %v", nvml.ErrorString(ret))
	}

	memInfo, ret := gpu.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return backend.Device{}, "", fmt.Errorf("memory info: %v", nvml.ErrorString(ret))
	}

	major, minor, ret := gpu.GetCudaComputeCapability()
	cc := ""
	if ret == nvml.SUCCESS {
		cc = fmt.Sprintf("%d.%d", major, minor)
	}

	clock, ret := gpu.GetMaxClockInfo(nvml.CLOCK_SM)
	if ret != nvml.SUCCESS {
		clock = 0
	}

	driverVersion, _ := nvml.SystemGetDriverVersion()

	dev := backend.Device{
		ID:                  fmt.Sprintf("cuda:%d", index),
		Vendor:              name,
		Family:              backend.CudaFamily,
		ComputeCapability:   cc,
		MemoryBytes:         memInfo.Total,
		ComputeUnits:        0, // NVML does not expose SM count directly; left to discovery's derived fields
		PeakClockMHz:        uint32(clock),
		TensorUnits:         0,
		Mobility:            false,
		ThermalEnvelope:     true,
		DriverVersion:       driverVersion,
		SupportedPrecisions: []string{"fp32", "fp16"},
		Partitions:          nil,
	}
	return dev, uuid, nil
}

func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, h := range b.handles.Drain() {
		_ = h // host-side buffers are garbage collected; nothing vendor-side to free
	}
	if b.inited {
		if ret := b.nvmllib.Shutdown(); ret != nvml.SUCCESS {
			klog.Warningf("%s: shutdown: %v", component, nvml.ErrorString(ret))
		}
	}
	b.closed = true
	return nil
}

func (b *Backend) ListDevices() []backend.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.Device, 0, len(b.devices))
	for id, d := range b.devices {
		dev, _, err := describeDevice(d.index, d.handle)
		if err != nil {
			continue
		}
		dev.ID = id
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) lookup(deviceID string) (nvmlDevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[deviceID]
	return d, ok
}

func (b *Backend) Allocate(ctx context.Context, deviceID string, size uint64) (backend.MemoryHandle, error) {
	if size == 0 {
		return backend.MemoryHandle{}, backend.NewSizeInvalidError(component, deviceID, size)
	}
	d, ok := b.lookup(deviceID)
	if !ok {
		return backend.MemoryHandle{}, backend.NewUnknownDeviceError(component, deviceID)
	}
	memInfo, ret := d.handle.GetMemoryInfo()
	if ret == nvml.SUCCESS && size > memInfo.Free {
		return backend.MemoryHandle{}, backend.NewOutOfMemoryError(component, deviceID, size, memInfo.Free)
	}
	buf := make([]byte, size)
	return b.handles.Put(deviceID, size, buf), nil
}

func (b *Backend) Deallocate(ctx context.Context, handle backend.MemoryHandle) error {
	if !b.handles.Remove(handle) {
		return backend.NewInvalidHandleError(component, handle)
	}
	return nil
}

func (b *Backend) CopyHostToDevice(ctx context.Context, src []byte, dst backend.MemoryHandle, offset uint64) error {
	vendor, ok := b.handles.Get(dst)
	if !ok {
		return backend.NewInvalidHandleError(component, dst)
	}
	buf := vendor.([]byte)
	if offset+uint64(len(src)) > uint64(len(buf)) {
		return backend.NewRangeOverflowError(component, dst.DeviceID, offset, uint64(len(src)), uint64(len(buf)))
	}
	copy(buf[offset:], src)
	return nil
}

func (b *Backend) CopyDeviceToHost(ctx context.Context, src backend.MemoryHandle, offset, size uint64) ([]byte, error) {
	vendor, ok := b.handles.Get(src)
	if !ok {
		return nil, backend.NewInvalidHandleError(component, src)
	}
	buf := vendor.([]byte)
	if offset+size > uint64(len(buf)) {
		return nil, backend.NewRangeOverflowError(component, src.DeviceID, offset, size, uint64(len(buf)))
	}
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, nil
}

func (b *Backend) CopyDeviceToDevice(ctx context.Context, src, dst backend.MemoryHandle, size uint64) error {
	if !b.SupportsPeerCopy(src.DeviceID, dst.DeviceID) {
		return backend.NewPeerAccessUnsupportedError(component, src.DeviceID)
	}
	srcBuf, ok := b.handles.Get(src)
	if !ok {
		return backend.NewInvalidHandleError(component, src)
	}
	dstBuf, ok := b.handles.Get(dst)
	if !ok {
		return backend.NewInvalidHandleError(component, dst)
	}
	sb := srcBuf.([]byte)
	db := dstBuf.([]byte)
	if size > uint64(len(sb)) || size > uint64(len(db)) {
		return backend.NewRangeOverflowError(component, src.DeviceID, 0, size, uint64(len(sb)))
	}
	copy(db, sb[:size])
	return nil
}

func (b *Backend) Synchronize(ctx context.Context, deviceID string) error {
	if _, ok := b.lookup(deviceID); !ok {
		return backend.NewUnknownDeviceError(component, deviceID)
	}
	return nil // host-simulated transfers are synchronous already
}

func (b *Backend) QueryMemory(ctx context.Context, deviceID string) (backend.MemoryStats, error) {
	d, ok := b.lookup(deviceID)
	if !ok {
		return backend.MemoryStats{}, backend.NewUnknownDeviceError(component, deviceID)
	}
	info, ret := d.handle.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return backend.MemoryStats{}, backend.NewDeviceInitFailedError(component, deviceID, fmt.Errorf("%v", nvml.ErrorString(ret)))
	}
	return backend.MemoryStats{Total: info.Total, Used: info.Used, Free: info.Free}, nil
}

func (b *Backend) QueryThermal(ctx context.Context, deviceID string) (float64, bool, error) {
	d, ok := b.lookup(deviceID)
	if !ok {
		return 0, false, backend.NewUnknownDeviceError(component, deviceID)
	}
	temp, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return 0, false, nil
	}
	return float64(temp), true, nil
}

func (b *Backend) QueryPower(ctx context.Context, deviceID string) (float64, bool, error) {
	d, ok := b.lookup(deviceID)
	if !ok {
		return 0, false, backend.NewUnknownDeviceError(component, deviceID)
	}
	mw, ret := d.handle.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, false, nil
	}
	return float64(mw) / 1000.0, true, nil
}

func (b *Backend) QueryClock(ctx context.Context, deviceID string) (uint32, bool, error) {
	d, ok := b.lookup(deviceID)
	if !ok {
		return 0, false, backend.NewUnknownDeviceError(component, deviceID)
	}
	clock, ret := d.handle.GetClockInfo(nvml.CLOCK_SM)
	if ret != nvml.SUCCESS {
		return 0, false, nil
	}
	return uint32(clock), true, nil
}

// SupportsPeerCopy reports true only within a single process's device set;
// cross-process/cross-node peer access is never attempted by this backend,
// callers stage through host memory for that case.
func (b *Backend) SupportsPeerCopy(src, dst string) bool {
	_, srcOK := b.lookup(src)
	_, dstOK := b.lookup(dst)
	return srcOK && dstOK
}

// AlignedOrder ranks candidate device UUIDs using a best-effort NVLink
// alignment policy, giving internal/topology a real ranking hint rather
// than index order when building peer-access edges. available and required
// must be real NVML UUIDs (gpuallocator.NewDevicesFrom resolves them
// against its own live device scan), not backend.Device ids.
func AlignedOrder(available, required []string) ([]string, error) {
	availableDevices, err := gpuallocator.NewDevicesFrom(available)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve available devices: %w", component, err)
	}
	requiredDevices, err := gpuallocator.NewDevicesFrom(required)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve required devices: %w", component, err)
	}
	allocated := alignedAllocationPolicy.Allocate(availableDevices, requiredDevices, len(available))
	out := make([]string, 0, len(allocated))
	for _, d := range allocated {
		out = append(out, d.UUID)
	}
	return out, nil
}

// AlignedPeerOrder ranks this backend's own initialized devices by NVLink
// alignment affinity, translating between backend.Device ids and the real
// NVML UUIDs AlignedOrder requires. Returns nil, nil when fewer than two
// devices are initialized — there is no ordering to make.
func (b *Backend) AlignedPeerOrder() ([]string, error) {
	b.mu.RLock()
	uuidToID := make(map[string]string, len(b.devices))
	uuids := make([]string, 0, len(b.devices))
	for id, d := range b.devices {
		uuidToID[d.uuid] = id
		uuids = append(uuids, d.uuid)
	}
	b.mu.RUnlock()

	if len(uuids) < 2 {
		return nil, nil
	}

	ordered, err := AlignedOrder(uuids, uuids)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ordered))
	for _, uuid := range ordered {
		if id, ok := uuidToID[uuid]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

var _ backend.Backend = (*Backend)(nil)
