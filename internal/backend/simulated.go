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

package backend

import (
	"context"
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// ProbeFunc discovers the devices of one accelerator family on the running
// host. A family with no way to introspect itself on this platform (no
// sysfs node, no vendor runtime) returns (nil, nil): zero devices is not an
// error, it is "this family is absent here".
type ProbeFunc func(ctx context.Context) ([]Device, error)

// Simulated is a Backend shared by every accelerator family for which the
// ecosystem has no real Go driver binding to compile against: allocation,
// transfer and synchronization are staged through the shared handle table
// exactly as in any other adapter, but a family's Initialize uses Probe to
// find its devices (sysfs for the families that expose one, static
// injection for the families that don't exist as a Linux concept) rather
// than calling into vendor code that cannot be generated without their SDKs.
// Thermal and power readings follow the same derivation used for any device
// whose vendor runtime does not expose the corresponding sensor: "no sensor"
// (ok=false), not a fabricated number. The clock reading is the device's
// declared PeakClockMHz, or "no sensor" when that is 0.
type Simulated struct {
	mu      sync.RWMutex
	family  Family
	probe   ProbeFunc
	devices map[string]Device
	handles *HandleTable
	closed  bool
}

// NewSimulated constructs a family adapter around probe. The family name is
// used for log lines and error Component fields.
func NewSimulated(family Family, probe ProbeFunc) *Simulated {
	return &Simulated{
		family:  family,
		probe:   probe,
		devices: make(map[string]Device),
		handles: NewHandleTable(),
	}
}

func (s *Simulated) Family() Family { return s.family }

func (s *Simulated) Initialize(ctx context.Context) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.probe(ctx)
	if err != nil {
		return nil, NewBackendUnavailableError(string(s.family), err)
	}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	klog.Infof("backend/%s: initialized with %d device(s)", s.family, len(devices))
	return devices, nil
}

func (s *Simulated) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.handles.Drain()
	s.closed = true
	return nil
}

func (s *Simulated) ListDevices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Simulated) device(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

func (s *Simulated) Allocate(ctx context.Context, deviceID string, size uint64) (MemoryHandle, error) {
	if s.closedLocked() {
		return MemoryHandle{}, NewBackendClosedError(string(s.family))
	}
	if size == 0 {
		return MemoryHandle{}, NewSizeInvalidError(string(s.family), deviceID, size)
	}
	dev, ok := s.device(deviceID)
	if !ok {
		return MemoryHandle{}, NewUnknownDeviceError(string(s.family), deviceID)
	}
	used := s.handles.SumSize(deviceID)
	if used+size > dev.MemoryBytes {
		return MemoryHandle{}, NewOutOfMemoryError(string(s.family), deviceID, size, dev.MemoryBytes-used)
	}
	return s.handles.Put(deviceID, size, make([]byte, size)), nil
}

func (s *Simulated) closedLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Simulated) Deallocate(ctx context.Context, handle MemoryHandle) error {
	if !s.handles.Remove(handle) {
		return NewInvalidHandleError(string(s.family), handle)
	}
	return nil
}

func (s *Simulated) CopyHostToDevice(ctx context.Context, src []byte, dst MemoryHandle, offset uint64) error {
	vendor, ok := s.handles.Get(dst)
	if !ok {
		return NewInvalidHandleError(string(s.family), dst)
	}
	buf := vendor.([]byte)
	if offset+uint64(len(src)) > uint64(len(buf)) {
		return NewRangeOverflowError(string(s.family), dst.DeviceID, offset, uint64(len(src)), uint64(len(buf)))
	}
	copy(buf[offset:], src)
	return nil
}

func (s *Simulated) CopyDeviceToHost(ctx context.Context, src MemoryHandle, offset, size uint64) ([]byte, error) {
	vendor, ok := s.handles.Get(src)
	if !ok {
		return nil, NewInvalidHandleError(string(s.family), src)
	}
	buf := vendor.([]byte)
	if offset+size > uint64(len(buf)) {
		return nil, NewRangeOverflowError(string(s.family), src.DeviceID, offset, size, uint64(len(buf)))
	}
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, nil
}

func (s *Simulated) CopyDeviceToDevice(ctx context.Context, src, dst MemoryHandle, size uint64) error {
	if !s.SupportsPeerCopy(src.DeviceID, dst.DeviceID) {
		return NewPeerAccessUnsupportedError(string(s.family), src.DeviceID)
	}
	srcVendor, ok := s.handles.Get(src)
	if !ok {
		return NewInvalidHandleError(string(s.family), src)
	}
	dstVendor, ok := s.handles.Get(dst)
	if !ok {
		return NewInvalidHandleError(string(s.family), dst)
	}
	sb := srcVendor.([]byte)
	db := dstVendor.([]byte)
	if size > uint64(len(sb)) || size > uint64(len(db)) {
		return NewRangeOverflowError(string(s.family), src.DeviceID, 0, size, uint64(len(sb)))
	}
	copy(db, sb[:size])
	return nil
}

func (s *Simulated) Synchronize(ctx context.Context, deviceID string) error {
	if _, ok := s.device(deviceID); !ok {
		return NewUnknownDeviceError(string(s.family), deviceID)
	}
	return nil
}

func (s *Simulated) QueryMemory(ctx context.Context, deviceID string) (MemoryStats, error) {
	dev, ok := s.device(deviceID)
	if !ok {
		return MemoryStats{}, NewUnknownDeviceError(string(s.family), deviceID)
	}
	used := s.handles.SumSize(deviceID)
	return MemoryStats{Total: dev.MemoryBytes, Used: used, Free: dev.MemoryBytes - used}, nil
}

// QueryThermal and QueryPower report no sensor for every simulated family:
// none of them has a real host-readable sensor path on this platform. The
// thermal executor treats a missing sensor as headroom, per the contract's
// documented behavior. QueryClock reports the device's declared
// PeakClockMHz, or no sensor when that is 0.
func (s *Simulated) QueryThermal(ctx context.Context, deviceID string) (float64, bool, error) {
	if _, ok := s.device(deviceID); !ok {
		return 0, false, NewUnknownDeviceError(string(s.family), deviceID)
	}
	return 0, false, nil
}

func (s *Simulated) QueryPower(ctx context.Context, deviceID string) (float64, bool, error) {
	if _, ok := s.device(deviceID); !ok {
		return 0, false, NewUnknownDeviceError(string(s.family), deviceID)
	}
	return 0, false, nil
}

func (s *Simulated) QueryClock(ctx context.Context, deviceID string) (uint32, bool, error) {
	dev, ok := s.device(deviceID)
	if !ok {
		return 0, false, NewUnknownDeviceError(string(s.family), deviceID)
	}
	if dev.PeakClockMHz == 0 {
		return 0, false, nil
	}
	return dev.PeakClockMHz, true, nil
}

// SupportsPeerCopy is true for any two devices this adapter owns: the
// simulated copy path always succeeds locally, there is no real fabric to
// fail over.
func (s *Simulated) SupportsPeerCopy(src, dst string) bool {
	_, srcOK := s.device(src)
	_, dstOK := s.device(dst)
	return srcOK && dstOK
}

var _ Backend = (*Simulated)(nil)
