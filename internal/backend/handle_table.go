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
	"sync"
	"time"

	"github.com/google/uuid"
)

// allocation is the handle table's private record for one outstanding
// allocation: the MemoryHandle returned to the caller, plus whatever the
// adapter needs to address the underlying buffer. Vendor is an
// adapter-defined payload (a host []byte for the simulated adapters, a
// device pointer-equivalent for cuda) kept behind the interface{} so the
// table itself stays vendor-agnostic.
type allocation struct {
	handle MemoryHandle
	vendor interface{}
}

// HandleTable is the lock-guarded map from handle id to allocation shared by
// every backend adapter: one mutex, one map, never touched without the lock
// held.
type HandleTable struct {
	mu   sync.RWMutex
	rows map[string]allocation
}

// NewHandleTable constructs an empty handle table. Every adapter in this
// package embeds one and never reaches into another adapter's table.
func NewHandleTable() *HandleTable {
	return &HandleTable{rows: make(map[string]allocation)}
}

// Put mints a new handle for deviceID/size and stores vendor against it.
func (t *HandleTable) Put(deviceID string, size uint64, vendor interface{}) MemoryHandle {
	h := MemoryHandle{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Size:      size,
		CreatedAt: time.Now().UnixNano(),
	}
	t.mu.Lock()
	t.rows[h.ID] = allocation{handle: h, vendor: vendor}
	t.mu.Unlock()
	return h
}

// Get looks up the vendor payload for handle, failing if it is absent or if
// handle.DeviceID/Size do not match the record on file (a forged or
// cross-backend handle).
func (t *HandleTable) Get(handle MemoryHandle) (interface{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[handle.ID]
	if !ok {
		return nil, false
	}
	if row.handle.DeviceID != handle.DeviceID || row.handle.Size != handle.Size {
		return nil, false
	}
	return row.vendor, true
}

// Remove deletes handle from the table, returning false if it was already
// absent (a double-free).
func (t *HandleTable) Remove(handle MemoryHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[handle.ID]; !ok {
		return false
	}
	delete(t.rows, handle.ID)
	return true
}

// Drain empties the table and returns every handle that was outstanding, so
// Shutdown can free them before tearing down the vendor context.
func (t *HandleTable) Drain() []MemoryHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MemoryHandle, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row.handle)
	}
	t.rows = make(map[string]allocation)
	return out
}

// Count reports the number of outstanding allocations across all devices.
// QueryMemory implementations that track usage from live handles use
// SumSize, not Count.
func (t *HandleTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// SumSize totals the size of every outstanding allocation for deviceID.
func (t *HandleTable) SumSize(deviceID string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for _, row := range t.rows {
		if row.handle.DeviceID == deviceID {
			total += row.handle.Size
		}
	}
	return total
}
