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

// Package telemetry runs the per-worker background sampling loop over
// discovered devices and keeps a bounded history per device.
package telemetry

import "sync"

// Sample is one validated device measurement.
type Sample struct {
	DeviceID    string
	Timestamp   int64 // unix nanos
	MemoryUsed  uint64
	MemoryTotal uint64
	UtilPercent float64
	Temperature float64 // Celsius; NaN when the device reports no sensor
	PowerWatts  float64
	ClockMHz    uint32
}

// Valid reports whether s satisfies the measurement invariants: memory
// usage within total, utilization within [0, 100], and temperature above
// absolute zero when present.
func (s Sample) Valid() bool {
	if s.MemoryUsed > s.MemoryTotal {
		return false
	}
	if s.UtilPercent < 0 || s.UtilPercent > 100 {
		return false
	}
	if !isNaN(s.Temperature) && s.Temperature <= -273.15 {
		return false
	}
	return true
}

func isNaN(f float64) bool { return f != f }

// Ring is a fixed-capacity, auto-evicting history buffer for one device.
// Append is O(1); once full, the oldest sample is overwritten.
type Ring struct {
	mu       sync.RWMutex
	buf      []Sample
	capacity int
	next     int
	size     int
}

// NewRing constructs a ring of the given capacity. Capacity must be > 0.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]Sample, capacity), capacity: capacity}
}

// Append adds s, evicting the oldest sample if the ring is full.
func (r *Ring) Append(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Len reports the number of samples currently held (never exceeds capacity).
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Latest returns the most recently appended sample, or the zero value and
// false if the ring is empty.
func (r *Ring) Latest() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return Sample{}, false
	}
	idx := (r.next - 1 + r.capacity) % r.capacity
	return r.buf[idx], true
}

// History returns samples oldest-first.
func (r *Ring) History() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sample, r.size)
	start := (r.next - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}
