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

// Package metal implements the backend.Backend contract for Apple Metal
// devices. Metal has no introspection surface reachable from a non-Darwin
// host and no Go binding in the reference corpus, so this adapter never
// fabricates a device on its own: Initialize finds nothing unless the
// caller supplies a static device list (used by tests and by a node
// operator that wants to declare a macOS peer's capabilities out of band).
package metal

import (
	"context"

	"github.com/shardmesh/shardmesh/internal/backend"
)

// New constructs a Metal backend whose Initialize reports no devices: this
// runtime has no way to probe Apple hardware from here.
func New() *backend.Simulated {
	return backend.NewSimulated(backend.MetalFamily, func(ctx context.Context) ([]backend.Device, error) {
		return nil, nil
	})
}

// NewWithDevices constructs a Metal backend that reports a fixed device
// list, for a node declaring its own Metal devices out of band or for
// tests exercising a heterogeneous
// cluster without real Apple hardware present.
func NewWithDevices(devices []backend.Device) *backend.Simulated {
	return backend.NewSimulated(backend.MetalFamily, func(ctx context.Context) ([]backend.Device, error) {
		out := make([]backend.Device, len(devices))
		copy(out, devices)
		return out, nil
	})
}
