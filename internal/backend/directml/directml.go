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

// Package directml implements the backend.Backend contract for Windows
// DirectML devices. Like metal, DirectML has no introspection surface
// reachable from this host and no Go binding in the reference corpus;
// Initialize reports no devices unless a static list is supplied.
package directml

import (
	"context"

	"github.com/shardmesh/shardmesh/internal/backend"
)

// New constructs a DirectML backend whose Initialize reports no devices.
func New() *backend.Simulated {
	return backend.NewSimulated(backend.DirectMLFamily, func(ctx context.Context) ([]backend.Device, error) {
		return nil, nil
	})
}

// NewWithDevices constructs a DirectML backend that reports a fixed device
// list, for a node declaring its own DirectML devices out of band or for
// tests exercising a heterogeneous cluster without real Windows hardware
// present.
func NewWithDevices(devices []backend.Device) *backend.Simulated {
	return backend.NewSimulated(backend.DirectMLFamily, func(ctx context.Context) ([]backend.Device, error) {
		out := make([]backend.Device, len(devices))
		copy(out, devices)
		return out, nil
	})
}
