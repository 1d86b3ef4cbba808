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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// RegistryDevice is one device record in the persisted registry, matching
// the wire format of the external interface exactly.
type RegistryDevice struct {
	DeviceID            string  `json:"device_id"`
	Vendor              string  `json:"vendor"`
	Name                string  `json:"name"`
	MemoryBytes         uint64  `json:"memory_bytes"`
	ComputeUnits        uint32  `json:"compute_units"`
	ComputeCapability   string  `json:"compute_capability"`
	PeakBandwidthGBps   float32 `json:"peak_bandwidth_gbps"`
	SupportsPeerAccess  bool    `json:"supports_peer_access"`
}

// Registry is the top-level persisted document written by each worker on
// discovery.
type Registry struct {
	DiscoveredAt   string           `json:"discovered_at"`
	Platform       string           `json:"platform"`
	PrimaryBackend string           `json:"primary_backend"`
	Devices        []RegistryDevice `json:"devices"`
}

// ToRegistry converts a discovery Result into the persisted document shape.
func ToRegistry(result *Result, now time.Time) Registry {
	reg := Registry{
		DiscoveredAt:   now.UTC().Format(time.RFC3339),
		Platform:       string(result.Platform),
		PrimaryBackend: string(result.PrimaryBackend),
	}
	for _, vd := range result.Devices {
		reg.Devices = append(reg.Devices, RegistryDevice{
			DeviceID:           vd.Device.ID,
			Vendor:             vd.Device.Vendor,
			Name:               vd.Device.Vendor,
			MemoryBytes:        vd.Device.MemoryBytes,
			ComputeUnits:       vd.Device.ComputeUnits,
			ComputeCapability:  vd.Device.ComputeCapability,
			PeakBandwidthGBps:  vd.Device.PeakBandwidthGBps,
			SupportsPeerAccess: vd.SupportsPeerAccess,
		})
	}
	return reg
}

// DefaultRegistryPath returns the conventional registry location under the
// user's config directory.
func DefaultRegistryPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("discovery: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "shardmesh", "gpu_registry.json"), nil
}

// WriteRegistry serializes reg to path, overwriting it atomically: the new
// content is written to a temp file in the same directory and renamed into
// place, so readers never observe a partial write.
func WriteRegistry(path string, reg Registry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("discovery: create registry dir: %w", err)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery: marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".gpu_registry-*.tmp")
	if err != nil {
		return fmt.Errorf("discovery: create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("discovery: write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("discovery: close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("discovery: rename registry into place: %w", err)
	}
	return nil
}

// ReadRegistry loads and parses the registry at path.
func ReadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, fmt.Errorf("discovery: read registry: %w", err)
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("discovery: parse registry: %w", err)
	}
	return reg, nil
}

// Watch watches path for external changes (another process rewriting the
// registry) and invokes onChange with the freshly parsed content each time
// a write settles. Watch blocks until ctx is canceled.
func Watch(ctx context.Context, path string, onChange func(Registry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("discovery: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("discovery: watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reg, err := ReadRegistry(path)
			if err != nil {
				klog.Warningf("discovery: reload %s: %v", path, err)
				continue
			}
			onChange(reg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Warningf("discovery: watcher error: %v", err)
		}
	}
}
