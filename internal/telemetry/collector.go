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

package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/backend"
)

// Sink receives one validated sample per emission. Collector calls Emit
// synchronously from its sampling loop; ChanSink drops the oldest unsent
// sample rather than block, so a slow transport never stalls the backend.
type Sink interface {
	Emit(Sample)
}

// ChanSink adapts a buffered channel into a Sink with drop-oldest
// backpressure: if the channel is full, the oldest queued sample is
// discarded to make room for the new one rather than blocking the sampler.
type ChanSink struct {
	ch chan Sample
}

// NewChanSink constructs a ChanSink with the given buffer depth.
func NewChanSink(depth int) *ChanSink {
	if depth <= 0 {
		depth = 1
	}
	return &ChanSink{ch: make(chan Sample, depth)}
}

// C exposes the underlying channel for a consumer (e.g. internal/transport)
// to range over.
func (s *ChanSink) C() <-chan Sample { return s.ch }

func (s *ChanSink) Emit(sample Sample) {
	select {
	case s.ch <- sample:
		return
	default:
	}
	// Full: drop the oldest queued sample, never the current one, and retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- sample:
	default:
		klog.Warningf("telemetry: sink saturated, dropping sample for %s", sample.DeviceID)
	}
}

// Collector samples every device of one backend at a fixed interval,
// validates each sample, appends it to that device's Ring, and emits it to
// a Sink. One Collector instance is created per worker.
type Collector struct {
	interval     time.Duration
	historyDepth int

	mu       sync.RWMutex
	rings    map[string]*Ring
	dropped  uint64
}

// NewCollector constructs a Collector sampling at interval with the given
// per-device ring capacity.
func NewCollector(interval time.Duration, historyDepth int) *Collector {
	return &Collector{
		interval:     interval,
		historyDepth: historyDepth,
		rings:        make(map[string]*Ring),
	}
}

// Dropped reports the number of samples rejected by validation since
// construction.
func (c *Collector) Dropped() uint64 { return atomic.LoadUint64(&c.dropped) }

// History returns the ring for deviceID, creating it on first use.
func (c *Collector) History(deviceID string) *Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rings[deviceID]
	if !ok {
		r = NewRing(c.historyDepth)
		c.rings[deviceID] = r
	}
	return r
}

// Run drives the sampling loop until ctx is canceled. It samples every
// device returned by devices() on each tick, skipping devices whose
// sample fails validation (incrementing Dropped instead of emitting them),
// and exits promptly on cancellation after draining the in-flight tick —
// no partial tick is left half-applied.
func (c *Collector) Run(ctx context.Context, b backend.Backend, devices func() []backend.Device, sink Sink) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.V(2).Infof("telemetry: collector stopping")
			return
		case <-ticker.C:
			c.sampleOnce(ctx, b, devices(), sink)
		}
	}
}

func (c *Collector) sampleOnce(ctx context.Context, b backend.Backend, devices []backend.Device, sink Sink) {
	now := time.Now().UnixNano()
	for _, dev := range devices {
		sample, err := c.sampleDevice(ctx, b, dev, now)
		if err != nil {
			klog.Warningf("telemetry: sample %s: %v", dev.ID, err)
			continue
		}
		if !sample.Valid() {
			atomic.AddUint64(&c.dropped, 1)
			klog.Warningf("telemetry: dropping invalid sample for %s", dev.ID)
			continue
		}
		c.History(dev.ID).Append(sample)
		sink.Emit(sample)
	}
}

func (c *Collector) sampleDevice(ctx context.Context, b backend.Backend, dev backend.Device, now int64) (Sample, error) {
	mem, err := b.QueryMemory(ctx, dev.ID)
	if err != nil {
		return Sample{}, err
	}

	temp := nan()
	if t, ok, err := b.QueryThermal(ctx, dev.ID); err == nil && ok {
		temp = t
	}
	power := 0.0
	if p, ok, err := b.QueryPower(ctx, dev.ID); err == nil && ok {
		power = p
	}
	clock := uint32(0)
	if cl, ok, err := b.QueryClock(ctx, dev.ID); err == nil && ok {
		clock = cl
	}

	util := 0.0
	if mem.Total > 0 {
		util = 100 * float64(mem.Used) / float64(mem.Total)
	}

	return Sample{
		DeviceID:    dev.ID,
		Timestamp:   now,
		MemoryUsed:  mem.Used,
		MemoryTotal: mem.Total,
		UtilPercent: util,
		Temperature: temp,
		PowerWatts:  power,
		ClockMHz:    clock,
	}, nil
}

func nan() float64 {
	var zero float64
	return zero / zero
}
