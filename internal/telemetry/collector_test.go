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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/backend"
)

func TestSampleValidRejectsOutOfRangeMeasurements(t *testing.T) {
	base := Sample{DeviceID: "cuda:0", MemoryTotal: 100, MemoryUsed: 50, UtilPercent: 50, Temperature: 40}
	assert.True(t, base.Valid())

	overUsed := base
	overUsed.MemoryUsed = 200
	assert.False(t, overUsed.Valid())

	negUtil := base
	negUtil.UtilPercent = -1
	assert.False(t, negUtil.Valid())

	overUtil := base
	overUtil.UtilPercent = 101
	assert.False(t, overUtil.Valid())

	belowAbsoluteZero := base
	belowAbsoluteZero.Temperature = -300
	assert.False(t, belowAbsoluteZero.Valid())

	noSensor := base
	noSensor.Temperature = nan()
	assert.True(t, noSensor.Valid(), "a missing sensor reading must not fail validation")
}

func TestRingBoundedHistoryEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Sample{DeviceID: "cuda:0", Timestamp: int64(i)})
	}
	assert.Equal(t, 3, r.Len())
	hist := r.History()
	require.Len(t, hist, 3)
	assert.Equal(t, []int64{2, 3, 4}, []int64{hist[0].Timestamp, hist[1].Timestamp, hist[2].Timestamp})

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(4), latest.Timestamp)
}

// stubBackend reports a fixed memory/thermal/power/clock reading per device,
// optionally one that violates Sample.Valid(), to exercise the collector's
// drop-before-emit path without a real vendor runtime.
type stubBackend struct {
	backend.Backend
	memUsed, memTotal uint64
}

func (s *stubBackend) QueryMemory(ctx context.Context, deviceID string) (backend.MemoryStats, error) {
	return backend.MemoryStats{Used: s.memUsed, Free: s.memTotal - s.memUsed, Total: s.memTotal}, nil
}

func (s *stubBackend) QueryThermal(ctx context.Context, deviceID string) (float64, bool, error) {
	return 55, true, nil
}

func (s *stubBackend) QueryPower(ctx context.Context, deviceID string) (float64, bool, error) {
	return 120, true, nil
}

func (s *stubBackend) QueryClock(ctx context.Context, deviceID string) (uint32, bool, error) {
	return 1500, true, nil
}

func TestCollectorDropsInvalidSamplesInsteadOfEmitting(t *testing.T) {
	b := &stubBackend{memUsed: 200, memTotal: 100} // used > total: invalid
	devices := []backend.Device{{ID: "cuda:0"}}

	c := NewCollector(10*time.Millisecond, 8)
	sink := NewChanSink(4)

	c.sampleOnce(context.Background(), b, devices, sink)

	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, 0, c.History("cuda:0").Len())
	select {
	case <-sink.C():
		t.Fatal("an invalid sample must never reach the sink")
	default:
	}
}

func TestCollectorEmitsAndRecordsValidSamples(t *testing.T) {
	b := &stubBackend{memUsed: 40, memTotal: 100}
	devices := []backend.Device{{ID: "cuda:0"}}

	c := NewCollector(10*time.Millisecond, 8)
	sink := NewChanSink(4)

	c.sampleOnce(context.Background(), b, devices, sink)

	assert.Equal(t, uint64(0), c.Dropped())
	require.Equal(t, 1, c.History("cuda:0").Len())

	select {
	case s := <-sink.C():
		assert.Equal(t, "cuda:0", s.DeviceID)
		assert.InDelta(t, 40.0, s.UtilPercent, 0.001)
	default:
		t.Fatal("expected a sample on the sink")
	}
}

func TestChanSinkDropsOldestUnderBackpressure(t *testing.T) {
	sink := NewChanSink(1)
	sink.Emit(Sample{DeviceID: "first"})
	sink.Emit(Sample{DeviceID: "second"})

	got := <-sink.C()
	assert.Equal(t, "second", got.DeviceID, "a saturated sink must keep the newest sample, not block the sampler")
}

func TestCollectorRunExitsPromptlyOnCancellation(t *testing.T) {
	b := &stubBackend{memUsed: 1, memTotal: 10}
	devices := func() []backend.Device { return []backend.Device{{ID: "cuda:0"}} }

	c := NewCollector(5*time.Millisecond, 8)
	sink := NewChanSink(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, b, devices, sink)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("collector did not stop within the cancellation bound")
	}
}
