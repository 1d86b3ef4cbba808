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

package thermal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonMobilityDeviceNeverPauses(t *testing.T) {
	e := NewExecutor("cuda:0", DefaultParams(), false, Callbacks{})
	e.Observe(95, true) // well above any throttle threshold

	wait, err := e.BeforeLayer(context.Background(), 300, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestDeviceWithNoTemperatureNeverPauses(t *testing.T) {
	e := NewExecutor("gpu-mobile:0", DefaultParams(), true, Callbacks{})
	// Observe not called: hasTemp stays false.

	wait, err := e.BeforeLayer(context.Background(), 300, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestMobilityDevicePausesWhenPredictedPeakExceedsSafe(t *testing.T) {
	params := DefaultParams()
	params.AmbientC = 25
	params.ThermalCapacity = 50
	params.HeatTransferCoeff = 2

	var paused, resumed bool
	var coolDown time.Duration
	cb := Callbacks{
		OnPause:  func(id string, d time.Duration) { paused = true; coolDown = d },
		OnResume: func(id string) { resumed = true },
	}

	e := NewExecutor("gpu-mobile:0", params, true, cb)
	e.Observe(82, true) // already above the 80°C safe boundary (85 - 5 margin)

	wait, err := e.BeforeLayer(context.Background(), 200, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, resumed)
	assert.Greater(t, wait, time.Duration(0))
	assert.Equal(t, wait, coolDown)
}

func TestBeforeLayerCancellationReturnsContextError(t *testing.T) {
	params := DefaultParams()
	params.AmbientC = 20
	params.ThermalCapacity = 10
	params.HeatTransferCoeff = 1

	e := NewExecutor("gpu-mobile:0", params, true, Callbacks{})
	e.Observe(84, true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := e.BeforeLayer(ctx, 500, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObserveResumesOnlyBelowResumeMargin(t *testing.T) {
	e := NewExecutor("gpu-mobile:0", DefaultParams(), true, Callbacks{})
	e.paused = true

	e.Observe(75, true) // SafeC=80, ResumeC=70: still above resume floor
	assert.True(t, e.Paused())

	e.Observe(65, true) // below ResumeC=70
	assert.False(t, e.Paused())
}

func TestThirdConsecutivePauseTriggersPrecisionReduce(t *testing.T) {
	params := DefaultParams()
	params.AmbientC = 25
	params.ThermalCapacity = 50
	params.HeatTransferCoeff = 2

	var reduced int
	cb := Callbacks{
		OnPause:           func(string, time.Duration) {},
		OnResume:          func(string) {},
		OnPrecisionReduce: func(string) { reduced++ },
	}
	e := NewExecutor("gpu-mobile:0", params, true, cb)

	for i := 0; i < 3; i++ {
		e.Observe(80, true)
		_, err := e.BeforeLayer(context.Background(), 200, 10*time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reduced)
}
