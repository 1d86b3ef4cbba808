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

// Package thermal gates layer execution on each worker to keep a device
// below its throttle threshold, using a first-order RC thermal model to
// predict whether a layer would overheat the device before launching it.
package thermal

import (
	"context"
	"math"
	"time"
)

const integrationStep = 10 * time.Millisecond

// Params are the per-device RC model parameters and threshold policy.
type Params struct {
	ThermalCapacity   float64 // C
	HeatTransferCoeff float64 // h
	AmbientC          float64
	ThrottleThresholdC float64 // default 85
	SafeMarginC       float64 // default 5
	ResumeMarginC     float64 // default 10
}

// DefaultParams fills in the documented threshold defaults; callers still
// supply device-specific C/h/ambient.
func DefaultParams() Params {
	return Params{ThrottleThresholdC: 85, SafeMarginC: 5, ResumeMarginC: 10}
}

// SafeC is the temperature above which a predicted peak triggers a pause.
func (p Params) SafeC() float64 { return p.ThrottleThresholdC - p.SafeMarginC }

// ResumeC is the hysteresis floor: full-rate execution does not resume
// until the device cools below this, avoiding oscillation around SafeC.
func (p Params) ResumeC() float64 { return p.SafeC() - p.ResumeMarginC }

// Callbacks let higher layers surface user-visible executor state. Any may
// be nil.
type Callbacks struct {
	OnPause           func(deviceID string, coolDown time.Duration)
	OnResume          func(deviceID string)
	OnPrecisionReduce func(deviceID string)
}

// Executor is a per-worker, per-device thermal gate. Non-mobility devices
// short-circuit every call to BeforeLayer at a constant-time branch: no
// prediction, no pause, matching desktop/server accelerators that have no
// thermal envelope to manage.
type Executor struct {
	deviceID string
	params   Params
	mobility bool

	hasTemp         bool
	tempC           float64
	paused          bool
	consecutivePauses int

	callbacks Callbacks
}

// NewExecutor constructs an Executor for one device. mobility mirrors
// backend.Device.Mobility: only mobility-flagged devices are gated at all.
func NewExecutor(deviceID string, params Params, mobility bool, callbacks Callbacks) *Executor {
	return &Executor{deviceID: deviceID, params: params, mobility: mobility, callbacks: callbacks}
}

// Observe feeds a fresh temperature reading (e.g. from a telemetry.Sample)
// into the executor. ok mirrors "sensor present"; a device reporting no
// temperature never pauses, matching the boundary behavior that a missing
// sensor means "assume headroom".
func (e *Executor) Observe(tempC float64, ok bool) {
	e.hasTemp = ok
	if !ok {
		return
	}
	e.tempC = tempC
	if e.paused && tempC < e.params.ResumeC() {
		e.paused = false
		e.consecutivePauses = 0
		if e.callbacks.OnResume != nil {
			e.callbacks.OnResume(e.deviceID)
		}
	}
}

// BeforeLayer predicts whether launching a layer with sustained power
// powerW over duration would push the device's temperature above SafeC;
// if so, it pauses for the computed cool-down time before returning. It
// observes ctx and returns ctx.Err() if canceled mid-pause, discarding the
// remaining wait rather than launching the layer. Returns the duration
// actually paused (0 if no pause was needed).
func (e *Executor) BeforeLayer(ctx context.Context, powerW float64, duration time.Duration) (time.Duration, error) {
	if !e.mobility || !e.hasTemp {
		return 0, nil
	}

	peak := predictPeak(e.tempC, e.params.AmbientC, powerW, duration, e.params.ThermalCapacity, e.params.HeatTransferCoeff)
	safe := e.params.SafeC()
	if peak <= safe {
		return 0, nil
	}

	coolDown := coolDownDuration(e.tempC, e.params.AmbientC, safe, e.params.ThermalCapacity, e.params.HeatTransferCoeff)

	e.paused = true
	e.consecutivePauses++
	if e.callbacks.OnPause != nil {
		e.callbacks.OnPause(e.deviceID, coolDown)
	}
	if e.consecutivePauses >= 3 && e.callbacks.OnPrecisionReduce != nil {
		e.callbacks.OnPrecisionReduce(e.deviceID)
	}

	select {
	case <-time.After(coolDown):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	e.paused = false
	if e.callbacks.OnResume != nil {
		e.callbacks.OnResume(e.deviceID)
	}
	return coolDown, nil
}

// Paused reports whether the executor currently believes the device is
// cooling down.
func (e *Executor) Paused() bool { return e.paused }

// predictPeak forward-integrates dT/dt = (P - h(T-Tamb)) / C in 10ms steps
// over duration, returning the predicted temperature at the end.
func predictPeak(tNow, ambient, powerW float64, duration time.Duration, capacity, transferCoeff float64) float64 {
	t := tNow
	remaining := duration
	for remaining > 0 {
		step := integrationStep
		if step > remaining {
			step = remaining
		}
		dT := (powerW - transferCoeff*(t-ambient)) / capacity * step.Seconds()
		t += dT
		remaining -= step
	}
	return t
}

// coolDownDuration solves the RC model's exponential decay for the wall
// time needed to cool from tNow to safe: t_cool = -tau * ln((safe-ambient)/(tNow-ambient)).
func coolDownDuration(tNow, ambient, safe, capacity, transferCoeff float64) time.Duration {
	tau := capacity / transferCoeff
	ratio := (safe - ambient) / (tNow - ambient)
	if ratio <= 0 || math.IsNaN(ratio) {
		return 0
	}
	if ratio >= 1 {
		return 0 // already at or below the safe temperature
	}
	seconds := -tau * math.Log(ratio)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
