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
	"errors"
	"fmt"
)

// Kind classifies a backend error into one of the taxonomy buckets from the
// error handling design: configuration, availability, handle lifecycle,
// range/bounds, capacity, policy, or timeout. Kind is comparable so callers
// can switch on it without type-asserting a concrete error type.
type Kind int

const (
	// KindUnknown is the zero value; KindOf returns it for a nil error or
	// one that is not a *Error.
	KindUnknown Kind = iota
	KindConfiguration
	KindBackendUnavailable
	KindDeviceInitFailed
	KindInvalidHandle
	KindRangeOverflow
	KindOutOfMemory
	KindPeerAccessUnsupported
	KindUnknownDevice
	KindSizeInvalid
	KindAccessDenied
	KindQuotaExceeded
	KindTimeout
	KindThrottled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "Configuration"
	case KindBackendUnavailable:
		return "BackendUnavailable"
	case KindDeviceInitFailed:
		return "DeviceInitFailed"
	case KindInvalidHandle:
		return "InvalidHandle"
	case KindRangeOverflow:
		return "RangeOverflow"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindPeerAccessUnsupported:
		return "PeerAccessUnsupported"
	case KindUnknownDevice:
		return "UnknownDevice"
	case KindSizeInvalid:
		return "SizeInvalid"
	case KindAccessDenied:
		return "AccessDenied"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindTimeout:
		return "Timeout"
	case KindThrottled:
		return "Throttled"
	default:
		return "Unknown"
	}
}

// Error is the single structured failure record surfaced to callers, per the
// error handling design: a kind, the component that raised it, the device it
// concerns (if any), and a human message wrapping the underlying cause.
type Error struct {
	Kind      Kind
	Component string
	DeviceID  string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s: %s[%s]: %s", e.Kind, e.Component, e.DeviceID, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, backend.Kind) to be spelled as errors.Is(err, &backend.Error{Kind: k})
// by comparing only the Kind field of target errors of this type.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func newErr(kind Kind, component, deviceID string, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		DeviceID:  deviceID,
		Message:   fmt.Sprintf(format, args...),
		Cause:     cause,
	}
}

// KindOf unwraps err looking for a *Error and returns its Kind, or
// KindUnknown if err is nil or not one of ours.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

var (
	// ErrInvalidHandle classifies uses of an unknown or already-freed MemoryHandle.
	ErrInvalidHandle = &Error{Kind: KindInvalidHandle}
	// ErrOutOfMemory classifies an allocation request beyond available device memory.
	ErrOutOfMemory = &Error{Kind: KindOutOfMemory}
	// ErrPeerAccessUnsupported classifies a device-to-device copy the backend cannot perform directly.
	ErrPeerAccessUnsupported = &Error{Kind: KindPeerAccessUnsupported}
	// ErrUnknownDevice classifies an operation addressed to a device id the backend does not own.
	ErrUnknownDevice = &Error{Kind: KindUnknownDevice}
	// ErrBackendClosed classifies any operation attempted after Shutdown.
	ErrBackendClosed = &Error{Kind: KindBackendUnavailable}
)
