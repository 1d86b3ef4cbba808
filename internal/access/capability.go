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

// Package access gates every mutating backend operation behind a
// capability check and records an append-only audit trail of the outcome.
package access

import (
	"sync"

	"github.com/shardmesh/shardmesh/internal/backend"
)

// Operation names the mutating backend calls a capability may grant.
type Operation string

const (
	OpAllocate   Operation = "allocate"
	OpCopy       Operation = "copy"
	OpDeallocate Operation = "deallocate"
)

// CapabilityToken grants one principal a set of operations, optionally
// restricted to a device whitelist and a memory quota. A nil/empty
// DeviceWhitelist means "any device"; a zero MemoryQuotaBytes means
// "unlimited".
type CapabilityToken struct {
	Principal        string
	Operations       map[Operation]bool
	DeviceWhitelist  map[string]bool
	MemoryQuotaBytes uint64
}

// NewCapabilityToken builds a token granting exactly the given operations.
func NewCapabilityToken(principal string, ops ...Operation) *CapabilityToken {
	set := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	return &CapabilityToken{Principal: principal, Operations: set}
}

// WithDeviceWhitelist restricts the token to the given device ids.
func (t *CapabilityToken) WithDeviceWhitelist(deviceIDs ...string) *CapabilityToken {
	t.DeviceWhitelist = make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		t.DeviceWhitelist[id] = true
	}
	return t
}

// WithMemoryQuota caps the principal's total outstanding allocation.
func (t *CapabilityToken) WithMemoryQuota(bytes uint64) *CapabilityToken {
	t.MemoryQuotaBytes = bytes
	return t
}

func (t *CapabilityToken) allows(op Operation) bool {
	return t != nil && t.Operations[op]
}

func (t *CapabilityToken) allowsDevice(deviceID string) bool {
	if t == nil || len(t.DeviceWhitelist) == 0 {
		return true
	}
	return t.DeviceWhitelist[deviceID]
}

// quotaTracker holds, per principal, the outstanding allocated bytes across
// every device — the running total a memory-quota check compares against.
type quotaTracker struct {
	mu        sync.Mutex
	allocated map[string]uint64
}

func newQuotaTracker() *quotaTracker {
	return &quotaTracker{allocated: make(map[string]uint64)}
}

func (q *quotaTracker) outstanding(principal string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allocated[principal]
}

func (q *quotaTracker) add(principal string, delta uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allocated[principal] += delta
}

func (q *quotaTracker) release(principal string, delta uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.allocated[principal] < delta {
		q.allocated[principal] = 0
		return
	}
	q.allocated[principal] -= delta
}

// Guard performs the capability check that must precede every mutating
// backend operation, and records the outcome to an audit Sink. Guard owns
// no backend state itself — callers invoke the backend operation only
// after Check succeeds.
type Guard struct {
	quotas *quotaTracker
	audit  *Audit
}

// NewGuard constructs a Guard writing outcomes to audit.
func NewGuard(audit *Audit) *Guard {
	return &Guard{quotas: newQuotaTracker(), audit: audit}
}

// CheckAllocate verifies token grants OpAllocate for deviceID and that
// requestBytes plus the principal's outstanding allocation does not exceed
// its quota. On success it reserves requestBytes against the quota; the
// caller must call ReleaseAllocate with the same size on deallocation.
func (g *Guard) CheckAllocate(token *CapabilityToken, deviceID string, requestBytes uint64) error {
	principal := principalOf(token)
	if err := g.check(token, OpAllocate, deviceID); err != nil {
		g.audit.Record(Record{Principal: principal, Operation: OpAllocate, DeviceID: deviceID, Allowed: false, Reason: reasonOf(err)})
		return err
	}
	if token.MemoryQuotaBytes > 0 {
		outstanding := g.quotas.outstanding(token.Principal)
		if outstanding+requestBytes > token.MemoryQuotaBytes {
			err := backend.NewQuotaExceededError("access", token.Principal, deviceID, outstanding, requestBytes, token.MemoryQuotaBytes)
			g.audit.Record(Record{Principal: principal, Operation: OpAllocate, DeviceID: deviceID, Allowed: false, Reason: err.Error()})
			return err
		}
	}
	g.quotas.add(token.Principal, requestBytes)
	g.audit.Record(Record{Principal: principal, Operation: OpAllocate, DeviceID: deviceID, Allowed: true})
	return nil
}

// ReleaseAllocate returns sizeBytes to the principal's quota on
// deallocation.
func (g *Guard) ReleaseAllocate(token *CapabilityToken, deviceID string, sizeBytes uint64) {
	g.quotas.release(token.Principal, sizeBytes)
	g.audit.Record(Record{Principal: token.Principal, Operation: OpDeallocate, DeviceID: deviceID, Allowed: true})
}

// CheckCopy verifies token grants OpCopy for deviceID.
func (g *Guard) CheckCopy(token *CapabilityToken, deviceID string) error {
	return g.checkAndRecord(token, OpCopy, deviceID)
}

func (g *Guard) checkAndRecord(token *CapabilityToken, op Operation, deviceID string) error {
	err := g.check(token, op, deviceID)
	g.audit.Record(Record{Principal: principalOf(token), Operation: op, DeviceID: deviceID, Allowed: err == nil, Reason: reasonOf(err)})
	return err
}

func (g *Guard) check(token *CapabilityToken, op Operation, deviceID string) error {
	if token == nil || !token.allows(op) {
		return backend.NewAccessDeniedError("access", principalOf(token), deviceID, string(op))
	}
	if !token.allowsDevice(deviceID) {
		return backend.NewAccessDeniedError("access", token.Principal, deviceID, string(op))
	}
	return nil
}

func principalOf(t *CapabilityToken) string {
	if t == nil {
		return "<unknown>"
	}
	return t.Principal
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
