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

package access

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRecordsAreAppendOnlyAndQueryableByPrincipal(t *testing.T) {
	audit := NewAudit(NoneSink{}, 100)

	audit.Record(Record{Principal: "alice", Operation: OpAllocate, DeviceID: "cuda:0", Allowed: true})
	audit.Record(Record{Principal: "bob", Operation: OpCopy, DeviceID: "cuda:1", Allowed: false})
	audit.Record(Record{Principal: "alice", Operation: OpDeallocate, DeviceID: "cuda:0", Allowed: true})

	aliceRecs := audit.ByPrincipal("alice")
	require.Len(t, aliceRecs, 2)
	assert.Equal(t, OpAllocate, aliceRecs[0].Operation)
	assert.Equal(t, OpDeallocate, aliceRecs[1].Operation)

	bobRecs := audit.ByPrincipal("bob")
	require.Len(t, bobRecs, 1)
	assert.False(t, bobRecs[0].Allowed)
}

func TestAuditByOperationFiltersAcrossPrincipals(t *testing.T) {
	audit := NewAudit(NoneSink{}, 100)
	audit.Record(Record{Principal: "alice", Operation: OpAllocate, Allowed: true})
	audit.Record(Record{Principal: "bob", Operation: OpAllocate, Allowed: true})
	audit.Record(Record{Principal: "bob", Operation: OpCopy, Allowed: true})

	recs := audit.ByOperation(OpAllocate)
	assert.Len(t, recs, 2)
}

func TestAuditInRangeFiltersByTimestamp(t *testing.T) {
	audit := NewAudit(NoneSink{}, 100)
	before := time.Now()
	audit.Record(Record{Principal: "alice", Operation: OpAllocate, Allowed: true})
	time.Sleep(time.Millisecond)
	mid := time.Now()
	time.Sleep(time.Millisecond)
	audit.Record(Record{Principal: "alice", Operation: OpCopy, Allowed: true})
	after := time.Now()

	assert.Len(t, audit.InRange(before, after), 2)
	assert.Len(t, audit.InRange(mid, after), 1)
	assert.Len(t, audit.InRange(before, before), 0)
}

func TestAuditFlushesAutomaticallyOnceBufferFills(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	audit := NewAudit(sink, 2)

	audit.Record(Record{Principal: "alice", Operation: OpAllocate, Allowed: true})
	audit.Record(Record{Principal: "alice", Operation: OpCopy, Allowed: true})

	require.NoError(t, audit.Shutdown(context.Background()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestAuditShutdownFlushesRemainingUnbatchedRecords(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	audit := NewAudit(sink, 100) // buffer never fills on its own

	audit.Record(Record{Principal: "alice", Operation: OpAllocate, Allowed: true})

	require.NoError(t, audit.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "alice")
}

func TestAuditHistoryIncludesRecordsRegardlessOfFlushState(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAudit(NewWriterSink(&buf), 1000)

	audit.Record(Record{Principal: "alice", Operation: OpAllocate, Allowed: true})
	require.Len(t, audit.ByPrincipal("alice"), 1) // visible before any flush
}

func TestNoneSinkDiscardsWithoutError(t *testing.T) {
	var s NoneSink
	assert.NoError(t, s.Write([]Record{{Principal: "alice"}}))
}
