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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Record is one append-only audit entry. Records are never mutated or
// deleted once flushed.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Principal string    `json:"principal"`
	Operation Operation `json:"operation"`
	DeviceID  string    `json:"device_id,omitempty"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// Sink persists a batch of flushed records.
type Sink interface {
	Write(records []Record) error
}

// WriterSink flushes each record as one JSON line to w — the "console" or
// "file:<path>" sinks from the audit_sink configuration key both resolve to
// this with different io.Writers.
type WriterSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriterSink wraps w in a buffered writer flushed after every batch.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriter(w)}
}

func (s *WriterSink) Write(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
	}
	return s.w.Flush()
}

// NoneSink discards every batch, for audit_sink=none.
type NoneSink struct{}

func (NoneSink) Write([]Record) error { return nil }

// Audit buffers records in memory and flushes them asynchronously to a
// Sink once the buffer reaches bufferSize, or on Shutdown. Queries
// (ByPrincipal, ByOperation, InRange) scan the in-memory history, which
// includes both flushed and not-yet-flushed records.
type Audit struct {
	mu      sync.Mutex
	buf     []Record
	history []Record
	size    int
	sink    Sink

	pending chan []Record
	done    chan struct{}
}

// NewAudit constructs an Audit flushing to sink every bufferSize records.
// bufferSize <= 0 defaults to 100, the documented default.
func NewAudit(sink Sink, bufferSize int) *Audit {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	a := &Audit{
		sink:    sink,
		size:    bufferSize,
		pending: make(chan []Record, 16),
		done:    make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// Record appends one entry, stamping it with the current time, and queues
// an asynchronous flush once the buffer fills. Record never blocks on I/O.
func (a *Audit) Record(r Record) {
	r.Timestamp = time.Now()

	a.mu.Lock()
	a.history = append(a.history, r)
	a.buf = append(a.buf, r)
	var toFlush []Record
	if len(a.buf) >= a.size {
		toFlush = a.buf
		a.buf = nil
	}
	a.mu.Unlock()

	if toFlush != nil {
		select {
		case a.pending <- toFlush:
		default:
			klog.Warningf("access: audit flush queue saturated, flushing inline")
			if err := a.sink.Write(toFlush); err != nil {
				klog.Warningf("access: audit flush failed: %v", err)
			}
		}
	}
}

func (a *Audit) flushLoop() {
	for batch := range a.pending {
		if err := a.sink.Write(batch); err != nil {
			klog.Warningf("access: audit flush failed: %v", err)
		}
	}
	close(a.done)
}

// Shutdown flushes any buffered records and waits (bounded by ctx) for the
// flush loop to drain, matching the audit_buffer_size/audit-flush step of
// the shutdown sequence.
func (a *Audit) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	remaining := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(remaining) > 0 {
		if err := a.sink.Write(remaining); err != nil {
			return fmt.Errorf("audit: final flush: %w", err)
		}
	}
	close(a.pending)

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ByPrincipal returns every recorded entry for principal, oldest first.
func (a *Audit) ByPrincipal(principal string) []Record {
	return a.filter(func(r Record) bool { return r.Principal == principal })
}

// ByOperation returns every recorded entry for op, oldest first.
func (a *Audit) ByOperation(op Operation) []Record {
	return a.filter(func(r Record) bool { return r.Operation == op })
}

// InRange returns every recorded entry with Timestamp in [from, to], oldest
// first.
func (a *Audit) InRange(from, to time.Time) []Record {
	return a.filter(func(r Record) bool {
		return !r.Timestamp.Before(from) && !r.Timestamp.After(to)
	})
}

func (a *Audit) filter(pred func(Record) bool) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Record
	for _, r := range a.history {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}
