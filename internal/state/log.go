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

package state

import "sync"

// Log is the append-only event log. Ordinals start at 1 and increase by
// exactly one per successful append; callers never set Ordinal themselves.
// Readers may subscribe from any ordinal; replaying from 0 reconstructs
// state exactly, since Append and Fold are both deterministic.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// NewLog constructs an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append assigns the next ordinal to kind/payload and records it, returning
// the finished Event.
func (l *Log) Append(kind Kind, payload interface{}) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := Event{Ordinal: uint64(len(l.events)) + 1, Kind: kind, Payload: payload}
	l.events = append(l.events, ev)
	return ev
}

// Len reports the number of events appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Since returns every event with Ordinal > fromOrdinal, oldest first. Passing
// 0 returns the full log, which is how a reader replays from the beginning.
func (l *Log) Since(fromOrdinal uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.Ordinal > fromOrdinal {
			out = append(out, ev)
		}
	}
	return out
}

// All returns every event in the log, oldest first.
func (l *Log) All() []Event {
	return l.Since(0)
}
