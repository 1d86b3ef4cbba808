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

// Package runtimectx replaces the module-level singletons a duck-typed
// source would reach for (backend registry, audit logger, access
// controller) with one explicit struct constructed at startup and threaded
// through the call graph. Nothing in this tree reaches for a package-level
// var holding shared state; every component that needs the backend, the
// audit trail, or the access guard takes a *RuntimeContext or one of its
// fields directly.
package runtimectx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shardmesh/shardmesh/internal/access"
	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/config"
	"github.com/shardmesh/shardmesh/internal/placement"
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/telemetry"
	"github.com/shardmesh/shardmesh/internal/topology"
)

// RuntimeContext owns every shared, mutable dependency a worker or master
// process wires together at startup. It carries no behavior of its own; it
// exists so call sites take explicit parameters instead of reaching for
// package-level state, and so tests can construct a fresh instance with no
// chance of leaking state between runs.
type RuntimeContext struct {
	Config *config.Config

	Backend   backend.Backend
	Telemetry *telemetry.Collector
	Store     *state.Store
	Topology  *topology.Graph
	Guard     *access.Guard
	Audit     *access.Audit

	PlacementConfig placement.Config
}

// New constructs a RuntimeContext from a loaded Config and a selected
// Backend. Telemetry, state, topology and access components are built with
// the sizes/timeouts the Config carries, so callers never hand-roll
// defaults that could drift from the config layer.
func New(cfg *config.Config, b backend.Backend) (*RuntimeContext, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runtimectx: nil config")
	}
	if b == nil {
		return nil, fmt.Errorf("runtimectx: nil backend")
	}

	sink, err := newAuditSink(strOrDefault(cfg.Flags.AuditSink, config.DefaultAuditSink))
	if err != nil {
		return nil, fmt.Errorf("runtimectx: building audit sink: %w", err)
	}
	audit := access.NewAudit(sink, intOrDefault(cfg.Flags.AuditBufferSize, config.DefaultAuditBufferSize))

	telemetryInterval := time.Duration(intOrDefault(cfg.Flags.TelemetryIntervalMs, config.DefaultTelemetryIntervalMs)) * time.Millisecond
	cspTimeout := time.Duration(intOrDefault(cfg.Flags.CSPTimeoutMs, config.DefaultCSPTimeoutMs)) * time.Millisecond

	return &RuntimeContext{
		Config:    cfg,
		Backend:   b,
		Telemetry: telemetry.NewCollector(telemetryInterval, intOrDefault(cfg.Flags.HistoryDepth, config.DefaultHistoryDepth)),
		Store:     state.NewStore(),
		Topology:  topology.NewGraph(),
		Guard:     access.NewGuard(audit),
		Audit:     audit,
		PlacementConfig: placement.Config{
			MaxHopLatencyMs:     float64(intOrDefault(cfg.Flags.MaxHopLatencyMs, config.DefaultMaxHopLatencyMs)),
			CSPTimeout:          cspTimeout,
			TimeSlicingStrategy: strOrDefault(cfg.Flags.TimeSlicingStrategy, config.DefaultTimeSlicingStrategy),
		},
	}, nil
}

// newAuditSink resolves the audit_sink configuration key ("file:<path>",
// "console", or "none") into a concrete access.Sink.
func newAuditSink(spec string) (access.Sink, error) {
	switch {
	case spec == "console" || spec == "":
		return access.NewWriterSink(os.Stdout), nil
	case spec == "none":
		return access.NoneSink{}, nil
	case strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening audit sink file %q: %w", path, err)
		}
		return access.NewWriterSink(f), nil
	default:
		return nil, fmt.Errorf("unrecognized audit_sink %q", spec)
	}
}

// Shutdown drains every component with in-flight state, in the documented
// order: telemetry loop exit is the caller's responsibility (it owns the
// cancellation context passed to Telemetry.Run), so Shutdown here only
// flushes the audit trail, the last step of the shutdown sequence.
func (rc *RuntimeContext) Shutdown(ctx context.Context) error {
	return rc.Audit.Shutdown(ctx)
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func strOrDefault(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}
