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

// Package config is a versioned process configuration, loaded from a file
// (YAML or JSON) and overlaid with command line flags / environment
// variables, in order of precedence (1) CLI, (2) env var, (3) config file.
package config

import (
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v2"
	altsrc "github.com/urfave/cli/v2/altsrc"
	"sigs.k8s.io/yaml"
)

// Version is the schema version of the Config struct.
const Version = "v1"

// Flag names, shared between cmd/* CLI definitions and NewConfig's altsrc
// mapping.
const (
	FlagConfigFile           = "config-file"
	FlagTelemetryIntervalMs  = "telemetry-interval-ms"
	FlagHistoryDepth         = "history-depth"
	FlagCSPTimeoutMs         = "csp-timeout-ms"
	FlagMaxHopLatencyMs      = "max-hop-latency-ms"
	FlagThermalSafeMarginC   = "thermal-safe-margin-c"
	FlagThermalResumeMarginC = "thermal-resume-margin-c"
	FlagAuditBufferSize      = "audit-buffer-size"
	FlagAuditSink            = "audit-sink"
	FlagRegistryPath         = "registry-path"
	FlagTimeSlicingStrategy  = "time-slicing-strategy"
)

// Documented defaults from the external-interfaces configuration table.
const (
	DefaultTelemetryIntervalMs  = 500
	DefaultHistoryDepth         = 100
	DefaultCSPTimeoutMs         = 5000
	DefaultMaxHopLatencyMs      = 200
	DefaultThermalSafeMarginC   = 5
	DefaultThermalResumeMarginC = 10
	DefaultAuditBufferSize      = 100
	DefaultAuditSink            = "console"
	DefaultRegistryPath         = "gpu_registry.json"
	DefaultTimeSlicingStrategy  = "packed"
)

// Config is the full set of process-wide settings, set at startup and never
// mutated afterward.
type Config struct {
	Version string `json:"version" yaml:"version"`
	Flags   Flags  `json:"flags"   yaml:"flags"`
}

// Flags holds every configurable knob, mirroring the external-interfaces
// configuration table. Every field is a pointer so a config file can leave
// a key unset and fall back to its CLI/env default.
type Flags struct {
	TelemetryIntervalMs  *int    `json:"telemetryIntervalMs"  yaml:"telemetryIntervalMs"`
	HistoryDepth         *int    `json:"historyDepth"         yaml:"historyDepth"`
	CSPTimeoutMs         *int    `json:"cspTimeoutMs"         yaml:"cspTimeoutMs"`
	MaxHopLatencyMs      *int    `json:"maxHopLatencyMs"      yaml:"maxHopLatencyMs"`
	ThermalSafeMarginC   *int    `json:"thermalSafeMarginC"   yaml:"thermalSafeMarginC"`
	ThermalResumeMarginC *int    `json:"thermalResumeMarginC" yaml:"thermalResumeMarginC"`
	AuditBufferSize      *int    `json:"auditBufferSize"      yaml:"auditBufferSize"`
	AuditSink            *string `json:"auditSink"            yaml:"auditSink"`
	RegistryPath         *string `json:"registryPath"         yaml:"registryPath"`
	TimeSlicingStrategy  *string `json:"timeSlicingStrategy"  yaml:"timeSlicingStrategy"`
}

// CLIFlags returns the urfave/cli flag set every cmd/* binary registers to
// populate this Config. file is the destination for the --config-file flag.
func CLIFlags(file *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        FlagConfigFile,
			Usage:       "path to a YAML or JSON config file, merged under CLI flags and env vars",
			Destination: file,
			EnvVars:     []string{"SHARDMESH_CONFIG_FILE"},
		},
		&cli.IntFlag{
			Name:    FlagTelemetryIntervalMs,
			Value:   DefaultTelemetryIntervalMs,
			Usage:   "sample period per device, in milliseconds",
			EnvVars: []string{"SHARDMESH_TELEMETRY_INTERVAL_MS"},
		},
		&cli.IntFlag{
			Name:    FlagHistoryDepth,
			Value:   DefaultHistoryDepth,
			Usage:   "telemetry ring capacity per device",
			EnvVars: []string{"SHARDMESH_HISTORY_DEPTH"},
		},
		&cli.IntFlag{
			Name:    FlagCSPTimeoutMs,
			Value:   DefaultCSPTimeoutMs,
			Usage:   "CSP solver wall-clock budget, in milliseconds",
			EnvVars: []string{"SHARDMESH_CSP_TIMEOUT_MS"},
		},
		&cli.IntFlag{
			Name:    FlagMaxHopLatencyMs,
			Value:   DefaultMaxHopLatencyMs,
			Usage:   "placement link latency constraint between adjacent shards, in milliseconds",
			EnvVars: []string{"SHARDMESH_MAX_HOP_LATENCY_MS"},
		},
		&cli.IntFlag{
			Name:    FlagThermalSafeMarginC,
			Value:   DefaultThermalSafeMarginC,
			Usage:   "degrees below throttle threshold treated as the safe ceiling",
			EnvVars: []string{"SHARDMESH_THERMAL_SAFE_MARGIN_C"},
		},
		&cli.IntFlag{
			Name:    FlagThermalResumeMarginC,
			Value:   DefaultThermalResumeMarginC,
			Usage:   "hysteresis margin below the safe ceiling before resuming",
			EnvVars: []string{"SHARDMESH_THERMAL_RESUME_MARGIN_C"},
		},
		&cli.IntFlag{
			Name:    FlagAuditBufferSize,
			Value:   DefaultAuditBufferSize,
			Usage:   "audit records buffered in memory before an async flush",
			EnvVars: []string{"SHARDMESH_AUDIT_BUFFER_SIZE"},
		},
		&cli.StringFlag{
			Name:    FlagAuditSink,
			Value:   DefaultAuditSink,
			Usage:   "audit sink: 'file:<path>', 'console', or 'none'",
			EnvVars: []string{"SHARDMESH_AUDIT_SINK"},
		},
		&cli.StringFlag{
			Name:    FlagRegistryPath,
			Value:   DefaultRegistryPath,
			Usage:   "path to the persisted GPU registry file",
			EnvVars: []string{"SHARDMESH_REGISTRY_PATH"},
		},
		&cli.StringFlag{
			Name:    FlagTimeSlicingStrategy,
			Value:   DefaultTimeSlicingStrategy,
			Usage:   "greedy-fallback tie-break strategy: 'packed' or 'distributed'",
			EnvVars: []string{"SHARDMESH_TIME_SLICING_STRATEGY"},
		},
	}
}

func fromContext(c *cli.Context) Flags {
	return Flags{
		TelemetryIntervalMs:  ptr(c.Int(FlagTelemetryIntervalMs)),
		HistoryDepth:         ptr(c.Int(FlagHistoryDepth)),
		CSPTimeoutMs:         ptr(c.Int(FlagCSPTimeoutMs)),
		MaxHopLatencyMs:      ptr(c.Int(FlagMaxHopLatencyMs)),
		ThermalSafeMarginC:   ptr(c.Int(FlagThermalSafeMarginC)),
		ThermalResumeMarginC: ptr(c.Int(FlagThermalResumeMarginC)),
		AuditBufferSize:      ptr(c.Int(FlagAuditBufferSize)),
		AuditSink:            ptr(c.String(FlagAuditSink)),
		RegistryPath:         ptr(c.String(FlagRegistryPath)),
		TimeSlicingStrategy:  ptr(c.String(FlagTimeSlicingStrategy)),
	}
}

func ptr[T any](v T) *T { return &v }

// NewConfig builds a Config from CLI flags/env vars, then — if configFile is
// set — loads the file and applies its values as altsrc defaults so that
// explicit CLI/env settings still win.
func NewConfig(c *cli.Context, flags []cli.Flag, configFile string) (*Config, error) {
	cfg := &Config{Version: Version, Flags: fromContext(c)}

	if configFile == "" {
		return cfg, nil
	}

	fileCfg, err := parseConfigFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	overrides := map[interface{}]interface{}{
		FlagTelemetryIntervalMs:  intOrDefault(fileCfg.Flags.TelemetryIntervalMs, DefaultTelemetryIntervalMs),
		FlagHistoryDepth:         intOrDefault(fileCfg.Flags.HistoryDepth, DefaultHistoryDepth),
		FlagCSPTimeoutMs:         intOrDefault(fileCfg.Flags.CSPTimeoutMs, DefaultCSPTimeoutMs),
		FlagMaxHopLatencyMs:      intOrDefault(fileCfg.Flags.MaxHopLatencyMs, DefaultMaxHopLatencyMs),
		FlagThermalSafeMarginC:   intOrDefault(fileCfg.Flags.ThermalSafeMarginC, DefaultThermalSafeMarginC),
		FlagThermalResumeMarginC: intOrDefault(fileCfg.Flags.ThermalResumeMarginC, DefaultThermalResumeMarginC),
		FlagAuditBufferSize:      intOrDefault(fileCfg.Flags.AuditBufferSize, DefaultAuditBufferSize),
		FlagAuditSink:            strOrDefault(fileCfg.Flags.AuditSink, DefaultAuditSink),
		FlagRegistryPath:         strOrDefault(fileCfg.Flags.RegistryPath, DefaultRegistryPath),
		FlagTimeSlicingStrategy:  strOrDefault(fileCfg.Flags.TimeSlicingStrategy, DefaultTimeSlicingStrategy),
	}

	src := altsrc.NewMapInputSource(configFile, overrides)
	if err := altsrc.ApplyInputSourceValues(c, src, flags); err != nil {
		return nil, fmt.Errorf("unable to apply config file values: %w", err)
	}
	cfg.Flags = fromContext(c)
	return cfg, nil
}

func parseConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return parseConfigFrom(f)
}

func parseConfigFrom(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config file: %w", err)
	}
	if cfg.Version != "" && cfg.Version != Version {
		return nil, fmt.Errorf("unknown config version: %v", cfg.Version)
	}
	return &cfg, nil
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
