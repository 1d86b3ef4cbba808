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

// shardmesh-master is the cluster coordinator: it hosts the event-stream
// ingest endpoint workers ship to, folds incoming events into the
// authoritative cluster snapshot, and periodically places any instance
// still waiting on a shard assignment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/config"
	"github.com/shardmesh/shardmesh/internal/info"
	"github.com/shardmesh/shardmesh/internal/placement"
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/transport"
)

type options struct {
	listenAddr        string
	placementInterval time.Duration
}

func main() {
	o := &options{}
	var cfgFile string
	app := cli.NewApp()
	app.Name = "shardmesh-master"
	app.Usage = "cluster coordinator: event ingest, cluster state, shard placement"
	app.Version = info.GetVersionString()

	app.Flags = append(config.CLIFlags(&cfgFile), []cli.Flag{
		&cli.StringFlag{
			Name:        "listen-addr",
			Value:       ":7850",
			Usage:       "address the event-stream ingest endpoint listens on",
			Destination: &o.listenAddr,
			EnvVars:     []string{"SHARDMESH_LISTEN_ADDR"},
		},
		&cli.DurationFlag{
			Name:        "placement-interval",
			Value:       2 * time.Second,
			Usage:       "how often pending instances are re-evaluated for placement",
			Destination: &o.placementInterval,
			EnvVars:     []string{"SHARDMESH_PLACEMENT_INTERVAL"},
		},
	}...)

	app.Action = func(c *cli.Context) error {
		cfg, err := config.NewConfig(c, app.Flags, cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return run(c.Context, cfg, o)
	}

	if err := app.Run(os.Args); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, o *options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	store := state.NewStore()
	srv, err := transport.Serve(o.listenAddr, store)
	if err != nil {
		return fmt.Errorf("starting event-stream ingest: %w", err)
	}
	defer srv.GracefulStop()

	placementCfg := placement.Config{
		MaxHopLatencyMs:     float64(intOrDefault(cfg.Flags.MaxHopLatencyMs, config.DefaultMaxHopLatencyMs)),
		CSPTimeout:          time.Duration(intOrDefault(cfg.Flags.CSPTimeoutMs, config.DefaultCSPTimeoutMs)) * time.Millisecond,
		TimeSlicingStrategy: strOrDefault(cfg.Flags.TimeSlicingStrategy, config.DefaultTimeSlicingStrategy),
	}

	klog.Infof("shardmesh-master: listening on %s, re-placing every %s", o.listenAddr, o.placementInterval)

	ticker := time.NewTicker(o.placementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			klog.Info("shardmesh-master: shutting down")
			return nil
		case <-ticker.C:
			placePendingInstances(store, placementCfg)
		}
	}
}

func intOrDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func strOrDefault(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// placePendingInstances re-solves every instance still in StatusPlacing
// against the current snapshot and appends a ShardPlaced event per
// assignment the solver returns. An instance the solver cannot place yet
// (e.g. waiting on a device that hasn't finished discovery) is simply
// retried on the next tick; it is never marked Retired on its own account.
func placePendingInstances(store *state.Store, cfg placement.Config) {
	snap := store.Snapshot()

	for _, inst := range snap.Instances {
		if inst.Status != state.StatusPlacing {
			continue
		}
		if len(inst.Assignments) >= len(inst.Pipeline) {
			continue
		}

		devices := devicesNeeding(snap)
		result, decision := placement.Solve(inst.Pipeline, devices, snap.Topology, cfg)
		if !result.Feasible {
			klog.V(2).Infof("placement: instance %s not yet placeable: %s", inst.ID, result.Reason)
			continue
		}

		for _, shard := range inst.Pipeline {
			deviceID, ok := result.Assignments[shard.Ordinal]
			if !ok {
				continue
			}
			if _, already := inst.Assignments[shard.Ordinal]; already {
				continue
			}
			snap = store.Apply(state.Event{
				Ordinal: snap.Ordinal + 1,
				Kind:    state.KindShardPlaced,
				Payload: state.ShardPlacedPayload{
					InstanceID:     inst.ID,
					ShardOrdinal:   shard.Ordinal,
					DeviceID:       deviceID,
					Score:          decision.PerShardScore[shard.Ordinal],
					PipelineLength: len(inst.Pipeline),
				},
			})
		}
	}
}

// devicesNeeding builds the scorer's view of every currently known device:
// free bytes from the latest telemetry sample when one exists, falling back
// to the device's rated capacity before telemetry has reported anything.
func devicesNeeding(snap *state.ClusterSnapshot) []placement.DeviceState {
	devices := make([]placement.DeviceState, 0, len(snap.Devices))
	for id, dev := range snap.Devices {
		d := placement.DeviceState{
			NodeID:    snap.DeviceNode[id],
			Device:    dev,
			FreeBytes: dev.MemoryBytes,
		}
		if sample, ok := snap.Metrics[id]; ok {
			d.FreeBytes = sample.MemoryTotal - sample.MemoryUsed
			d.Temperature = sample.Temperature
			d.HasTemperature = !isNaN(sample.Temperature)
			d.Throttling = dev.ThermalEnvelope && sample.Temperature >= 0 && !isNaN(sample.Temperature) && sample.Temperature >= throttleGuessC(dev)
		}
		devices = append(devices, d)
	}
	return devices
}

func isNaN(f float64) bool { return f != f }

// throttleGuessC estimates a throttle threshold for devices the telemetry
// sample alone doesn't carry one for; 85C matches the thermal package's own
// documented default.
func throttleGuessC(backend.Device) float64 { return 85 }
