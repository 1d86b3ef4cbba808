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

// shardmesh-worker runs on each cluster node: it discovers local
// accelerators, samples their telemetry, and ships cluster-state events to a
// shardmesh-master over gRPC. It builds the access guard and a thermal
// executor per mobility device, but dispatches no layers or allocations
// itself, so neither is driven by this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/config"
	"github.com/shardmesh/shardmesh/internal/discovery"
	"github.com/shardmesh/shardmesh/internal/info"
	"github.com/shardmesh/shardmesh/internal/runtimectx"
	"github.com/shardmesh/shardmesh/internal/state"
	"github.com/shardmesh/shardmesh/internal/telemetry"
	"github.com/shardmesh/shardmesh/internal/thermal"
	"github.com/shardmesh/shardmesh/internal/topology"
	"github.com/shardmesh/shardmesh/internal/transport"
)

// NVLink/PCIe bandwidth and latency figures used to weight topology edges
// between CUDA devices on the same node: NVLink-aligned pairs (per
// discovery.Result.CudaPeerOrder) get the NVLink figures, every other
// same-node CUDA pair falls back to PCIe.
const (
	nvlinkBandwidthMBps = 300000
	nvlinkLatencyMs     = 0.01
	pcieBandwidthMBps   = 16000
	pcieLatencyMs       = 0.5
)

type options struct {
	nodeID       string
	platform     string
	masterAddr   string
	configFile   string
}

func main() {
	o := &options{}
	var cfgFile string
	app := cli.NewApp()
	app.Name = "shardmesh-worker"
	app.Usage = "per-node shardmesh worker: discovery, telemetry, thermal executor, event shipping"
	app.Version = info.GetVersionString()

	app.Flags = append(config.CLIFlags(&cfgFile), []cli.Flag{
		&cli.StringFlag{
			Name:        "node-id",
			Usage:       "stable identifier for this node; defaults to a fresh UUID",
			Destination: &o.nodeID,
			EnvVars:     []string{"SHARDMESH_NODE_ID"},
		},
		&cli.StringFlag{
			Name:        "platform",
			Value:       string(discovery.PlatformLinux),
			Usage:       "platform class driving backend probe order",
			Destination: &o.platform,
			EnvVars:     []string{"SHARDMESH_PLATFORM"},
		},
		&cli.StringFlag{
			Name:        "master-addr",
			Value:       "127.0.0.1:7850",
			Usage:       "address of the shardmesh-master event-stream endpoint",
			Destination: &o.masterAddr,
			EnvVars:     []string{"SHARDMESH_MASTER_ADDR"},
		},
	}...)

	app.Action = func(c *cli.Context) error {
		cfg, err := config.NewConfig(c, app.Flags, cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if o.nodeID == "" {
			o.nodeID = uuid.NewString()
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

	backends := discovery.AllBackends()
	result, err := discovery.Run(ctx, discovery.Platform(o.platform), backends)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(result.Devices) == 0 {
		klog.Warning("shardmesh-worker: no devices discovered; running with cpu fallback only")
	}

	primary := backends[result.PrimaryBackend]
	rc, err := runtimectx.New(cfg, primary)
	if err != nil {
		return fmt.Errorf("building runtime context: %w", err)
	}

	thermalExecutors := buildThermalExecutors(result.Devices, cfg)

	conn, err := transport.Dial(ctx, o.masterAddr)
	if err != nil {
		return fmt.Errorf("dialing master: %w", err)
	}
	defer conn.Close()
	shipper := transport.NewShipper(conn)

	log := state.NewLog()
	outbox := make(chan state.Event, 256)

	log.Append(state.KindNodeJoined, state.NodeJoinedPayload{NodeID: o.nodeID})
	for _, vd := range result.Devices {
		log.Append(state.KindDeviceDiscovered, state.DeviceDiscoveredPayload{NodeID: o.nodeID, Device: vd.Device})
	}
	emitCudaTopologyEdges(result, log)
	for _, ev := range log.All() {
		outbox <- ev
	}

	registryPath := resolveRegistryPath(cfg)
	if err := discovery.WriteRegistry(registryPath, discovery.ToRegistry(result, time.Now())); err != nil {
		klog.Warningf("shardmesh-worker: writing registry %s: %v", registryPath, err)
	}
	known := make(map[string]bool, len(result.Devices))
	for _, vd := range result.Devices {
		known[vd.Device.ID] = true
	}
	go func() {
		onChange := func(reg discovery.Registry) {
			applyRegistryReload(ctx, o.nodeID, known, reg, log, outbox)
		}
		if err := discovery.Watch(ctx, registryPath, onChange); err != nil {
			klog.Warningf("shardmesh-worker: registry watch on %s stopped: %v", registryPath, err)
		}
	}()

	sink := telemetry.NewChanSink(64)
	go rc.Telemetry.Run(ctx, primary, primary.ListDevices, sink)
	go forwardTelemetry(ctx, sink, log, outbox)

	shipErr := make(chan error, 1)
	go func() { shipErr <- shipper.Run(ctx, outbox) }()

	klog.Infof("shardmesh-worker: node %s up, %d device(s), shipping to %s", o.nodeID, len(result.Devices), o.masterAddr)

	select {
	case <-ctx.Done():
		klog.Info("shardmesh-worker: shutting down")
	case err := <-shipErr:
		klog.Warningf("shardmesh-worker: event shipping stopped: %v", err)
	}

	close(outbox)
	// thermalExecutors and rc.Guard gate individual inference-layer dispatch
	// and allocation calls; this binary owns discovery, telemetry, and event
	// shipping only, so both are constructed here and driven by whatever
	// serves incoming instance-execution requests on this node.
	_ = thermalExecutors
	_ = rc.Guard
	if err := primary.Shutdown(context.Background()); err != nil {
		klog.Warningf("shardmesh-worker: backend shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return rc.Shutdown(shutdownCtx)
}

// buildThermalExecutors constructs one thermal.Executor per mobility
// device, matching the design note that hoists the mobility check to
// construction time so non-mobile devices never pay a per-layer branch:
// a device with Mobility=false simply has no executor built for it.
func buildThermalExecutors(devices []discovery.VerifiedDevice, cfg *config.Config) map[string]*thermal.Executor {
	params := thermal.DefaultParams()
	if cfg.Flags.ThermalSafeMarginC != nil {
		params.SafeMarginC = float64(*cfg.Flags.ThermalSafeMarginC)
	}
	if cfg.Flags.ThermalResumeMarginC != nil {
		params.ResumeMarginC = float64(*cfg.Flags.ThermalResumeMarginC)
	}

	executors := make(map[string]*thermal.Executor)
	for _, vd := range devices {
		if !vd.Device.Mobility {
			continue
		}
		id := vd.Device.ID
		executors[id] = thermal.NewExecutor(id, params, true, thermal.Callbacks{
			OnPause:  func(deviceID string, wait time.Duration) { klog.Warningf("thermal: pausing %s for %s", deviceID, wait) },
			OnResume: func(deviceID string) { klog.Infof("thermal: resuming %s", deviceID) },
			OnPrecisionReduce: func(deviceID string) {
				klog.Warningf("thermal: repeated throttling on %s, requesting precision reduction", deviceID)
			},
		})
	}
	return executors
}

// emitCudaTopologyEdges appends a LinkMetricsMeasured event for every
// ordered pair of this node's CUDA devices: pairs adjacent in
// result.CudaPeerOrder (the NVLink-alignment ranking) get NVLink
// bandwidth/latency, every other same-node CUDA pair falls back to PCIe.
// A node with fewer than two CUDA devices has no ranking to apply and
// appends nothing.
func emitCudaTopologyEdges(result *discovery.Result, log *state.Log) {
	order := result.CudaPeerOrder
	if len(order) < 2 {
		return
	}

	aligned := make(map[[2]string]bool, 2*len(order))
	for i := 0; i+1 < len(order); i++ {
		aligned[[2]string{order[i], order[i+1]}] = true
		aligned[[2]string{order[i+1], order[i]}] = true
	}

	for _, from := range order {
		for _, to := range order {
			if from == to {
				continue
			}
			metrics := topology.LinkMetrics{BandwidthMBps: pcieBandwidthMBps, LatencyMs: pcieLatencyMs}
			if aligned[[2]string{from, to}] {
				metrics = topology.LinkMetrics{
					BandwidthMBps:           nvlinkBandwidthMBps,
					LatencyMs:               nvlinkLatencyMs,
					PeerAccessSupported:     true,
					PeerAccessBandwidthMBps: nvlinkBandwidthMBps,
				}
			}
			log.Append(state.KindLinkMetricsMeasured, state.LinkMetricsMeasuredPayload{From: from, To: to, Metrics: metrics})
		}
	}
}

// resolveRegistryPath honors an explicit --registry-path/config-file value;
// otherwise it falls back to the conventional per-user location so a bare
// invocation still gets a stable, watchable path.
func resolveRegistryPath(cfg *config.Config) string {
	if cfg.Flags.RegistryPath != nil && *cfg.Flags.RegistryPath != "" {
		return *cfg.Flags.RegistryPath
	}
	if path, err := discovery.DefaultRegistryPath(); err == nil {
		return path
	}
	return config.DefaultRegistryPath
}

// applyRegistryReload reconciles an externally-edited registry file (another
// process, or an operator hand-fixing a bad reading) against the devices
// already known for this node: any device present in the file but not yet
// recorded is appended to log and shipped as a fresh DeviceDiscovered event,
// so the correction takes effect without restarting the worker. known is
// owned by this goroutine alone; Watch serializes calls to onChange.
func applyRegistryReload(ctx context.Context, nodeID string, known map[string]bool, reg discovery.Registry, log *state.Log, outbox chan<- state.Event) {
	for _, rd := range reg.Devices {
		if known[rd.DeviceID] {
			continue
		}
		known[rd.DeviceID] = true
		dev := backend.Device{
			ID:                rd.DeviceID,
			Vendor:            rd.Vendor,
			MemoryBytes:       rd.MemoryBytes,
			ComputeUnits:      rd.ComputeUnits,
			ComputeCapability: rd.ComputeCapability,
			PeakBandwidthGBps: rd.PeakBandwidthGBps,
		}
		ev := log.Append(state.KindDeviceDiscovered, state.DeviceDiscoveredPayload{NodeID: nodeID, Device: dev})
		klog.Infof("shardmesh-worker: registry reload added device %s", rd.DeviceID)
		select {
		case outbox <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// forwardTelemetry drains validated samples off sink, appends a
// DeviceMetricsUpdated event to the local log, and queues it for shipping.
func forwardTelemetry(ctx context.Context, sink *telemetry.ChanSink, log *state.Log, outbox chan<- state.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-sink.C():
			ev := log.Append(state.KindDeviceMetricsUpdated, state.DeviceMetricsUpdatedPayload{Sample: sample})
			select {
			case outbox <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
