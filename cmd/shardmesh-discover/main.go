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

// shardmesh-discover runs the platform-ordered backend probe once (or on a
// fixed interval) and (re)writes the persisted GPU registry, the way
// gpu-feature-discovery loops labeling a node from probed capabilities.
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
	"github.com/shardmesh/shardmesh/internal/discovery"
	"github.com/shardmesh/shardmesh/internal/info"
)

type options struct {
	platform      string
	registryPath  string
	oneshot       bool
	sleepInterval time.Duration
}

func main() {
	o := &options{}
	app := cli.NewApp()
	app.Name = "shardmesh-discover"
	app.Usage = "probe accelerators on this host and publish the GPU registry"
	app.Version = info.GetVersionString()
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "platform",
			Value:       string(discovery.PlatformLinux),
			Usage:       "platform class driving backend probe order: linux, windows, macos, mobile",
			Destination: &o.platform,
			EnvVars:     []string{"SHARDMESH_PLATFORM"},
		},
		&cli.StringFlag{
			Name:        "registry-path",
			Usage:       "path to write the persisted GPU registry; defaults to the user config dir",
			Destination: &o.registryPath,
			EnvVars:     []string{"SHARDMESH_REGISTRY_PATH"},
		},
		&cli.BoolFlag{
			Name:        "oneshot",
			Usage:       "probe once and exit instead of looping",
			Destination: &o.oneshot,
			EnvVars:     []string{"SHARDMESH_ONESHOT"},
		},
		&cli.DurationFlag{
			Name:        "sleep-interval",
			Value:       30 * time.Second,
			Usage:       "time between probes when not running --oneshot",
			Destination: &o.sleepInterval,
			EnvVars:     []string{"SHARDMESH_SLEEP_INTERVAL"},
		},
	}
	app.Action = func(c *cli.Context) error { return run(c.Context, o) }

	if err := app.Run(os.Args); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options) error {
	registryPath := o.registryPath
	if registryPath == "" {
		var err error
		registryPath, err = discovery.DefaultRegistryPath()
		if err != nil {
			return fmt.Errorf("resolving default registry path: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	backends := discovery.AllBackends()
	defer func() {
		for _, b := range backends {
			b.Shutdown(context.Background()) //nolint:errcheck // best-effort on exit
		}
	}()

	if err := probeAndWrite(ctx, discovery.Platform(o.platform), registryPath, backends); err != nil {
		return err
	}
	if o.oneshot {
		return nil
	}

	ticker := time.NewTicker(o.sleepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			klog.Info("shardmesh-discover: shutting down")
			return nil
		case <-ticker.C:
			if err := probeAndWrite(ctx, discovery.Platform(o.platform), registryPath, backends); err != nil {
				klog.Warningf("shardmesh-discover: probe failed: %v", err)
			}
		}
	}
}

func probeAndWrite(ctx context.Context, platform discovery.Platform, registryPath string, backends map[backend.Family]backend.Backend) error {
	result, err := discovery.Run(ctx, platform, backends)
	if err != nil {
		return fmt.Errorf("discovery run: %w", err)
	}

	reg := discovery.ToRegistry(result, time.Now())
	if err := discovery.WriteRegistry(registryPath, reg); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}

	klog.Infof("shardmesh-discover: wrote %d device(s) to %s (primary backend: %s)", len(reg.Devices), registryPath, reg.PrimaryBackend)
	return nil
}
