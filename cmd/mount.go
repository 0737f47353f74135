// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nvfuse/nvfuse/cfg"
	"github.com/nvfuse/nvfuse/clock"
	"github.com/nvfuse/nvfuse/controlplane"
	"github.com/nvfuse/nvfuse/device"
	"github.com/nvfuse/nvfuse/fs"
	"github.com/nvfuse/nvfuse/logger"
	"github.com/nvfuse/nvfuse/metrics"
)

// heartbeatPeriod is how often a secondary pings the primary (spec.md
// §4.9's lease-renewal contract); the primary reclaims a secondary's
// leases once it has missed several of these in a row.
const heartbeatPeriod = 5 * time.Second

// daemonizedEnvVar marks a re-exec'd child as already daemonized, the
// same trick the teacher's own mount daemon uses to avoid re-forking
// itself forever.
const daemonizedEnvVar = "NVFUSE_DAEMONIZED"

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Zero and lay down a fresh on-disk nvfuse image (spec.md §6 -f).",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := preRun(); err != nil {
			return err
		}
		if !resolved.Mount.Format {
			return fmt.Errorf("format: --format (-f) was not set")
		}
		return runFormat(cmd.Context())
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an already-formatted nvfuse image (spec.md §6 -m).",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := preRun(); err != nil {
			return err
		}
		if !resolved.Mount.Mount {
			return fmt.Errorf("mount: --mount (-m) was not set")
		}
		return runMount(cmd.Context())
	},
}

func runFormat(ctx context.Context) error {
	fi, err := os.Stat(resolved.Device.Path)
	if err != nil {
		return fmt.Errorf("format: stat device: %w", err)
	}

	dev, err := device.OpenSimDevice(resolved.Device.Path, fi.Size())
	if err != nil {
		return fmt.Errorf("format: open device: %w", err)
	}
	defer dev.Close()

	clk := clock.RealClock{}
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	return fs.Format(ctx, dev, clk, reg, fs.FormatOptions{TotalBytes: fi.Size()})
}

// runMount brings up the in-memory stack for either the primary (no
// --app-name) or a secondary (--app-name set, spec.md §4.9/§6). Both block
// until SIGINT.
func runMount(ctx context.Context) error {
	if resolved.Mount.AppName == "" && !resolved.Mount.Foreground && os.Getenv(daemonizedEnvVar) == "" {
		return daemonizeSelf()
	}

	log := logger.NewWithWriter(logger.Config{Level: toLoggerSeverity(resolved.Debug.LogLevel)}, os.Stderr)

	fi, err := os.Stat(resolved.Device.Path)
	if err != nil {
		return fmt.Errorf("mount: stat device: %w", err)
	}
	dev, err := device.OpenSimDevice(resolved.Device.Path, fi.Size())
	if err != nil {
		return fmt.Errorf("mount: open device: %w", err)
	}
	defer dev.Close()

	clk := clock.RealClock{}
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	tp, err := metrics.NewTracerProvider(nil)
	if err != nil {
		return fmt.Errorf("mount: tracer provider: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := metrics.Tracer(tp)

	fsys, err := fs.Mount(ctx, dev, clk, reg, fs.MountOptions{
		BufferCacheCapacity: resolved.Buffer.PoolSizeMB * 1024 * 1024 / 4096,
		Tracer:              tracer,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDir := filepath.Dir(resolved.Device.Path)

	if resolved.Mount.AppName == "" {
		if os.Getenv(daemonizedEnvVar) != "" {
			// Signal the waiting parent that the mount succeeded so it can
			// exit; from here on stdout/stderr point at the daemon's log file.
			if err := daemonize.SignalOutcome(nil); err != nil {
				return fmt.Errorf("mount: signal daemonize outcome: %w", err)
			}
		}
		return runPrimary(ctx, fsys, runDir, log, reg, clk, tracer)
	}
	return runSecondary(ctx, runDir, resolved.Mount.AppName, log)
}

// daemonizeSelf re-execs the current binary with the same arguments and an
// env marker so the child takes the already-daemonized branch above, then
// blocks until the child reports success/failure via daemonize.SignalOutcome.
func daemonizeSelf() error {
	env := append(os.Environ(), daemonizedEnvVar+"=1")
	return daemonize.Run(os.Args[0], os.Args[1:], strings.Join(env, "\n"), os.Stdout)
}

// runPrimary leases every non-root block group to the control plane and
// serves its channel-0 ring pair until ctx is cancelled, then cleanly
// unmounts (spec.md §4.9, §6).
func runPrimary(ctx context.Context, fsys *fs.Filesystem, runDir string, log *slog.Logger, reg *metrics.Registry, clk clock.Clock, tracer oteltrace.Tracer) error {
	freeBGs := make([]uint32, 0, len(fsys.Descs)-1)
	for _, bd := range fsys.Descs[1:] {
		freeBGs = append(freeBGs, bd.ID)
	}

	store, err := controlplane.OpenStore(runDir)
	if err != nil {
		return fmt.Errorf("mount: open control-plane store: %w", err)
	}

	totalPages := int64(resolved.Buffer.PoolSizeMB) * 1024 * 1024 / 4096
	primary := controlplane.NewPrimary(freeBGs, totalPages, log, reg.ControlPlane, clk, store, tracer)

	reqRing, err := controlplane.OpenRing(runDir, controlplane.RingName(controlplane.SecToPri, 0), 64)
	if err != nil {
		return fmt.Errorf("mount: open request ring: %w", err)
	}
	defer reqRing.Close()
	cplRing, err := controlplane.OpenRing(runDir, controlplane.RingName(controlplane.PriToSec, 0), 64)
	if err != nil {
		return fmt.Errorf("mount: open completion ring: %w", err)
	}
	defer cplRing.Close()

	done := make(chan error, 1)
	go func() { done <- primary.Serve(ctx, reqRing, cplRing) }()

	<-ctx.Done()
	primary.Shutdown()
	<-done

	return fsys.Umount(context.Background())
}

// runSecondary registers with the primary and heartbeats until ctx is
// cancelled (spec.md §4.9's control-plane client role). Actual data-plane
// operation (alloc_inode/alloc_blocks falling back to CONTAINER_ALLOC) is
// exercised directly against a *controlplane.Secondary by blockgroup's
// callers; the CLI's job here is only to stand the registration up.
func runSecondary(ctx context.Context, runDir, appName string, log *slog.Logger) error {
	sec, err := controlplane.DialSecondary(ctx, runDir, int32(os.Getpid()), appName)
	if err != nil {
		return fmt.Errorf("mount: register with primary: %w", err)
	}

	go sec.RunHeartbeat(ctx, heartbeatPeriod)

	<-ctx.Done()
	return sec.Unregister(context.Background())
}

// toLoggerSeverity maps the config's severity ladder onto slog's levels,
// keeping logger's TRACE-below-DEBUG offset (logger.LevelTrace).
func toLoggerSeverity(l cfg.LogSeverity) logger.Severity {
	switch l {
	case cfg.TraceLogSeverity:
		return logger.LevelTrace
	case cfg.DebugLogSeverity:
		return logger.LevelDebug
	case cfg.WarningLogSeverity:
		return logger.LevelWarning
	case cfg.ErrorLogSeverity:
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
