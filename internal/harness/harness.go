/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package harness wires the configuration into the collaborators scenarios run with.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexandremahdhaoui/chvirt/internal/config"
	"github.com/alexandremahdhaoui/chvirt/internal/util/httputil"
	"github.com/alexandremahdhaoui/chvirt/internal/util/ssh"
	"github.com/alexandremahdhaoui/chvirt/pkg/controlplane"
	"github.com/alexandremahdhaoui/chvirt/pkg/disk"
	"github.com/alexandremahdhaoui/chvirt/pkg/guest"
	"github.com/alexandremahdhaoui/chvirt/pkg/metrics"
	"github.com/alexandremahdhaoui/chvirt/pkg/report"
	"github.com/alexandremahdhaoui/chvirt/pkg/scenario"
	"github.com/alexandremahdhaoui/chvirt/pkg/vmm"
)

const sshPort = "22"

var errWriteMetrics = errors.New("failed to write metrics textfile")

// Harness holds the collaborators of a run.
type Harness struct {
	Config     *config.Config
	Controller *controlplane.Controller
	Metrics    *metrics.Recorder
	Env        *scenario.Env
}

// New builds a Harness from a validated configuration.
func New(cfg *config.Config) (*Harness, error) {
	memoryBytes, err := cfg.MemoryBytes()
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder()

	cp, err := controlplane.New(cfg.ControlPlane(),
		controlplane.WithExecContext(cfg.ExecContext()),
		controlplane.WithObserver(recorder),
	)
	if err != nil {
		return nil, err
	}

	client, err := ssh.NewClient(cfg.SSHUser, cfg.SSHPassword, cfg.SSHKey, sshPort)
	if err != nil {
		return nil, err
	}
	channel := ssh.NewChannel(client)
	channel.Retries = cfg.SSHRetries
	channel.Timeout = cfg.SSHTimeout

	env := &scenario.Env{
		ControlPlane: cp,
		NewDisks:     diskFactory(cfg),
		GuestOptions: []guest.Option{
			guest.WithKernelPath(cfg.KernelPath()),
			guest.WithChannel(channel),
		},
		Class:       cfg.IPClass,
		Recorder:    recorder,
		BootTimeout: cfg.BootTimeout,
		MemoryBytes: memoryBytes,
	}
	if cfg.Inspect {
		env.Inspector = vmm.NewInspector(cfg.URI)
	}

	return &Harness{
		Config:     cfg,
		Controller: cp,
		Metrics:    recorder,
		Env:        env,
	}, nil
}

func diskFactory(cfg *config.Config) func(vmName string) disk.DiskConfig {
	return func(vmName string) disk.DiskConfig {
		d := disk.NewUbuntuDiskConfig(cfg.ImagePath())
		d.Hostname = vmName
		d.User = cfg.SSHUser
		d.Password = cfg.SSHPassword
		d.AuthorizedKeyPaths = cfg.SSHAuthorizedKeys
		d.ISOTool = cfg.ISOTool
		return d
	}
}

// Runner returns a Runner for the configured parallelism.
func (h *Harness) Runner() *scenario.Runner {
	return &scenario.Runner{
		Env:      h.Env,
		Parallel: h.Config.Parallel,
		Info: report.ControlPlaneInfo{
			URI:    h.Config.URI,
			Daemon: h.Config.Daemon,
			Client: h.Config.Client,
		},
	}
}

// ServeMetrics serves the metrics on MetricsAddr until ctx is done. It returns nil when no
// address is configured.
func (h *Harness) ServeMetrics(ctx context.Context) <-chan error {
	if h.Config.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h.Metrics.Handler())

	slog.Info("serving metrics", "addr", h.Config.MetricsAddr)
	return httputil.Serve(ctx, "metrics", &http.Server{Addr: h.Config.MetricsAddr, Handler: mux}, nil)
}

// WriteMetrics writes the metrics to MetricsTextfile when one is configured.
func (h *Harness) WriteMetrics() error {
	if h.Config.MetricsTextfile == "" {
		return nil
	}
	if err := h.Metrics.WriteTextfile(h.Config.MetricsTextfile); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", h.Config.MetricsTextfile), errWriteMetrics)
	}
	return nil
}

// WriteReport writes the run report in the configured format and returns its path.
func (h *Harness) WriteReport(run *report.RunResult) (string, error) {
	format, err := report.ParseFormat(h.Config.ReportFormat)
	if err != nil {
		return "", err
	}
	return report.NewReporter(h.Config.ReportDir).WriteReport(run, format)
}
