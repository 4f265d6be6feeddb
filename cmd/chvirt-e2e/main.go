// Copyright 2024 Alexandre Mahdhaoui
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

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/chvirt/internal/config"
	"github.com/alexandremahdhaoui/chvirt/internal/harness"
	"github.com/alexandremahdhaoui/chvirt/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/chvirt/internal/util/logging"
	"github.com/alexandremahdhaoui/chvirt/pkg/controlplane"
	"github.com/alexandremahdhaoui/chvirt/pkg/disk"
	"github.com/alexandremahdhaoui/chvirt/pkg/guest"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
	"github.com/alexandremahdhaoui/chvirt/pkg/report"
	"github.com/alexandremahdhaoui/chvirt/pkg/scenario"
	"github.com/alexandremahdhaoui/chvirt/pkg/vmm"
	"github.com/spf13/cobra"
)

const Name = "chvirt-e2e"

var (
	errRunFailed   = errors.New("at least one scenario failed")
	errInterrupted = errors.New("run interrupted")
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(gracefulshutdown.ForceExitCode)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   Name,
		Short: "Integration scenarios for the cloud-hypervisor libvirt driver",
		Long: `chvirt-e2e drives libvirtd and virsh against the cloud-hypervisor (ch) driver:
it boots guests, restarts the daemon under them and checks what the client and the
guests report. It needs root (or --sudo), a workloads directory with a cloud image
and a kernel, and xorriso.`,
		SilenceUsage: true,
	}

	config.BindFlags(rootCmd)

	rootCmd.AddCommand(newRunCmd(), newListCmd(), newCleanStateCmd(), newRenderCmd())
	return rootCmd
}

// loadConfig loads the configuration and sets up logging from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Setup(logging.ForVerbosity(cfg.Verbose))
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios, all of them when none is named",
		RunE:  runE,
	}
}

func runE(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	scenarios, err := scenario.Select(args...)
	if err != nil {
		return err
	}

	h, err := harness.New(cfg)
	if err != nil {
		return err
	}

	gs := gracefulshutdown.New(Name)
	defer gs.Stop()

	metricsErr := h.ServeMetrics(gs.Context())

	run := h.Runner().Run(gs.Context(), scenarios)
	interrupted := gs.Interrupted()

	var errs []error

	path, err := h.WriteReport(run)
	if err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("report written", "path", path)
	}

	if err := h.WriteMetrics(); err != nil {
		errs = append(errs, err)
	}

	if err := report.NewReporter(cfg.ReportDir).PrintSummary(cmd.OutOrStdout(), run); err != nil {
		errs = append(errs, err)
	}

	if metricsErr != nil {
		gs.Stop()
		if err := <-metricsErr; err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case interrupted:
		errs = append(errs, errInterrupted)
	case run.Execution.Status == report.StatusFailed:
		errs = append(errs, errRunFailed)
	}

	return errors.Join(errs...)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, sc := range scenario.All() {
				fmt.Fprintf(w, "%s\t%s\n", sc.Name, sc.Description)
			}
			return w.Flush()
		},
	}
}

func newCleanStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean-state",
		Short: "Remove the daemon state left behind by a previous run",
		Long: `Remove the persistent domain definitions and the runtime state of the daemon.
With --runtime-only, the definitions are kept. The daemon must not be running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			cp, err := controlplane.New(cfg.ControlPlane(), controlplane.WithExecContext(cfg.ExecContext()))
			if err != nil {
				return err
			}

			if runtimeOnly, _ := cmd.Flags().GetBool("runtime-only"); runtimeOnly {
				return cp.CleanRuntimeState()
			}
			return cp.CleanState()
		},
	}

	cmd.Flags().Bool("runtime-only", false, "Keep persistent domain definitions")
	return cmd
}

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the machine descriptor of a guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			memoryBytes, err := cfg.MemoryBytes()
			if err != nil {
				return err
			}

			id, _ := cmd.Flags().GetUint8("id")
			if id == 0 {
				return errors.New("--id must be between 1 and 255")
			}
			vcpus, _ := cmd.Flags().GetUint("vcpus")
			maxVcpus, _ := cmd.Flags().GetUint("max-vcpus")
			if maxVcpus == 0 {
				maxVcpus = vcpus
			}

			identity := netalloc.NewIdentity(id)
			network := netalloc.DeriveNetwork(cfg.IPClass, id)
			tmpDir := guest.DefaultTempPrefix + "-" + identity.Name

			out, err := vmm.RenderDomainXML(vmm.DomainConfig{
				Name:              identity.Name,
				UUID:              identity.UUID,
				KernelPath:        cfg.KernelPath(),
				Vcpus:             vmm.VcpuConfig{Boot: vcpus, Max: maxVcpus},
				MemoryBytes:       memoryBytes,
				OSDiskPath:        filepath.Join(tmpDir, disk.OSDiskFile),
				CloudInitDiskPath: filepath.Join(tmpDir, disk.CloudInitDiskFile),
				GuestMAC:          network.GuestMAC,
				HostIP:            network.HostIP,
			})
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}

	f := cmd.Flags()
	f.Uint8("id", 1, "Guest id, from 1 to 255")
	f.Uint("vcpus", 1, "vCPUs the guest boots with")
	f.Uint("max-vcpus", 0, "vCPUs the guest may be hotplugged to, --vcpus when 0")
	return cmd
}
