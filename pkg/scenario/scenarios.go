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

package scenario

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/chvirt/pkg/vmm"
)

const (
	// HugeMemoryBytes is the memory of the huge-memory guest.
	HugeMemoryBytes uint64 = 128 << 30
	// HugeMemoryMinKB is the MemTotal the huge-memory guest must report.
	HugeMemoryMinKB uint64 = 128_000_000
)

// Scenario is one end-to-end test case.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, s *Session) error
}

var registry = []Scenario{
	{
		Name:        "create-vm",
		Description: "create a guest, wait for it to boot, destroy it",
		Run:         createVM,
	},
	{
		Name:        "defines",
		Description: "a defined guest survives a daemon restart and can be undefined",
		Run:         defines,
	},
	{
		Name:        "libvirt-restart",
		Description: "a running guest can be destroyed by a restarted daemon",
		Run:         libvirtRestart,
	},
	{
		Name:        "huge-memory",
		Description: "a guest with 128GiB of memory sees all of it",
		Run:         hugeMemory,
	},
	{
		Name:        "multi-cpu",
		Description: "vcpus can be hotplugged up to max and unplugged",
		Run:         multiCPU,
	},
	{
		Name:        "uri",
		Description: "the client echoes the connection URI",
		Run:         uri,
	},
	{
		Name:        "lifecycle-idempotence",
		Description: "destroy then undefine a guest that was only defined",
		Run:         lifecycleIdempotence,
	},
}

// All returns every scenario, in a stable order.
func All() []Scenario {
	return slices.Clone(registry)
}

// Names returns the name of every scenario.
func Names() []string {
	names := make([]string, 0, len(registry))
	for _, sc := range registry {
		names = append(names, sc.Name)
	}
	return names
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, bool) {
	for _, sc := range registry {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scenario{}, false
}

// Select returns the scenarios called names, all of them when names is empty.
func Select(names ...string) ([]Scenario, error) {
	if len(names) == 0 {
		return All(), nil
	}

	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		sc, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q, known: %s", name, strings.Join(Names(), ", "))
		}
		out = append(out, sc)
	}
	return out, nil
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}

func createVM(ctx context.Context, s *Session) error {
	if err := s.StartDaemon(ctx); err != nil {
		return err
	}

	g, err := s.NewGuest(ctx)
	if err != nil {
		return err
	}

	if err := s.Create(ctx, g, vmm.DefaultVcpuConfig(), s.env.memoryBytes()); err != nil {
		return err
	}
	if err := s.WaitBoot(ctx, g); err != nil {
		return err
	}
	if err := s.ExpectState(g.Name(), vmm.StateRunning); err != nil {
		return err
	}

	return s.Destroy(ctx, g.Name())
}

func defines(ctx context.Context, s *Session) error {
	if err := s.StartDaemon(ctx); err != nil {
		return err
	}

	g, err := s.NewGuest(ctx)
	if err != nil {
		return err
	}

	if err := s.Define(ctx, g, vmm.DefaultVcpuConfig(), s.env.memoryBytes()); err != nil {
		return err
	}

	// The daemon is SIGKILLed: only the persistent definition may survive.
	if err := s.RestartDaemon(ctx, true); err != nil {
		return err
	}
	if err := s.ExpectListedShutOff(ctx, g.Name()); err != nil {
		return err
	}
	if err := s.ExpectState(g.Name(), vmm.StateShutOff); err != nil {
		return err
	}

	if err := s.Undefine(ctx, g.Name()); err != nil {
		return err
	}
	return s.ExpectUndefined(g.Name())
}

func libvirtRestart(ctx context.Context, s *Session) error {
	if err := s.StartDaemon(ctx); err != nil {
		return err
	}

	g, err := s.NewGuest(ctx)
	if err != nil {
		return err
	}

	if err := s.Create(ctx, g, vmm.DefaultVcpuConfig(), s.env.memoryBytes()); err != nil {
		return err
	}
	if err := s.WaitBoot(ctx, g); err != nil {
		return err
	}
	if err := s.RestartDaemon(ctx, false); err != nil {
		return err
	}

	return s.Destroy(ctx, g.Name())
}

func hugeMemory(ctx context.Context, s *Session) error {
	if err := s.StartDaemon(ctx); err != nil {
		return err
	}

	g, err := s.NewGuest(ctx)
	if err != nil {
		return err
	}

	if err := s.Create(ctx, g, vmm.DefaultVcpuConfig(), HugeMemoryBytes); err != nil {
		return err
	}
	if err := s.WaitBoot(ctx, g); err != nil {
		return err
	}
	if err := s.ExpectMemoryAbove(ctx, g, HugeMemoryMinKB); err != nil {
		return err
	}

	return s.Destroy(ctx, g.Name())
}

// smpCheck returns the command printing the kernel's SMP boot line and the line expected for
// vcpus on arch.
func smpCheck(arch string, vcpus vmm.VcpuConfig) (command, want string) {
	const stripTimestamp = `sed "s/\[\ *[0-9.]*\] //"`

	if arch == "arm64" {
		return `dmesg | grep "smp: Brought up" | ` + stripTimestamp,
			fmt.Sprintf("smp: Brought up 1 node, %d CPUs", vcpus.Boot)
	}
	return `dmesg | grep "smpboot: Allowing" | ` + stripTimestamp,
		fmt.Sprintf("smpboot: Allowing %d CPUs, %d hotplug CPUs", vcpus.Max, vcpus.Max-vcpus.Boot)
}

func onlineCPUCommand(cpu uint) string {
	return fmt.Sprintf("echo 1 | sudo tee /sys/bus/cpu/devices/cpu%d/online", cpu)
}

func multiCPU(ctx context.Context, s *Session) error {
	vcpus := vmm.VcpuConfig{Boot: 2, Max: 4}

	if err := s.StartDaemon(ctx); err != nil {
		return err
	}

	g, err := s.NewGuest(ctx)
	if err != nil {
		return err
	}

	if err := s.Create(ctx, g, vcpus, s.env.memoryBytes()); err != nil {
		return err
	}
	if err := s.WaitBoot(ctx, g); err != nil {
		return err
	}
	if err := s.ExpectCPUCount(ctx, g, uint64(vcpus.Boot)); err != nil {
		return err
	}
	if err := s.ExpectVCPUs(g.Name(), vcpus.Boot); err != nil {
		return err
	}

	command, want := smpCheck(s.env.arch(), vcpus)
	if err := s.ExpectCommandOutput(ctx, g, command, want); err != nil {
		return err
	}

	if err := s.SetVcpus(ctx, g.Name(), vcpus.Max); err != nil {
		return err
	}
	for cpu := vcpus.Boot; cpu < vcpus.Max; cpu++ {
		if err := s.Run(ctx, g, onlineCPUCommand(cpu)); err != nil {
			return err
		}
	}
	if err := s.ExpectCPUCount(ctx, g, uint64(vcpus.Max)); err != nil {
		return err
	}
	if err := s.ExpectVCPUs(g.Name(), vcpus.Max); err != nil {
		return err
	}

	if err := s.SetVcpus(ctx, g.Name(), 1); err != nil {
		return err
	}
	if err := s.ExpectCPUCount(ctx, g, 1); err != nil {
		return err
	}
	if err := s.ExpectVCPUs(g.Name(), 1); err != nil {
		return err
	}

	return s.Destroy(ctx, g.Name())
}

func uri(ctx context.Context, s *Session) error {
	if err := s.StartDaemon(ctx); err != nil {
		return err
	}
	return s.ExpectURI(ctx)
}

func lifecycleIdempotence(ctx context.Context, s *Session) error {
	if err := s.StartDaemon(ctx); err != nil {
		return err
	}

	g, err := s.NewGuest(ctx)
	if err != nil {
		return err
	}

	if err := s.Define(ctx, g, vmm.DefaultVcpuConfig(), s.env.memoryBytes()); err != nil {
		return err
	}
	if err := s.Destroy(ctx, g.Name()); err != nil {
		return err
	}
	if err := s.Undefine(ctx, g.Name()); err != nil {
		return err
	}

	if err := s.ExpectNotListed(ctx, g.Name()); err != nil {
		return err
	}
	return s.ExpectUndefined(g.Name())
}

