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

// Package guest holds the per-scenario view of one virtual machine: its identity and addressing,
// a private working directory, its prepared disks and the channel used to reach it once booted.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/chvirt/internal/util/ssh"
	"github.com/alexandremahdhaoui/chvirt/pkg/disk"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
	"github.com/alexandremahdhaoui/chvirt/pkg/vmm"
)

const (
	// DefaultTempPrefix prefixes every guest working directory.
	DefaultTempPrefix = "/tmp/ch"

	// DefaultMemoryBytes is the memory of a guest when a scenario does not care.
	DefaultMemoryBytes uint64 = 1 << 30

	CPUCountCommand    = "grep -c processor /proc/cpuinfo"
	TotalMemoryCommand = `grep MemTotal /proc/meminfo | grep -o "[0-9]*"`
)

var (
	errCreateTempDir = errors.New("failed to create guest working directory")
	errPrepareDisks  = errors.New("failed to prepare guest disks")
	errNoChannel     = errors.New("guest has no remote channel")
	errResolveDisk   = errors.New("failed to resolve guest disk")
)

// DefaultWorkloadsDir is ~/workloads.
func DefaultWorkloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "workloads"
	}
	return filepath.Join(home, "workloads")
}

// DefaultKernelName is the firmware or kernel image booted on the current architecture.
func DefaultKernelName() string {
	if runtime.GOARCH == "arm64" {
		return "Image"
	}
	return "hypervisor-fw"
}

// Option configures a Guest.
type Option func(*Guest)

// WithKernelPath overrides the kernel booted by the guest.
func WithKernelPath(path string) Option {
	return func(g *Guest) {
		g.KernelPath = path
	}
}

// WithTempPrefix overrides DefaultTempPrefix.
func WithTempPrefix(prefix string) Option {
	return func(g *Guest) {
		g.tempPrefix = prefix
	}
}

// WithChannel sets the channel used for commands run in the guest.
func WithChannel(c *ssh.Channel) Option {
	return func(g *Guest) {
		g.channel = c
	}
}

// WithBootProbe replaces the default ssh.ListenerProbe on the guest's listener port.
func WithBootProbe(p ssh.BootProbe) Option {
	return func(g *Guest) {
		g.probe = p
	}
}

// Guest is a virtual machine under test. Close must be called once it is no longer used.
type Guest struct {
	Identity   netalloc.Identity
	Network    netalloc.NetworkConfig
	KernelPath string
	TmpDir     string

	disks      disk.DiskConfig
	channel    *ssh.Channel
	probe      ssh.BootProbe
	tempPrefix string

	closeOnce sync.Once
	closeErr  error
}

// New allocates the next process-wide id and builds a guest in the default address class.
func New(ctx context.Context, disks disk.DiskConfig, opts ...Option) (*Guest, error) {
	return NewFromIPRange(ctx, disks, netalloc.DefaultClass, netalloc.NextID(), opts...)
}

// NewFromIPRange builds the guest with id in class, creates its working directory and prepares
// its disks there.
func NewFromIPRange(ctx context.Context, disks disk.DiskConfig, class string, id uint8, opts ...Option) (*Guest, error) {
	g := &Guest{
		Identity:   netalloc.NewIdentity(id),
		Network:    netalloc.DeriveNetwork(class, id),
		KernelPath: filepath.Join(DefaultWorkloadsDir(), DefaultKernelName()),
		disks:      disks,
		tempPrefix: DefaultTempPrefix,
	}
	for _, opt := range opts {
		opt(g)
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(g.tempPrefix), filepath.Base(g.tempPrefix))
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", g.Name()), errCreateTempDir)
	}
	g.TmpDir = tmpDir

	if err := disks.PrepareFiles(ctx, tmpDir, g.Network); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", g.Name()), errPrepareDisks)
	}

	if g.probe == nil {
		g.probe = ssh.ListenerProbe{
			Addr: net.JoinHostPort(g.Network.HostIP, strconv.Itoa(int(g.Network.TCPListenerPort))),
		}
	}

	slog.Info("guest prepared",
		"vmName", g.Name(),
		"uuid", g.Identity.UUID,
		"guestIP", g.Network.GuestIP,
		"tmpDir", tmpDir,
	)

	return g, nil
}

// Name is the domain name of the guest.
func (g *Guest) Name() string {
	return g.Identity.Name
}

// DomainConfig returns the descriptor inputs of the guest for vcpus and memoryBytes.
func (g *Guest) DomainConfig(vcpus vmm.VcpuConfig, memoryBytes uint64) (vmm.DomainConfig, error) {
	osDisk, err := g.disks.Disk(disk.OperatingSystem)
	if err != nil {
		return vmm.DomainConfig{}, errors.Join(err, errResolveDisk)
	}
	cloudInitDisk, err := g.disks.Disk(disk.CloudInit)
	if err != nil {
		return vmm.DomainConfig{}, errors.Join(err, errResolveDisk)
	}

	return vmm.DomainConfig{
		Name:              g.Name(),
		UUID:              g.Identity.UUID,
		KernelPath:        g.KernelPath,
		Vcpus:             vcpus,
		MemoryBytes:       memoryBytes,
		OSDiskPath:        osDisk,
		CloudInitDiskPath: cloudInitDisk,
		GuestMAC:          g.Network.GuestMAC,
		HostIP:            g.Network.HostIP,
	}, nil
}

// CreateDomain writes the machine descriptor into the working directory and returns its path.
func (g *Guest) CreateDomain(vcpus vmm.VcpuConfig, memoryBytes uint64) (string, error) {
	cfg, err := g.DomainConfig(vcpus, memoryBytes)
	if err != nil {
		return "", err
	}

	path, err := vmm.WriteDomainXML(g.TmpDir, cfg)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", g.Name()))
	}

	return path, nil
}

// WaitBoot waits for the guest to signal boot completion, for at most maxWait
// (ssh.DefaultBootTimeout when nil).
func (g *Guest) WaitBoot(ctx context.Context, maxWait *time.Duration) error {
	if err := ssh.WaitBoot(ctx, g.probe, maxWait); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", g.Name()))
	}
	return nil
}

// SSHCommand runs command in the guest with the channel's retry discipline.
func (g *Guest) SSHCommand(ctx context.Context, command string) (string, error) {
	if g.channel == nil {
		return "", errors.Join(fmt.Errorf("vmName=%s", g.Name()), errNoChannel)
	}
	return g.channel.Run(ctx, command, g.Network.GuestIP)
}

// CPUCount returns the number of online processors seen by the guest.
func (g *Guest) CPUCount(ctx context.Context) (uint64, error) {
	return g.queryNumeric(ctx, CPUCountCommand)
}

// TotalMemory returns MemTotal in kB as seen by the guest.
func (g *Guest) TotalMemory(ctx context.Context) (uint64, error) {
	return g.queryNumeric(ctx, TotalMemoryCommand)
}

func (g *Guest) queryNumeric(ctx context.Context, command string) (uint64, error) {
	if g.channel == nil {
		return 0, errors.Join(fmt.Errorf("vmName=%s", g.Name()), errNoChannel)
	}
	return g.channel.QueryNumeric(ctx, command, g.Network.GuestIP)
}

// Close removes the working directory. It is safe to call more than once.
func (g *Guest) Close() error {
	g.closeOnce.Do(func() {
		if err := os.RemoveAll(g.TmpDir); err != nil {
			g.closeErr = errors.Join(err, fmt.Errorf("vmName=%s tmpDir=%s", g.Name(), g.TmpDir))
			return
		}
		slog.Debug("guest working directory removed", "vmName", g.Name(), "tmpDir", g.TmpDir)
	})
	return g.closeErr
}
