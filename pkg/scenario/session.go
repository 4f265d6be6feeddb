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
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/alexandremahdhaoui/chvirt/internal/util/ssh"
	"github.com/alexandremahdhaoui/chvirt/pkg/controlplane"
	"github.com/alexandremahdhaoui/chvirt/pkg/disk"
	"github.com/alexandremahdhaoui/chvirt/pkg/guest"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
	"github.com/alexandremahdhaoui/chvirt/pkg/report"
	"github.com/alexandremahdhaoui/chvirt/pkg/vmm"
)

const DefaultCleanupTimeout = 30 * time.Second

// ErrAssertion is returned when a guest or domain is not in the expected state.
var ErrAssertion = errors.New("assertion failed")

// ControlPlane is what scenarios need from the process controller.
type ControlPlane interface {
	URI() string
	SpawnDaemon() (*controlplane.Process, error)
	Terminate(p *controlplane.Process) (controlplane.Output, error)
	WaitReady(ctx context.Context) error
	CleanState() error
	CleanRuntimeState() error

	Create(ctx context.Context, descriptorPath string) (controlplane.Result, error)
	Define(ctx context.Context, descriptorPath string) (controlplane.Result, error)
	Destroy(ctx context.Context, name string) (controlplane.Result, error)
	Undefine(ctx context.Context, name string) (controlplane.Result, error)
	ListAll(ctx context.Context) (controlplane.Result, error)
	SetVcpus(ctx context.Context, name string, count uint) (controlplane.Result, error)
	QueryURI(ctx context.Context) (controlplane.Result, error)
}

var _ ControlPlane = &controlplane.Controller{}

// DomainInspector observes domains through the management API rather than the client output.
type DomainInspector interface {
	State(name string) (string, error)
	Info(name string) (vmm.DomainInfo, error)
	Exists(name string) (bool, error)
}

var _ DomainInspector = &vmm.Inspector{}

// Recorder receives scenario metrics.
type Recorder interface {
	ObserveScenario(name, result string, d time.Duration)
	ObserveBoot(d time.Duration)
}

// Env is shared by every scenario of a run.
type Env struct {
	ControlPlane ControlPlane
	// NewDisks returns the disk collaborator of the guest named vmName.
	NewDisks     func(vmName string) disk.DiskConfig
	GuestOptions []guest.Option
	// Class is the address class guests are allocated in; netalloc.DefaultClass when empty.
	Class string

	// Inspector, when set, double-checks domain states through the management API.
	Inspector DomainInspector
	Recorder  Recorder

	// BootTimeout bounds every boot wait; ssh.DefaultBootTimeout when zero.
	BootTimeout time.Duration
	// MemoryBytes is the memory of guests whose scenario does not need a specific size.
	MemoryBytes uint64
	// Arch selects architecture-specific expectations; runtime.GOARCH when empty.
	Arch           string
	CleanupTimeout time.Duration
}

func (e *Env) class() string {
	if e.Class == "" {
		return netalloc.DefaultClass
	}
	return e.Class
}

func (e *Env) memoryBytes() uint64 {
	if e.MemoryBytes == 0 {
		return guest.DefaultMemoryBytes
	}
	return e.MemoryBytes
}

func (e *Env) arch() string {
	if e.Arch == "" {
		return runtime.GOARCH
	}
	return e.Arch
}

func (e *Env) bootTimeout() *time.Duration {
	if e.BootTimeout <= 0 {
		return nil
	}
	d := e.BootTimeout
	return &d
}

// Session is the state of one running scenario. Everything it starts is torn down when the
// scenario ends, whatever the outcome.
type Session struct {
	env      *Env
	ctx      context.Context
	log      *slog.Logger
	result   *report.ScenarioResult
	cleanups *Cleanups

	daemon           *controlplane.Process
	daemonDeferred   bool
	running, defined map[string]bool
}

func newSession(ctx context.Context, env *Env, result *report.ScenarioResult) *Session {
	return &Session{
		env:      env,
		ctx:      ctx,
		log:      slog.With("scenario", result.Name),
		result:   result,
		cleanups: &Cleanups{},
		running:  map[string]bool{},
		defined:  map[string]bool{},
	}
}

// Daemon returns the running daemon, nil when there is none.
func (s *Session) Daemon() *controlplane.Process {
	return s.daemon
}

// Step runs fn and records it as a step of the scenario.
func (s *Session) Step(description string, fn func() error) error {
	start := time.Now()
	err := fn()

	step := report.StepInfo{
		Description: description,
		Passed:      err == nil,
		Duration:    time.Since(start).Seconds(),
		Timestamp:   start,
	}
	if err != nil {
		step.Message = err.Error()
		s.log.Warn("step failed", "step", description, "error", err.Error())
	} else {
		s.log.Info("step passed", "step", description)
	}
	s.result.Steps = append(s.result.Steps, step)

	return err
}

func (s *Session) warn(err error) {
	s.log.Warn("best-effort operation failed", "error", err.Error())
	s.result.Errors = append(s.result.Errors, report.ErrorInfo{
		Timestamp: time.Now(),
		Severity:  report.SeverityWarning,
		Kind:      report.KindCleanup,
		Message:   err.Error(),
	})
}

// cleanupContext outlives the cancellation of the scenario context.
func (s *Session) cleanupContext() (context.Context, context.CancelFunc) {
	timeout := s.env.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	return context.WithTimeout(context.WithoutCancel(s.ctx), timeout)
}

// StartDaemon wipes the daemon state and starts the daemon. The daemon is terminated when the
// scenario ends.
func (s *Session) StartDaemon(ctx context.Context) error {
	if err := s.env.ControlPlane.CleanState(); err != nil {
		s.warn(err)
	}
	return s.Step("start daemon", func() error { return s.spawnDaemon(ctx) })
}

// RestartDaemon kills the daemon and starts a new one. With wipeRuntime, the runtime state a
// killed daemon leaves behind is removed in between; domain definitions are kept.
func (s *Session) RestartDaemon(ctx context.Context, wipeRuntime bool) error {
	return s.Step("restart daemon", func() error {
		if err := s.terminateDaemon(); err != nil {
			return err
		}
		if wipeRuntime {
			if err := s.env.ControlPlane.CleanRuntimeState(); err != nil {
				return err
			}
		}
		return s.spawnDaemon(ctx)
	})
}

func (s *Session) spawnDaemon(ctx context.Context) error {
	p, err := s.env.ControlPlane.SpawnDaemon()
	if err != nil {
		return err
	}
	s.daemon = p

	if !s.daemonDeferred {
		s.daemonDeferred = true
		s.cleanups.Defer("terminate daemon", s.terminateDaemon)
	}

	return s.env.ControlPlane.WaitReady(ctx)
}

func (s *Session) terminateDaemon() error {
	if s.daemon == nil {
		return nil
	}
	p := s.daemon
	s.daemon = nil

	out, err := s.env.ControlPlane.Terminate(p)
	s.result.DaemonOutputs = append(s.result.DaemonOutputs, report.DaemonOutput{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
	})
	return err
}

// NewGuest allocates a guest and prepares its disks. Its working directory is removed when the
// scenario ends.
func (s *Session) NewGuest(ctx context.Context) (*guest.Guest, error) {
	id := netalloc.NextID()
	name := netalloc.GuestName(id)

	var g *guest.Guest
	err := s.Step("prepare "+name, func() error {
		var err error
		g, err = guest.NewFromIPRange(ctx, s.env.NewDisks(name), s.env.class(), id, s.env.GuestOptions...)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cleanups.Defer("remove working directory of "+name, g.Close)
	s.result.Guests = append(s.result.Guests, report.GuestInfo{
		Name:       g.Name(),
		UUID:       g.Identity.UUID,
		MACAddress: g.Network.GuestMAC,
		IPAddress:  g.Network.GuestIP,
		TmpDir:     g.TmpDir,
	})

	return g, nil
}

// Create renders the descriptor of g and starts it with `create`.
func (s *Session) Create(ctx context.Context, g *guest.Guest, vcpus vmm.VcpuConfig, memoryBytes uint64) error {
	return s.Step("create "+g.Name(), func() error {
		path, err := g.CreateDomain(vcpus, memoryBytes)
		if err != nil {
			return err
		}

		res, err := s.env.ControlPlane.Create(ctx, path)
		if err != nil {
			return err
		}
		s.trackRunning(g.Name())

		return controlplane.ExpectPrefix(res, controlplane.DomainCreated(g.Name()))
	})
}

// Define renders the descriptor of g and registers it with `define`.
func (s *Session) Define(ctx context.Context, g *guest.Guest, vcpus vmm.VcpuConfig, memoryBytes uint64) error {
	return s.Step("define "+g.Name(), func() error {
		path, err := g.CreateDomain(vcpus, memoryBytes)
		if err != nil {
			return err
		}

		res, err := s.env.ControlPlane.Define(ctx, path)
		if err != nil {
			return err
		}
		s.trackDefined(g.Name())

		return controlplane.ExpectPrefix(res, controlplane.DomainDefined(g.Name()))
	})
}

func (s *Session) trackRunning(name string) {
	if s.running[name] {
		return
	}
	s.running[name] = true
	s.cleanups.Defer("destroy "+name, func() error {
		if !s.running[name] {
			return nil
		}
		return s.bestEffort(func(ctx context.Context) (controlplane.Result, error) {
			return s.env.ControlPlane.Destroy(ctx, name)
		})
	})
}

func (s *Session) trackDefined(name string) {
	if s.defined[name] {
		return
	}
	s.defined[name] = true
	s.cleanups.Defer("undefine "+name, func() error {
		if !s.defined[name] {
			return nil
		}
		return s.bestEffort(func(ctx context.Context) (controlplane.Result, error) {
			return s.env.ControlPlane.Undefine(ctx, name)
		})
	})
}

// bestEffort runs a teardown command. A non-zero exit only gets logged.
func (s *Session) bestEffort(call func(ctx context.Context) (controlplane.Result, error)) error {
	ctx, cancel := s.cleanupContext()
	defer cancel()

	res, err := call(ctx)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		s.log.Debug("teardown command failed", "args", res.Args, "stderr", res.Stderr)
	}
	return nil
}

// Destroy stops the domain and checks the client reported it. A failed destroy leaves the
// domain to the teardown.
func (s *Session) Destroy(ctx context.Context, name string) error {
	return s.Step("destroy "+name, func() error {
		res, err := s.env.ControlPlane.Destroy(ctx, name)
		if err != nil {
			return err
		}
		if res.Succeeded() {
			s.running[name] = false
		}
		return controlplane.ExpectPrefix(res, controlplane.DomainDestroyed(name))
	})
}

// Undefine removes the domain definition and checks the client reported it.
func (s *Session) Undefine(ctx context.Context, name string) error {
	return s.Step("undefine "+name, func() error {
		res, err := s.env.ControlPlane.Undefine(ctx, name)
		if err != nil {
			return err
		}
		if res.Succeeded() {
			s.defined[name] = false
		}
		return controlplane.ExpectPrefix(res, controlplane.DomainUndefined(name))
	})
}

// ExpectListedShutOff checks that `list --all` shows name as defined but not running.
func (s *Session) ExpectListedShutOff(ctx context.Context, name string) error {
	return s.Step(name+" is listed as shut off", func() error {
		res, err := s.env.ControlPlane.ListAll(ctx)
		if err != nil {
			return err
		}
		return controlplane.ExpectListedShutOff(res, name)
	})
}

// ExpectNotListed checks that `list --all` does not show name.
func (s *Session) ExpectNotListed(ctx context.Context, name string) error {
	return s.Step(name+" is not listed", func() error {
		res, err := s.env.ControlPlane.ListAll(ctx)
		if err != nil {
			return err
		}
		return controlplane.ExpectNotListed(res, name)
	})
}

// ExpectURI checks that `uri` echoes the connection URI.
func (s *Session) ExpectURI(ctx context.Context) error {
	return s.Step("uri echoes the connection URI", func() error {
		res, err := s.env.ControlPlane.QueryURI(ctx)
		if err != nil {
			return err
		}
		return controlplane.ExpectEqual(res, s.env.ControlPlane.URI())
	})
}

// SetVcpus changes the vCPU count of a running domain.
func (s *Session) SetVcpus(ctx context.Context, name string, count uint) error {
	return s.Step(fmt.Sprintf("set %d vcpus on %s", count, name), func() error {
		res, err := s.env.ControlPlane.SetVcpus(ctx, name, count)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return errors.Join(fmt.Errorf("exitCode=%d stderr=%q", res.ExitCode, res.Stderr), controlplane.ErrUnexpectedOutput)
		}
		return nil
	})
}

// ExpectState checks the domain state through the Inspector. It is a no-op without one.
func (s *Session) ExpectState(name, want string) error {
	if s.env.Inspector == nil {
		return nil
	}
	return s.Step(fmt.Sprintf("%s is %s", name, want), func() error {
		got, err := s.env.Inspector.State(name)
		if err != nil {
			return err
		}
		if got != want {
			return errors.Join(fmt.Errorf("state of %s: want %q, got %q", name, want, got), ErrAssertion)
		}
		return nil
	})
}

// ExpectVCPUs checks the vCPU count the driver reports for name. It is a no-op without an
// Inspector.
func (s *Session) ExpectVCPUs(name string, want uint) error {
	if s.env.Inspector == nil {
		return nil
	}
	return s.Step(fmt.Sprintf("driver reports %d vcpus on %s", want, name), func() error {
		info, err := s.env.Inspector.Info(name)
		if err != nil {
			return err
		}
		if info.VCPUs != want {
			return errors.Join(fmt.Errorf("vcpus of %s: want %d, got %d", name, want, info.VCPUs), ErrAssertion)
		}
		return nil
	})
}

// ExpectUndefined checks through the Inspector that the driver no longer knows name. It is a
// no-op without an Inspector.
func (s *Session) ExpectUndefined(name string) error {
	if s.env.Inspector == nil {
		return nil
	}
	return s.Step(name+" is unknown to the driver", func() error {
		exists, err := s.env.Inspector.Exists(name)
		if err != nil {
			return err
		}
		if exists {
			return errors.Join(fmt.Errorf("domain %s still exists", name), ErrAssertion)
		}
		return nil
	})
}

// WaitBoot waits for g to boot and records how long it took.
func (s *Session) WaitBoot(ctx context.Context, g *guest.Guest) error {
	return s.Step("wait for "+g.Name()+" to boot", func() error {
		start := time.Now()
		if err := g.WaitBoot(ctx, s.env.bootTimeout()); err != nil {
			return err
		}

		d := time.Since(start)
		for i := range s.result.Guests {
			if s.result.Guests[i].Name == g.Name() {
				s.result.Guests[i].BootTime = d.Seconds()
			}
		}
		if s.env.Recorder != nil {
			s.env.Recorder.ObserveBoot(d)
		}
		return nil
	})
}

// ExpectCPUCount checks the number of processors the guest sees.
func (s *Session) ExpectCPUCount(ctx context.Context, g *guest.Guest, want uint64) error {
	return s.Step(fmt.Sprintf("%s sees %d cpus", g.Name(), want), func() error {
		got, err := g.CPUCount(ctx)
		if err != nil {
			return err
		}
		if got != want {
			return errors.Join(fmt.Errorf("cpu count of %s: want %d, got %d", g.Name(), want, got), ErrAssertion)
		}
		return nil
	})
}

// ExpectMemoryAbove checks that the guest sees more than minKB kB of memory.
func (s *Session) ExpectMemoryAbove(ctx context.Context, g *guest.Guest, minKB uint64) error {
	return s.Step(fmt.Sprintf("%s sees more than %d kB of memory", g.Name(), minKB), func() error {
		got, err := g.TotalMemory(ctx)
		if err != nil {
			return err
		}
		if got <= minKB {
			return errors.Join(fmt.Errorf("memory of %s: want > %d kB, got %d kB", g.Name(), minKB, got), ErrAssertion)
		}
		return nil
	})
}

// ExpectCommandOutput runs command in g and compares its trimmed output with want.
func (s *Session) ExpectCommandOutput(ctx context.Context, g *guest.Guest, command, want string) error {
	return s.Step(fmt.Sprintf("%s prints %q", g.Name(), want), func() error {
		out, err := g.SSHCommand(ctx, command)
		if err != nil {
			return err
		}
		if got := trimOutput(out); got != want {
			return errors.Join(fmt.Errorf("output of %q: want %q, got %q", command, want, got), ErrAssertion)
		}
		return nil
	})
}

// Run runs command in g.
func (s *Session) Run(ctx context.Context, g *guest.Guest, command string) error {
	return s.Step(fmt.Sprintf("run %q in %s", command, g.Name()), func() error {
		_, err := g.SSHCommand(ctx, command)
		return err
	})
}

// Classify maps a scenario failure to a report error kind.
func Classify(err error) string {
	var (
		spawnErr *controlplane.SpawnError
		parseErr *ssh.ParseError
		cmdErr   *ssh.CommandError
		panicErr *PanicError
	)

	switch {
	case errors.As(err, &spawnErr):
		return report.KindSpawn
	case errors.Is(err, ssh.ErrBootTimeout):
		return report.KindBootTimeout
	case errors.As(err, &parseErr):
		return report.KindParse
	case errors.As(err, &cmdErr):
		return report.KindCommand
	case errors.Is(err, controlplane.ErrUnexpectedOutput):
		return report.KindUnexpectedOutput
	case errors.Is(err, ErrAssertion):
		return report.KindAssertion
	case errors.As(err, &panicErr):
		return report.KindPanic
	default:
		return report.KindOther
	}
}
