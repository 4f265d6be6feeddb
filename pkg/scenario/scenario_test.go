//go:build unit

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

package scenario_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/chvirt/internal/util/ssh"
	"github.com/alexandremahdhaoui/chvirt/internal/util/testutil"
	"github.com/alexandremahdhaoui/chvirt/pkg/controlplane"
	"github.com/alexandremahdhaoui/chvirt/pkg/disk"
	"github.com/alexandremahdhaoui/chvirt/pkg/guest"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
	"github.com/alexandremahdhaoui/chvirt/pkg/report"
	"github.com/alexandremahdhaoui/chvirt/pkg/scenario"
	"github.com/alexandremahdhaoui/chvirt/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

// fakeClient keeps the domains it knows in a file next to itself.
const fakeClient = `#!/bin/sh
uri="$2"
shift 2
state="$(dirname "$0")/domains"
touch "$state"
name_of() { sed -n 's:.*<name>\(.*\)</name>.*:\1:p' "$1" | head -n 1; }
case "$1" in
uri) echo "$uri" ;;
create) n=$(name_of "$2"); echo "$n" >> "$state"; echo "Domain $n created from $2" ;;
define) n=$(name_of "$2"); echo "$n" >> "$state"; echo "Domain $n defined from $2" ;;
destroy)
  if [ -f "$(dirname "$0")/fail-destroy" ]; then
    rm "$(dirname "$0")/fail-destroy"; echo "error: failed to destroy $2" >&2; exit 1
  fi
  echo "Domain $2 destroyed" ;;
undefine) grep -vx "$2" "$state" > "$state.tmp"; mv "$state.tmp" "$state"; echo "Domain $2 has been undefined" ;;
setvcpus) ;;
list)
  printf ' Id   Name   State\n----------------------\n'
  while read -r n; do printf ' -    %s   shut off\n' "$n"; done < "$state"
  ;;
*) echo "unknown $1" >&2; exit 1 ;;
esac
`

const fakeDaemon = `#!/bin/sh
echo "daemon starting"
exec sleep 60
`

type recordingObserver struct {
	mu       sync.Mutex
	commands []string
}

func (o *recordingObserver) ObserveInvocation(command string, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, command)
}

func (o *recordingObserver) Commands() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.commands...)
}

type fakeDisks struct {
	tmpDir string
}

func (f *fakeDisks) PrepareFiles(_ context.Context, tmpDir string, _ netalloc.NetworkConfig) error {
	f.tmpDir = tmpDir
	return nil
}

func (f *fakeDisks) Disk(role disk.Role) (string, error) {
	if f.tmpDir == "" {
		return "", disk.ErrDiskNotPrepared
	}
	return filepath.Join(f.tmpDir, role.String()), nil
}

// fakeTransport answers each command with its scripted outputs in turn, repeating the last one.
type fakeTransport struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   []string
}

func (f *fakeTransport) Exec(_ context.Context, _ string, command string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)

	outs, ok := f.replies[command]
	if !ok || len(outs) == 0 {
		return "", fmt.Errorf("unexpected command %q", command)
	}
	out := outs[0]
	if len(outs) > 1 {
		f.replies[command] = outs[1:]
	}
	return out, nil
}

type probeFunc func(ctx context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }

var booted = probeFunc(func(context.Context) error { return nil })

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) ObserveScenario(name, result string, d time.Duration) {
	m.Called(name, result, d)
}

func (m *mockRecorder) ObserveBoot(d time.Duration) {
	m.Called(d)
}

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) State(name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockInspector) Info(name string) (vmm.DomainInfo, error) {
	args := m.Called(name)
	return args.Get(0).(vmm.DomainInfo), args.Error(1)
}

func (m *mockInspector) Exists(name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

type harness struct {
	env       *scenario.Env
	observer  *recordingObserver
	transport *fakeTransport
	guestRoot string
	clientDir string
}

func newHarness(t *testing.T, probe ssh.BootProbe) *harness {
	t.Helper()
	dir := t.TempDir()

	observer := &recordingObserver{}
	cp, err := controlplane.New(controlplane.Config{
		URI:         "ch:///system",
		DaemonPath:  testutil.WriteScript(t, dir, "fake-daemon", fakeDaemon),
		ClientPath:  testutil.WriteScript(t, dir, "fake-client", fakeClient),
		SettleDelay: 10 * time.Millisecond,
		State: controlplane.StateLayout{
			PersistentDirs: []string{filepath.Join(dir, "etc")},
			RuntimeDirs:    []string{filepath.Join(dir, "run")},
		},
	}, controlplane.WithObserver(observer))
	require.NoError(t, err)

	guestRoot := filepath.Join(dir, "guests")
	require.NoError(t, os.Mkdir(guestRoot, 0o755))

	transport := &fakeTransport{replies: map[string][]string{}}
	channel := ssh.NewChannel(transport)
	channel.Retries = 1
	channel.Backoff = wait.Backoff{Duration: time.Millisecond}

	return &harness{
		env: &scenario.Env{
			ControlPlane: cp,
			NewDisks:     func(string) disk.DiskConfig { return &fakeDisks{} },
			GuestOptions: []guest.Option{
				guest.WithTempPrefix(filepath.Join(guestRoot, "ch")),
				guest.WithKernelPath("/workloads/hypervisor-fw"),
				guest.WithChannel(channel),
				guest.WithBootProbe(probe),
			},
			BootTimeout:    50 * time.Millisecond,
			Arch:           "amd64",
			CleanupTimeout: 5 * time.Second,
		},
		observer:  observer,
		transport: transport,
		guestRoot: guestRoot,
		clientDir: dir,
	}
}

func lookup(t *testing.T, name string) scenario.Scenario {
	t.Helper()
	sc, ok := scenario.Lookup(name)
	require.True(t, ok, name)
	return sc
}

func requirePassed(t *testing.T, res report.ScenarioResult) {
	t.Helper()
	require.Equal(t, report.StatusPassed, res.Status, "errors: %+v", res.Errors)
}

func assertNoGuestDirs(t *testing.T, h *harness) {
	t.Helper()
	entries, err := os.ReadDir(h.guestRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func withPollInterval(t *testing.T) {
	prev := ssh.BootPollInterval
	ssh.BootPollInterval = time.Millisecond
	t.Cleanup(func() { ssh.BootPollInterval = prev })
}

func TestEnsure(t *testing.T) {
	t.Run("runs cleanups in reverse order and keeps the body failure", func(t *testing.T) {
		var order []string
		errBody := errors.New("body failed")
		errCleanup := errors.New("cleanup failed")

		c := &scenario.Cleanups{}
		c.Defer("first", func() error { order = append(order, "first"); return nil })
		c.Defer("second", func() error { order = append(order, "second"); return errCleanup })

		err := scenario.Ensure(c, func() error { return errBody })
		assert.Equal(t, errBody, err)
		assert.Equal(t, []string{"second", "first"}, order)

		require.Len(t, c.Errors(), 1)
		assert.ErrorIs(t, c.Errors()[0], errCleanup)
	})

	t.Run("recovers panics and still cleans up", func(t *testing.T) {
		cleaned := false
		c := &scenario.Cleanups{}
		c.Defer("cleanup", func() error { cleaned = true; return nil })

		err := scenario.Ensure(c, func() error { panic("boom") })

		var panicErr *scenario.PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "boom", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
		assert.True(t, cleaned)
	})

	t.Run("a panicking cleanup does not stop the others", func(t *testing.T) {
		cleaned := false
		c := &scenario.Cleanups{}
		c.Defer("last", func() error { cleaned = true; return nil })
		c.Defer("panics", func() error { panic("cleanup boom") })

		require.NoError(t, scenario.Ensure(c, func() error { return nil }))
		assert.True(t, cleaned)
		require.Len(t, c.Errors(), 1)
	})
}

func TestRun_CreateVM(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)

	recorder := &mockRecorder{}
	recorder.On("ObserveBoot", mock.AnythingOfType("time.Duration")).Once()
	recorder.On("ObserveScenario", "create-vm", report.StatusPassed, mock.AnythingOfType("time.Duration")).Once()
	h.env.Recorder = recorder

	inspector := &mockInspector{}
	inspector.On("State", mock.AnythingOfType("string")).Return(vmm.StateRunning, nil).Once()
	h.env.Inspector = inspector

	res := scenario.Run(context.Background(), h.env, lookup(t, "create-vm"))
	requirePassed(t, res)

	require.Len(t, res.Guests, 1)
	assert.Greater(t, res.Guests[0].BootTime, 0.0)
	assert.Len(t, res.DaemonOutputs, 1)
	assert.Contains(t, res.DaemonOutputs[0].Stdout, "daemon starting")
	assert.Equal(t, []string{"create", "destroy"}, h.observer.Commands())
	assertNoGuestDirs(t, h)

	recorder.AssertExpectations(t)
	inspector.AssertExpectations(t)
}

func TestRun_CreateVM_FailedDestroyIsRetriedOnTeardown(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)
	require.NoError(t, os.WriteFile(filepath.Join(h.clientDir, "fail-destroy"), nil, 0o644))

	res := scenario.Run(context.Background(), h.env, lookup(t, "create-vm"))
	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, []string{"create", "destroy", "destroy"}, h.observer.Commands())
	assertNoGuestDirs(t, h)
}

func TestRun_CleanupOnProbeFailure(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, probeFunc(func(context.Context) error { return errors.New("guest unreachable") }))

	var (
		daemon *controlplane.Process
		tmpDir string
	)
	sc := scenario.Scenario{
		Name: "probe-failure",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.StartDaemon(ctx); err != nil {
				return err
			}
			daemon = s.Daemon()

			g, err := s.NewGuest(ctx)
			if err != nil {
				return err
			}
			tmpDir = g.TmpDir

			if err := s.Create(ctx, g, vmm.DefaultVcpuConfig(), guest.DefaultMemoryBytes); err != nil {
				return err
			}
			return s.WaitBoot(ctx, g)
		},
	}

	res := scenario.Run(context.Background(), h.env, sc)

	assert.Equal(t, report.StatusFailed, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, report.KindBootTimeout, res.Errors[0].Kind)

	require.NotNil(t, daemon)
	assert.True(t, daemon.Exited())
	assert.NoDirExists(t, tmpDir)
	assert.Equal(t, []string{"create", "destroy"}, h.observer.Commands())
	assert.Len(t, res.DaemonOutputs, 1)
}

func TestRun_PanicInBody(t *testing.T) {
	h := newHarness(t, booted)

	var daemon *controlplane.Process
	sc := scenario.Scenario{
		Name: "panics",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.StartDaemon(ctx); err != nil {
				return err
			}
			daemon = s.Daemon()
			panic("assertion blew up")
		},
	}

	res := scenario.Run(context.Background(), h.env, sc)

	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindPanic, res.Errors[0].Kind)
	require.NotNil(t, daemon)
	assert.True(t, daemon.Exited())
}

func TestRun_SpawnFailure(t *testing.T) {
	h := newHarness(t, booted)
	cp, err := controlplane.New(controlplane.Config{
		DaemonPath:  filepath.Join(t.TempDir(), "missing-daemon"),
		SettleDelay: time.Millisecond,
		State:       controlplane.StateLayout{},
	})
	require.NoError(t, err)
	h.env.ControlPlane = cp

	res := scenario.Run(context.Background(), h.env, lookup(t, "uri"))

	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindSpawn, res.Errors[0].Kind)
	assert.Empty(t, res.DaemonOutputs)
}

func TestRun_Defines(t *testing.T) {
	h := newHarness(t, booted)

	inspector := &mockInspector{}
	inspector.On("State", mock.AnythingOfType("string")).Return(vmm.StateShutOff, nil).Once()
	inspector.On("Exists", mock.AnythingOfType("string")).Return(false, nil).Once()
	h.env.Inspector = inspector

	res := scenario.Run(context.Background(), h.env, lookup(t, "defines"))
	requirePassed(t, res)

	assert.Len(t, res.DaemonOutputs, 2)
	assert.Equal(t, []string{"define", "list", "undefine"}, h.observer.Commands())
	inspector.AssertExpectations(t)
}

func TestRun_DefinesInspectorMismatch(t *testing.T) {
	h := newHarness(t, booted)

	inspector := &mockInspector{}
	inspector.On("State", mock.AnythingOfType("string")).Return(vmm.StateRunning, nil)
	h.env.Inspector = inspector

	res := scenario.Run(context.Background(), h.env, lookup(t, "defines"))

	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindAssertion, res.Errors[0].Kind)
	// the definition is removed by the teardown
	assert.Equal(t, []string{"define", "list", "undefine"}, h.observer.Commands())
}

func TestRun_LibvirtRestart(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)

	res := scenario.Run(context.Background(), h.env, lookup(t, "libvirt-restart"))
	requirePassed(t, res)

	assert.Len(t, res.DaemonOutputs, 2)
	assert.Equal(t, []string{"create", "destroy"}, h.observer.Commands())
}

func TestRun_HugeMemory(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)
	h.transport.replies[guest.TotalMemoryCommand] = []string{"132008112\n"}

	res := scenario.Run(context.Background(), h.env, lookup(t, "huge-memory"))
	requirePassed(t, res)

	h.transport.replies[guest.TotalMemoryCommand] = []string{"1004092\n"}
	res = scenario.Run(context.Background(), h.env, lookup(t, "huge-memory"))
	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindAssertion, res.Errors[0].Kind)
}

func TestRun_MultiCPU(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)
	h.transport.replies = map[string][]string{
		guest.CPUCountCommand: {"2\n", "4\n", "1\n"},
		`dmesg | grep "smpboot: Allowing" | sed "s/\[\ *[0-9.]*\] //"`: {"smpboot: Allowing 4 CPUs, 2 hotplug CPUs\n"},
		"echo 1 | sudo tee /sys/bus/cpu/devices/cpu2/online":          {"1\n"},
		"echo 1 | sudo tee /sys/bus/cpu/devices/cpu3/online":          {"1\n"},
	}

	res := scenario.Run(context.Background(), h.env, lookup(t, "multi-cpu"))
	requirePassed(t, res)

	assert.Equal(t, []string{"create", "setvcpus", "setvcpus", "destroy"}, h.observer.Commands())
}

func TestRun_MultiCPU_DriverVCPUs(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)
	h.transport.replies = map[string][]string{
		guest.CPUCountCommand: {"2\n", "4\n", "1\n"},
		`dmesg | grep "smpboot: Allowing" | sed "s/\[\ *[0-9.]*\] //"`: {"smpboot: Allowing 4 CPUs, 2 hotplug CPUs\n"},
		"echo 1 | sudo tee /sys/bus/cpu/devices/cpu2/online":          {"1\n"},
		"echo 1 | sudo tee /sys/bus/cpu/devices/cpu3/online":          {"1\n"},
	}

	inspector := &mockInspector{}
	for _, n := range []uint{2, 4, 1} {
		inspector.On("Info", mock.AnythingOfType("string")).Return(vmm.DomainInfo{State: vmm.StateRunning, VCPUs: n}, nil).Once()
	}
	h.env.Inspector = inspector

	res := scenario.Run(context.Background(), h.env, lookup(t, "multi-cpu"))
	requirePassed(t, res)
	inspector.AssertExpectations(t)
}

func TestRun_MultiCPU_DriverVCPUsMismatch(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)
	h.transport.replies = map[string][]string{
		guest.CPUCountCommand: {"2\n"},
		`dmesg | grep "smpboot: Allowing" | sed "s/\[\ *[0-9.]*\] //"`: {"smpboot: Allowing 4 CPUs, 2 hotplug CPUs\n"},
	}

	inspector := &mockInspector{}
	inspector.On("Info", mock.AnythingOfType("string")).Return(vmm.DomainInfo{State: vmm.StateRunning, VCPUs: 4}, nil).Once()
	h.env.Inspector = inspector

	res := scenario.Run(context.Background(), h.env, lookup(t, "multi-cpu"))

	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindAssertion, res.Errors[0].Kind)
	assert.Equal(t, []string{"create", "destroy"}, h.observer.Commands())
	inspector.AssertExpectations(t)
}

func TestRun_MultiCPUParseError(t *testing.T) {
	withPollInterval(t)
	h := newHarness(t, booted)
	h.transport.replies = map[string][]string{
		guest.CPUCountCommand: {"processor\n"},
	}

	res := scenario.Run(context.Background(), h.env, lookup(t, "multi-cpu"))

	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindParse, res.Errors[0].Kind)
}

func TestRun_URI(t *testing.T) {
	h := newHarness(t, booted)

	res := scenario.Run(context.Background(), h.env, lookup(t, "uri"))
	requirePassed(t, res)
	assert.Equal(t, []string{"uri"}, h.observer.Commands())
}

func TestRun_LifecycleIdempotence(t *testing.T) {
	h := newHarness(t, booted)

	res := scenario.Run(context.Background(), h.env, lookup(t, "lifecycle-idempotence"))
	requirePassed(t, res)
	assert.Equal(t, []string{"define", "destroy", "undefine", "list"}, h.observer.Commands())
	assertNoGuestDirs(t, h)
}

func TestRun_LifecycleIdempotence_StillKnownToDriver(t *testing.T) {
	h := newHarness(t, booted)

	inspector := &mockInspector{}
	inspector.On("Exists", mock.AnythingOfType("string")).Return(true, nil).Once()
	h.env.Inspector = inspector

	res := scenario.Run(context.Background(), h.env, lookup(t, "lifecycle-idempotence"))

	assert.Equal(t, report.StatusFailed, res.Status)
	assert.Equal(t, report.KindAssertion, res.Errors[0].Kind)
	inspector.AssertExpectations(t)
}

func TestRunner(t *testing.T) {
	h := newHarness(t, booted)

	failing := scenario.Scenario{
		Name: "always-fails",
		Run: func(ctx context.Context, s *scenario.Session) error {
			return s.Step("fail", func() error { return errors.New("nope") })
		},
	}

	runner := &scenario.Runner{Env: h.env, Parallel: 2}
	run := runner.Run(context.Background(), []scenario.Scenario{lookup(t, "uri"), failing})

	require.Len(t, run.Scenarios, 2)
	assert.Equal(t, "uri", run.Scenarios[0].Name)
	assert.Equal(t, report.StatusPassed, run.Scenarios[0].Status)
	assert.Equal(t, report.StatusFailed, run.Scenarios[1].Status)
	assert.Equal(t, report.StatusFailed, run.Execution.Status)
	assert.Equal(t, 1, run.Summary.Passed)
	assert.Equal(t, "ch:///system", run.ControlPlane.URI)
	assert.Equal(t, "amd64", run.Execution.Architecture)
	assert.NotEmpty(t, run.RunID)
}

func TestRunner_CancelledContextSkips(t *testing.T) {
	h := newHarness(t, booted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := (&scenario.Runner{Env: h.env}).Run(ctx, []scenario.Scenario{lookup(t, "uri")})
	require.Len(t, run.Scenarios, 1)
	assert.Equal(t, report.StatusSkipped, run.Scenarios[0].Status)
	assert.Equal(t, report.StatusPassed, run.Execution.Status)
	assert.Empty(t, h.observer.Commands())
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{
		"create-vm", "defines", "libvirt-restart", "huge-memory", "multi-cpu", "uri", "lifecycle-idempotence",
	}, scenario.Names())

	all, err := scenario.Select()
	require.NoError(t, err)
	assert.Len(t, all, len(scenario.Names()))

	selected, err := scenario.Select("uri", "defines")
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "uri", selected[0].Name)

	_, err = scenario.Select("does-not-exist")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{err: &controlplane.SpawnError{Path: "virsh", Err: os.ErrNotExist}, want: report.KindSpawn},
		{err: errors.Join(ssh.ErrBootTimeout, errors.New("timeout=1s")), want: report.KindBootTimeout},
		{err: &ssh.ParseError{Command: "nproc"}, want: report.KindParse},
		{err: &ssh.CommandError{Command: "nproc", Err: os.ErrDeadlineExceeded}, want: report.KindCommand},
		{err: errors.Join(errors.New("x"), controlplane.ErrUnexpectedOutput), want: report.KindUnexpectedOutput},
		{err: errors.Join(errors.New("x"), scenario.ErrAssertion), want: report.KindAssertion},
		{err: &scenario.PanicError{Value: 1}, want: report.KindPanic},
		{err: errors.New("other"), want: report.KindOther},
	} {
		assert.Equal(t, tc.want, scenario.Classify(tc.err), tc.err.Error())
	}
}
