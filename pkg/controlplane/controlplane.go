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

// Package controlplane drives the management daemon and its CLI client as opaque processes.
//
// The daemon is spawned once per scenario with its output captured; the CLI is invoked once per
// command against a fixed connection URI. Output is returned verbatim. Matching it against the
// documented success strings is left to the helpers in expect.go.
package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/chvirt/pkg/execcontext"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultURI         = "ch:///system"
	DefaultDaemonPath  = "libvirtd"
	DefaultClientPath  = "virsh"
	DefaultSettleDelay = 5 * time.Second

	// readinessBudgetFactor bounds the readiness probe to this many settle delays.
	readinessBudgetFactor = 6
	readinessInterval     = 250 * time.Millisecond
)

var (
	errInvoke       = errors.New("failed to invoke control plane client")
	errDaemonNotUp  = errors.New("daemon did not become ready")
	errNilProcess   = errors.New("daemon process is nil")
	errInvalidDelay = errors.New("settle delay must not be negative")
)

// SpawnError reports that an executable could not be launched at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot spawn %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Config describes the daemon, its client and where the daemon keeps its state.
type Config struct {
	URI        string
	DaemonPath string
	ClientPath string

	// SettleDelay is how long a fresh daemon is given before commands are issued.
	SettleDelay time.Duration
	// ReadinessProbe replaces the fixed delay with polling `<client> uri` until it succeeds.
	ReadinessProbe bool

	State StateLayout
}

// DefaultConfig returns the configuration of a system-wide libvirt with the ch driver.
func DefaultConfig() Config {
	return Config{
		URI:         DefaultURI,
		DaemonPath:  DefaultDaemonPath,
		ClientPath:  DefaultClientPath,
		SettleDelay: DefaultSettleDelay,
		State:       DefaultStateLayout(),
	}
}

// InvocationObserver is notified after every completed client invocation.
type InvocationObserver interface {
	ObserveInvocation(command string, exitCode int)
}

// Option configures a Controller.
type Option func(*Controller)

// WithExecContext runs the daemon and client through ec, e.g. execcontext.Sudo().
func WithExecContext(ec execcontext.Context) Option {
	return func(c *Controller) {
		c.exec = ec
	}
}

// WithObserver registers an InvocationObserver.
func WithObserver(o InvocationObserver) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// Controller spawns the daemon and invokes the client. It holds no per-scenario state and can
// be shared by concurrently running scenarios.
type Controller struct {
	cfg      Config
	exec     execcontext.Context
	observer InvocationObserver
}

// New returns a Controller. Empty fields of cfg take their default value.
func New(cfg Config, opts ...Option) (*Controller, error) {
	def := DefaultConfig()
	if cfg.URI == "" {
		cfg.URI = def.URI
	}
	if cfg.DaemonPath == "" {
		cfg.DaemonPath = def.DaemonPath
	}
	if cfg.ClientPath == "" {
		cfg.ClientPath = def.ClientPath
	}
	if cfg.SettleDelay < 0 {
		return nil, errors.Join(fmt.Errorf("settleDelay=%s", cfg.SettleDelay), errInvalidDelay)
	}

	c := &Controller{
		cfg:  cfg,
		exec: execcontext.Empty(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// URI returns the connection URI every invocation is issued against.
func (c *Controller) URI() string {
	return c.cfg.URI
}

// Result is the outcome of one client invocation.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports a zero exit status.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Invoke runs the client with args against the configured URI and waits for it to exit.
//
// A non-zero exit is not an error: it is reported in Result. An error is returned only when the
// client could not be spawned (*SpawnError) or ctx ended before it exited. No timeout is imposed
// here.
func (c *Controller) Invoke(ctx context.Context, args ...string) (Result, error) {
	argv := append([]string{"-c", c.cfg.URI}, args...)
	cmd := execcontext.CommandContext(ctx, c.exec, c.cfg.ClientPath, argv...)
	command := execcontext.FormatCmd(c.exec, append([]string{c.cfg.ClientPath}, argv...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := Result{Args: args}

	if err := cmd.Start(); err != nil {
		return result, &SpawnError{Path: c.cfg.ClientPath, Err: err}
	}

	err := cmd.Wait()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return result, errors.Join(ctx.Err(), fmt.Errorf("command=%s", command), errInvoke)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, errors.Join(err, fmt.Errorf("command=%s", command), errInvoke)
	}

	slog.Debug("invoked control plane client",
		"command", command,
		"exitCode", result.ExitCode,
		"stdout", result.Stdout,
		"stderr", result.Stderr,
	)
	if !result.Succeeded() {
		slog.Warn("control plane client exited with non-zero status",
			"args", args,
			"exitCode", result.ExitCode,
			"stderr", result.Stderr,
		)
	}

	if c.observer != nil && len(args) > 0 {
		c.observer.ObserveInvocation(args[0], result.ExitCode)
	}

	return result, nil
}

// Create runs `create <descriptor>`.
func (c *Controller) Create(ctx context.Context, descriptorPath string) (Result, error) {
	return c.Invoke(ctx, "create", descriptorPath)
}

// Define runs `define <descriptor>`.
func (c *Controller) Define(ctx context.Context, descriptorPath string) (Result, error) {
	return c.Invoke(ctx, "define", descriptorPath)
}

// Destroy runs `destroy <name>`.
func (c *Controller) Destroy(ctx context.Context, name string) (Result, error) {
	return c.Invoke(ctx, "destroy", name)
}

// Undefine runs `undefine <name>`.
func (c *Controller) Undefine(ctx context.Context, name string) (Result, error) {
	return c.Invoke(ctx, "undefine", name)
}

// ListAll runs `list --all`.
func (c *Controller) ListAll(ctx context.Context) (Result, error) {
	return c.Invoke(ctx, "list", "--all")
}

// SetVcpus runs `setvcpus <name> <count>`.
func (c *Controller) SetVcpus(ctx context.Context, name string, count uint) (Result, error) {
	return c.Invoke(ctx, "setvcpus", name, strconv.FormatUint(uint64(count), 10))
}

// QueryURI runs `uri`.
func (c *Controller) QueryURI(ctx context.Context) (Result, error) {
	return c.Invoke(ctx, "uri")
}

// WaitReady gives a freshly spawned daemon time to accept commands: either the fixed settle
// delay or, with ReadinessProbe set, until `uri` succeeds.
func (c *Controller) WaitReady(ctx context.Context) error {
	if !c.cfg.ReadinessProbe {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.SettleDelay):
			return nil
		}
	}

	budget := c.cfg.SettleDelay * readinessBudgetFactor
	if budget <= 0 {
		budget = DefaultSettleDelay * readinessBudgetFactor
	}

	var last Result
	err := wait.PollUntilContextTimeout(ctx, readinessInterval, budget, true,
		func(ctx context.Context) (bool, error) {
			res, err := c.QueryURI(ctx)
			if err != nil {
				var spawnErr *SpawnError
				if errors.As(err, &spawnErr) {
					return false, err
				}
				return false, nil
			}
			last = res
			return res.Succeeded(), nil
		})
	if err != nil {
		return errors.Join(err, fmt.Errorf("budget=%s lastStderr=%q", budget, last.Stderr), errDaemonNotUp)
	}

	return nil
}
