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

package controlplane

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alexandremahdhaoui/chvirt/pkg/execcontext"
)

// DaemonWaitDelay bounds how long Terminate drains the daemon output once the daemon is dead.
const DaemonWaitDelay = 5 * time.Second

var (
	errKillDaemonGroup = errors.New("failed to kill daemon process group")
	errDaemonOutput    = errors.New("daemon output still held open after termination")
)

// Output is what a terminated process left behind.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Process is a spawned daemon. Its output is captured until it is terminated.
type Process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer

	once   sync.Once
	output Output
	err    error
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited reports whether the process was terminated and reaped.
func (p *Process) Exited() bool {
	return p.cmd.ProcessState != nil
}

// SpawnDaemon starts the management daemon with piped stdout and stderr. It does not wait for
// the daemon to be ready: see WaitReady.
//
// The daemon leads its own process group, so a command prefix such as sudo is killed together
// with the daemon it started.
func (c *Controller) SpawnDaemon() (*Process, error) {
	cmd := execcontext.Command(c.exec, c.cfg.DaemonPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = DaemonWaitDelay

	p := &Process{cmd: cmd}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: c.cfg.DaemonPath, Err: err}
	}

	slog.Info("spawned daemon",
		"command", execcontext.FormatCmd(c.exec, c.cfg.DaemonPath),
		"pid", cmd.Process.Pid,
	)

	return p, nil
}

// Terminate force-stops the daemon and drains its output. Calling it again returns the first
// result. Persisted daemon state is left on disk: see CleanState.
func (c *Controller) Terminate(p *Process) (Output, error) {
	if p == nil {
		return Output{}, errNilProcess
	}

	p.once.Do(func() {
		pid := p.cmd.Process.Pid
		if err := c.killGroup(pid); err != nil {
			p.err = err
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.err = errors.Join(p.err, err, fmt.Errorf("pid=%d", pid))
			}
		}

		waitErr := p.cmd.Wait()

		p.output = Output{
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
			ExitCode: p.cmd.ProcessState.ExitCode(),
		}

		var exitErr *exec.ExitError
		switch {
		case waitErr == nil, errors.As(waitErr, &exitErr):
		case errors.Is(waitErr, exec.ErrWaitDelay):
			p.err = errors.Join(p.err, waitErr, fmt.Errorf("pid=%d waitDelay=%s", pid, DaemonWaitDelay), errDaemonOutput)
		default:
			p.err = errors.Join(p.err, waitErr)
		}

		slog.Debug("daemon terminated",
			"pid", pid,
			"stdout", p.output.Stdout,
			"stderr", p.output.Stderr,
		)
	})

	return p.output, p.err
}

// killGroup sends SIGKILL to the process group led by pgid. Without a command prefix the signal
// is sent directly; otherwise `kill` runs through the prefix, since the group may belong to
// another user.
func (c *Controller) killGroup(pgid int) error {
	if len(c.exec.PrependCmd()) == 0 {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return errors.Join(err, fmt.Errorf("pgid=%d", pgid), errKillDaemonGroup)
		}
		return nil
	}

	target := "-" + strconv.Itoa(pgid)
	out, err := execcontext.Command(c.exec, "kill", "-KILL", target).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such process") {
		return errors.Join(err, fmt.Errorf("command=%s output=%q", execcontext.FormatCmd(c.exec, "kill", "-KILL", target), out), errKillDaemonGroup)
	}
	return nil
}
