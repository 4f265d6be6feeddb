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
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alexandremahdhaoui/chvirt/pkg/execcontext"
)

var errRemoveState = errors.New("failed to remove daemon state")

// StateLayout lists where the daemon persists state.
//
// Persistent entries hold domain definitions and survive daemon restarts. Runtime entries hold
// what a running daemon knows about live domains; a SIGKILLed daemon leaves them behind.
type StateLayout struct {
	PersistentDirs []string
	RuntimeDirs    []string
	RuntimeFiles   []string
}

// DefaultStateLayout is the layout of a system libvirtd with the ch driver.
func DefaultStateLayout() StateLayout {
	return StateLayout{
		PersistentDirs: []string{"/etc/libvirt/ch"},
		RuntimeDirs:    []string{"/var/lib/libvirt", "/var/run/libvirt"},
		RuntimeFiles:   []string{"/var/run/libvirtd.pid"},
	}
}

// CleanState removes persistent and runtime state so the next daemon starts without any domain.
func (c *Controller) CleanState() error {
	return errors.Join(
		c.removeAll(c.cfg.State.PersistentDirs),
		c.CleanRuntimeState(),
	)
}

// CleanRuntimeState removes runtime state only, keeping domain definitions.
func (c *Controller) CleanRuntimeState() error {
	return errors.Join(
		c.removeAll(c.cfg.State.RuntimeDirs),
		c.removeAll(c.cfg.State.RuntimeFiles),
	)
}

// removeAll deletes paths. State usually belongs to root: with a command prefix such as sudo,
// the removal runs as `rm -rf` through the prefix.
func (c *Controller) removeAll(paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	if len(c.exec.PrependCmd()) > 0 {
		args := append([]string{"-rf", "--"}, paths...)
		out, err := execcontext.Command(c.exec, "rm", args...).CombinedOutput()
		if err != nil {
			slog.Warn("failed to remove daemon state", "paths", paths, "error", err.Error(), "output", string(out))
			return errors.Join(err, fmt.Errorf("command=%s output=%q", execcontext.FormatCmd(c.exec, append([]string{"rm"}, args...)...), out), errRemoveState)
		}
		return nil
	}

	var errs []error
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to remove daemon state", "path", path, "error", err.Error())
			errs = append(errs, errors.Join(err, fmt.Errorf("path=%s", path), errRemoveState))
		}
	}
	return errors.Join(errs...)
}
