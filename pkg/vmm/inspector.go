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

package vmm

import (
	"errors"
	"fmt"
	"log/slog"

	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt = errors.New("failed to connect to libvirt")
	errGetDomainState = errors.New("failed to get domain state")
	errGetDomainInfo  = errors.New("failed to get domain info")
	errLookupDomain   = errors.New("failed to lookup domain")

	// ErrDomainNotFound is returned when the control plane has no domain with the given name.
	ErrDomainNotFound = errors.New("domain not found")
)

// Domain states as printed by `virsh list`.
const (
	StateRunning  = "running"
	StateShutOff  = "shut off"
	StatePaused   = "paused"
	StateCrashed  = "crashed"
	StateShutdown = "in shutdown"
	StateBlocked  = "idle"
	StateUnknown  = "unknown"
)

// DomainInfo is the API-level view of a domain's resources.
type DomainInfo struct {
	State        string
	VCPUs        uint
	MemoryKiB    uint64
	MaxMemoryKiB uint64
}

// Inspector observes domains through the libvirt API, independently of the CLI output. Every
// query opens its own connection: daemons are restarted between and during scenarios.
type Inspector struct {
	uri string
}

// NewInspector returns an Inspector for uri, e.g. "ch:///system".
func NewInspector(uri string) *Inspector {
	return &Inspector{uri: uri}
}

// URI returns the connection URI.
func (i *Inspector) URI() string {
	return i.uri
}

// Exists reports whether a domain named name is known, running or not.
func (i *Inspector) Exists(name string) (bool, error) {
	err := i.withDomain(name, func(*libvirt.Domain) error { return nil })
	if errors.Is(err, ErrDomainNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// State returns the domain state using the same wording as `virsh list`.
func (i *Inspector) State(name string) (string, error) {
	var out string
	err := i.withDomain(name, func(dom *libvirt.Domain) error {
		state, _, err := dom.GetState()
		if err != nil {
			return errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
		}
		out = stateString(state)
		return nil
	})
	return out, err
}

// Info returns the domain state, vCPU count and memory as seen by the driver.
func (i *Inspector) Info(name string) (DomainInfo, error) {
	var out DomainInfo
	err := i.withDomain(name, func(dom *libvirt.Domain) error {
		info, err := dom.GetInfo()
		if err != nil {
			return errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainInfo)
		}
		out = DomainInfo{
			State:        stateString(info.State),
			VCPUs:        info.NrVirtCpu,
			MemoryKiB:    info.Memory,
			MaxMemoryKiB: info.MaxMem,
		}
		return nil
	})
	return out, err
}

func (i *Inspector) withDomain(name string, fn func(dom *libvirt.Domain) error) error {
	conn, err := libvirt.NewConnect(i.uri)
	if err != nil {
		return errors.Join(err, fmt.Errorf("uri=%s", i.uri), errConnectLibvirt)
	}
	defer func() {
		if _, err := conn.Close(); err != nil {
			slog.Debug("failed to close libvirt connection", "uri", i.uri, "error", err.Error())
		}
	}()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN {
			slog.Debug("domain not found", "vmName", name, "uri", i.uri)
			return errors.Join(fmt.Errorf("vmName=%s", name), ErrDomainNotFound)
		}
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errLookupDomain)
	}
	defer func() { _ = dom.Free() }()

	return fn(dom)
}

func stateString(state libvirt.DomainState) string {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return StateRunning
	case libvirt.DOMAIN_BLOCKED:
		return StateBlocked
	case libvirt.DOMAIN_PAUSED:
		return StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return StateShutdown
	case libvirt.DOMAIN_SHUTOFF:
		return StateShutOff
	case libvirt.DOMAIN_CRASHED:
		return StateCrashed
	default:
		return StateUnknown
	}
}
