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
)

const (
	// DomainType is the domain type handled by the cloud-hypervisor driver.
	DomainType = "ch"

	// OSDiskTarget and CloudInitDiskTarget are the fixed guest device names.
	OSDiskTarget        = "vda"
	CloudInitDiskTarget = "vdb"

	// HostIPPrefix is the prefix length of the host side of the guest link.
	HostIPPrefix = 24
)

var (
	errInvalidVcpuConfig = errors.New("invalid vcpu configuration")
	errInvalidMemory     = errors.New("memory size must be greater than zero")
	errMissingName       = errors.New("domain name is required")
	errMissingKernel     = errors.New("kernel path is required")
	errMissingDisk       = errors.New("disk path is required")
	errMissingNetwork    = errors.New("guest MAC and host IP are required")
)

// VcpuConfig is the number of vCPUs a guest boots with and the number it may be hotplugged to.
type VcpuConfig struct {
	Boot uint
	Max  uint
}

// DefaultVcpuConfig boots one vCPU with no room for hotplug.
func DefaultVcpuConfig() VcpuConfig {
	return VcpuConfig{Boot: 1, Max: 1}
}

// Validate checks 1 <= Boot <= Max.
func (c VcpuConfig) Validate() error {
	if c.Boot == 0 || c.Boot > c.Max {
		return errors.Join(fmt.Errorf("boot=%d max=%d", c.Boot, c.Max), errInvalidVcpuConfig)
	}
	return nil
}

// DomainConfig holds everything the machine descriptor is rendered from.
type DomainConfig struct {
	Name string
	UUID string

	KernelPath string

	Vcpus       VcpuConfig
	MemoryBytes uint64

	OSDiskPath        string
	CloudInitDiskPath string

	GuestMAC string
	HostIP   string
}

// Validate reports every missing or inconsistent field at once.
func (c DomainConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errMissingName)
	}
	if c.KernelPath == "" {
		errs = append(errs, errMissingKernel)
	}
	if err := c.Vcpus.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MemoryBytes == 0 {
		errs = append(errs, errInvalidMemory)
	}
	if c.OSDiskPath == "" {
		errs = append(errs, fmt.Errorf("target=%s: %w", OSDiskTarget, errMissingDisk))
	}
	if c.CloudInitDiskPath == "" {
		errs = append(errs, fmt.Errorf("target=%s: %w", CloudInitDiskTarget, errMissingDisk))
	}
	if c.GuestMAC == "" || c.HostIP == "" {
		errs = append(errs, errMissingNetwork)
	}

	return errors.Join(errs...)
}
