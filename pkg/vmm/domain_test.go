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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func newTestDomainConfig() DomainConfig {
	return DomainConfig{
		Name:              "vm-4",
		UUID:              "0d5c3a5e-2a7c-4b43-9a4a-8c0fd2e6d3a1",
		KernelPath:        "/root/workloads/hypervisor-fw",
		Vcpus:             VcpuConfig{Boot: 2, Max: 4},
		MemoryBytes:       1 << 30,
		OSDiskPath:        "/tmp/ch123/osdisk.img",
		CloudInitDiskPath: "/tmp/ch123/cloudinit",
		GuestMAC:          "12:34:56:78:90:04",
		HostIP:            "192.168.4.1",
	}
}

func TestRenderDomainXML(t *testing.T) {
	xmlStr, err := RenderDomainXML(newTestDomainConfig())
	require.NoError(t, err)
	require.NotEmpty(t, xmlStr)

	var domain libvirtxml.Domain
	require.NoError(t, domain.Unmarshal(xmlStr))

	assert.Equal(t, "ch", domain.Type)
	assert.Equal(t, "vm-4", domain.Name)
	assert.Equal(t, "0d5c3a5e-2a7c-4b43-9a4a-8c0fd2e6d3a1", domain.UUID)
	assert.Equal(t, "vm-4", domain.Title)
	assert.Equal(t, "vm-4", domain.Description)

	// Verify OS
	require.NotNil(t, domain.OS)
	require.NotNil(t, domain.OS.Type)
	assert.Equal(t, "hvm", domain.OS.Type.Type)
	assert.Equal(t, "/root/workloads/hypervisor-fw", domain.OS.Kernel)

	// Verify vCPU
	require.NotNil(t, domain.VCPU)
	assert.Equal(t, uint(2), domain.VCPU.Current)
	assert.Equal(t, uint(4), domain.VCPU.Value)

	// Verify memory
	require.NotNil(t, domain.Memory)
	assert.Equal(t, uint(1<<30), domain.Memory.Value)
	assert.Equal(t, "b", domain.Memory.Unit)

	// Verify disks
	require.NotNil(t, domain.Devices)
	require.Len(t, domain.Devices.Disks, 2)
	for i, want := range []struct{ file, dev string }{
		{"/tmp/ch123/osdisk.img", "vda"},
		{"/tmp/ch123/cloudinit", "vdb"},
	} {
		disk := domain.Devices.Disks[i]
		require.NotNil(t, disk.Source)
		require.NotNil(t, disk.Source.File)
		assert.Equal(t, want.file, disk.Source.File.File)
		require.NotNil(t, disk.Target)
		assert.Equal(t, want.dev, disk.Target.Dev)
		assert.Equal(t, "virtio", disk.Target.Bus)
	}

	// Verify console
	require.Len(t, domain.Devices.Consoles, 1)
	console := domain.Devices.Consoles[0]
	require.NotNil(t, console.Source)
	assert.NotNil(t, console.Source.Pty)
	require.NotNil(t, console.Target)
	assert.Equal(t, "virtio", console.Target.Type)
	require.NotNil(t, console.Target.Port)
	assert.Equal(t, uint(0), *console.Target.Port)

	// Verify network interface
	require.Len(t, domain.Devices.Interfaces, 1)
	iface := domain.Devices.Interfaces[0]
	require.NotNil(t, iface.MAC)
	assert.Equal(t, "12:34:56:78:90:04", iface.MAC.Address)
	require.NotNil(t, iface.Model)
	assert.Equal(t, "virtio", iface.Model.Type)
	require.NotNil(t, iface.Source)
	require.NotNil(t, iface.Source.Ethernet)
	require.Len(t, iface.Source.Ethernet.IP, 1)
	assert.Equal(t, "192.168.4.1", iface.Source.Ethernet.IP[0].Address)
	assert.Equal(t, uint(24), iface.Source.Ethernet.IP[0].Prefix)
}

func TestRenderDomainXML_RawElements(t *testing.T) {
	xmlStr, err := RenderDomainXML(newTestDomainConfig())
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xmlStr))

	root := doc.SelectElement("domain")
	require.NotNil(t, root)
	assert.Equal(t, "ch", root.SelectAttrValue("type", ""))

	vcpus := doc.FindElements("//vcpu")
	require.Len(t, vcpus, 1, "exactly one vcpu element")
	assert.Equal(t, "2", vcpus[0].SelectAttrValue("current", ""))
	assert.Equal(t, "4", strings.TrimSpace(vcpus[0].Text()))

	memory := root.SelectElement("memory")
	require.NotNil(t, memory)
	assert.Equal(t, "b", memory.SelectAttrValue("unit", ""))
	assert.Equal(t, "1073741824", strings.TrimSpace(memory.Text()))

	disks := doc.FindElements("//devices/disk")
	require.Len(t, disks, 2)
	for _, disk := range disks {
		assert.Equal(t, "file", disk.SelectAttrValue("type", ""))
	}

	iface := doc.FindElement("//devices/interface")
	require.NotNil(t, iface)
	assert.Equal(t, "ethernet", iface.SelectAttrValue("type", ""))

	hostIPs := doc.FindElements("//devices/interface/source/ip[@prefix='24']")
	require.Len(t, hostIPs, 1, "host side of the tap device")
	assert.Equal(t, "192.168.4.1", hostIPs[0].SelectAttrValue("address", ""))

	console := doc.FindElement("//devices/console")
	require.NotNil(t, console)
	assert.Equal(t, "pty", console.SelectAttrValue("type", ""))
}

func TestRenderDomainXML_Deterministic(t *testing.T) {
	cfg := newTestDomainConfig()

	first, err := RenderDomainXML(cfg)
	require.NoError(t, err)

	for range 10 {
		again, err := RenderDomainXML(cfg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRenderDomainXML_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DomainConfig)
		wantErr error
	}{
		{"boot above max", func(c *DomainConfig) { c.Vcpus = VcpuConfig{Boot: 4, Max: 2} }, errInvalidVcpuConfig},
		{"zero boot", func(c *DomainConfig) { c.Vcpus = VcpuConfig{Boot: 0, Max: 2} }, errInvalidVcpuConfig},
		{"zero memory", func(c *DomainConfig) { c.MemoryBytes = 0 }, errInvalidMemory},
		{"no name", func(c *DomainConfig) { c.Name = "" }, errMissingName},
		{"no kernel", func(c *DomainConfig) { c.KernelPath = "" }, errMissingKernel},
		{"no os disk", func(c *DomainConfig) { c.OSDiskPath = "" }, errMissingDisk},
		{"no cloud-init disk", func(c *DomainConfig) { c.CloudInitDiskPath = "" }, errMissingDisk},
		{"no mac", func(c *DomainConfig) { c.GuestMAC = "" }, errMissingNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestDomainConfig()
			tt.mutate(&cfg)

			_, err := RenderDomainXML(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWriteDomainXML(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestDomainConfig()

	path, err := WriteDomainXML(dir, cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DomainFileName), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	want, err := RenderDomainXML(cfg)
	require.NoError(t, err)
	assert.Equal(t, want, string(b))
}

func TestDefaultVcpuConfig(t *testing.T) {
	assert.Equal(t, VcpuConfig{Boot: 1, Max: 1}, DefaultVcpuConfig())
	assert.NoError(t, DefaultVcpuConfig().Validate())
}

func TestWriteDomainXML_InvalidDir(t *testing.T) {
	_, err := WriteDomainXML(filepath.Join(t.TempDir(), "missing"), newTestDomainConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteDomainXML)
}

func TestSetInterfaceSource_ReplacesExisting(t *testing.T) {
	in := `<domain type="ch"><devices><interface type="ethernet"><source><ip address="10.0.0.1" prefix="8"/></source><mac address="12:34:56:78:90:01"/></interface></devices></domain>`

	out, err := setInterfaceSource(in, "192.168.1.1")
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))

	ips := doc.FindElements("//devices/interface/source/ip")
	require.Len(t, ips, 1)
	assert.Equal(t, "192.168.1.1", ips[0].SelectAttrValue("address", ""))
	assert.Equal(t, "24", ips[0].SelectAttrValue("prefix", ""))
	assert.NotNil(t, doc.FindElement("//devices/interface/mac"))
}

func TestSetInterfaceSource_NoInterface(t *testing.T) {
	_, err := setInterfaceSource(`<domain type="ch"><devices/></domain>`, "192.168.1.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errPatchDomainXML)
}
