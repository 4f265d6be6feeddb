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
	"os"
	"path/filepath"
	"strconv"

	"github.com/beevik/etree"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

// DomainFileName is the name of the rendered descriptor inside a guest directory.
const DomainFileName = "domain.xml"

var (
	errMarshalDomainXML = errors.New("failed to marshal domain XML")
	errPatchDomainXML   = errors.New("failed to set interface source in domain XML")
	errWriteDomainXML   = errors.New("failed to write domain XML")
)

// BuildDomain returns the libvirt domain described by cfg. It performs no I/O.
//
// libvirtxml only encodes an ethernet interface source that carries a route, so the host IP set
// here is dropped by Marshal. RenderDomainXML writes it back.
func BuildDomain(cfg DomainConfig) (*libvirtxml.Domain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &libvirtxml.Domain{
		Type:        DomainType,
		Name:        cfg.Name,
		UUID:        cfg.UUID,
		Title:       cfg.Name,
		Description: cfg.Name,
		OS: &libvirtxml.DomainOS{
			Type:   &libvirtxml.DomainOSType{Type: "hvm"},
			Kernel: cfg.KernelPath,
		},
		VCPU: &libvirtxml.DomainVCPU{
			Current: cfg.Vcpus.Boot,
			Value:   cfg.Vcpus.Max,
		},
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.MemoryBytes),
			Unit:  "b",
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				fileDisk(cfg.OSDiskPath, OSDiskTarget),
				fileDisk(cfg.CloudInitDiskPath, CloudInitDiskTarget),
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "virtio",
						Port: ptr.To(uint(0)),
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: cfg.GuestMAC,
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
					Source: &libvirtxml.DomainInterfaceSource{
						Ethernet: &libvirtxml.DomainInterfaceSourceEthernet{
							IP: []libvirtxml.DomainInterfaceIP{
								{Address: cfg.HostIP, Prefix: HostIPPrefix},
							},
						},
					},
				},
			},
		},
	}, nil
}

func fileDisk(path, target string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: path,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: target,
			Bus: "virtio",
		},
	}
}

// RenderDomainXML returns the descriptor for cfg as consumed by `virsh create|define`.
func RenderDomainXML(cfg DomainConfig) (string, error) {
	domain, err := BuildDomain(cfg)
	if err != nil {
		return "", err
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalDomainXML)
	}

	return setInterfaceSource(xml, cfg.HostIP)
}

// setInterfaceSource makes the ethernet interface carry <source><ip address prefix/></source>.
// The ch driver assigns that address to the host end of the tap device.
func setInterfaceSource(xml, hostIP string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return "", errors.Join(err, errPatchDomainXML)
	}

	iface := doc.FindElement("/domain/devices/interface[@type='ethernet']")
	if iface == nil {
		return "", errors.Join(fmt.Errorf("element=interface"), errPatchDomainXML)
	}

	if src := iface.SelectElement("source"); src != nil {
		iface.RemoveChild(src)
	}

	src := etree.NewElement("source")
	ip := src.CreateElement("ip")
	ip.CreateAttr("address", hostIP)
	ip.CreateAttr("prefix", strconv.Itoa(HostIPPrefix))
	iface.InsertChildAt(0, src)

	doc.Indent(2)

	out, err := doc.WriteToString()
	if err != nil {
		return "", errors.Join(err, errPatchDomainXML)
	}

	return out, nil
}

// WriteDomainXML renders cfg into dir/domain.xml and returns the file path.
func WriteDomainXML(dir string, cfg DomainConfig) (string, error) {
	xml, err := RenderDomainXML(cfg)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, DomainFileName)
	if err := os.WriteFile(path, []byte(xml), 0o644); err != nil {
		return "", errors.Join(err, errWriteDomainXML)
	}

	return path, nil
}
