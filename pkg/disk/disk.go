// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alexandremahdhaoui/chvirt/pkg/cloudinit"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
)

// Role identifies one of the disks attached to a guest.
type Role int

const (
	OperatingSystem Role = iota
	CloudInit
)

func (r Role) String() string {
	switch r {
	case OperatingSystem:
		return "operating-system"
	case CloudInit:
		return "cloud-init"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

const (
	DefaultUser     = "cloud"
	DefaultPassword = "cloud123"

	OSDiskFile        = "osdisk.img"
	CloudInitDiskFile = "cloudinit.iso"
)

var (
	ErrDiskNotPrepared = errors.New("disk files were not prepared")

	errUnknownRole   = errors.New("unknown disk role")
	errCopyImage     = errors.New("failed to copy guest image")
	errMissingImage  = errors.New("guest image path is empty")
	errCreateSeedISO = errors.New("failed to create cloud-init disk")
)

// DiskConfig materializes the disks of one guest.
type DiskConfig interface {
	// PrepareFiles writes the disk files into tmpDir for a guest using net.
	PrepareFiles(ctx context.Context, tmpDir string, net netalloc.NetworkConfig) error
	// Disk returns the path of the disk playing role.
	Disk(role Role) (string, error)
}

// UbuntuDiskConfig boots a copy of an Ubuntu cloud image configured by a NoCloud seed.
type UbuntuDiskConfig struct {
	ImagePath string
	Hostname  string
	User      string
	Password  string
	// AuthorizedKeyPaths are public keys authorized for User.
	AuthorizedKeyPaths []string
	// ISOTool builds the seed ISO; cloudinit.DefaultISOTool when empty.
	ISOTool string

	osDisk        string
	cloudInitDisk string
}

var _ DiskConfig = &UbuntuDiskConfig{}

func NewUbuntuDiskConfig(imagePath string) *UbuntuDiskConfig {
	return &UbuntuDiskConfig{
		ImagePath: imagePath,
		User:      DefaultUser,
		Password:  DefaultPassword,
	}
}

// PrepareFiles implements DiskConfig.
func (c *UbuntuDiskConfig) PrepareFiles(ctx context.Context, tmpDir string, net netalloc.NetworkConfig) error {
	if c.ImagePath == "" {
		return errMissingImage
	}

	osDisk := filepath.Join(tmpDir, OSDiskFile)
	if err := copyFile(c.ImagePath, osDisk); err != nil {
		return errors.Join(err, fmt.Errorf("src=%s dst=%s", c.ImagePath, osDisk), errCopyImage)
	}

	seed, err := c.seed(net)
	if err != nil {
		return err
	}

	cloudInitDisk := filepath.Join(tmpDir, CloudInitDiskFile)
	if err := seed.WriteISO(ctx, c.ISOTool, cloudInitDisk); err != nil {
		return errors.Join(err, errCreateSeedISO)
	}

	c.osDisk = osDisk
	c.cloudInitDisk = cloudInitDisk

	slog.Debug("prepared guest disks", "osDisk", osDisk, "cloudInitDisk", cloudInitDisk)

	return nil
}

func (c *UbuntuDiskConfig) seed(net netalloc.NetworkConfig) (cloudinit.Seed, error) {
	user, err := cloudinit.NewUser(c.User, c.AuthorizedKeyPaths...)
	if err != nil {
		return cloudinit.Seed{}, err
	}
	if c.Password != "" {
		user = user.WithPassword(c.Password)
	}

	hostname := c.Hostname
	if hostname == "" {
		hostname = DefaultUser
	}
	nc := cloudinit.StaticNetworkConfig(net.GuestMAC, net.GuestIP, net.HostIP, netalloc.PrefixLength)

	return cloudinit.Seed{
		UserData: cloudinit.UserData{
			Hostname:    hostname,
			SSHPwauth:   c.Password != "",
			Users:       []cloudinit.User{user},
			RunCommands: []string{cloudinit.BootSignalCommand(net.HostIP, net.TCPListenerPort)},
		},
		MetaData: cloudinit.MetaData{
			InstanceID:    hostname,
			LocalHostname: hostname,
		},
		NetworkConfig: &nc,
	}, nil
}

// Disk implements DiskConfig.
func (c *UbuntuDiskConfig) Disk(role Role) (string, error) {
	var path string
	switch role {
	case OperatingSystem:
		path = c.osDisk
	case CloudInit:
		path = c.cloudInitDisk
	default:
		return "", errors.Join(fmt.Errorf("role=%s", role), errUnknownRole)
	}

	if path == "" {
		return "", errors.Join(fmt.Errorf("role=%s", role), ErrDiskNotPrepared)
	}

	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
