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

package disk_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/chvirt/internal/util/testutil"
	"github.com/alexandremahdhaoui/chvirt/pkg/disk"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeISOTool creates the requested ISO and keeps a copy of the seed directory in seedCopy.
func fakeISOTool(t *testing.T) (tool, seedCopy string) {
	t.Helper()
	dir := t.TempDir()
	seedCopy = filepath.Join(dir, "seed")
	script := `#!/bin/sh
out=""
last=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  last="$1"
  shift
done
cp -r "$last" ` + seedCopy + `
touch "$out"
`
	tool = testutil.WriteScript(t, dir, "fake-xorriso", script)
	return tool, seedCopy
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "focal-server-cloudimg-amd64.raw")
	require.NoError(t, os.WriteFile(path, []byte("raw image"), 0o644))
	return path
}

func TestUbuntuDiskConfig(t *testing.T) {
	tool, seedCopy := fakeISOTool(t)

	cfg := disk.NewUbuntuDiskConfig(writeImage(t))
	cfg.ISOTool = tool
	cfg.Hostname = "vm-4"

	_, err := cfg.Disk(disk.OperatingSystem)
	require.ErrorIs(t, err, disk.ErrDiskNotPrepared)

	tmpDir := t.TempDir()
	net := netalloc.DeriveNetwork(netalloc.DefaultClass, 4)
	require.NoError(t, cfg.PrepareFiles(context.Background(), tmpDir, net))

	osDisk, err := cfg.Disk(disk.OperatingSystem)
	require.NoError(t, err)
	assert.Equal(t, tmpDir, filepath.Dir(osDisk))
	b, err := os.ReadFile(osDisk)
	require.NoError(t, err)
	assert.Equal(t, "raw image", string(b))

	cloudInitDisk, err := cfg.Disk(disk.CloudInit)
	require.NoError(t, err)
	assert.FileExists(t, cloudInitDisk)
	assert.NotEqual(t, osDisk, cloudInitDisk)

	userData, err := os.ReadFile(filepath.Join(seedCopy, "user-data"))
	require.NoError(t, err)
	assert.Contains(t, string(userData), "hostname: vm-4")
	assert.Contains(t, string(userData), "name: cloud")
	assert.Contains(t, string(userData), "plain_text_passwd: cloud123")
	assert.Contains(t, string(userData), "/dev/tcp/192.168.4.1/8004")

	networkConfig, err := os.ReadFile(filepath.Join(seedCopy, "network-config"))
	require.NoError(t, err)
	assert.Contains(t, string(networkConfig), "12:34:56:78:90:04")
	assert.Contains(t, string(networkConfig), "192.168.4.2/24")
	assert.Contains(t, string(networkConfig), "gateway4: 192.168.4.1")
}

func TestUbuntuDiskConfig_Errors(t *testing.T) {
	net := netalloc.DeriveNetwork(netalloc.DefaultClass, 9)

	t.Run("missing image path", func(t *testing.T) {
		cfg := disk.NewUbuntuDiskConfig("")
		assert.Error(t, cfg.PrepareFiles(context.Background(), t.TempDir(), net))
	})

	t.Run("image does not exist", func(t *testing.T) {
		cfg := disk.NewUbuntuDiskConfig(filepath.Join(t.TempDir(), "missing.raw"))
		require.Error(t, cfg.PrepareFiles(context.Background(), t.TempDir(), net))

		_, err := cfg.Disk(disk.OperatingSystem)
		assert.ErrorIs(t, err, disk.ErrDiskNotPrepared)
	})

	t.Run("iso tool fails", func(t *testing.T) {
		cfg := disk.NewUbuntuDiskConfig(writeImage(t))
		cfg.ISOTool = "/bin/false"
		require.Error(t, cfg.PrepareFiles(context.Background(), t.TempDir(), net))

		_, err := cfg.Disk(disk.CloudInit)
		assert.ErrorIs(t, err, disk.ErrDiskNotPrepared)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := disk.NewUbuntuDiskConfig("img").Disk(disk.Role(7))
		require.Error(t, err)
		assert.NotErrorIs(t, err, disk.ErrDiskNotPrepared)
	})
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "operating-system", disk.OperatingSystem.String())
	assert.Equal(t, "cloud-init", disk.CloudInit.String())
	assert.Equal(t, "role(7)", disk.Role(7).String())
}
