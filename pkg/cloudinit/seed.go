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

package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// VolumeLabel is the label cloud-init's NoCloud datasource looks for.
	VolumeLabel = "cidata"

	DefaultISOTool = "xorriso"

	UserDataFile      = "user-data"
	MetaDataFile      = "meta-data"
	NetworkConfigFile = "network-config"
)

var (
	errRenderSeed         = errors.New("failed to render cloud-init seed")
	errCreateSeedDir      = errors.New("failed to create cloud-init seed directory")
	errWriteSeedFile      = errors.New("failed to write cloud-init seed file")
	errCreateCloudInitISO = errors.New("failed to create cloud-init ISO")
)

// Seed is the content of a NoCloud seed volume.
type Seed struct {
	UserData      UserData
	MetaData      MetaData
	NetworkConfig *NetworkConfig
}

// WriteDir renders the seed files into dir.
func (s Seed) WriteDir(dir string) error {
	files := map[string]func() (string, error){
		UserDataFile: s.UserData.Render,
		MetaDataFile: s.MetaData.Render,
	}
	if s.NetworkConfig != nil {
		files[NetworkConfigFile] = s.NetworkConfig.Render
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Join(err, errCreateSeedDir)
	}

	for name, render := range files {
		content, err := render()
		if err != nil {
			return errors.Join(err, fmt.Errorf("file=%s", name), errRenderSeed)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return errors.Join(err, fmt.Errorf("file=%s", name), errWriteSeedFile)
		}
	}

	return nil
}

// WriteISO builds the seed volume at isoPath with tool, which must accept mkisofs arguments
// after "-as mkisofs". tool defaults to DefaultISOTool.
func (s Seed) WriteISO(ctx context.Context, tool, isoPath string) error {
	if tool == "" {
		tool = DefaultISOTool
	}

	dir, err := os.MkdirTemp(filepath.Dir(isoPath), "cloud-init-config-")
	if err != nil {
		return errors.Join(err, errCreateSeedDir)
	}
	defer os.RemoveAll(dir)

	if err := s.WriteDir(dir); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx,
		tool,
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", VolumeLabel,
		"-J", "-R",
		dir,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), errCreateCloudInitISO)
	}

	slog.Debug("created cloud-init seed", "path", isoPath, "instance", s.MetaData.InstanceID)

	return nil
}
