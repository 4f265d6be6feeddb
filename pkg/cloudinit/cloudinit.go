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
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	PlainTextPasswd   string   `json:"plain_text_passwd,omitempty"`
	LockPasswd        *bool    `json:"lock_passwd,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

// NewUser returns a passwordless-sudo user authorized with the public keys found at
// publicKeyPathList.
func NewUser(name string, publicKeyPathList ...string) (User, error) {
	authorizedKeys := make([]string, 0, len(publicKeyPathList))
	for _, path := range publicKeyPathList {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, fmt.Errorf("cannot read public key %s: %w", path, err)
		}
		authorizedKeys = append(authorizedKeys, strings.TrimSpace(string(b)))
	}
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}, nil
}

// WithPassword allows password logins for the user.
func (u User) WithPassword(password string) User {
	unlocked := false
	u.PlainTextPasswd = password
	u.LockPasswd = &unlocked
	return u
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname    string      `json:"hostname"`
	SSHPwauth   bool        `json:"ssh_pwauth,omitempty"`
	Users       []User      `json:"users"`
	WriteFiles  []WriteFile `json:"write_files,omitempty"`
	RunCommands []string    `json:"runcmd,omitempty"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %v", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

type MetaData struct {
	InstanceID    string `json:"instance-id"`
	LocalHostname string `json:"local-hostname"`
}

func (md MetaData) Render() (string, error) {
	b, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("cannot render meta-data: %v", err)
	}
	return string(b), nil
}

// BootSignalCommand is the first-boot command telling the host, listening on host:port, that the
// guest is up.
func BootSignalCommand(host string, port uint16) string {
	return fmt.Sprintf("bash -c 'echo booted > /dev/tcp/%s/%d'", host, port)
}

// NewUserWithPassword returns a passwordless-sudo user that logs in with password.
func NewUserWithPassword(name, password string) User {
	return User{
		Name:  name,
		Sudo:  "ALL=(ALL) NOPASSWD:ALL",
		Shell: "/bin/bash",
	}.WithPassword(password)
}
