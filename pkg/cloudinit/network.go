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

	"sigs.k8s.io/yaml"
)

// NetworkConfig is a netplan version 2 document.
type NetworkConfig struct {
	Version   int                 `json:"version"`
	Ethernets map[string]Ethernet `json:"ethernets"`
}

type Ethernet struct {
	Match       Match        `json:"match"`
	SetName     string       `json:"set-name,omitempty"`
	Addresses   []string     `json:"addresses"`
	Gateway4    string       `json:"gateway4,omitempty"`
	Nameservers *Nameservers `json:"nameservers,omitempty"`
}

type Match struct {
	MACAddress string `json:"macaddress"`
}

type Nameservers struct {
	Addresses []string `json:"addresses"`
}

// StaticNetworkConfig configures the interface with mac to guestIP/prefix, routed through
// gateway.
func StaticNetworkConfig(mac, guestIP, gateway string, prefix int) NetworkConfig {
	return NetworkConfig{
		Version: 2,
		Ethernets: map[string]Ethernet{
			"eth0": {
				Match:     Match{MACAddress: mac},
				SetName:   "eth0",
				Addresses: []string{fmt.Sprintf("%s/%d", guestIP, prefix)},
				Gateway4:  gateway,
			},
		},
	}
}

func (nc NetworkConfig) Render() (string, error) {
	b, err := yaml.Marshal(nc)
	if err != nil {
		return "", fmt.Errorf("cannot render network-config: %v", err)
	}
	return string(b), nil
}
