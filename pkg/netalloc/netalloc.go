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

// Package netalloc hands out guest identities and the private addressing derived from them.
//
// Every guest created by a test process receives a distinct numeric id in [1, 255]. The id is
// the only input, together with an address class such as "192.168", needed to derive the
// guest's IP and MAC addresses, so two guests alive in the same process never collide.
package netalloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultClass is the address class used when none is configured.
	DefaultClass = "192.168"
	// DefaultTCPListenerPort is the base of the per-guest boot listener port.
	DefaultTCPListenerPort uint16 = 8000
	// PrefixLength is the length of the network prefix shared by a host and its guest.
	PrefixLength = 24

	// MaxID is the last id the allocator will hand out.
	MaxID = 255
)

// ErrIDsExhausted is returned once all ids in [1, MaxID] were handed out.
var ErrIDsExhausted = errors.New("guest ids exhausted")

// Identity identifies a guest for the lifetime of a test process.
type Identity struct {
	ID   uint8
	Name string
	UUID string
}

// GuestName is the domain name of the guest with id.
func GuestName(id uint8) string {
	return fmt.Sprintf("vm-%d", id)
}

// NewIdentity returns the identity for id with a freshly generated UUID.
func NewIdentity(id uint8) Identity {
	return Identity{
		ID:   id,
		Name: GuestName(id),
		UUID: uuid.New().String(),
	}
}

// NetworkConfig holds the addressing of a single guest.
//
// L2 addresses are reserved for nested-network scenarios.
type NetworkConfig struct {
	HostIP     string
	GuestIP    string
	L2GuestIPs [3]string

	GuestMAC    string
	L2GuestMACs [3]string

	TCPListenerPort uint16
}

// DeriveNetwork returns the addressing for id within class. It is pure: the same inputs
// always produce the same addresses, and distinct ids never share any address.
func DeriveNetwork(class string, id uint8) NetworkConfig {
	return NetworkConfig{
		HostIP:  fmt.Sprintf("%s.%d.1", class, id),
		GuestIP: fmt.Sprintf("%s.%d.2", class, id),
		L2GuestIPs: [3]string{
			fmt.Sprintf("%s.%d.3", class, id),
			fmt.Sprintf("%s.%d.4", class, id),
			fmt.Sprintf("%s.%d.5", class, id),
		},
		GuestMAC: fmt.Sprintf("12:34:56:78:90:%02x", id),
		L2GuestMACs: [3]string{
			fmt.Sprintf("de:ad:be:ef:12:%02x", id),
			fmt.Sprintf("de:ad:be:ef:34:%02x", id),
			fmt.Sprintf("de:ad:be:ef:56:%02x", id),
		},
		TCPListenerPort: DefaultTCPListenerPort + uint16(id),
	}
}

// Allocator hands out monotonically increasing ids. Ids are never reused.
type Allocator struct {
	mu   sync.Mutex
	next int
}

// NewAllocator returns an allocator whose first id is 1.
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Next returns the next free id, or ErrIDsExhausted past MaxID. The lock is only held for the
// increment.
func (a *Allocator) Next() (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next > MaxID {
		return 0, errors.Join(fmt.Errorf("max=%d", MaxID), ErrIDsExhausted)
	}

	id := uint8(a.next)
	a.next++
	return id, nil
}

var defaultAllocator = NewAllocator()

// NextID returns the next id of the process-wide allocator.
//
// It panics once ids are exhausted: wrapping around would hand a live guest's addresses to a
// new one.
func NextID() uint8 {
	id, err := defaultAllocator.Next()
	if err != nil {
		panic(err)
	}
	return id
}
