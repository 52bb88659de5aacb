// Copyright 2026 The gVisor Authors.
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

package metadata

import (
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/google/uuid"
)

// Bank describes one memory bank of the accelerator.
type Bank struct {
	Index  uint32
	Tag    uint32
	Base   uint64
	SizeKB uint64
	Used   bool
}

// Size returns the size of the bank in bytes.
func (b Bank) Size() uint64 {
	return b.SizeKB << 10
}

// End returns the first device address past the bank.
func (b Bank) End() uint64 {
	return b.Base + b.Size()
}

// String implements fmt.Stringer.String.
func (b Bank) String() string {
	return fmt.Sprintf("bank %d (tag %d) [%#x, %#x) used=%t", b.Index, b.Tag, b.Base, b.End(), b.Used)
}

// Connection binds argument Arg of IP instance IP to memory bank Bank.
type Connection struct {
	Arg  uint32
	IP   uint32
	Bank uint32
}

// IP is an IP instance from the IP layout.
type IP struct {
	Index      uint32
	Type       uint32
	Properties uint32
	Base       uint64
	Name       string
}

// DebugIP is a debug IP instance from the debug IP layout.
type DebugIP struct {
	Type       uint8
	Index      uint8
	Properties uint8
	Major      uint8
	Minor      uint8
	Base       uint64
	Name       string
}

// Snapshot is the immutable metadata of one loaded accelerator image.
//
// Snapshots are never modified after construction; the Store replaces them
// wholesale.
type Snapshot struct {
	generation  uint64
	id          uuid.UUID
	banks       []Bank
	connections []Connection
	ips         []IP
	debugIPs    []DebugIP
}

// Empty is the snapshot current before any image is loaded. It has no banks.
var Empty = &Snapshot{}

// Generation returns the number of successful loads preceding and including
// the one that produced s. Empty has generation 0.
func (s *Snapshot) Generation() uint64 { return s.generation }

// ID identifies the metadata blob s was parsed from. Identical blobs yield
// identical IDs.
func (s *Snapshot) ID() uuid.UUID { return s.id }

// NumBanks returns the number of memory banks in the topology.
func (s *Snapshot) NumBanks() int { return len(s.banks) }

// ResolveBank returns bank i.
func (s *Snapshot) ResolveBank(i uint32) (Bank, error) {
	if uint64(i) >= uint64(len(s.banks)) {
		return Bank{}, fmt.Errorf("%w: index %d, image has %d banks", boerr.UnknownBank, i, len(s.banks))
	}
	return s.banks[i], nil
}

// ResolveConnection returns the bank that argument arg of IP instance ip is
// connected to.
func (s *Snapshot) ResolveConnection(ip, arg uint32) (Bank, error) {
	for _, c := range s.connections {
		if c.IP == ip && c.Arg == arg {
			return s.ResolveBank(c.Bank)
		}
	}
	return Bank{}, fmt.Errorf("%w: no connection for ip %d arg %d", boerr.UnknownBank, ip, arg)
}

// Banks returns a copy of the memory topology.
func (s *Snapshot) Banks() []Bank { return append([]Bank(nil), s.banks...) }

// Connections returns a copy of the connectivity section.
func (s *Snapshot) Connections() []Connection {
	return append([]Connection(nil), s.connections...)
}

// IPs returns a copy of the IP layout.
func (s *Snapshot) IPs() []IP { return append([]IP(nil), s.ips...) }

// DebugIPs returns a copy of the debug IP layout.
func (s *Snapshot) DebugIPs() []DebugIP { return append([]DebugIP(nil), s.debugIPs...) }

// String implements fmt.Stringer.String.
func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot gen %d id %s: %d banks, %d connections, %d ips, %d debug ips",
		s.generation, s.id, len(s.banks), len(s.connections), len(s.ips), len(s.debugIPs))
}
