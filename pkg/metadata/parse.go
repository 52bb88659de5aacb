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
	"math"

	"github.com/fpgabo/fpgabo/pkg/abi/xclbin"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/log"
)

// idNamespace is the UUIDv5 namespace of snapshot IDs.
var idNamespace = uuid.MustParse("6b1f3c2e-8d4a-4f7b-9c1e-2a5d7e9f0b13")

// Parse decodes raw into a snapshot with generation 0. It never retains raw.
func Parse(raw []byte) (*Snapshot, error) {
	s := &Snapshot{id: uuid.NewSHA1(idNamespace, raw)}
	seen := make(map[xclbin.SectionKind]bool)
	for off := 0; off < len(raw); {
		if len(raw)-off < xclbin.SizeofSectionHeader {
			return nil, fmt.Errorf("%w: %d trailing bytes at offset %d cannot hold a section header", boerr.TruncatedSection, len(raw)-off, off)
		}
		var hdr xclbin.SectionHeader
		rest := hdr.UnmarshalBytes(raw[off:])
		bodyLen := uint64(hdr.Count) * uint64(hdr.RecordSize)
		if bodyLen > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: %v at offset %d declares %d records of %d bytes, only %d bytes remain", boerr.TruncatedSection, hdr.Kind, off, hdr.Count, hdr.RecordSize, len(rest))
		}
		body := rest[:bodyLen]
		off += xclbin.SizeofSectionHeader + int(bodyLen)

		want := xclbin.RecordSize(hdr.Kind)
		if want == 0 {
			log.Debugf("metadata: skipping unknown section kind %d (%d bytes)", uint32(hdr.Kind), bodyLen)
			continue
		}
		if hdr.RecordSize != want {
			return nil, fmt.Errorf("%w: %v record size is %d, want %d", boerr.MalformedSection, hdr.Kind, hdr.RecordSize, want)
		}
		if seen[hdr.Kind] {
			return nil, fmt.Errorf("%w: duplicate %v section", boerr.MalformedSection, hdr.Kind)
		}
		seen[hdr.Kind] = true

		var err error
		switch hdr.Kind {
		case xclbin.MEM_TOPOLOGY:
			s.banks, err = parseTopology(body, hdr.Count)
		case xclbin.CONNECTIVITY:
			s.connections = parseConnectivity(body, hdr.Count)
		case xclbin.IP_LAYOUT:
			s.ips = parseIPLayout(body, hdr.Count)
		case xclbin.DEBUG_IP_LAYOUT:
			s.debugIPs = parseDebugIPLayout(body, hdr.Count)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := s.validate(seen[xclbin.IP_LAYOUT]); err != nil {
		return nil, err
	}
	return s, nil
}

func parseTopology(body []byte, count uint32) ([]Bank, error) {
	banks := make([]Bank, 0, count)
	for i := uint32(0); i < count; i++ {
		var m xclbin.MemData
		body = m.UnmarshalBytes(body)
		if m.Used > 1 {
			return nil, fmt.Errorf("%w: bank %d has used flag %d", boerr.MalformedSection, i, m.Used)
		}
		if m.SizeKB > math.MaxUint64>>10 || m.BaseAddress > math.MaxUint64-(m.SizeKB<<10) {
			return nil, fmt.Errorf("%w: bank %d [%#x + %d KiB) overflows the address space", boerr.MalformedSection, i, m.BaseAddress, m.SizeKB)
		}
		banks = append(banks, Bank{
			Index:  i,
			Tag:    m.Tag,
			Base:   m.BaseAddress,
			SizeKB: m.SizeKB,
			Used:   m.Used == 1,
		})
	}
	return banks, nil
}

func parseConnectivity(body []byte, count uint32) []Connection {
	conns := make([]Connection, 0, count)
	for i := uint32(0); i < count; i++ {
		var c xclbin.Connection
		body = c.UnmarshalBytes(body)
		conns = append(conns, Connection{Arg: c.ArgIndex, IP: c.IPIndex, Bank: c.BankIndex})
	}
	return conns
}

func parseIPLayout(body []byte, count uint32) []IP {
	ips := make([]IP, 0, count)
	for i := uint32(0); i < count; i++ {
		var ip xclbin.IPData
		body = ip.UnmarshalBytes(body)
		ips = append(ips, IP{
			Index:      i,
			Type:       ip.Type,
			Properties: ip.Properties,
			Base:       ip.BaseAddress,
			Name:       xclbin.CString(ip.Name[:]),
		})
	}
	return ips
}

func parseDebugIPLayout(body []byte, count uint32) []DebugIP {
	dips := make([]DebugIP, 0, count)
	for i := uint32(0); i < count; i++ {
		var d xclbin.DebugIPData
		body = d.UnmarshalBytes(body)
		dips = append(dips, DebugIP{
			Type:       d.Type,
			Index:      d.Index,
			Properties: d.Properties,
			Major:      d.Major,
			Minor:      d.Minor,
			Base:       d.BaseAddress,
			Name:       xclbin.CString(d.Name[:]),
		})
	}
	return dips
}

// validate checks cross-section references. IP indices are only checked when
// an IP layout section was present.
func (s *Snapshot) validate(haveIPs bool) error {
	for i, c := range s.connections {
		if uint64(c.Bank) >= uint64(len(s.banks)) {
			return fmt.Errorf("%w: connection %d references bank %d, image has %d banks", boerr.MalformedSection, i, c.Bank, len(s.banks))
		}
		if haveIPs && uint64(c.IP) >= uint64(len(s.ips)) {
			return fmt.Errorf("%w: connection %d references ip %d, image has %d ips", boerr.MalformedSection, i, c.IP, len(s.ips))
		}
	}
	return nil
}
