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

// Package xclbin defines the binary layout of the metadata sections delivered
// with an accelerator image: memory topology, connectivity, IP layout and
// debug IP layout.
//
// All integers are little-endian regardless of the host byte order. A blob is
// a sequence of sections; every section starts with a SectionHeader followed
// by Count records of RecordSize bytes each.
package xclbin

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SectionKind identifies a metadata section.
type SectionKind uint32

// Section kinds.
const (
	MEM_TOPOLOGY    SectionKind = 1
	CONNECTIVITY    SectionKind = 2
	IP_LAYOUT       SectionKind = 3
	DEBUG_IP_LAYOUT SectionKind = 4
)

// String implements fmt.Stringer.String.
func (k SectionKind) String() string {
	switch k {
	case MEM_TOPOLOGY:
		return "MEM_TOPOLOGY"
	case CONNECTIVITY:
		return "CONNECTIVITY"
	case IP_LAYOUT:
		return "IP_LAYOUT"
	case DEBUG_IP_LAYOUT:
		return "DEBUG_IP_LAYOUT"
	default:
		return fmt.Sprintf("SectionKind(%d)", uint32(k))
	}
}

// Record sizes, in bytes.
const (
	SizeofSectionHeader = 12
	SizeofMemData       = 32
	SizeofConnection    = 12
	SizeofIPData        = 80
	SizeofDebugIPData   = 144

	IPNameLen      = 64
	DebugIPNameLen = 128
)

// RecordSize returns the fixed record width of sections of kind k, or 0 if k
// is not a known kind.
func RecordSize(k SectionKind) uint32 {
	switch k {
	case MEM_TOPOLOGY:
		return SizeofMemData
	case CONNECTIVITY:
		return SizeofConnection
	case IP_LAYOUT:
		return SizeofIPData
	case DEBUG_IP_LAYOUT:
		return SizeofDebugIPData
	default:
		return 0
	}
}

var le = binary.LittleEndian

// SectionHeader precedes the records of every section.
type SectionHeader struct {
	Kind       SectionKind
	RecordSize uint32
	Count      uint32
}

// SizeBytes returns the encoded size of h.
func (h *SectionHeader) SizeBytes() int { return SizeofSectionHeader }

// MarshalBytes serializes h into dst and returns the remaining bytes.
func (h *SectionHeader) MarshalBytes(dst []byte) []byte {
	le.PutUint32(dst[0:], uint32(h.Kind))
	le.PutUint32(dst[4:], h.RecordSize)
	le.PutUint32(dst[8:], h.Count)
	return dst[SizeofSectionHeader:]
}

// UnmarshalBytes deserializes h from src and returns the remaining bytes.
func (h *SectionHeader) UnmarshalBytes(src []byte) []byte {
	h.Kind = SectionKind(le.Uint32(src[0:]))
	h.RecordSize = le.Uint32(src[4:])
	h.Count = le.Uint32(src[8:])
	return src[SizeofSectionHeader:]
}

// MemData is a MEM_TOPOLOGY record describing one memory bank.
type MemData struct {
	Tag         uint32
	_           uint32
	BaseAddress uint64
	SizeKB      uint64
	Used        uint8
	_           [7]byte
}

// SizeBytes returns the encoded size of m.
func (m *MemData) SizeBytes() int { return SizeofMemData }

// MarshalBytes serializes m into dst and returns the remaining bytes.
func (m *MemData) MarshalBytes(dst []byte) []byte {
	le.PutUint32(dst[0:], m.Tag)
	le.PutUint32(dst[4:], 0)
	le.PutUint64(dst[8:], m.BaseAddress)
	le.PutUint64(dst[16:], m.SizeKB)
	dst[24] = m.Used
	clear(dst[25:SizeofMemData])
	return dst[SizeofMemData:]
}

// UnmarshalBytes deserializes m from src and returns the remaining bytes.
func (m *MemData) UnmarshalBytes(src []byte) []byte {
	m.Tag = le.Uint32(src[0:])
	m.BaseAddress = le.Uint64(src[8:])
	m.SizeKB = le.Uint64(src[16:])
	m.Used = src[24]
	return src[SizeofMemData:]
}

// Connection is a CONNECTIVITY record binding a kernel argument of an IP to
// a memory bank.
type Connection struct {
	ArgIndex  uint32
	IPIndex   uint32
	BankIndex uint32
}

// SizeBytes returns the encoded size of c.
func (c *Connection) SizeBytes() int { return SizeofConnection }

// MarshalBytes serializes c into dst and returns the remaining bytes.
func (c *Connection) MarshalBytes(dst []byte) []byte {
	le.PutUint32(dst[0:], c.ArgIndex)
	le.PutUint32(dst[4:], c.IPIndex)
	le.PutUint32(dst[8:], c.BankIndex)
	return dst[SizeofConnection:]
}

// UnmarshalBytes deserializes c from src and returns the remaining bytes.
func (c *Connection) UnmarshalBytes(src []byte) []byte {
	c.ArgIndex = le.Uint32(src[0:])
	c.IPIndex = le.Uint32(src[4:])
	c.BankIndex = le.Uint32(src[8:])
	return src[SizeofConnection:]
}

// IPData is an IP_LAYOUT record.
type IPData struct {
	Type        uint32
	Properties  uint32
	BaseAddress uint64
	Name        [IPNameLen]byte
}

// SizeBytes returns the encoded size of ip.
func (ip *IPData) SizeBytes() int { return SizeofIPData }

// MarshalBytes serializes ip into dst and returns the remaining bytes.
func (ip *IPData) MarshalBytes(dst []byte) []byte {
	le.PutUint32(dst[0:], ip.Type)
	le.PutUint32(dst[4:], ip.Properties)
	le.PutUint64(dst[8:], ip.BaseAddress)
	copy(dst[16:SizeofIPData], ip.Name[:])
	return dst[SizeofIPData:]
}

// UnmarshalBytes deserializes ip from src and returns the remaining bytes.
func (ip *IPData) UnmarshalBytes(src []byte) []byte {
	ip.Type = le.Uint32(src[0:])
	ip.Properties = le.Uint32(src[4:])
	ip.BaseAddress = le.Uint64(src[8:])
	copy(ip.Name[:], src[16:SizeofIPData])
	return src[SizeofIPData:]
}

// DebugIPData is a DEBUG_IP_LAYOUT record.
type DebugIPData struct {
	Type        uint8
	Index       uint8
	Properties  uint8
	Major       uint8
	Minor       uint8
	_           [3]byte
	BaseAddress uint64
	Name        [DebugIPNameLen]byte
}

// SizeBytes returns the encoded size of d.
func (d *DebugIPData) SizeBytes() int { return SizeofDebugIPData }

// MarshalBytes serializes d into dst and returns the remaining bytes.
func (d *DebugIPData) MarshalBytes(dst []byte) []byte {
	dst[0] = d.Type
	dst[1] = d.Index
	dst[2] = d.Properties
	dst[3] = d.Major
	dst[4] = d.Minor
	clear(dst[5:8])
	le.PutUint64(dst[8:], d.BaseAddress)
	copy(dst[16:SizeofDebugIPData], d.Name[:])
	return dst[SizeofDebugIPData:]
}

// UnmarshalBytes deserializes d from src and returns the remaining bytes.
func (d *DebugIPData) UnmarshalBytes(src []byte) []byte {
	d.Type = src[0]
	d.Index = src[1]
	d.Properties = src[2]
	d.Major = src[3]
	d.Minor = src[4]
	d.BaseAddress = le.Uint64(src[8:])
	copy(d.Name[:], src[16:SizeofDebugIPData])
	return src[SizeofDebugIPData:]
}

// CString returns the NUL-terminated prefix of b as a string.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// SetName copies name into dst, truncating it so that dst stays
// NUL-terminated.
func SetName(dst []byte, name string) {
	clear(dst)
	n := copy(dst[:len(dst)-1], name)
	dst[n] = 0
}
