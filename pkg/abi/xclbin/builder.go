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

package xclbin

// record is implemented by every section record type.
type record interface {
	SizeBytes() int
	MarshalBytes(dst []byte) []byte
}

// Builder assembles a metadata blob. Sections are emitted in the order
// topology, connectivity, IP layout, debug layout; empty sections are
// omitted.
type Builder struct {
	Banks       []MemData
	Connections []Connection
	IPs         []IPData
	DebugIPs    []DebugIPData
}

// Bank appends a memory bank and returns its index.
func (b *Builder) Bank(tag uint32, base, sizeKB uint64, used bool) uint32 {
	m := MemData{Tag: tag, BaseAddress: base, SizeKB: sizeKB}
	if used {
		m.Used = 1
	}
	b.Banks = append(b.Banks, m)
	return uint32(len(b.Banks) - 1)
}

// Connect appends a connectivity entry.
func (b *Builder) Connect(arg, ip, bank uint32) {
	b.Connections = append(b.Connections, Connection{ArgIndex: arg, IPIndex: ip, BankIndex: bank})
}

// IP appends an IP layout entry and returns its index.
func (b *Builder) IP(typ uint32, base uint64, name string) uint32 {
	ip := IPData{Type: typ, BaseAddress: base}
	SetName(ip.Name[:], name)
	b.IPs = append(b.IPs, ip)
	return uint32(len(b.IPs) - 1)
}

// DebugIP appends a debug IP layout entry.
func (b *Builder) DebugIP(typ, index uint8, base uint64, name string) {
	d := DebugIPData{Type: typ, Index: index, BaseAddress: base}
	SetName(d.Name[:], name)
	b.DebugIPs = append(b.DebugIPs, d)
}

// Bytes returns the encoded blob.
func (b *Builder) Bytes() []byte {
	var out []byte
	out = appendSection(out, MEM_TOPOLOGY, b.Banks)
	out = appendSection(out, CONNECTIVITY, b.Connections)
	out = appendSection(out, IP_LAYOUT, b.IPs)
	out = appendSection(out, DEBUG_IP_LAYOUT, b.DebugIPs)
	return out
}

func appendSection[T any, PT interface {
	*T
	record
}](out []byte, kind SectionKind, recs []T) []byte {
	if len(recs) == 0 {
		return out
	}
	return AppendSection[T, PT](out, kind, recs)
}

// AppendSection appends a section of kind holding recs to out, even when
// recs is empty.
func AppendSection[T any, PT interface {
	*T
	record
}](out []byte, kind SectionKind, recs []T) []byte {
	size := RecordSize(kind)
	hdr := SectionHeader{Kind: kind, RecordSize: size, Count: uint32(len(recs))}
	start := len(out)
	out = append(out, make([]byte, SizeofSectionHeader+len(recs)*int(size))...)
	buf := hdr.MarshalBytes(out[start:])
	for i := range recs {
		buf = PT(&recs[i]).MarshalBytes(buf)
	}
	return out
}
