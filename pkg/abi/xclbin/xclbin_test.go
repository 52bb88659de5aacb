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

import (
	"bytes"
	"testing"
)

func TestMemDataLayout(t *testing.T) {
	m := MemData{Tag: 0x04030201, BaseAddress: 0x1122334455667788, SizeKB: 64, Used: 1}
	got := make([]byte, SizeofMemData)
	if rest := m.MarshalBytes(got); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes", len(rest))
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04, // tag
		0, 0, 0, 0, // reserved
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // base
		64, 0, 0, 0, 0, 0, 0, 0, // size_kb
		1,                   // used
		0, 0, 0, 0, 0, 0, 0, // pad
	}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalBytes = %x, want %x", got, want)
	}
}

func TestConnectionLayout(t *testing.T) {
	src := []byte{
		2, 0, 0, 0,
		1, 0, 0, 0,
		0xff, 0, 0, 0,
	}
	var c Connection
	c.UnmarshalBytes(src)
	if c.ArgIndex != 2 || c.IPIndex != 1 || c.BankIndex != 0xff {
		t.Errorf("UnmarshalBytes = %+v", c)
	}
}

func TestBuilderOmitsEmptySections(t *testing.T) {
	var b Builder
	b.Bank(1, 0, 64, true)
	blob := b.Bytes()
	if got, want := len(blob), SizeofSectionHeader+SizeofMemData; got != want {
		t.Fatalf("len(blob) = %d, want %d", got, want)
	}
	var hdr SectionHeader
	hdr.UnmarshalBytes(blob)
	if hdr.Kind != MEM_TOPOLOGY || hdr.Count != 1 || hdr.RecordSize != SizeofMemData {
		t.Errorf("header = %+v", hdr)
	}
}

func TestNames(t *testing.T) {
	var ip IPData
	long := string(bytes.Repeat([]byte("k"), 2*IPNameLen))
	SetName(ip.Name[:], long)
	if got := CString(ip.Name[:]); len(got) != IPNameLen-1 {
		t.Errorf("truncated name has length %d, want %d", len(got), IPNameLen-1)
	}
	SetName(ip.Name[:], "vadd_1")
	if got := CString(ip.Name[:]); got != "vadd_1" {
		t.Errorf("CString = %q, want %q", got, "vadd_1")
	}
}
