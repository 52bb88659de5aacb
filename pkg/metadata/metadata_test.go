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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fpgabo/fpgabo/pkg/abi/xclbin"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func twoBankBlob() []byte {
	var b xclbin.Builder
	b.Bank(1, 0x0, 64, true)
	b.Bank(2, 0x10000, 128, false)
	return b.Bytes()
}

func TestEmptyBeforeLoad(t *testing.T) {
	s := NewStore()
	if got := s.Current(); got != Empty {
		t.Fatalf("Current() = %v, want Empty", got)
	}
	if got := s.Current().NumBanks(); got != 0 {
		t.Errorf("NumBanks() = %d, want 0", got)
	}
	if _, err := s.ResolveBank(0); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("ResolveBank(0) = %v, want UnknownBank", err)
	}
}

func TestLoadTwoBanks(t *testing.T) {
	s := NewStore()
	snap, err := s.Load(twoBankBlob())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Current() != snap {
		t.Errorf("Current() is not the loaded snapshot")
	}
	if snap.Generation() != 1 {
		t.Errorf("Generation() = %d, want 1", snap.Generation())
	}
	want := []Bank{
		{Index: 0, Tag: 1, Base: 0x0, SizeKB: 64, Used: true},
		{Index: 1, Tag: 2, Base: 0x10000, SizeKB: 128, Used: false},
	}
	for i := range want {
		got, err := s.ResolveBank(uint32(i))
		if err != nil {
			t.Fatalf("ResolveBank(%d): %v", i, err)
		}
		if diff := cmp.Diff(want[i], got); diff != "" {
			t.Errorf("ResolveBank(%d) mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := s.ResolveBank(2); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("ResolveBank(2) = %v, want UnknownBank", err)
	}
}

func TestLoadFullImage(t *testing.T) {
	var b xclbin.Builder
	ddr := b.Bank(0, 0x4_0000_0000, 4<<20, true)
	hbm := b.Bank(1, 0x8_0000_0000, 256<<10, true)
	vadd := b.IP(1, 0xa000_0000, "vadd:vadd_1")
	b.Connect(0, vadd, ddr)
	b.Connect(1, vadd, hbm)
	b.DebugIP(3, 0, 0xa001_0000, "monitor")

	snap, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bank, err := snap.ResolveConnection(vadd, 1)
	if err != nil {
		t.Fatalf("ResolveConnection: %v", err)
	}
	if bank.Index != hbm {
		t.Errorf("ResolveConnection(vadd, 1) = bank %d, want %d", bank.Index, hbm)
	}
	if _, err := snap.ResolveConnection(vadd, 7); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("ResolveConnection(vadd, 7) = %v, want UnknownBank", err)
	}
	wantIPs := []IP{{Index: 0, Type: 1, Base: 0xa000_0000, Name: "vadd:vadd_1"}}
	if diff := cmp.Diff(wantIPs, snap.IPs()); diff != "" {
		t.Errorf("IPs mismatch (-want +got):\n%s", diff)
	}
	wantDebug := []DebugIP{{Type: 3, Base: 0xa001_0000, Name: "monitor"}}
	if diff := cmp.Diff(wantDebug, snap.DebugIPs()); diff != "" {
		t.Errorf("DebugIPs mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	header := func(kind xclbin.SectionKind, size, count uint32) []byte {
		h := xclbin.SectionHeader{Kind: kind, RecordSize: size, Count: count}
		buf := make([]byte, xclbin.SizeofSectionHeader)
		h.MarshalBytes(buf)
		return buf
	}
	badUsed := twoBankBlob()
	badUsed[xclbin.SizeofSectionHeader+24] = 2

	var dangling xclbin.Builder
	dangling.Bank(0, 0, 64, true)
	dangling.Connect(0, 0, 3)

	var danglingIP xclbin.Builder
	danglingIP.Bank(0, 0, 64, true)
	danglingIP.IP(0, 0, "k")
	danglingIP.Connect(0, 1, 0)

	for _, tc := range []struct {
		name string
		blob []byte
		want error
	}{
		{
			name: "count exceeds buffer",
			blob: append(header(xclbin.MEM_TOPOLOGY, xclbin.SizeofMemData, 3), make([]byte, 2*xclbin.SizeofMemData)...),
			want: boerr.TruncatedSection,
		},
		{
			name: "huge count",
			blob: header(xclbin.CONNECTIVITY, xclbin.SizeofConnection, 0xffffffff),
			want: boerr.TruncatedSection,
		},
		{
			name: "partial header",
			blob: append(twoBankBlob(), 1, 0, 0),
			want: boerr.TruncatedSection,
		},
		{
			name: "record size mismatch",
			blob: append(header(xclbin.CONNECTIVITY, 8, 1), make([]byte, 8)...),
			want: boerr.MalformedSection,
		},
		{
			name: "duplicate section",
			blob: append(twoBankBlob(), twoBankBlob()...),
			want: boerr.MalformedSection,
		},
		{
			name: "used flag",
			blob: badUsed,
			want: boerr.MalformedSection,
		},
		{
			name: "connection to missing bank",
			blob: dangling.Bytes(),
			want: boerr.MalformedSection,
		},
		{
			name: "connection to missing ip",
			blob: danglingIP.Bytes(),
			want: boerr.MalformedSection,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore()
			if _, err := s.Load(tc.blob); !errors.Is(err, tc.want) {
				t.Fatalf("Load = %v, want %v", err, tc.want)
			}
			if s.Current() != Empty {
				t.Errorf("failed Load replaced the current snapshot")
			}
		})
	}
}

func TestUnknownSectionSkipped(t *testing.T) {
	unknown := make([]byte, xclbin.SizeofSectionHeader+5)
	binary.LittleEndian.PutUint32(unknown[0:], 0x99)
	binary.LittleEndian.PutUint32(unknown[4:], 5)
	binary.LittleEndian.PutUint32(unknown[8:], 1)
	blob := append(unknown, twoBankBlob()...)
	snap, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if snap.NumBanks() != 2 {
		t.Errorf("NumBanks() = %d, want 2", snap.NumBanks())
	}
}

func TestSnapshotID(t *testing.T) {
	a, err := Parse(twoBankBlob())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse(twoBankBlob())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.ID() != b.ID() {
		t.Errorf("identical blobs have IDs %v and %v", a.ID(), b.ID())
	}
	var other xclbin.Builder
	other.Bank(9, 0, 1, true)
	c, err := Parse(other.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.ID() == c.ID() {
		t.Errorf("different blobs share ID %v", a.ID())
	}
}

func TestReloadShrinksTopology(t *testing.T) {
	s := NewStore()
	if _, err := s.Load(twoBankBlob()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var one xclbin.Builder
	one.Bank(1, 0, 64, true)
	snap, err := s.Load(one.Bytes())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", snap.Generation())
	}
	// A buffer allocated on bank 1 of the previous image observes the stale
	// index on its next resolution.
	if _, err := s.ResolveBank(1); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("ResolveBank(1) = %v, want UnknownBank", err)
	}
}

func TestConcurrentLoadAndRead(t *testing.T) {
	s := NewStore()
	var one, two xclbin.Builder
	one.Bank(1, 0, 64, true)
	two.Bank(1, 0, 64, true)
	two.Bank(2, 0x10000, 64, true)
	two.Connect(0, 0, 1)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				blob := one.Bytes()
				if j%2 == 0 {
					blob = two.Bytes()
				}
				if _, err := s.Load(blob); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				snap := s.Current()
				// Every connection of a snapshot resolves within that
				// same snapshot.
				for _, c := range snap.Connections() {
					if _, err := snap.ResolveBank(c.Bank); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := s.Current().Generation(); got != 400 {
		t.Errorf("Generation() = %d, want 400", got)
	}
}
