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

package bo

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/abi/xclbin"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/fpgabo/fpgabo/pkg/iommu"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

const (
	testMaxSize = 1 << 20
	testCMABase = 0x4000_0000
	testCMASize = 1 << 24
	testIOVA    = 0x1_0000_0000
)

type testEnv struct {
	reg    *Registry
	meta   *metadata.Store
	host   *hostmem.AddressSpace
	domain *iommu.Domain
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	host, err := hostmem.NewAddressSpace(hostmem.AddressSpaceOpts{
		Base: hostmem.DefaultBase,
		Size: 512 * hostmem.PageSize,
	})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	t.Cleanup(host.Release)
	domain, err := iommu.NewDomain(iommu.DomainOpts{
		ApertureBase: testIOVA,
		ApertureSize: 1 << 24,
		PageSize:     hostmem.PageSize,
		MaxEntries:   1024,
	})
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	meta := metadata.NewStore()
	reg := NewRegistry(Opts{
		MaxSize: testMaxSize,
		CMABase: testCMABase,
		CMASize: testCMASize,
	}, meta, host, domain)
	t.Cleanup(reg.Teardown)
	return &testEnv{reg: reg, meta: meta, host: host, domain: domain}
}

func (e *testEnv) loadBanks(t *testing.T, banks ...metadata.Bank) {
	t.Helper()
	var b xclbin.Builder
	for _, bank := range banks {
		b.Bank(bank.Tag, bank.Base, bank.SizeKB, bank.Used)
	}
	if _, err := e.meta.Load(b.Bytes()); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestCreateDescribe(t *testing.T) {
	e := newTestEnv(t)
	for _, tc := range []struct {
		size  uint64
		flags fpga.BOFlags
	}{
		{1, 0},
		{4096, fpga.BO_FLAGS_CACHEABLE},
		{5000, fpga.BO_FLAGS_CMA},
		{64 << 10, fpga.BO_FLAGS_EXECBUF},
		{testMaxSize, fpga.BO_FLAGS_CACHEABLE | fpga.BO_FLAGS_EXECBUF},
	} {
		h, err := e.reg.Create(tc.size, tc.flags)
		if err != nil {
			t.Errorf("Create(%d, %v): %v", tc.size, tc.flags, err)
			continue
		}
		info, err := e.reg.Describe(h)
		if err != nil {
			t.Fatalf("Describe(%d): %v", h, err)
		}
		if info.Size != tc.size || info.Flags != tc.flags {
			t.Errorf("Describe(%d) = size %d flags %v, want size %d flags %v", h, info.Size, info.Flags, tc.size, tc.flags)
		}
		if info.Variant != fpga.BO_VARIANT_CONTIGUOUS {
			t.Errorf("Describe(%d).Variant = %v, want contiguous", h, info.Variant)
		}
		if info.DevAddr < testCMABase || info.DevAddr+info.Size > testCMABase+testCMASize {
			t.Errorf("Describe(%d).DevAddr = %#x, outside CMA aperture", h, info.DevAddr)
		}
		if got, want := info.Exec != nil, tc.flags.Has(fpga.BO_FLAGS_EXECBUF); got != want {
			t.Errorf("Describe(%d) has exec metadata = %t, want %t", h, got, want)
		}
		if info.Exec != nil && info.Exec.State != ExecNew {
			t.Errorf("Describe(%d).Exec.State = %v, want New", h, info.Exec.State)
		}
	}
}

func TestCreateErrors(t *testing.T) {
	e := newTestEnv(t)
	for _, tc := range []struct {
		name  string
		size  uint64
		flags fpga.BOFlags
		want  error
	}{
		{"userptr", 4096, fpga.BO_FLAGS_USERPTR, boerr.UnsupportedFlags},
		{"unknown bits", 4096, 1 << 20, boerr.UnsupportedFlags},
		{"cma with bank", 4096, fpga.BO_FLAGS_CMA | 1, boerr.UnsupportedFlags},
		{"zero size", 0, 0, boerr.InvalidArgument},
		{"too large", testMaxSize + 1, 0, boerr.OutOfMemory},
		{"no such bank", 4096, 3, boerr.UnknownBank},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.reg.Create(tc.size, tc.flags); !errors.Is(err, tc.want) {
				t.Errorf("Create(%d, %v) = %v, want %v", tc.size, tc.flags, err, tc.want)
			}
		})
	}
	if n := e.reg.Len(); n != 0 {
		t.Errorf("Len() = %d after failed creates, want 0", n)
	}
}

func TestWriteRead(t *testing.T) {
	e := newTestEnv(t)
	const size = 3*hostmem.PageSize + 17
	contig, err := e.reg.Create(size, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	addr, _, err := e.host.Alloc(size + 200)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	imported, err := e.reg.ImportUserptr(addr+200, size, 0)
	if err != nil {
		t.Fatalf("ImportUserptr: %v", err)
	}
	for _, h := range []uint32{contig, imported} {
		for _, n := range []int{0, 1, 100, hostmem.PageSize + 1, size} {
			data := pattern(n)
			if err := e.reg.Write(h, 0, data); err != nil {
				t.Fatalf("Write(%d, 0, %d bytes): %v", h, n, err)
			}
			got, err := e.reg.Read(h, 0, uint64(n))
			if err != nil {
				t.Fatalf("Read(%d, 0, %d): %v", h, n, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Read(%d, 0, %d) returned different bytes than written", h, n)
			}
		}
		for _, tc := range []struct {
			off, n uint64
		}{
			{0, size + 1},
			{size, 1},
			{size + 1, 0},
			{1, math.MaxUint64},
			{math.MaxUint64, 2},
		} {
			if _, err := e.reg.Read(h, tc.off, tc.n); !errors.Is(err, boerr.OutOfRange) {
				t.Errorf("Read(%d, %#x, %#x) = %v, want OutOfRange", h, tc.off, tc.n, err)
			}
		}
		if err := e.reg.Write(h, size-1, []byte{1, 2}); !errors.Is(err, boerr.OutOfRange) {
			t.Errorf("Write past end of %d = %v, want OutOfRange", h, err)
		}
		if got, err := e.reg.Read(h, size, 0); err != nil || len(got) != 0 {
			t.Errorf("empty Read at end of %d = %v, %v", h, got, err)
		}
	}
}

func TestImportAliasesApplicationMemory(t *testing.T) {
	e := newTestEnv(t)
	addr, app, err := e.host.Alloc(2 * hostmem.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h, err := e.reg.ImportUserptr(addr+8, 100, fpga.BO_FLAGS_CACHEABLE)
	if err != nil {
		t.Fatalf("ImportUserptr: %v", err)
	}
	copy(app[8:], "hello")
	got, err := e.reg.Read(h, 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want %q", got, "hello")
	}
	if err := e.reg.Write(h, 5, []byte("!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if app[13] != '!' {
		t.Errorf("Write not visible in application memory")
	}
	info, err := e.reg.Describe(h)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	want := Info{
		Handle:  h,
		Size:    100,
		Flags:   fpga.BO_FLAGS_CACHEABLE | fpga.BO_FLAGS_USERPTR,
		Variant: fpga.BO_VARIANT_IMPORTED,
		Refs:    1,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Describe mismatch (-want +got):\n%s", diff)
	}
}

func TestImportErrors(t *testing.T) {
	e := newTestEnv(t)
	addr, _, err := e.host.Alloc(4 * hostmem.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := e.reg.ImportUserptr(addr, hostmem.PageSize, 0); err != nil {
		t.Fatalf("ImportUserptr: %v", err)
	}
	for _, tc := range []struct {
		name  string
		addr  uint64
		size  uint64
		flags fpga.BOFlags
		want  error
	}{
		{"execbuf", addr + 2*hostmem.PageSize, 16, fpga.BO_FLAGS_EXECBUF, boerr.UnsupportedFlags},
		{"cma", addr + 2*hostmem.PageSize, 16, fpga.BO_FLAGS_CMA, boerr.UnsupportedFlags},
		{"unknown bits", addr + 2*hostmem.PageSize, 16, 1 << 25, boerr.UnsupportedFlags},
		{"zero size", addr + 2*hostmem.PageSize, 0, 0, boerr.InvalidArgument},
		{"too large", addr, testMaxSize + 1, 0, boerr.OutOfMemory},
		{"already pinned", addr + hostmem.PageSize - 1, 2, 0, boerr.AlreadyPinned},
		{"outside allocation", addr + 3*hostmem.PageSize, 2 * hostmem.PageSize, 0, boerr.OutOfRange},
		{"not application memory", 0x1000, 16, 0, boerr.OutOfRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.reg.ImportUserptr(tc.addr, tc.size, tc.flags); !errors.Is(err, tc.want) {
				t.Errorf("ImportUserptr(%#x, %d, %v) = %v, want %v", tc.addr, tc.size, tc.flags, err, tc.want)
			}
		})
	}
	if got := e.host.PinnedPages(); got != 1 {
		t.Errorf("PinnedPages() = %d after failed imports, want 1", got)
	}
}

// TestContiguousLifecycle creates a 64KiB buffer, writes and reads it back,
// maps it, and checks that it can only be freed once unmapped.
func TestContiguousLifecycle(t *testing.T) {
	e := newTestEnv(t)
	h, err := e.reg.Create(64<<10, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := pattern(100)
	if err := e.reg.Write(h, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := e.reg.Read(h, 0, 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read returned different bytes than written")
	}
	m, err := e.reg.Map(h)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !m.IsDirect() || m.Length != 64<<10 {
		t.Errorf("Map = %v, want direct mapping of 64KiB", &m)
	}
	if _, err := e.reg.Map(h); !errors.Is(err, boerr.AlreadyMapped) {
		t.Errorf("second Map = %v, want AlreadyMapped", err)
	}
	if err := e.reg.Free(h); !errors.Is(err, boerr.BusyMapping) {
		t.Errorf("Free while mapped = %v, want BusyMapping", err)
	}
	if err := e.reg.Unmap(h); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := e.reg.Unmap(h); !errors.Is(err, boerr.NotMapped) {
		t.Errorf("second Unmap = %v, want NotMapped", err)
	}
	if err := e.reg.Free(h); err != nil {
		t.Fatalf("Free after Unmap: %v", err)
	}
	if _, err := e.reg.Describe(h); !errors.Is(err, boerr.InvalidHandle) {
		t.Errorf("Describe after Free = %v, want InvalidHandle", err)
	}
	if err := e.reg.Free(h); !errors.Is(err, boerr.InvalidHandle) {
		t.Errorf("second Free = %v, want InvalidHandle", err)
	}
}

func TestImportedMapping(t *testing.T) {
	e := newTestEnv(t)
	const size = 5*hostmem.PageSize + 300
	addr, _, err := e.host.Alloc(8 * hostmem.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	e.reg.opts.MaxSegment = 2 * hostmem.PageSize
	start := addr + 100
	h, err := e.reg.ImportUserptr(start, size, 0)
	if err != nil {
		t.Fatalf("ImportUserptr: %v", err)
	}
	if err := e.reg.Sync(h, 0, size, fpga.SYNC_BO_TO_DEVICE); !errors.Is(err, boerr.NotMapped) {
		t.Errorf("Sync before Map = %v, want NotMapped", err)
	}
	m, err := e.reg.Map(h)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.IsDirect() || m.Length != size {
		t.Errorf("Map = %v, want IOMMU mapping of %d bytes", &m, uint64(size))
	}
	for _, off := range []uint64{0, 1, hostmem.PageSize - 101, 2*hostmem.PageSize + 5, size - 1} {
		got, err := e.domain.Translate(m.Start + off)
		if err != nil {
			t.Fatalf("Translate(%#x): %v", m.Start+off, err)
		}
		if got != start+off {
			t.Errorf("Translate(start+%#x) = %#x, want %#x", off, got, start+off)
		}
	}
	if err := e.reg.Sync(h, 0, size, fpga.SYNC_BO_FROM_DEVICE); err != nil {
		t.Errorf("Sync: %v", err)
	}
	if err := e.reg.Sync(h, 0, size+1, fpga.SYNC_BO_FROM_DEVICE); !errors.Is(err, boerr.OutOfRange) {
		t.Errorf("Sync past end = %v, want OutOfRange", err)
	}
	if err := e.reg.Sync(h, 0, 1, 7); !errors.Is(err, boerr.InvalidArgument) {
		t.Errorf("Sync with bad direction = %v, want InvalidArgument", err)
	}
	if got, want := e.domain.Stats().Entries, 6; got != want {
		t.Errorf("Entries = %d, want %d", got, want)
	}
	if err := e.reg.Unmap(h); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := e.domain.Stats().Entries; got != 0 {
		t.Errorf("Entries after Unmap = %d, want 0", got)
	}
	if err := e.reg.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := e.host.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() after Free = %d, want 0", got)
	}
}

func TestImportedMappingFailure(t *testing.T) {
	e := newTestEnv(t)
	domain, err := iommu.NewDomain(iommu.DomainOpts{
		ApertureBase: testIOVA,
		ApertureSize: 1 << 20,
		PageSize:     hostmem.PageSize,
		MaxEntries:   2,
	})
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	e.reg.domain = domain
	addr, _, err := e.host.Alloc(4 * hostmem.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h, err := e.reg.ImportUserptr(addr, 3*hostmem.PageSize, 0)
	if err != nil {
		t.Fatalf("ImportUserptr: %v", err)
	}
	if _, err := e.reg.Map(h); !errors.Is(err, boerr.MappingFailed) {
		t.Errorf("Map beyond entry budget = %v, want MappingFailed", err)
	}
	if info, _ := e.reg.Describe(h); info.Mapped {
		t.Errorf("buffer mapped after failed Map")
	}
	if err := e.reg.Free(h); err != nil {
		t.Errorf("Free after failed Map: %v", err)
	}
}

func TestFreeKeepsReference(t *testing.T) {
	e := newTestEnv(t)
	h, err := e.reg.Create(4096, fpga.BO_FLAGS_EXECBUF)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.reg.Dup(h); err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if _, err := e.reg.Map(h); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Dropping a reference that is not the last succeeds even while mapped.
	if err := e.reg.Free(h); err != nil {
		t.Fatalf("Free of duplicated handle: %v", err)
	}
	if err := e.reg.Free(h); !errors.Is(err, boerr.BusyMapping) {
		t.Errorf("Free while mapped = %v, want BusyMapping", err)
	}
	if err := e.reg.Unmap(h); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	o, err := e.reg.Lookup(h)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	for _, state := range []ExecState{ExecQueued, ExecRunning} {
		o.Lock()
		*o.ExecLocked() = ExecMetadata{State: state, Index: 3}
		o.Unlock()
		if err := e.reg.Free(h); !errors.Is(err, boerr.BusyExecuting) {
			t.Errorf("Free while %v = %v, want BusyExecuting", state, err)
		}
	}
	info, err := e.reg.Describe(h)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.Refs != 1 {
		t.Errorf("Refs = %d after refused Free, want 1", info.Refs)
	}
	o.Lock()
	o.ExecLocked().State = ExecCompleted
	o.Unlock()
	if err := e.reg.Free(h); err != nil {
		t.Errorf("Free of completed command buffer: %v", err)
	}
}

func TestBankPlacement(t *testing.T) {
	e := newTestEnv(t)
	e.loadBanks(t,
		metadata.Bank{Tag: 1, Base: 0x0, SizeKB: 64, Used: true},
		metadata.Bank{Tag: 2, Base: 0x10000, SizeKB: 128, Used: false},
		metadata.Bank{Tag: 3, Base: 0x100000, SizeKB: 1024, Used: true},
	)

	h, err := e.reg.Create(100, 2)
	if err != nil {
		t.Fatalf("Create in bank 2: %v", err)
	}
	info, err := e.reg.Describe(h)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !info.HasBank || info.Bank != 2 || info.DevAddr != 0x100000 {
		t.Errorf("Describe = bank %d (%t) at %#x, want bank 2 at 0x100000", info.Bank, info.HasBank, info.DevAddr)
	}

	if _, err := e.reg.Create(100, 1); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("Create in unused bank = %v, want UnknownBank", err)
	}
	if _, err := e.reg.Create(100, 3); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("Create in missing bank = %v, want UnknownBank", err)
	}

	h, err = e.reg.Create(100, fpga.BO_FLAGS_CMA)
	if err != nil {
		t.Fatalf("Create in CMA: %v", err)
	}
	if info, _ := e.reg.Describe(h); info.HasBank || info.DevAddr < testCMABase {
		t.Errorf("CMA buffer placed at %#x (bank %t)", info.DevAddr, info.HasBank)
	}

	if _, err := e.reg.Create(64<<10, 0); err != nil {
		t.Fatalf("Create filling bank 0: %v", err)
	}
	if _, err := e.reg.Create(1, 0); !errors.Is(err, boerr.OutOfMemory) {
		t.Errorf("Create in full bank = %v, want OutOfMemory", err)
	}
}

func TestStaleBank(t *testing.T) {
	e := newTestEnv(t)
	orig := metadata.Bank{Tag: 1, Base: 0x0, SizeKB: 64, Used: true}
	e.loadBanks(t, orig)
	h, err := e.reg.Create(4096, fpga.BO_FLAGS_CACHEABLE)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.loadBanks(t, metadata.Bank{Tag: 1, Base: 0x80000, SizeKB: 64, Used: true})
	if _, err := e.reg.Map(h); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("Map after topology change = %v, want UnknownBank", err)
	}
	if err := e.reg.Sync(h, 0, 4096, fpga.SYNC_BO_TO_DEVICE); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("Sync after topology change = %v, want UnknownBank", err)
	}

	e.loadBanks(t)
	if _, err := e.reg.Map(h); !errors.Is(err, boerr.UnknownBank) {
		t.Errorf("Map after bank removal = %v, want UnknownBank", err)
	}

	// Reloading an image with the same bank makes the buffer usable again.
	e.loadBanks(t, orig)
	if _, err := e.reg.Map(h); err != nil {
		t.Errorf("Map after restoring topology: %v", err)
	}
	if err := e.reg.Unmap(h); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := e.reg.Free(h); err != nil {
		t.Errorf("Free: %v", err)
	}
}

func TestReloadKeepsBankExtents(t *testing.T) {
	e := newTestEnv(t)
	bank := metadata.Bank{Tag: 1, Base: 0x0, SizeKB: 64, Used: true}
	e.loadBanks(t, bank)
	h1, err := e.reg.Create(4096, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.loadBanks(t, bank)
	h2, err := e.reg.Create(4096, 0)
	if err != nil {
		t.Fatalf("Create after reload: %v", err)
	}
	m1, err := e.reg.Map(h1)
	if err != nil {
		t.Fatalf("Map(%d): %v", h1, err)
	}
	m2, err := e.reg.Map(h2)
	if err != nil {
		t.Fatalf("Map(%d): %v", h2, err)
	}
	if m1.Start == m2.Start {
		t.Errorf("buffers %d and %d share device address %#x", h1, h2, m1.Start)
	}

	// A larger bank over the same memory still skips the live extents.
	e.loadBanks(t, metadata.Bank{Tag: 1, Base: 0x0, SizeKB: 128, Used: true})
	h3, err := e.reg.Create(8192, 0)
	if err != nil {
		t.Fatalf("Create in grown bank: %v", err)
	}
	info, err := e.reg.Describe(h3)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	for _, m := range []iommu.Mapping{m1, m2} {
		if info.DevAddr < m.Start+m.Length && m.Start < info.DevAddr+info.Size {
			t.Errorf("buffer %d at %#x overlaps %v", h3, info.DevAddr, &m)
		}
	}

	for _, h := range []uint32{h1, h2} {
		if err := e.reg.Unmap(h); err != nil {
			t.Fatalf("Unmap(%d): %v", h, err)
		}
	}
	for _, h := range []uint32{h1, h2, h3} {
		if err := e.reg.Free(h); err != nil {
			t.Fatalf("Free(%d): %v", h, err)
		}
	}
	// All bank memory is free again: the whole bank fits in one buffer.
	h, err := e.reg.Create(128<<10, 0)
	if err != nil {
		t.Fatalf("Create filling the bank: %v", err)
	}
	if err := e.reg.Free(h); err != nil {
		t.Errorf("Free: %v", err)
	}
}

func TestConcurrentReloadAndCreate(t *testing.T) {
	e := newTestEnv(t)
	var b xclbin.Builder
	b.Bank(1, 0, 256, true)
	blob := b.Bytes()
	if _, err := e.meta.Load(blob); err != nil {
		t.Fatalf("Load: %v", err)
	}

	const workers, perWorker = 4, 8
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			if _, err := e.meta.Load(blob); err != nil {
				return err
			}
		}
		return nil
	})
	handles := make([][]uint32, workers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				h, err := e.reg.Create(4096, 0)
				if err != nil {
					return err
				}
				handles[w] = append(handles[w], h)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent create: %v", err)
	}

	seen := make(map[uint64]uint32)
	for _, hs := range handles {
		for _, h := range hs {
			info, err := e.reg.Describe(h)
			if err != nil {
				t.Fatalf("Describe(%d): %v", h, err)
			}
			if prev, ok := seen[info.DevAddr]; ok {
				t.Errorf("buffers %d and %d share device address %#x", prev, h, info.DevAddr)
			}
			seen[info.DevAddr] = h
		}
	}
}

func TestConcurrentHandlesDistinct(t *testing.T) {
	e := newTestEnv(t)
	const workers, perWorker = 8, 25
	handles := make([][]uint32, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				h, err := e.reg.Create(128, 0)
				if err != nil {
					return err
				}
				handles[w] = append(handles[w], h)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	seen := make(map[uint32]bool)
	for _, hs := range handles {
		for _, h := range hs {
			if h == 0 || seen[h] {
				t.Errorf("handle %d reused or zero", h)
			}
			seen[h] = true
		}
	}
	if got := e.reg.Len(); got != workers*perWorker {
		t.Errorf("Len() = %d, want %d", got, workers*perWorker)
	}
}

func TestTeardown(t *testing.T) {
	e := newTestEnv(t)
	c, err := e.reg.Create(4096, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.reg.Dup(c); err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if _, err := e.reg.Map(c); err != nil {
		t.Fatalf("Map: %v", err)
	}
	addr, _, err := e.host.Alloc(4 * hostmem.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	i, err := e.reg.ImportUserptr(addr, 3*hostmem.PageSize, 0)
	if err != nil {
		t.Fatalf("ImportUserptr: %v", err)
	}
	if _, err := e.reg.Map(i); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := e.reg.Mapped(); got != 2 {
		t.Errorf("Mapped() = %d, want 2", got)
	}

	e.reg.Teardown()
	if got := e.reg.Len(); got != 0 {
		t.Errorf("Len() after Teardown = %d, want 0", got)
	}
	if got := e.reg.Mapped(); got != 0 {
		t.Errorf("Mapped() after Teardown = %d, want 0", got)
	}
	if got := e.domain.Stats(); got.Entries != 0 || got.IOVABytes != 0 {
		t.Errorf("domain Stats after Teardown = %+v", got)
	}
	if got := e.host.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() after Teardown = %d, want 0", got)
	}
}
