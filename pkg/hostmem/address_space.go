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

package hostmem

import (
	"errors"
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/rangealloc"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// DefaultBase is the application virtual address of the first byte of an
// AddressSpace unless configured otherwise.
const DefaultBase = 0x7f00_0000_0000

// AddressSpaceOpts configures an AddressSpace.
type AddressSpaceOpts struct {
	// Base is the application virtual address of the window. It must be
	// page-aligned.
	Base uint64

	// Size is the size of the window in bytes.
	Size uint64

	// LockPages makes Pin mlock(2) pinned pages on the host.
	LockPages bool
}

// AddressSpace is the application memory that USERPTR buffers are imported
// from. Application addresses are translated to a single host mapping of
// Size bytes starting at virtual address Base.
type AddressSpace struct {
	opts AddressSpaceOpts
	data []byte
	va   *rangealloc.Allocator

	mu sync.Mutex
	// regions maps the start of each application allocation to its length.
	// It is protected by mu.
	regions map[uint64]uint64
	// pinned holds the application addresses of pinned pages. It is
	// protected by mu.
	pinned map[uint64]struct{}
}

// NewAddressSpace maps the window described by opts.
func NewAddressSpace(opts AddressSpaceOpts) (*AddressSpace, error) {
	if opts.Base%PageSize != 0 || opts.Size == 0 || opts.Size%PageSize != 0 {
		return nil, fmt.Errorf("%w: address space [%#x, +%#x) is not page-aligned", boerr.InvalidArgument, opts.Base, opts.Size)
	}
	if opts.Base+opts.Size < opts.Base {
		return nil, fmt.Errorf("%w: address space [%#x, +%#x) overflows", boerr.InvalidArgument, opts.Base, opts.Size)
	}
	data, err := mapAnon(opts.Size)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		opts:    opts,
		data:    data,
		va:      rangealloc.New(opts.Base, opts.Size),
		regions: make(map[uint64]uint64),
		pinned:  make(map[uint64]struct{}),
	}, nil
}

// Release unmaps the address space. Outstanding pins are dropped.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.data == nil {
		return
	}
	if len(as.pinned) != 0 {
		log.Warningf("hostmem: releasing address space with %d pinned pages", len(as.pinned))
	}
	if err := unix.Munmap(as.data); err != nil {
		log.Warningf("hostmem: munmap of address space failed: %v", err)
	}
	as.data = nil
}

// Alloc allocates size bytes of application memory and returns its address
// and contents. This models the application's own allocator; the driver
// only ever sees the address.
func (as *AddressSpace) Alloc(size uint64) (uint64, []byte, error) {
	length, ok := PageRoundUp(size)
	if size == 0 || !ok {
		return 0, nil, fmt.Errorf("%w: allocation size %d", boerr.InvalidArgument, size)
	}
	addr, err := as.va.Alloc(length, PageSize)
	if err != nil {
		if errors.Is(err, rangealloc.ErrExhausted) {
			return 0, nil, fmt.Errorf("%w: application address space exhausted", boerr.OutOfMemory)
		}
		return 0, nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.regions[addr] = length
	off := addr - as.opts.Base
	buf := as.data[off : off+size : off+size]
	clear(buf)
	return addr, buf, nil
}

// Free releases the allocation starting at addr. Pinned pages remain valid
// host memory until unpinned, but the range may be handed out again.
func (as *AddressSpace) Free(addr uint64) error {
	as.mu.Lock()
	length, ok := as.regions[addr]
	if ok {
		delete(as.regions, addr)
	}
	as.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no allocation at %#x", boerr.InvalidArgument, addr)
	}
	as.va.Free(addr, length)
	return nil
}

// Segment is one entry of a scatter list: a run of application memory that
// is contiguous on the host.
type Segment struct {
	// Addr is the application address of the first byte.
	Addr uint64
	// Data aliases the pinned host memory.
	Data []byte
}

// Length returns the length of s in bytes.
func (s Segment) Length() uint64 { return uint64(len(s.Data)) }

// PinnedRange is a pinned range of application memory.
type PinnedRange struct {
	// Addr and Length describe the range requested by the caller.
	Addr   uint64
	Length uint64

	// start and end are the page-aligned bounds of the pinned pages.
	start uint64
	end   uint64
	data  []byte
}

// Pages returns the number of pinned pages.
func (p *PinnedRange) Pages() uint64 { return (p.end - p.start) / PageSize }

// Bytes returns the pinned bytes requested by the caller.
func (p *PinnedRange) Bytes() []byte {
	off := p.Addr - p.start
	return p.data[off : off+p.Length]
}

// ScatterList splits the pinned range into segments of at most maxSegment
// bytes. Segment boundaries after the first fall on page boundaries, so
// only the first segment may start mid-page and only the last may end
// mid-page. A maxSegment of 0 means no limit.
func (p *PinnedRange) ScatterList(maxSegment uint64) []Segment {
	if maxSegment != 0 && maxSegment < PageSize {
		maxSegment = PageSize
	}
	maxSegment = PageRoundDown(maxSegment)
	var sgl []Segment
	addr, end := p.Addr, p.Addr+p.Length
	for addr < end {
		segEnd := end
		if maxSegment != 0 {
			// Limit this segment to maxSegment bytes measured from its
			// page-aligned start.
			if lim := PageRoundDown(addr) + maxSegment; lim < segEnd {
				segEnd = lim
			}
		}
		off := addr - p.start
		sgl = append(sgl, Segment{Addr: addr, Data: p.data[off : off+(segEnd-addr)]})
		addr = segEnd
	}
	return sgl
}

// Pin pins the pages backing [addr, addr+length). The range must lie inside
// a single application allocation, and none of its pages may already be
// pinned.
func (as *AddressSpace) Pin(addr, length uint64) (*PinnedRange, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length pin", boerr.InvalidArgument)
	}
	end := addr + length
	if end < addr {
		return nil, fmt.Errorf("%w: pin [%#x, +%#x) overflows", boerr.OutOfRange, addr, length)
	}
	start := PageRoundDown(addr)
	pend, ok := PageRoundUp(end)
	if !ok {
		return nil, fmt.Errorf("%w: pin [%#x, +%#x) overflows", boerr.OutOfRange, addr, length)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.data == nil {
		return nil, fmt.Errorf("%w: address space released", boerr.OutOfRange)
	}
	if !as.containedLocked(start, pend) {
		return nil, fmt.Errorf("%w: [%#x, %#x) is not application memory", boerr.OutOfRange, addr, end)
	}
	for page := start; page < pend; page += PageSize {
		if _, ok := as.pinned[page]; ok {
			return nil, fmt.Errorf("%w: page %#x", boerr.AlreadyPinned, page)
		}
	}
	off := start - as.opts.Base
	data := as.data[off : off+(pend-start) : off+(pend-start)]
	if as.opts.LockPages {
		if err := unix.Mlock(data); err != nil {
			return nil, fmt.Errorf("%w: mlock [%#x, %#x): %v", boerr.OutOfMemory, start, pend, err)
		}
	}
	for page := start; page < pend; page += PageSize {
		as.pinned[page] = struct{}{}
	}
	return &PinnedRange{
		Addr:   addr,
		Length: length,
		start:  start,
		end:    pend,
		data:   data,
	}, nil
}

// Unpin releases pages pinned by Pin.
func (as *AddressSpace) Unpin(p *PinnedRange) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for page := p.start; page < p.end; page += PageSize {
		if _, ok := as.pinned[page]; !ok {
			panic(fmt.Sprintf("hostmem: unpinning page %#x that is not pinned", page))
		}
		delete(as.pinned, page)
	}
	if as.opts.LockPages && as.data != nil {
		if err := unix.Munlock(p.data); err != nil {
			log.Warningf("hostmem: munlock [%#x, %#x) failed: %v", p.start, p.end, err)
		}
	}
}

// PinnedPages returns the number of pinned pages.
func (as *AddressSpace) PinnedPages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pinned)
}

// containedLocked returns true if [start, end) lies inside one allocation.
//
// Precondition: as.mu must be locked.
func (as *AddressSpace) containedLocked(start, end uint64) bool {
	for rs, rlen := range as.regions {
		if start >= rs && end <= rs+rlen {
			return true
		}
	}
	return false
}
