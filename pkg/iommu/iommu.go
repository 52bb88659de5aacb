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

// Package iommu models the accelerator's IOMMU domain: an IOVA aperture and
// the page table translating device addresses to pinned host pages.
package iommu

import (
	"errors"
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/fpgabo/fpgabo/pkg/rangealloc"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// DomainOpts configures a Domain.
type DomainOpts struct {
	// ApertureBase and ApertureSize bound the IOVA space.
	ApertureBase uint64
	ApertureSize uint64

	// PageSize is the IOMMU page size. It must be a power of two no smaller
	// than the host page size.
	PageSize uint64

	// MaxEntries bounds the number of page table entries in use.
	MaxEntries int
}

// Mapping is a device-visible address range granted to one buffer.
type Mapping struct {
	// Start and Length describe the device address range of the buffer's
	// bytes.
	Start  uint64
	Length uint64

	// direct mappings expose an existing device address and own no page
	// table entries.
	direct bool

	// iova is the page-aligned IOVA extent backing a programmed mapping.
	iova rangealloc.Range
}

// Direct returns a mapping that exposes the device address of contiguous
// memory as is.
func Direct(devAddr, length uint64) *Mapping {
	return &Mapping{Start: devAddr, Length: length, direct: true}
}

// IsDirect returns true if m was created by Direct.
func (m *Mapping) IsDirect() bool { return m.direct }

// String implements fmt.Stringer.String.
func (m *Mapping) String() string {
	kind := "iommu"
	if m.direct {
		kind = "direct"
	}
	return fmt.Sprintf("%s mapping [%#x, %#x)", kind, m.Start, m.Start+m.Length)
}

// Domain is an IOMMU domain.
type Domain struct {
	opts DomainOpts
	iova *rangealloc.Allocator

	mu sync.Mutex
	// ptes maps IOMMU-page-aligned device addresses to the application
	// address of the host page they translate to. It is protected by mu.
	ptes map[uint64]uint64
}

// NewDomain returns an empty domain.
func NewDomain(opts DomainOpts) (*Domain, error) {
	if opts.PageSize < hostmem.PageSize || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: IOMMU page size %#x", boerr.InvalidArgument, opts.PageSize)
	}
	if opts.ApertureBase%opts.PageSize != 0 || opts.ApertureSize%opts.PageSize != 0 || opts.ApertureSize == 0 {
		return nil, fmt.Errorf("%w: IOMMU aperture [%#x, +%#x) not aligned to %#x", boerr.InvalidArgument, opts.ApertureBase, opts.ApertureSize, opts.PageSize)
	}
	if opts.ApertureBase+opts.ApertureSize < opts.ApertureBase {
		return nil, fmt.Errorf("%w: IOMMU aperture [%#x, +%#x) overflows", boerr.InvalidArgument, opts.ApertureBase, opts.ApertureSize)
	}
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("%w: IOMMU entry limit %d", boerr.InvalidArgument, opts.MaxEntries)
	}
	return &Domain{
		opts: opts,
		iova: rangealloc.New(opts.ApertureBase, opts.ApertureSize),
		ptes: make(map[uint64]uint64),
	}, nil
}

// PageSize returns the IOMMU page size.
func (d *Domain) PageSize() uint64 { return d.opts.PageSize }

func (d *Domain) pageDown(x uint64) uint64 { return x &^ (d.opts.PageSize - 1) }

// Map programs page table entries for every IOMMU page spanned by sgl and
// returns a mapping whose device addresses are contiguous. Only the first
// segment may start, and only the last segment may end, off an IOMMU page
// boundary. On failure no entries are left behind.
func (d *Domain) Map(sgl []hostmem.Segment) (*Mapping, error) {
	if len(sgl) == 0 {
		return nil, fmt.Errorf("%w: empty scatter list", boerr.MappingFailed)
	}
	ps := d.opts.PageSize
	var length, pages uint64
	for i, seg := range sgl {
		if i > 0 && seg.Addr%ps != 0 {
			return nil, fmt.Errorf("%w: segment %d at %#x not aligned to IOMMU page size %#x", boerr.MappingFailed, i, seg.Addr, ps)
		}
		end := seg.Addr + seg.Length()
		if i < len(sgl)-1 && end%ps != 0 {
			return nil, fmt.Errorf("%w: segment %d ends at %#x, not aligned to IOMMU page size %#x", boerr.MappingFailed, i, end, ps)
		}
		pages += (d.pageDown(end+ps-1) - d.pageDown(seg.Addr)) / ps
		length += seg.Length()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(len(d.ptes))+pages > uint64(d.opts.MaxEntries) {
		return nil, fmt.Errorf("%w: %d page table entries needed, %d of %d in use", boerr.MappingFailed, pages, len(d.ptes), d.opts.MaxEntries)
	}
	start, err := d.iova.Alloc(pages*ps, ps)
	if err != nil {
		if errors.Is(err, rangealloc.ErrExhausted) {
			return nil, fmt.Errorf("%w: IOVA space exhausted mapping %d pages", boerr.MappingFailed, pages)
		}
		return nil, fmt.Errorf("%w: %v", boerr.MappingFailed, err)
	}
	iova := start
	for _, seg := range sgl {
		end := seg.Addr + seg.Length()
		for page := d.pageDown(seg.Addr); page < end; page += ps {
			d.ptes[iova] = page
			iova += ps
		}
	}
	m := &Mapping{
		Start:  start + sgl[0].Addr%ps,
		Length: length,
		iova:   rangealloc.Range{Start: start, End: start + pages*ps},
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("iommu: mapped %d segments as %v using %d entries", len(sgl), m, pages)
	}
	return m, nil
}

// Unmap removes the page table entries of m and frees its IOVA extent. It is
// a no-op for direct mappings.
func (d *Domain) Unmap(m *Mapping) {
	if m.direct {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for iova := m.iova.Start; iova < m.iova.End; iova += d.opts.PageSize {
		if _, ok := d.ptes[iova]; !ok {
			panic(fmt.Sprintf("iommu: unmapping %v: no entry for %#x", m, iova))
		}
		delete(d.ptes, iova)
	}
	d.iova.Free(m.iova.Start, m.iova.Length())
}

// Translate walks the page table and returns the application address that
// device address iova translates to.
func (d *Domain) Translate(iova uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.ptes[d.pageDown(iova)]
	if !ok {
		return 0, fmt.Errorf("%w: no translation for device address %#x", boerr.NotMapped, iova)
	}
	return page + iova%d.opts.PageSize, nil
}

// Stats describes resource usage of a Domain.
type Stats struct {
	Entries    int
	MaxEntries int
	IOVABytes  uint64
}

// Stats returns current resource usage.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	n := len(d.ptes)
	d.mu.Unlock()
	return Stats{Entries: n, MaxEntries: d.opts.MaxEntries, IOVABytes: d.iova.InUse()}
}
