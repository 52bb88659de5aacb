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

// Package rangealloc allocates aligned ranges from a fixed address window.
// It backs both the IOMMU's IOVA space and device memory (the CMA aperture
// and the memory banks).
package rangealloc

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/sync"
)

// ErrExhausted is returned by Alloc when no free range can satisfy a
// request.
var ErrExhausted = errors.New("address range exhausted")

// Range is a half-open address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Length returns the length of r.
func (r Range) Length() uint64 { return r.End - r.Start }

// String implements fmt.Stringer.String.
func (r Range) String() string { return fmt.Sprintf("[%#x, %#x)", r.Start, r.End) }

func rangeLess(a, b Range) bool { return a.Start < b.Start }

// Allocator is a first-fit allocator over free ranges kept sorted in a btree.
type Allocator struct {
	window Range

	mu sync.Mutex
	// free holds disjoint, non-adjacent free ranges. It is protected by mu.
	free *btree.BTreeG[Range]
	// inUse is the number of allocated bytes. It is protected by mu.
	inUse uint64
}

// New returns an allocator over [base, base+size). It panics if the window
// wraps around the address space.
func New(base, size uint64) *Allocator {
	if base+size < base {
		panic(fmt.Sprintf("rangealloc: window %#x+%#x overflows", base, size))
	}
	a := &Allocator{
		window: Range{Start: base, End: base + size},
		free:   btree.NewG(8, rangeLess),
	}
	if size != 0 {
		a.free.ReplaceOrInsert(a.window)
	}
	return a
}

// Window returns the range the allocator hands out addresses from.
func (a *Allocator) Window() Range { return a.window }

// Alloc returns the start of a free range of size bytes aligned to align,
// which must be a power of two (0 is treated as 1).
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	return a.AllocIn(a.window, size, align)
}

// AllocIn is like Alloc, but the returned range lies within limit. An
// allocator shared by several overlapping sub-windows (memory banks of
// successive images) uses AllocIn to keep every allocation disjoint.
func (a *Allocator) AllocIn(limit Range, size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("rangealloc: zero-length allocation")
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("rangealloc: alignment %#x is not a power of two", align)
	}
	if limit.End < limit.Start || limit.Start < a.window.Start || limit.End > a.window.End {
		return 0, fmt.Errorf("rangealloc: limit %v outside window %v", limit, a.window)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		found bool
		from  Range
		start uint64
	)
	a.free.Ascend(func(r Range) bool {
		if r.Start >= limit.End {
			return false
		}
		lo, hi := max(r.Start, limit.Start), min(r.End, limit.End)
		if lo >= hi {
			return true
		}
		s := (lo + align - 1) &^ (align - 1)
		if s < lo || s >= hi || hi-s < size {
			return true
		}
		found, from, start = true, r, s
		return false
	})
	if !found {
		return 0, ErrExhausted
	}
	a.free.Delete(from)
	if start > from.Start {
		a.free.ReplaceOrInsert(Range{Start: from.Start, End: start})
	}
	if end := start + size; end < from.End {
		a.free.ReplaceOrInsert(Range{Start: end, End: from.End})
	}
	a.inUse += size
	return start, nil
}

// Free returns [start, start+size) to the allocator. The range must have been
// returned by Alloc and not freed since; Free panics if it overlaps free
// space or lies outside the window.
func (a *Allocator) Free(start, size uint64) {
	r := Range{Start: start, End: start + size}
	if size == 0 || r.End < r.Start || r.Start < a.window.Start || r.End > a.window.End {
		panic(fmt.Sprintf("rangealloc: freeing %v outside window %v", r, a.window))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var prev, next Range
	var havePrev, haveNext bool
	a.free.DescendLessOrEqual(r, func(p Range) bool {
		prev, havePrev = p, true
		return false
	})
	a.free.AscendGreaterOrEqual(r, func(n Range) bool {
		next, haveNext = n, true
		return false
	})
	if havePrev && prev.End > r.Start || haveNext && next.Start < r.End {
		panic(fmt.Sprintf("rangealloc: double free of %v", r))
	}
	if havePrev && prev.End == r.Start {
		a.free.Delete(prev)
		r.Start = prev.Start
	}
	if haveNext && next.Start == r.End {
		a.free.Delete(next)
		r.End = next.End
	}
	a.free.ReplaceOrInsert(r)
	a.inUse -= size
}

// InUse returns the number of allocated bytes.
func (a *Allocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// FreeRanges returns the current free ranges in address order.
func (a *Allocator) FreeRanges() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs := make([]Range, 0, a.free.Len())
	a.free.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
