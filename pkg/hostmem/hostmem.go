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

// Package hostmem provides host memory for buffer objects: driver-allocated
// blocks backing contiguous buffers, and an application address space whose
// pages can be pinned for zero-copy import.
package hostmem

import (
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the host page size.
const PageSize = hostarch.PageSize

// PageRoundDown returns x rounded down to a page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to a page boundary. ok is false if the
// result overflows.
func PageRoundUp(x uint64) (uint64, bool) {
	r := PageRoundDown(x + PageSize - 1)
	return r, r >= x
}

// mapAnon returns size bytes of zeroed, private anonymous host memory.
func mapAnon(size uint64) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", boerr.OutOfMemory, size, err)
	}
	return data, nil
}

// Block is driver-allocated host memory backing one contiguous buffer.
type Block struct {
	data []byte
	size uint64
}

// AllocBlock returns a zeroed block of at least size bytes, rounded up to
// whole pages.
func AllocBlock(size uint64) (*Block, error) {
	mapped, ok := PageRoundUp(size)
	if size == 0 || !ok {
		return nil, fmt.Errorf("%w: block size %d", boerr.InvalidArgument, size)
	}
	data, err := mapAnon(mapped)
	if err != nil {
		return nil, err
	}
	return &Block{data: data, size: size}, nil
}

// Bytes returns the usable bytes of b.
func (b *Block) Bytes() []byte {
	return b.data[:b.size]
}

// Release unmaps b. b must not be used afterwards.
func (b *Block) Release() {
	if b.data == nil {
		return
	}
	if err := unix.Munmap(b.data); err != nil {
		panic(fmt.Sprintf("hostmem: munmap of %d-byte block failed: %v", len(b.data), err))
	}
	b.data = nil
}
