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
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/fpgabo/fpgabo/pkg/iommu"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/fpgabo/fpgabo/pkg/rangealloc"
	"gvisor.dev/gvisor/pkg/sync"
)

// ExecState is the execution state of a command buffer.
type ExecState uint32

// Execution states.
const (
	ExecNew ExecState = iota
	ExecQueued
	ExecRunning
	ExecCompleted
	ExecError
)

// String implements fmt.Stringer.String.
func (s ExecState) String() string {
	switch s {
	case ExecNew:
		return "New"
	case ExecQueued:
		return "Queued"
	case ExecRunning:
		return "Running"
	case ExecCompleted:
		return "Completed"
	case ExecError:
		return "Error"
	default:
		return fmt.Sprintf("ExecState(%d)", uint32(s))
	}
}

// Active returns true if the command is owned by the scheduler.
func (s ExecState) Active() bool {
	return s == ExecQueued || s == ExecRunning
}

// Terminal returns true if the command has finished.
func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecError
}

// ExecMetadata is the execution state of a buffer created with
// BO_FLAGS_EXECBUF.
type ExecMetadata struct {
	State ExecState

	// Index is the scheduler queue index. It is only meaningful while State
	// is Active.
	Index uint32
}

// Storage is the backing store of an Object: either *Contiguous or
// *Imported.
type Storage interface {
	isStorage()
}

// Contiguous is driver-allocated memory with a fixed device address.
type Contiguous struct {
	block *hostmem.Block

	devAddr uint64
	devSize uint64
	alloc   *rangealloc.Allocator

	// bank is the bank the device memory was allocated from, and gen the
	// generation of the snapshot it was resolved against. hasBank is false
	// for CMA memory.
	hasBank bool
	bank    metadata.Bank
	gen     uint64
}

func (*Contiguous) isStorage() {}

// DevAddr returns the device address of the buffer.
func (c *Contiguous) DevAddr() uint64 { return c.devAddr }

// Bank returns the memory bank backing c. ok is false for CMA memory.
func (c *Contiguous) Bank() (b metadata.Bank, ok bool) { return c.bank, c.hasBank }

func (c *Contiguous) release() {
	c.block.Release()
	c.alloc.Free(c.devAddr, c.devSize)
}

// Imported is application memory pinned for zero-copy device access.
type Imported struct {
	as     *hostmem.AddressSpace
	pinned *hostmem.PinnedRange
	sgl    []hostmem.Segment
}

func (*Imported) isStorage() {}

// Addr returns the application address the buffer was imported from.
func (i *Imported) Addr() uint64 { return i.pinned.Addr }

// Segments returns the scatter list describing the buffer.
func (i *Imported) Segments() []hostmem.Segment {
	return append([]hostmem.Segment(nil), i.sgl...)
}

func (i *Imported) release() {
	i.as.Unpin(i.pinned)
}

// Object is a buffer object.
//
// The handle, flags, size and storage variant of an Object are fixed at
// creation. Everything else is protected by mu, which serializes all state
// changes of one buffer.
type Object struct {
	handle  uint32
	flags   fpga.BOFlags
	size    uint64
	storage Storage

	mu sync.Mutex

	// refs is the number of references to the handle. It is protected by mu.
	refs int64

	// freed is set once the last reference is dropped. It is protected by
	// mu.
	freed bool

	// exec is non-nil iff flags has BO_FLAGS_EXECBUF. It is protected by mu.
	exec *ExecMetadata

	// mapping is the active device mapping, if any. It is protected by mu.
	mapping *iommu.Mapping
}

// Handle returns the handle of o.
func (o *Object) Handle() uint32 { return o.handle }

// Flags returns the creation flags of o.
func (o *Object) Flags() fpga.BOFlags { return o.flags }

// Size returns the size of o in bytes.
func (o *Object) Size() uint64 { return o.size }

// Storage returns the backing store of o.
func (o *Object) Storage() Storage { return o.storage }

// Variant returns the storage variant of o.
func (o *Object) Variant() fpga.BOVariant {
	switch o.storage.(type) {
	case *Contiguous:
		return fpga.BO_VARIANT_CONTIGUOUS
	case *Imported:
		return fpga.BO_VARIANT_IMPORTED
	default:
		panic(fmt.Sprintf("unknown storage %T", o.storage))
	}
}

// String implements fmt.Stringer.String.
func (o *Object) String() string {
	return fmt.Sprintf("bo %d (%v, %d bytes, %v)", o.handle, o.Variant(), o.size, o.flags)
}

// Lock locks o.
func (o *Object) Lock() { o.mu.Lock() }

// Unlock unlocks o.
func (o *Object) Unlock() { o.mu.Unlock() }

// FreedLocked returns true if the last reference to o has been dropped.
//
// Preconditions: o is locked.
func (o *Object) FreedLocked() bool { return o.freed }

// ExecLocked returns the execution metadata of o, or nil if o is not a
// command buffer. The result may be modified while o remains locked.
//
// Preconditions: o is locked.
func (o *Object) ExecLocked() *ExecMetadata { return o.exec }

// MappingLocked returns the active mapping of o, or nil.
//
// Preconditions: o is locked.
func (o *Object) MappingLocked() *iommu.Mapping { return o.mapping }

// BytesLocked returns the host view of o's backing memory.
//
// Preconditions: o is locked and not freed.
func (o *Object) BytesLocked() []byte {
	switch s := o.storage.(type) {
	case *Contiguous:
		return s.block.Bytes()
	case *Imported:
		return s.pinned.Bytes()
	default:
		panic(fmt.Sprintf("unknown storage %T", o.storage))
	}
}

// releaseLocked releases the backing memory of o.
//
// Preconditions: o is locked; o.mapping is nil.
func (o *Object) releaseLocked() {
	switch s := o.storage.(type) {
	case *Contiguous:
		s.release()
	case *Imported:
		s.release()
	}
}
