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

// Package bo implements the buffer object registry of an accelerator device:
// creation, import, host access, device mapping and release of buffers.
//
// Lock order:
//
//	Object.mu
//	  Registry.mu
//	  iommu.Domain.mu
//	  hostmem.AddressSpace.mu
package bo

import (
	"errors"
	"fmt"
	"math"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/fpgabo/fpgabo/pkg/iommu"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/fpgabo/fpgabo/pkg/rangealloc"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Opts configures a Registry.
type Opts struct {
	// MaxSize is the largest buffer that may be created or imported.
	MaxSize uint64

	// MaxSegment bounds the length of one scatter list segment of an
	// imported buffer. 0 means unlimited.
	MaxSegment uint64

	// CMABase and CMASize describe the device aperture used for buffers
	// that are not placed in a memory bank.
	CMABase uint64
	CMASize uint64
}

// Registry is the set of live buffer objects of one device.
type Registry struct {
	opts   Opts
	meta   *metadata.Store
	host   *hostmem.AddressSpace
	domain *iommu.Domain
	cma    *rangealloc.Allocator

	// devmem tracks bank memory across image generations. A bank is a
	// limit within it, so buffers of an earlier image keep their extents
	// reserved when a new image describes the same or overlapping banks.
	devmem *rangealloc.Allocator

	mu sync.RWMutex
	// objects maps handles to live objects. It is protected by mu.
	objects map[uint32]*Object
	// lastHandle is the most recently assigned handle. It is protected by
	// mu.
	lastHandle uint32

	mapped atomicbitops.Int64
}

// NewRegistry returns an empty registry. meta supplies the memory topology,
// host the application memory for imports, and domain the IOMMU used to map
// imported buffers.
func NewRegistry(opts Opts, meta *metadata.Store, host *hostmem.AddressSpace, domain *iommu.Domain) *Registry {
	return &Registry{
		opts:    opts,
		meta:    meta,
		host:    host,
		domain:  domain,
		cma:     rangealloc.New(opts.CMABase, opts.CMASize),
		devmem:  rangealloc.New(0, math.MaxUint64),
		objects: make(map[uint32]*Object),
	}
}

// Domain returns the IOMMU domain of the registry.
func (r *Registry) Domain() *iommu.Domain { return r.domain }

// Lookup returns the live object with handle h.
func (r *Registry) Lookup(h uint32) (*Object, error) {
	r.mu.RLock()
	o, ok := r.objects[h]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", boerr.InvalidHandle, h)
	}
	return o, nil
}

// lookupLocked returns the object with handle h, locked. The caller must
// unlock it.
func (r *Registry) lookupLocked(h uint32) (*Object, error) {
	o, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.freed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", boerr.InvalidHandle, h)
	}
	return o, nil
}

// insert assigns a handle to o and publishes it.
func (r *Registry) insert(o *Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.objects) >= math.MaxUint32-1 {
		return fmt.Errorf("%w: out of handles", boerr.OutOfMemory)
	}
	for {
		r.lastHandle++
		if r.lastHandle == 0 {
			continue
		}
		if _, ok := r.objects[r.lastHandle]; !ok {
			break
		}
	}
	o.handle = r.lastHandle
	r.objects[o.handle] = o
	return nil
}

func (r *Registry) remove(h uint32) {
	r.mu.Lock()
	delete(r.objects, h)
	r.mu.Unlock()
}

func newObject(flags fpga.BOFlags, size uint64, s Storage) *Object {
	o := &Object{
		flags:   flags,
		size:    size,
		storage: s,
		refs:    1,
	}
	if flags.Has(fpga.BO_FLAGS_EXECBUF) {
		o.exec = &ExecMetadata{State: ExecNew}
	}
	return o
}

// Create allocates a contiguous buffer of size bytes.
//
// Device memory comes from the CMA aperture if flags has BO_FLAGS_CMA or the
// current image has no memory banks; otherwise from the bank selected by
// flags.
func (r *Registry) Create(size uint64, flags fpga.BOFlags) (uint32, error) {
	if flags.Has(fpga.BO_FLAGS_USERPTR) {
		return 0, fmt.Errorf("%w: USERPTR without source pages", boerr.UnsupportedFlags)
	}
	if unknown := flags &^ fpga.BO_FLAGS_KNOWN; unknown != 0 {
		return 0, fmt.Errorf("%w: unknown flags %#x", boerr.UnsupportedFlags, uint32(unknown))
	}
	if flags.Has(fpga.BO_FLAGS_CMA) && flags.Bank() != 0 {
		return 0, fmt.Errorf("%w: CMA with bank %d", boerr.UnsupportedFlags, flags.Bank())
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized buffer", boerr.InvalidArgument)
	}
	if size > r.opts.MaxSize {
		return 0, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", boerr.OutOfMemory, size, r.opts.MaxSize)
	}
	devSize, ok := hostmem.PageRoundUp(size)
	if !ok {
		return 0, fmt.Errorf("%w: %d bytes", boerr.OutOfMemory, size)
	}

	c := &Contiguous{devSize: devSize}
	snap := r.meta.Current()
	var limit rangealloc.Range
	if flags.Has(fpga.BO_FLAGS_CMA) || (snap.NumBanks() == 0 && flags.Bank() == 0) {
		c.alloc = r.cma
		limit = r.cma.Window()
	} else {
		bank, err := snap.ResolveBank(flags.Bank())
		if err != nil {
			return 0, err
		}
		if !bank.Used {
			return 0, fmt.Errorf("%w: %v is not in use by the image", boerr.UnknownBank, bank)
		}
		c.alloc = r.devmem
		limit = rangealloc.Range{Start: bank.Base, End: bank.End()}
		c.hasBank = true
		c.bank = bank
		c.gen = snap.Generation()
	}
	addr, err := c.alloc.AllocIn(limit, devSize, hostmem.PageSize)
	if err != nil {
		if errors.Is(err, rangealloc.ErrExhausted) {
			return 0, fmt.Errorf("%w: device memory %v exhausted allocating %d bytes", boerr.OutOfMemory, limit, devSize)
		}
		return 0, err
	}
	c.devAddr = addr
	cu := cleanup.Make(func() { c.alloc.Free(addr, devSize) })
	defer cu.Clean()

	block, err := hostmem.AllocBlock(size)
	if err != nil {
		return 0, err
	}
	c.block = block
	cu.Add(block.Release)

	o := newObject(flags, size, c)
	if err := r.insert(o); err != nil {
		return 0, err
	}
	cu.Release()
	if log.IsLogging(log.Debug) {
		log.Debugf("bo: created %v at device address %#x", o, addr)
	}
	return o.handle, nil
}

// ImportUserptr pins size bytes of application memory at addr and creates a
// buffer aliasing it.
func (r *Registry) ImportUserptr(addr, size uint64, flags fpga.BOFlags) (uint32, error) {
	if unknown := flags &^ fpga.BO_FLAGS_KNOWN; unknown != 0 {
		return 0, fmt.Errorf("%w: unknown flags %#x", boerr.UnsupportedFlags, uint32(unknown))
	}
	if flags.Has(fpga.BO_FLAGS_EXECBUF) {
		return 0, fmt.Errorf("%w: EXECBUF with USERPTR", boerr.UnsupportedFlags)
	}
	if flags.Has(fpga.BO_FLAGS_CMA) {
		return 0, fmt.Errorf("%w: CMA with USERPTR", boerr.UnsupportedFlags)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized import", boerr.InvalidArgument)
	}
	if size > r.opts.MaxSize {
		return 0, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", boerr.OutOfMemory, size, r.opts.MaxSize)
	}
	if r.host == nil {
		return 0, fmt.Errorf("%w: no application address space", boerr.OutOfRange)
	}
	pinned, err := r.host.Pin(addr, size)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { r.host.Unpin(pinned) })
	defer cu.Clean()

	s := &Imported{
		as:     r.host,
		pinned: pinned,
		sgl:    pinned.ScatterList(r.opts.MaxSegment),
	}
	o := newObject(flags|fpga.BO_FLAGS_USERPTR, size, s)
	if err := r.insert(o); err != nil {
		return 0, err
	}
	cu.Release()
	if log.IsLogging(log.Debug) {
		log.Debugf("bo: imported %v from %#x in %d segments", o, addr, len(s.sgl))
	}
	return o.handle, nil
}

// Dup takes another reference to handle h.
func (r *Registry) Dup(h uint32) error {
	o, err := r.lookupLocked(h)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()
	o.refs++
	return nil
}

// Free drops a reference to handle h. Dropping the last reference fails with
// BusyMapping if the buffer is mapped and with BusyExecuting if it is queued
// or running; the reference is kept in both cases.
func (r *Registry) Free(h uint32) error {
	o, err := r.lookupLocked(h)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()
	if o.refs > 1 {
		o.refs--
		return nil
	}
	if o.mapping != nil {
		return fmt.Errorf("%w: %v is mapped at %v", boerr.BusyMapping, o, o.mapping)
	}
	if o.exec != nil && o.exec.State.Active() {
		return fmt.Errorf("%w: %v is %v at index %d", boerr.BusyExecuting, o, o.exec.State, o.exec.Index)
	}
	o.refs = 0
	o.freed = true
	r.remove(h)
	o.releaseLocked()
	if log.IsLogging(log.Debug) {
		log.Debugf("bo: freed %v", o)
	}
	return nil
}

// Len returns the number of live buffers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Mapped returns the number of mapped buffers.
func (r *Registry) Mapped() int64 { return r.mapped.Load() }

// Range calls fn for each live buffer until fn returns false. fn is called
// without any locks held.
func (r *Registry) Range(fn func(o *Object) bool) {
	r.mu.RLock()
	objs := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		objs = append(objs, o)
	}
	r.mu.RUnlock()
	for _, o := range objs {
		if !fn(o) {
			return
		}
	}
}

// Teardown unmaps and releases every buffer regardless of references,
// mappings or execution state. The registry is empty afterwards.
func (r *Registry) Teardown() {
	n := 0
	r.Range(func(o *Object) bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.freed {
			return true
		}
		if o.mapping != nil {
			r.domain.Unmap(o.mapping)
			o.mapping = nil
			r.mapped.Add(-1)
		}
		if o.exec != nil && o.exec.State.Active() {
			log.Warningf("bo: tearing down %v while %v at index %d", o, o.exec.State, o.exec.Index)
		}
		o.freed = true
		o.refs = 0
		r.remove(o.handle)
		o.releaseLocked()
		n++
		return true
	})
	if n != 0 {
		log.Infof("bo: tore down %d buffers", n)
	}
}
