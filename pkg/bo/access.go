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
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"gvisor.dev/gvisor/pkg/log"
)

// checkRange returns OutOfRange unless [off, off+n) lies within o.
func (o *Object) checkRange(off, n uint64) error {
	if off > o.size || n > o.size-off {
		return fmt.Errorf("%w: [%#x, +%#x) outside %d-byte buffer %d", boerr.OutOfRange, off, n, o.size, o.handle)
	}
	return nil
}

// Read returns a copy of n bytes of h at offset off.
func (r *Registry) Read(h uint32, off, n uint64) ([]byte, error) {
	o, err := r.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	defer o.mu.Unlock()
	if err := o.checkRange(off, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	copy(buf, o.BytesLocked()[off:off+n])
	return buf, nil
}

// Write copies data into h at offset off.
func (r *Registry) Write(h uint32, off uint64, data []byte) error {
	o, err := r.lookupLocked(h)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()
	if err := o.checkRange(off, uint64(len(data))); err != nil {
		return err
	}
	copy(o.BytesLocked()[off:], data)
	return nil
}

// Info describes a buffer.
type Info struct {
	Handle  uint32
	Size    uint64
	Flags   fpga.BOFlags
	Variant fpga.BOVariant
	Refs    int64

	// DevAddr is the fixed device address of a contiguous buffer.
	DevAddr uint64

	// Bank is the memory bank of a contiguous buffer. HasBank is false for
	// imported buffers and CMA memory.
	HasBank bool
	Bank    uint32

	// Mapped is set if the buffer has an active mapping at [MapStart,
	// MapStart+MapLength).
	Mapped    bool
	MapStart  uint64
	MapLength uint64

	// Exec is a copy of the execution metadata of a command buffer.
	Exec *ExecMetadata
}

// Describe returns a description of h.
func (r *Registry) Describe(h uint32) (Info, error) {
	o, err := r.lookupLocked(h)
	if err != nil {
		return Info{}, err
	}
	defer o.mu.Unlock()
	info := Info{
		Handle:  o.handle,
		Size:    o.size,
		Flags:   o.flags,
		Variant: o.Variant(),
		Refs:    o.refs,
	}
	if c, ok := o.storage.(*Contiguous); ok {
		info.DevAddr = c.devAddr
		info.HasBank = c.hasBank
		info.Bank = c.bank.Index
	}
	if m := o.mapping; m != nil {
		info.Mapped = true
		info.MapStart = m.Start
		info.MapLength = m.Length
	}
	if o.exec != nil {
		e := *o.exec
		info.Exec = &e
	}
	return info, nil
}

// Sync makes [off, off+n) of h coherent in direction dir. Imported buffers
// must be mapped, and every page of the range must translate through the
// IOMMU. Buffers that are not cacheable need no maintenance beyond
// validation.
func (r *Registry) Sync(h uint32, off, n uint64, dir fpga.SyncDirection) error {
	if dir != fpga.SYNC_BO_TO_DEVICE && dir != fpga.SYNC_BO_FROM_DEVICE {
		return fmt.Errorf("%w: sync direction %v", boerr.InvalidArgument, dir)
	}
	o, err := r.lookupLocked(h)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()
	if err := o.checkRange(off, n); err != nil {
		return err
	}
	switch s := o.storage.(type) {
	case *Contiguous:
		if err := r.validateBank(s); err != nil {
			return err
		}
	case *Imported:
		if o.mapping == nil {
			return fmt.Errorf("%w: %v must be mapped before sync", boerr.NotMapped, o)
		}
		if n != 0 {
			if err := r.checkTranslation(o, off, n); err != nil {
				return err
			}
		}
	}
	if !o.flags.Has(fpga.BO_FLAGS_CACHEABLE) {
		return nil
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("bo: sync %v [%#x, +%#x) %v", o, off, n, dir)
	}
	return nil
}

// checkTranslation verifies that the IOMMU translates the device addresses
// of [off, off+n) of o back to its pinned pages.
//
// Preconditions: o is locked; o is imported and mapped; n > 0.
func (r *Registry) checkTranslation(o *Object, off, n uint64) error {
	s := o.storage.(*Imported)
	ps := r.domain.PageSize()
	first := o.mapping.Start + off
	last := first + n - 1
	for iova := first; ; iova = (iova &^ (ps - 1)) + ps {
		addr, err := r.domain.Translate(iova)
		if err != nil {
			return fmt.Errorf("%w: %v: %v", boerr.MappingFailed, o, err)
		}
		if want := s.pinned.Addr + (iova - o.mapping.Start); addr != want {
			return fmt.Errorf("%w: %v: device address %#x translates to %#x, want %#x", boerr.MappingFailed, o, iova, addr, want)
		}
		if iova&^(ps-1) >= last&^(ps-1) {
			return nil
		}
	}
}
