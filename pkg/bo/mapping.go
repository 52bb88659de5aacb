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

	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/iommu"
	"gvisor.dev/gvisor/pkg/log"
)

// validateBank re-resolves the bank backing c against the current image.
// It fails with UnknownBank if an image loaded since c was created no longer
// describes the same bank.
func (r *Registry) validateBank(c *Contiguous) error {
	if !c.hasBank {
		return nil
	}
	snap := r.meta.Current()
	if snap.Generation() == c.gen {
		return nil
	}
	b, err := snap.ResolveBank(c.bank.Index)
	if err != nil {
		return fmt.Errorf("buffer at %#x allocated from %v of image generation %d: %w", c.devAddr, c.bank, c.gen, err)
	}
	if !b.Used || b.Base != c.bank.Base || b.SizeKB != c.bank.SizeKB || b.Tag != c.bank.Tag {
		return fmt.Errorf("%w: buffer at %#x allocated from %v of image generation %d, now %v", boerr.UnknownBank, c.devAddr, c.bank, c.gen, b)
	}
	return nil
}

// Map grants the device access to h and returns the device address range.
// Contiguous buffers expose their device address directly; imported buffers
// are mapped through the IOMMU.
func (r *Registry) Map(h uint32) (iommu.Mapping, error) {
	o, err := r.lookupLocked(h)
	if err != nil {
		return iommu.Mapping{}, err
	}
	defer o.mu.Unlock()
	if o.mapping != nil {
		return iommu.Mapping{}, fmt.Errorf("%w: %v at %v", boerr.AlreadyMapped, o, o.mapping)
	}
	var m *iommu.Mapping
	switch s := o.storage.(type) {
	case *Contiguous:
		if err := r.validateBank(s); err != nil {
			return iommu.Mapping{}, err
		}
		m = iommu.Direct(s.devAddr, o.size)
	case *Imported:
		m, err = r.domain.Map(s.sgl)
		if err != nil {
			return iommu.Mapping{}, fmt.Errorf("mapping %v: %w", o, err)
		}
	}
	o.mapping = m
	r.mapped.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("bo: mapped %v: %v", o, m)
	}
	return *m, nil
}

// Unmap revokes the device mapping of h. Unmapping a buffer that is not
// mapped fails with NotMapped.
func (r *Registry) Unmap(h uint32) error {
	o, err := r.lookupLocked(h)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()
	if o.mapping == nil {
		return fmt.Errorf("%w: %v", boerr.NotMapped, o)
	}
	r.domain.Unmap(o.mapping)
	if log.IsLogging(log.Debug) {
		log.Debugf("bo: unmapped %v: %v", o, o.mapping)
	}
	o.mapping = nil
	r.mapped.Add(-1)
	return nil
}
