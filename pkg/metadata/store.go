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

// Package metadata parses and holds the memory topology, connectivity, IP
// layout and debug layout of the currently loaded accelerator image.
//
// The current snapshot is swapped atomically: readers never block on a
// concurrent Load and always observe a consistent bank/connectivity pairing.
// The store does not track which buffers were validated against which
// snapshot; a bank index that no longer exists after a reload is reported as
// boerr.UnknownBank the next time it is resolved.
package metadata

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Store holds the current snapshot of a device.
type Store struct {
	// loadMu serializes Load.
	loadMu sync.Mutex

	// lastGen is the generation of the most recent successful Load. It is
	// protected by loadMu.
	lastGen uint64

	cur atomic.Pointer[Snapshot]
}

// NewStore returns a Store whose current snapshot is Empty.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(Empty)
	return s
}

// Load parses raw and, on success, makes the result the current snapshot.
// On failure the current snapshot is unchanged.
func (s *Store) Load(raw []byte) (*Snapshot, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	snap, err := Parse(raw)
	if err != nil {
		log.Warningf("metadata: rejecting image metadata (%d bytes): %v", len(raw), err)
		return nil, err
	}
	s.lastGen++
	snap.generation = s.lastGen
	prev := s.cur.Swap(snap)
	log.Infof("metadata: loaded %v, replacing generation %d", snap, prev.generation)
	if log.IsLogging(log.Debug) {
		for _, b := range snap.banks {
			log.Debugf("metadata: %v", b)
		}
	}
	return snap, nil
}

// Current returns the current snapshot. It is never nil.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// ResolveBank resolves bank index i against the current snapshot.
func (s *Store) ResolveBank(i uint32) (Bank, error) {
	return s.Current().ResolveBank(i)
}
