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

// Package exec tracks command buffers submitted to the accelerator's
// hardware scheduler.
//
// A command buffer moves through the states
//
//	New -> Queued -> Running -> Completed
//
// and may move to Error from Queued or Running. Queued and Running commands
// own a queue index. Scheduler events are delivered on the channel returned
// by Tracker.Events and applied by a single goroutine running Tracker.Run.
//
// Lock order:
//
//	bo.Object.mu
//	  Tracker.mu
package exec

import (
	"fmt"
	"time"

	"github.com/fpgabo/fpgabo/pkg/bo"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Command is a command buffer handed to the scheduler.
type Command struct {
	Index  uint32
	Handle uint32

	// DevAddr is the device address of the command buffer if Mapped.
	Mapped  bool
	DevAddr uint64

	// Payload is a copy of the command buffer contents at submission.
	Payload []byte
}

// Scheduler is the hardware command scheduler.
type Scheduler interface {
	// Enqueue hands cmd to the scheduler. It must not block and must not
	// deliver events for cmd before returning.
	Enqueue(cmd Command) error

	// Withdraw removes the command with the given index if the scheduler
	// has not yet accepted it, and returns true if it did.
	Withdraw(index uint32) bool
}

// Opts configures a Tracker.
type Opts struct {
	// Capacity is the number of queue indices.
	Capacity uint32

	// EventBuffer is the capacity of the event channel.
	EventBuffer int

	// PollInterval is the polling period of Wait.
	PollInterval time.Duration
}

// Stats are cumulative counters of a Tracker.
type Stats struct {
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	Withdrawn  uint64
	Violations uint64
	Live       int
}

type slot struct {
	obj *bo.Object
}

// Tracker is the execution tracker of one device.
type Tracker struct {
	opts  Opts
	reg   *bo.Registry
	sched Scheduler

	events chan Event

	mu sync.Mutex
	// slots holds the object owning each queue index. It is protected by
	// mu.
	slots []slot
	// cursor is the next index to consider for assignment. It is protected
	// by mu.
	cursor uint32
	// live is the number of occupied slots. It is protected by mu.
	live int

	submitted  atomicbitops.Uint64
	completed  atomicbitops.Uint64
	failed     atomicbitops.Uint64
	withdrawn  atomicbitops.Uint64
	violations atomicbitops.Uint64

	violationLog log.Logger
}

// NewTracker returns a tracker submitting command buffers from reg to sched.
func NewTracker(opts Opts, reg *bo.Registry, sched Scheduler) (*Tracker, error) {
	if opts.Capacity == 0 {
		return nil, fmt.Errorf("%w: queue capacity 0", boerr.InvalidArgument)
	}
	if opts.EventBuffer < 0 {
		return nil, fmt.Errorf("%w: event buffer %d", boerr.InvalidArgument, opts.EventBuffer)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	return &Tracker{
		opts:         opts,
		reg:          reg,
		sched:        sched,
		events:       make(chan Event, opts.EventBuffer),
		slots:        make([]slot, opts.Capacity),
		violationLog: log.BasicRateLimitedLogger(time.Second),
	}, nil
}

// SetScheduler sets the scheduler. It must be called before the first
// Submit if NewTracker was passed a nil scheduler.
func (t *Tracker) SetScheduler(s Scheduler) { t.sched = s }

// Capacity returns the number of queue indices.
func (t *Tracker) Capacity() uint32 { return t.opts.Capacity }

// assignLocked assigns the first free index at or after the cursor to o.
//
// Preconditions: t.mu is locked.
func (t *Tracker) assignLocked(o *bo.Object) (uint32, bool) {
	if t.live == len(t.slots) {
		return 0, false
	}
	for {
		idx := t.cursor
		t.cursor++
		if t.cursor == t.opts.Capacity {
			t.cursor = 0
		}
		if t.slots[idx].obj == nil {
			t.slots[idx].obj = o
			t.live++
			return idx, true
		}
	}
}

// release frees index idx if it is still owned by o.
func (t *Tracker) release(idx uint32, o *bo.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[idx].obj == o {
		t.slots[idx].obj = nil
		t.live--
	}
}

// owner returns the object owning idx, or nil.
func (t *Tracker) owner(idx uint32) *bo.Object {
	if idx >= t.opts.Capacity {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[idx].obj
}

// lockExec returns the locked command buffer h and its execution metadata.
func (t *Tracker) lockExec(h uint32) (*bo.Object, *bo.ExecMetadata, error) {
	o, err := t.reg.Lookup(h)
	if err != nil {
		return nil, nil, err
	}
	o.Lock()
	if o.FreedLocked() {
		o.Unlock()
		return nil, nil, fmt.Errorf("%w: %d", boerr.InvalidHandle, h)
	}
	e := o.ExecLocked()
	if e == nil {
		o.Unlock()
		return nil, nil, fmt.Errorf("%w: %v", boerr.NotExecbuf, o)
	}
	return o, e, nil
}

// Submit queues command buffer h and returns its queue index. The call
// returns as soon as the scheduler has the command; use Query or Wait to
// observe completion.
func (t *Tracker) Submit(h uint32) (uint32, error) {
	o, e, err := t.lockExec(h)
	if err != nil {
		return 0, err
	}
	defer o.Unlock()
	if e.State != bo.ExecNew {
		return 0, fmt.Errorf("%w: %v is %v", boerr.WrongState, o, e.State)
	}

	t.mu.Lock()
	idx, ok := t.assignLocked(o)
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: all %d queue indices in use", boerr.QueueFull, t.opts.Capacity)
	}

	payload := o.BytesLocked()
	cmd := Command{
		Index:   idx,
		Handle:  h,
		Payload: append(make([]byte, 0, len(payload)), payload...),
	}
	if m := o.MappingLocked(); m != nil {
		cmd.Mapped = true
		cmd.DevAddr = m.Start
	}
	*e = bo.ExecMetadata{State: bo.ExecQueued, Index: idx}
	if err := t.sched.Enqueue(cmd); err != nil {
		*e = bo.ExecMetadata{State: bo.ExecNew}
		t.release(idx, o)
		return 0, fmt.Errorf("enqueueing %v at index %d: %w", o, idx, err)
	}
	t.submitted.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("exec: submitted %v at index %d", o, idx)
	}
	return idx, nil
}

// Query returns the execution state of h.
func (t *Tracker) Query(h uint32) (bo.ExecState, error) {
	o, e, err := t.lockExec(h)
	if err != nil {
		return 0, err
	}
	defer o.Unlock()
	return e.State, nil
}

// Reset returns a completed or failed command buffer to New so that it can
// be submitted again.
func (t *Tracker) Reset(h uint32) error {
	o, e, err := t.lockExec(h)
	if err != nil {
		return err
	}
	defer o.Unlock()
	if !e.State.Terminal() {
		return fmt.Errorf("%w: cannot reset %v while %v", boerr.WrongState, o, e.State)
	}
	*e = bo.ExecMetadata{State: bo.ExecNew}
	return nil
}

// Withdraw takes back a queued command buffer that the scheduler has not
// yet accepted, returning it to New. Running commands cannot be withdrawn.
func (t *Tracker) Withdraw(h uint32) error {
	o, e, err := t.lockExec(h)
	if err != nil {
		return err
	}
	defer o.Unlock()
	if e.State != bo.ExecQueued {
		return fmt.Errorf("%w: cannot withdraw %v while %v", boerr.WrongState, o, e.State)
	}
	idx := e.Index
	if !t.sched.Withdraw(idx) {
		return fmt.Errorf("%w: %v at index %d already accepted by the scheduler", boerr.WrongState, o, idx)
	}
	*e = bo.ExecMetadata{State: bo.ExecNew}
	t.release(idx, o)
	t.withdrawn.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("exec: withdrew %v from index %d", o, idx)
	}
	return nil
}

// Violations returns the number of scheduler protocol violations observed.
func (t *Tracker) Violations() uint64 { return t.violations.Load() }

// Stats returns cumulative counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	live := t.live
	t.mu.Unlock()
	return Stats{
		Submitted:  t.submitted.Load(),
		Completed:  t.completed.Load(),
		Failed:     t.failed.Load(),
		Withdrawn:  t.withdrawn.Load(),
		Violations: t.violations.Load(),
		Live:       live,
	}
}
