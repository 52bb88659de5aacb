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

package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/fpgabo/fpgabo/pkg/bo"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"gvisor.dev/gvisor/pkg/log"
)

// EventKind is the kind of a scheduler event.
type EventKind int

// Scheduler events.
const (
	// EventAccept reports that the scheduler started a queued command.
	EventAccept EventKind = iota
	// EventComplete reports that a running command finished.
	EventComplete
	// EventError reports that a queued or running command failed.
	EventError
)

// String implements fmt.Stringer.String.
func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification from the scheduler about the command at Index.
type Event struct {
	Kind  EventKind
	Index uint32

	// Reason describes an EventError.
	Reason string
}

// Events returns the channel the scheduler delivers events on.
func (t *Tracker) Events() chan<- Event { return t.events }

// Run applies scheduler events until ctx is done. Protocol violations are
// counted and logged; they do not stop the loop.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-t.events:
			t.handle(ev)
		}
	}
}

func (t *Tracker) handle(ev Event) error {
	switch ev.Kind {
	case EventAccept:
		return t.OnAccept(ev.Index)
	case EventComplete:
		return t.OnComplete(ev.Index)
	case EventError:
		return t.OnError(ev.Index, ev.Reason)
	default:
		return t.violation(ev, "unknown event kind")
	}
}

func (t *Tracker) violation(ev Event, format string, args ...any) error {
	t.violations.Add(1)
	err := fmt.Errorf("%w: %v event for index %d: %s", boerr.SchedulerProtocolViolation, ev.Kind, ev.Index, fmt.Sprintf(format, args...))
	t.violationLog.Warningf("exec: ignoring %v", err)
	return err
}

// transition applies ev to the command owning ev.Index. from reports
// whether the event is valid in a given state, and to is the state entered.
func (t *Tracker) transition(ev Event, from func(bo.ExecState) bool, to bo.ExecState) error {
	o := t.owner(ev.Index)
	if o == nil {
		return t.violation(ev, "no command owns the index")
	}
	o.Lock()
	defer o.Unlock()
	e := o.ExecLocked()
	if o.FreedLocked() || e == nil || !e.State.Active() || e.Index != ev.Index {
		return t.violation(ev, "%v no longer owns the index", o)
	}
	if !from(e.State) {
		return t.violation(ev, "%v is %v", o, e.State)
	}
	e.State = to
	if to.Terminal() {
		e.Index = 0
		t.release(ev.Index, o)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("exec: %v at index %d is %v", o, ev.Index, to)
	}
	return nil
}

// OnAccept moves the command at index from Queued to Running.
func (t *Tracker) OnAccept(index uint32) error {
	return t.transition(Event{Kind: EventAccept, Index: index},
		func(s bo.ExecState) bool { return s == bo.ExecQueued }, bo.ExecRunning)
}

// OnComplete moves the command at index from Running to Completed and frees
// the index.
func (t *Tracker) OnComplete(index uint32) error {
	err := t.transition(Event{Kind: EventComplete, Index: index},
		func(s bo.ExecState) bool { return s == bo.ExecRunning }, bo.ExecCompleted)
	if err == nil {
		t.completed.Add(1)
	}
	return err
}

// OnError moves the command at index from Queued or Running to Error and
// frees the index.
func (t *Tracker) OnError(index uint32, reason string) error {
	ev := Event{Kind: EventError, Index: index, Reason: reason}
	err := t.transition(ev, bo.ExecState.Active, bo.ExecError)
	if err == nil {
		t.failed.Add(1)
		log.Infof("exec: command at index %d failed: %s", index, reason)
	}
	return err
}

var errPending = errors.New("command pending")

// Wait polls h until its command reaches Completed or Error, or ctx is done.
// It returns the last observed state.
func (t *Tracker) Wait(ctx context.Context, h uint32) (bo.ExecState, error) {
	var state bo.ExecState
	op := func() error {
		s, err := t.Query(h)
		if err != nil {
			return backoff.Permanent(err)
		}
		state = s
		if s == bo.ExecNew {
			return backoff.Permanent(fmt.Errorf("%w: buffer %d is not submitted", boerr.WrongState, h))
		}
		if !s.Terminal() {
			return errPending
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(t.opts.PollInterval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errPending) || errors.Is(err, ctx.Err()) {
			// The backoff stops polling once the deadline is nearer than
			// one poll interval, before ctx itself is done.
			cerr := ctx.Err()
			if cerr == nil {
				cerr = context.DeadlineExceeded
			}
			return state, fmt.Errorf("waiting for buffer %d in state %v: %w", h, state, cerr)
		}
		return state, err
	}
	return state, nil
}
