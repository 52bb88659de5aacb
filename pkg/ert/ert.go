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

// Package ert is a software model of the accelerator's embedded command
// scheduler. It takes commands in FIFO order, reports acceptance, executes
// them at a bounded rate, and reports completion or failure.
package ert

import (
	"context"
	"errors"
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/exec"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("scheduler closed")

// Policy decides the outcome of a command. A non-nil error fails the
// command with the error's text as reason.
type Policy func(cmd exec.Command) error

// CheckPacket is a Policy that fails commands whose payload is not a valid
// command packet.
func CheckPacket(cmd exec.Command) error {
	_, err := ParseHeader(cmd.Payload)
	return err
}

// Opts configures a Scheduler.
type Opts struct {
	// Rate is the number of commands executed per second. 0 means no limit.
	Rate float64

	// Burst is the number of commands that may execute back to back.
	Burst int

	// Policy decides the outcome of each command. nil completes every
	// command.
	Policy Policy
}

// Scheduler executes commands and reports their progress on an event
// channel.
type Scheduler struct {
	opts    Opts
	events  chan<- exec.Event
	limiter *rate.Limiter

	// wake is signalled when a command is enqueued.
	wake chan struct{}

	mu sync.Mutex
	// pending holds commands not yet taken, in FIFO order. It is protected
	// by mu.
	pending []exec.Command
	// closed is set by Close. It is protected by mu.
	closed bool

	executed atomicbitops.Uint64
	failed   atomicbitops.Uint64
}

// New returns a scheduler delivering events to events.
func New(opts Opts, events chan<- exec.Event) *Scheduler {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Scheduler{
		opts:    opts,
		events:  events,
		limiter: rate.NewLimiter(limit, opts.Burst),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue implements exec.Scheduler.Enqueue.
func (s *Scheduler) Enqueue(cmd exec.Command) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = append(s.pending, cmd)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Withdraw implements exec.Scheduler.Withdraw.
func (s *Scheduler) Withdraw(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cmd := range s.pending {
		if cmd.Index == index {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Close stops accepting commands and drops pending ones. It returns the
// number dropped.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	n := len(s.pending)
	s.pending = nil
	return n
}

// Pending returns the number of commands not yet taken.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Executed returns the number of commands executed, successfully or not.
func (s *Scheduler) Executed() uint64 { return s.executed.Load() }

// Failed returns the number of commands failed by the policy.
func (s *Scheduler) Failed() uint64 { return s.failed.Load() }

func (s *Scheduler) take() (exec.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return exec.Command{}, false
	}
	cmd := s.pending[0]
	s.pending = s.pending[1:]
	return cmd, true
}

func (s *Scheduler) send(ctx context.Context, ev exec.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes commands until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		cmd, ok := s.take()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.send(ctx, exec.Event{Kind: exec.EventAccept, Index: cmd.Index}); err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rate limiter: %w", err)
		}
		ev := exec.Event{Kind: exec.EventComplete, Index: cmd.Index}
		if s.opts.Policy != nil {
			if err := s.opts.Policy(cmd); err != nil {
				ev = exec.Event{Kind: exec.EventError, Index: cmd.Index, Reason: err.Error()}
				s.failed.Add(1)
			}
		}
		s.executed.Add(1)
		if log.IsLogging(log.Debug) {
			log.Debugf("ert: command %d (bo %d, %d bytes): %v", cmd.Index, cmd.Handle, len(cmd.Payload), ev.Kind)
		}
		if err := s.send(ctx, ev); err != nil {
			return err
		}
	}
}
