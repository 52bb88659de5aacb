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

package ert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/bo"
	"github.com/fpgabo/fpgabo/pkg/exec"
	"github.com/fpgabo/fpgabo/pkg/iommu"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"golang.org/x/sync/errgroup"
)

func TestPacket(t *testing.T) {
	p := Packet(OpStartCU, 1, 2, 3)
	h, err := ParseHeader(p)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Opcode() != OpStartCU || h.Count() != 3 {
		t.Errorf("ParseHeader = %v/%d, want START_CU/3", h.Opcode(), h.Count())
	}
	if got := MakeHeader(OpWrite, 2); got.Opcode() != OpWrite || got.Count() != 2 {
		t.Errorf("MakeHeader(WRITE, 2) decodes as %v/%d", got.Opcode(), got.Count())
	}

	for name, b := range map[string][]byte{
		"empty":     nil,
		"truncated": Packet(OpConfigure, 1, 2)[:8],
		"opcode":    Packet(Opcode(17)),
	} {
		if _, err := ParseHeader(b); err == nil {
			t.Errorf("ParseHeader(%s) succeeded", name)
		}
	}
}

func TestWithdrawBeforeTaken(t *testing.T) {
	events := make(chan exec.Event, 4)
	s := New(Opts{}, events)
	for i := uint32(0); i < 3; i++ {
		if err := s.Enqueue(exec.Command{Index: i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if !s.Withdraw(1) {
		t.Errorf("Withdraw(1) of pending command failed")
	}
	if s.Withdraw(1) {
		t.Errorf("second Withdraw(1) succeeded")
	}
	if got := s.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	if got := s.Close(); got != 2 {
		t.Errorf("Close() dropped %d commands, want 2", got)
	}
	if err := s.Enqueue(exec.Command{Index: 5}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

func TestExecutesThroughTracker(t *testing.T) {
	domain, err := iommu.NewDomain(iommu.DomainOpts{
		ApertureBase: 0x1_0000_0000,
		ApertureSize: 1 << 20,
		PageSize:     4096,
		MaxEntries:   64,
	})
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	reg := bo.NewRegistry(bo.Opts{MaxSize: 1 << 16, CMABase: 0x4000_0000, CMASize: 1 << 24}, metadata.NewStore(), nil, domain)
	t.Cleanup(reg.Teardown)
	tr, err := exec.NewTracker(exec.Opts{Capacity: 8, EventBuffer: 4, PollInterval: time.Millisecond}, reg, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	sched := New(Opts{Rate: 1000, Burst: 4, Policy: CheckPacket}, tr.Events())
	tr.SetScheduler(sched)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	defer func() {
		cancel()
		if err := g.Wait(); !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	}()

	const n = 12
	handles := make([]uint32, n)
	for i := range handles {
		h, err := reg.Create(64, fpga.BO_FLAGS_EXECBUF)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		packet := Packet(OpStartCU, uint32(i))
		if i == 5 {
			packet = Packet(Opcode(30))
		}
		if err := reg.Write(h, 0, packet); err != nil {
			t.Fatalf("Write: %v", err)
		}
		handles[i] = h
	}

	wctx, wcancel := context.WithTimeout(ctx, 30*time.Second)
	defer wcancel()
	for i, h := range handles {
		// The queue holds 8 commands, so wait for earlier ones before it
		// fills up.
		if i >= 8 {
			if _, err := tr.Wait(wctx, handles[i-8]); err != nil {
				t.Fatalf("Wait: %v", err)
			}
		}
		if _, err := tr.Submit(h); err != nil {
			t.Fatalf("Submit(%d): %v", h, err)
		}
	}
	for i, h := range handles {
		got, err := tr.Wait(wctx, h)
		if err != nil {
			t.Fatalf("Wait(%d): %v", h, err)
		}
		want := bo.ExecCompleted
		if i == 5 {
			want = bo.ExecError
		}
		if got != want {
			t.Errorf("command %d finished %v, want %v", i, got, want)
		}
	}
	if got := sched.Executed(); got != n {
		t.Errorf("Executed() = %d, want %d", got, n)
	}
	if got := sched.Failed(); got != 1 {
		t.Errorf("Failed() = %d, want 1", got)
	}
	if got := tr.Violations(); got != 0 {
		t.Errorf("Violations() = %d, want 0", got)
	}
}
