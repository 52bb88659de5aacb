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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/bo"
	"github.com/fpgabo/fpgabo/pkg/device"
	"github.com/fpgabo/fpgabo/pkg/ert"
	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	image     string
	size      uint64
	bank      uint
	userptr   bool
	cacheable bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run one buffer through the device and print each step"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-image <file>] [-size n] [-bank n] [-userptr] [-cacheable] - creates or imports a buffer, writes and reads it,
maps it, submits a command referencing it, waits for completion, unmaps and frees it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.image, "image", "", "image metadata to load before creating the buffer.")
	f.Uint64Var(&r.size, "size", 64<<10, "buffer size in bytes.")
	f.UintVar(&r.bank, "bank", 0, "memory bank of a created buffer.")
	f.BoolVar(&r.userptr, "userptr", false, "import application memory instead of creating a device buffer.")
	f.BoolVar(&r.cacheable, "cacheable", false, "create a cacheable buffer.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*device.Config)

	d, err := device.New(conf)
	if err != nil {
		Fatalf("creating device: %v", err)
	}
	defer d.Close()
	if err := d.Start(ctx); err != nil {
		Fatalf("starting device: %v", err)
	}
	if r.image != "" {
		raw, err := os.ReadFile(r.image)
		if err != nil {
			Fatalf("reading image: %v", err)
		}
		id, err := d.LoadImage(raw)
		if err != nil {
			Fatalf("loading image: %v", err)
		}
		printf("load image %s: %v", r.image, id)
	}
	if err := runOnce(ctx, d, r.opts()); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Run) opts() runOpts {
	o := runOpts{size: r.size, userptr: r.userptr, verbose: true}
	if r.bank > uint(fpga.BO_FLAGS_BANK_MASK) {
		Fatalf("bank %d out of range", r.bank)
	}
	o.flags = fpga.BOFlags(r.bank)
	if r.cacheable {
		o.flags |= fpga.BO_FLAGS_CACHEABLE
	}
	return o
}

type runOpts struct {
	size    uint64
	flags   fpga.BOFlags
	userptr bool
	verbose bool
	// pattern seeds the data written to the buffer.
	pattern byte
}

// runOnce takes one buffer through its whole lifecycle on d.
func runOnce(ctx context.Context, d *device.Device, o runOpts) error {
	step := func(format string, args ...any) {
		if o.verbose {
			printf(format, args...)
		}
	}
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	var (
		h    uint32
		addr uint64
	)
	if o.userptr {
		var err error
		addr, _, err = d.Host().Alloc(o.size)
		if err != nil {
			return fmt.Errorf("allocating application memory: %w", err)
		}
		cu.Add(func() { d.Host().Free(addr) })
		if h, err = d.ImportUserptr(addr, o.size, o.flags); err != nil {
			return fmt.Errorf("import %#x: %w", addr, err)
		}
		step("import %s at %#x: handle %d", humanize.IBytes(o.size), addr, h)
	} else {
		var err error
		if h, err = d.CreateBuffer(o.size, o.flags); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		step("create %s (%v): handle %d", humanize.IBytes(o.size), o.flags, h)
	}
	cu.Add(func() { d.FreeBuffer(h) })

	n := min(o.size, 4096)
	data := make([]byte, n)
	for i := range data {
		data[i] = o.pattern + byte(i)
	}
	if err := d.WriteBuffer(h, 0, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got, err := d.ReadBuffer(h, 0, n)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("read back %d bytes that differ from the written data", n)
	}
	step("write and read %s: ok", humanize.IBytes(n))

	devAddr, length, err := d.MapBuffer(h)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	cu.Add(func() { d.UnmapBuffer(h) })
	step("map: device range [%#x, +%s)", devAddr, humanize.IBytes(length))
	if err := d.SyncBuffer(h, fpga.SYNC_BO_TO_DEVICE, 0, o.size); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	cmd, err := d.CreateBuffer(64, fpga.BO_FLAGS_EXECBUF|fpga.BO_FLAGS_CMA)
	if err != nil {
		return fmt.Errorf("create command buffer: %w", err)
	}
	cu.Add(func() { d.FreeBuffer(cmd) })
	if err := d.WriteBuffer(cmd, 0, ert.Packet(ert.OpStartCU, uint32(devAddr), uint32(devAddr>>32), uint32(length))); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	idx, err := d.SubmitExec(cmd)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	step("submit: command buffer %d at queue index %d", cmd, idx)
	state, err := d.ExecWait(ctx, cmd)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	step("wait: %v", state)
	if state != bo.ExecCompleted {
		return fmt.Errorf("command finished %v", state)
	}
	if err := d.SyncBuffer(h, fpga.SYNC_BO_FROM_DEVICE, 0, o.size); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	cu.Release()
	if err := d.FreeBuffer(cmd); err != nil {
		return fmt.Errorf("free command buffer: %w", err)
	}
	if err := d.UnmapBuffer(h); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	if err := d.FreeBuffer(h); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	if o.userptr {
		if err := d.Host().Free(addr); err != nil {
			return fmt.Errorf("freeing application memory: %w", err)
		}
	}
	step("unmap and free: ok")
	return nil
}
