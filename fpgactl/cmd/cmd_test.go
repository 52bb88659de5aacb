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
	"strings"
	"testing"
	"time"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/device"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestBuildImage(t *testing.T) {
	b, err := buildImage(
		[]string{"1:0x0:64:true", "2:0x10000:128:false"},
		[]string{"0:0:0", "1:0:0"},
		[]string{"1:0x1800000:krnl:vadd_1"},
		[]string{"7:0:0x2000:monitor"},
	)
	if err != nil {
		t.Fatalf("buildImage: %v", err)
	}
	snap, err := metadata.Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []metadata.Bank{
		{Index: 0, Tag: 1, Base: 0, SizeKB: 64, Used: true},
		{Index: 1, Tag: 2, Base: 0x10000, SizeKB: 128},
	}
	if diff := cmp.Diff(want, snap.Banks()); diff != "" {
		t.Errorf("banks mismatch (-want +got):\n%s", diff)
	}
	ips := snap.IPs()
	if len(ips) != 1 || ips[0].Name != "krnl:vadd_1" || ips[0].Base != 0x1800000 {
		t.Errorf("IPs() = %+v, want one krnl:vadd_1 at 0x1800000", ips)
	}
	if got := len(snap.Connections()); got != 2 {
		t.Errorf("got %d connections, want 2", got)
	}
	if got := snap.DebugIPs(); len(got) != 1 || got[0].Name != "monitor" {
		t.Errorf("DebugIPs() = %+v, want one monitor", got)
	}

	for _, tc := range []struct {
		name                   string
		banks, conns, ips, dbg []string
	}{
		{name: "short bank", banks: []string{"1:0:64"}},
		{name: "bad base", banks: []string{"1:zero:64:true"}},
		{name: "bad used", banks: []string{"1:0:64:maybe"}},
		{name: "tag overflow", banks: []string{"0x100000000:0:64:true"}},
		{name: "short conn", conns: []string{"0:0"}},
		{name: "bad ip", ips: []string{"x:0:name"}},
		{name: "debug index overflow", dbg: []string{"1:256:0:name"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildImage(tc.banks, tc.conns, tc.ips, tc.dbg); err == nil {
				t.Errorf("buildImage succeeded")
			}
		})
	}
}

func TestWriteImage(t *testing.T) {
	b, err := buildImage([]string{"1:0x0:64:true"}, []string{"3:0:0"}, []string{"1:0x1000:cu"}, nil)
	if err != nil {
		t.Fatalf("buildImage: %v", err)
	}
	snap, err := metadata.Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var buf bytes.Buffer
	if err := writeImage(&buf, "yaml", snap); err != nil {
		t.Fatalf("writeImage(yaml): %v", err)
	}
	var got imageView
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("yaml.Unmarshal: %v\n%s", err, buf.String())
	}
	want := imageView{
		ID:          snap.ID().String(),
		Banks:       []bankView{{Index: 0, Tag: 1, Base: "0x0", Size: "64 KiB", Used: true}},
		Connections: []connectionView{{IP: 0, Arg: 3, Bank: 0}},
		IPs:         []ipView{{Index: 0, Type: 1, Base: "0x1000", Name: "cu"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("yaml output mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := writeImage(&buf, "text", snap); err != nil {
		t.Fatalf("writeImage(text): %v", err)
	}
	for _, s := range []string{snap.ID().String(), "BANK", "64 KiB", "cu"} {
		if !strings.Contains(buf.String(), s) {
			t.Errorf("text output missing %q:\n%s", s, buf.String())
		}
	}
	if err := writeImage(&buf, "xml", snap); err == nil {
		t.Errorf("writeImage(xml) succeeded")
	}
}

func newTestDevice(t *testing.T) *device.Device {
	t.Helper()
	conf := device.DefaultConfig()
	conf.Host.Size = 1024 * hostmem.PageSize
	conf.Exec.QueueCapacity = 4
	conf.Exec.CheckPackets = true
	d, err := device.New(conf)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d
}

func TestRunOnce(t *testing.T) {
	d := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	prev := Output
	Output = &out
	defer func() { Output = prev }()
	for _, o := range []runOpts{
		{size: 64 << 10, verbose: true},
		{size: 3*hostmem.PageSize + 17, userptr: true, flags: fpga.BO_FLAGS_CACHEABLE, verbose: true},
	} {
		if err := runOnce(ctx, d, o); err != nil {
			t.Fatalf("runOnce(%+v): %v", o, err)
		}
	}
	for _, s := range []string{"create 64 KiB", "import", "wait: Completed", "unmap and free: ok"} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("output missing %q:\n%s", s, out.String())
		}
	}
	info, err := d.InfoBuffer(1)
	if err == nil {
		t.Errorf("buffer 1 still live after runOnce: %+v", info)
	}
	if got := d.Host().PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d, want 0", got)
	}
}

func TestStress(t *testing.T) {
	d := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers, iterations = 6, 20
	if err := stress(ctx, d, workers, iterations, 8<<10); err != nil {
		t.Fatalf("stress: %v", err)
	}
	st := d.Tracker().Stats()
	if st.Completed != workers*iterations || st.Failed != 0 || st.Live != 0 || st.Violations != 0 {
		t.Errorf("tracker stats = %+v, want %d completed and nothing else", st, workers*iterations)
	}
	if got := d.Host().PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d, want 0", got)
	}
}
