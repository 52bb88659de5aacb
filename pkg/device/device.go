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

// Package device ties the buffer registry, the IOMMU, the execution tracker
// and the image metadata of one accelerator together, and exposes them as
// the driver's command surface.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/bo"
	"github.com/fpgabo/fpgabo/pkg/ert"
	"github.com/fpgabo/fpgabo/pkg/exec"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/fpgabo/fpgabo/pkg/iommu"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/fpgabo/fpgabo/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// ErrNotRunning is returned by ExecWait when the device was not started.
var ErrNotRunning = errors.New("device is not running")

// Device is one accelerator.
type Device struct {
	cfg *Config

	meta    *metadata.Store
	host    *hostmem.AddressSpace
	domain  *iommu.Domain
	reg     *bo.Registry
	tracker *exec.Tracker
	sched   *ert.Scheduler
	metrics *prometheus.Registry

	imageLoads     atomicbitops.Uint64
	imageLoadFails atomicbitops.Uint64

	mu sync.Mutex
	// cancel stops the goroutines started by Start. It is protected by mu.
	cancel context.CancelFunc
	// group runs the tracker and the scheduler. It is protected by mu.
	group *errgroup.Group
	// closed is set by Close. It is protected by mu.
	closed bool
}

// New returns a device configured by cfg. The device does not execute
// commands until Start is called.
func New(cfg *Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Copy()

	host, err := hostmem.NewAddressSpace(hostmem.AddressSpaceOpts{
		Base:      cfg.Host.Base,
		Size:      cfg.Host.Size,
		LockPages: cfg.Host.LockPages,
	})
	if err != nil {
		return nil, fmt.Errorf("creating host address space: %w", err)
	}
	cu := cleanup.Make(host.Release)
	defer cu.Clean()

	domain, err := iommu.NewDomain(iommu.DomainOpts{
		ApertureBase: cfg.IOMMU.ApertureBase,
		ApertureSize: cfg.IOMMU.ApertureSize,
		PageSize:     cfg.IOMMU.PageSize,
		MaxEntries:   cfg.IOMMU.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating iommu domain: %w", err)
	}

	d := &Device{
		cfg:    cfg,
		meta:   metadata.NewStore(),
		host:   host,
		domain: domain,
	}
	d.reg = bo.NewRegistry(bo.Opts{
		MaxSize:    cfg.Buffers.MaxSize,
		MaxSegment: cfg.Buffers.MaxSegment,
		CMABase:    cfg.CMA.Base,
		CMASize:    cfg.CMA.Size,
	}, d.meta, host, domain)

	d.tracker, err = exec.NewTracker(exec.Opts{
		Capacity:     cfg.Exec.QueueCapacity,
		EventBuffer:  cfg.Exec.EventBuffer,
		PollInterval: cfg.Exec.PollInterval,
	}, d.reg, nil)
	if err != nil {
		return nil, fmt.Errorf("creating execution tracker: %w", err)
	}
	opts := ert.Opts{Rate: cfg.Exec.Rate, Burst: cfg.Exec.Burst}
	if cfg.Exec.CheckPackets {
		opts.Policy = ert.CheckPacket
	}
	d.sched = ert.New(opts, d.tracker.Events())
	d.tracker.SetScheduler(d.sched)

	d.metrics = metrics.NewRegistry(metrics.NewCollector(cfg.Name, cfg.Labels, d.values))

	cu.Release()
	log.Infof("device %s: created, cma [%#x, +%#x), iommu aperture [%#x, +%#x), %d queue indices",
		cfg.Name, cfg.CMA.Base, cfg.CMA.Size, cfg.IOMMU.ApertureBase, cfg.IOMMU.ApertureSize, cfg.Exec.QueueCapacity)
	return d, nil
}

// Start runs the scheduler and the event loop of the tracker until ctx is
// done or Close is called.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device %s is closed", d.cfg.Name)
	}
	if d.group != nil {
		return fmt.Errorf("device %s already started", d.cfg.Name)
	}
	ctx, d.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.tracker.Run(gctx) })
	g.Go(func() error { return d.sched.Run(gctx) })
	d.group = g
	return nil
}

// Close stops execution and releases every buffer regardless of
// references, mappings or execution state.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel, g := d.cancel, d.group
	d.mu.Unlock()

	var err error
	if g != nil {
		cancel()
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	if n := d.sched.Close(); n != 0 {
		log.Infof("device %s: dropped %d pending commands", d.cfg.Name, n)
	}
	d.reg.Teardown()
	d.host.Release()
	log.Infof("device %s: closed", d.cfg.Name)
	return err
}

func (d *Device) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.group != nil && !d.closed
}

// Name returns the device name.
func (d *Device) Name() string { return d.cfg.Name }

// Config returns a copy of the device configuration.
func (d *Device) Config() *Config { return d.cfg.Copy() }

// Metrics returns the metrics registry of the device.
func (d *Device) Metrics() *prometheus.Registry { return d.metrics }

// Snapshot returns the current image metadata.
func (d *Device) Snapshot() *metadata.Snapshot { return d.meta.Current() }

// Host returns the application address space USERPTR buffers are imported
// from.
func (d *Device) Host() *hostmem.AddressSpace { return d.host }

// Tracker returns the execution tracker.
func (d *Device) Tracker() *exec.Tracker { return d.tracker }

func (d *Device) values() metrics.Values {
	st := d.tracker.Stats()
	ist := d.domain.Stats()
	return metrics.Values{
		LiveBuffers:    d.reg.Len(),
		MappedBuffers:  d.reg.Mapped(),
		PinnedPages:    d.host.PinnedPages(),
		IOMMUEntries:   ist.Entries,
		IOVABytes:      ist.IOVABytes,
		QueueLive:      st.Live,
		Generation:     d.meta.Current().Generation(),
		Submitted:      st.Submitted,
		Completed:      st.Completed,
		Failed:         st.Failed,
		Withdrawn:      st.Withdrawn,
		Violations:     st.Violations,
		ImageLoads:     d.imageLoads.Load(),
		ImageLoadFails: d.imageLoadFails.Load(),
	}
}

// LoadImage parses the metadata of a newly loaded image and makes it
// current. It returns the id of the new snapshot.
func (d *Device) LoadImage(raw []byte) (uuid.UUID, error) {
	snap, err := d.loadImage(raw)
	if err != nil {
		return uuid.Nil, err
	}
	return snap.ID(), nil
}

func (d *Device) loadImage(raw []byte) (*metadata.Snapshot, error) {
	snap, err := d.meta.Load(raw)
	if err != nil {
		d.imageLoadFails.Add(1)
		return nil, err
	}
	d.imageLoads.Add(1)
	return snap, nil
}

// CreateBuffer creates a device-contiguous buffer of size bytes.
func (d *Device) CreateBuffer(size uint64, flags fpga.BOFlags) (uint32, error) {
	return d.reg.Create(size, flags)
}

// ImportUserptr imports [addr, addr+size) of application memory as a
// buffer.
func (d *Device) ImportUserptr(addr, size uint64, flags fpga.BOFlags) (uint32, error) {
	return d.reg.ImportUserptr(addr, size, flags)
}

// MapBuffer makes h accessible to the device and returns its device
// address range.
func (d *Device) MapBuffer(h uint32) (devAddr, length uint64, err error) {
	m, err := d.reg.Map(h)
	if err != nil {
		return 0, 0, err
	}
	return m.Start, m.Length, nil
}

// UnmapBuffer removes the device mapping of h.
func (d *Device) UnmapBuffer(h uint32) error {
	return d.reg.Unmap(h)
}

// SyncBuffer makes [off, off+n) of h coherent in direction dir.
func (d *Device) SyncBuffer(h uint32, dir fpga.SyncDirection, off, n uint64) error {
	return d.reg.Sync(h, off, n, dir)
}

// InfoBuffer describes h.
func (d *Device) InfoBuffer(h uint32) (bo.Info, error) {
	return d.reg.Describe(h)
}

// WriteBuffer copies data into h at off.
func (d *Device) WriteBuffer(h uint32, off uint64, data []byte) error {
	return d.reg.Write(h, off, data)
}

// ReadBuffer returns n bytes of h at off.
func (d *Device) ReadBuffer(h uint32, off, n uint64) ([]byte, error) {
	return d.reg.Read(h, off, n)
}

// FreeBuffer drops a reference to h.
func (d *Device) FreeBuffer(h uint32) error {
	return d.reg.Free(h)
}

// DupBuffer takes an additional reference to h.
func (d *Device) DupBuffer(h uint32) error {
	return d.reg.Dup(h)
}

// SubmitExec submits command buffer h and returns its queue index.
func (d *Device) SubmitExec(h uint32) (uint32, error) {
	return d.tracker.Submit(h)
}

// ExecState returns the execution state of command buffer h.
func (d *Device) ExecState(h uint32) (bo.ExecState, error) {
	return d.tracker.Query(h)
}

// ExecWait waits until command buffer h completes or fails, or ctx is done.
func (d *Device) ExecWait(ctx context.Context, h uint32) (bo.ExecState, error) {
	if !d.running() {
		return 0, ErrNotRunning
	}
	return d.tracker.Wait(ctx, h)
}

// ExecReset returns a finished command buffer to New.
func (d *Device) ExecReset(h uint32) error {
	return d.tracker.Reset(h)
}

// ExecWithdraw takes back a queued command buffer the scheduler has not
// accepted yet.
func (d *Device) ExecWithdraw(h uint32) error {
	return d.tracker.Withdraw(h)
}
