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

package device

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/hostmem"
	"github.com/mohae/deepcopy"
)

// Config is the configuration of a Device.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name string `toml:"name"`

	// Labels are attached to every metric of the device.
	Labels map[string]string `toml:"labels"`

	Buffers BuffersConfig `toml:"buffers"`
	CMA     CMAConfig     `toml:"cma"`
	IOMMU   IOMMUConfig   `toml:"iommu"`
	Exec    ExecConfig    `toml:"exec"`
	Host    HostConfig    `toml:"host"`
}

// BuffersConfig limits buffer objects.
type BuffersConfig struct {
	// MaxSize is the largest buffer that can be created or imported.
	MaxSize uint64 `toml:"max_size"`

	// MaxSegment bounds the scatter list segments of imported buffers. 0
	// means unlimited.
	MaxSegment uint64 `toml:"max_segment"`
}

// CMAConfig describes the contiguous device memory aperture used when an
// image has no memory banks.
type CMAConfig struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// IOMMUConfig describes the IOMMU domain imported buffers are mapped into.
type IOMMUConfig struct {
	ApertureBase uint64 `toml:"aperture_base"`
	ApertureSize uint64 `toml:"aperture_size"`
	PageSize     uint64 `toml:"page_size"`
	MaxEntries   int    `toml:"max_entries"`
}

// ExecConfig configures command execution.
type ExecConfig struct {
	// QueueCapacity is the number of scheduler queue indices.
	QueueCapacity uint32 `toml:"queue_capacity"`

	// EventBuffer is the capacity of the scheduler event channel.
	EventBuffer int `toml:"event_buffer"`

	// PollInterval is the polling period of ExecWait.
	PollInterval time.Duration `toml:"poll_interval"`

	// Rate and Burst bound the command throughput of the scheduler. A Rate
	// of 0 means unlimited.
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`

	// CheckPackets makes the scheduler fail commands that are not valid
	// command packets.
	CheckPackets bool `toml:"check_packets"`
}

// HostConfig describes the application address space USERPTR buffers are
// imported from.
type HostConfig struct {
	Base      uint64 `toml:"base"`
	Size      uint64 `toml:"size"`
	LockPages bool   `toml:"lock_pages"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "fpga0",
		Buffers: BuffersConfig{
			MaxSize:    256 << 20,
			MaxSegment: 2 << 20,
		},
		CMA: CMAConfig{
			Base: 0x6000_0000,
			Size: 512 << 20,
		},
		IOMMU: IOMMUConfig{
			ApertureBase: 0x1_0000_0000,
			ApertureSize: 4 << 30,
			PageSize:     hostmem.PageSize,
			MaxEntries:   1 << 20,
		},
		Exec: ExecConfig{
			QueueCapacity: 128,
			EventBuffer:   64,
			PollInterval:  time.Millisecond,
			Burst:         1,
		},
		Host: HostConfig{
			Base: hostmem.DefaultBase,
			Size: 64 << 20,
		},
	}
}

// LoadConfig reads a TOML configuration file. Settings missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return nil, fmt.Errorf("%w: %q: unknown settings %v", boerr.InvalidArgument, path, keys)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return c, nil
}

func pageAligned(x uint64) bool { return x%hostmem.PageSize == 0 }

// Validate checks that c describes a usable device.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", boerr.InvalidArgument, fmt.Sprintf(format, args...))
	}
	if c.Name == "" {
		return invalid("device name is empty")
	}
	if c.Buffers.MaxSize == 0 {
		return invalid("buffers.max_size is 0")
	}
	if c.Buffers.MaxSegment != 0 && c.Buffers.MaxSegment < hostmem.PageSize {
		return invalid("buffers.max_segment %d is smaller than a page", c.Buffers.MaxSegment)
	}
	if c.CMA.Size == 0 || !pageAligned(c.CMA.Base) || !pageAligned(c.CMA.Size) || c.CMA.Base+c.CMA.Size < c.CMA.Base {
		return invalid("cma [%#x, +%#x) must be a non-empty page-aligned range", c.CMA.Base, c.CMA.Size)
	}
	ps := c.IOMMU.PageSize
	if ps < hostmem.PageSize || ps&(ps-1) != 0 {
		return invalid("iommu.page_size %#x must be a power of two no smaller than %#x", ps, hostmem.PageSize)
	}
	if c.IOMMU.ApertureSize == 0 || c.IOMMU.ApertureBase%ps != 0 || c.IOMMU.ApertureSize%ps != 0 || c.IOMMU.ApertureBase+c.IOMMU.ApertureSize < c.IOMMU.ApertureBase {
		return invalid("iommu aperture [%#x, +%#x) must be a non-empty range aligned to %#x", c.IOMMU.ApertureBase, c.IOMMU.ApertureSize, ps)
	}
	if c.CMA.Base < c.IOMMU.ApertureBase+c.IOMMU.ApertureSize && c.IOMMU.ApertureBase < c.CMA.Base+c.CMA.Size {
		return invalid("cma [%#x, +%#x) overlaps the iommu aperture", c.CMA.Base, c.CMA.Size)
	}
	if c.IOMMU.MaxEntries <= 0 {
		return invalid("iommu.max_entries %d", c.IOMMU.MaxEntries)
	}
	if c.Exec.QueueCapacity == 0 || c.Exec.QueueCapacity > 1<<16 {
		return invalid("exec.queue_capacity %d out of range [1, 65536]", c.Exec.QueueCapacity)
	}
	if c.Exec.EventBuffer < 0 {
		return invalid("exec.event_buffer %d", c.Exec.EventBuffer)
	}
	if c.Exec.PollInterval <= 0 {
		return invalid("exec.poll_interval %v", c.Exec.PollInterval)
	}
	if c.Exec.Rate < 0 || c.Exec.Burst < 0 {
		return invalid("exec rate %v burst %d", c.Exec.Rate, c.Exec.Burst)
	}
	if c.Host.Size == 0 || !pageAligned(c.Host.Base) || !pageAligned(c.Host.Size) || c.Host.Base+c.Host.Size < c.Host.Base {
		return invalid("host [%#x, +%#x) must be a non-empty page-aligned range", c.Host.Base, c.Host.Size)
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}
