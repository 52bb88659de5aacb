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

// Package fpga defines the buffer-object flags and the ioctl command surface
// of the FPGA accelerator driver. Flag values follow the embedded-platform
// accelerator driver ABI, where the low 16 bits of the flags select a memory
// bank.
package fpga

import (
	"fmt"
	"strings"
)

// BOFlags are the creation flags of a buffer object.
type BOFlags uint32

// Buffer object flags.
const (
	// BO_FLAGS_BANK_MASK selects the memory bank index.
	BO_FLAGS_BANK_MASK BOFlags = 0xffff

	BO_FLAGS_CACHEABLE BOFlags = 1 << 24
	BO_FLAGS_USERPTR   BOFlags = 1 << 28
	BO_FLAGS_CMA       BOFlags = 1 << 29
	BO_FLAGS_EXECBUF   BOFlags = 1 << 31

	// BO_FLAGS_KNOWN is the set of all flags understood by the driver.
	BO_FLAGS_KNOWN = BO_FLAGS_BANK_MASK | BO_FLAGS_CACHEABLE | BO_FLAGS_USERPTR | BO_FLAGS_CMA | BO_FLAGS_EXECBUF
)

// Bank returns the bank index encoded in f.
func (f BOFlags) Bank() uint32 {
	return uint32(f & BO_FLAGS_BANK_MASK)
}

// Has returns true if all bits of g are set in f.
func (f BOFlags) Has(g BOFlags) bool {
	return f&g == g
}

// String implements fmt.Stringer.String.
func (f BOFlags) String() string {
	var parts []string
	for _, b := range []struct {
		flag BOFlags
		name string
	}{
		{BO_FLAGS_CACHEABLE, "CACHEABLE"},
		{BO_FLAGS_USERPTR, "USERPTR"},
		{BO_FLAGS_CMA, "CMA"},
		{BO_FLAGS_EXECBUF, "EXECBUF"},
	} {
		if f.Has(b.flag) {
			parts = append(parts, b.name)
		}
	}
	if rest := f &^ BO_FLAGS_KNOWN; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	parts = append(parts, fmt.Sprintf("bank=%d", f.Bank()))
	return strings.Join(parts, "|")
}

// SyncDirection is the direction of a SyncBuffer request.
type SyncDirection uint32

// Sync directions.
const (
	SYNC_BO_TO_DEVICE   SyncDirection = 0
	SYNC_BO_FROM_DEVICE SyncDirection = 1
)

// String implements fmt.Stringer.String.
func (d SyncDirection) String() string {
	switch d {
	case SYNC_BO_TO_DEVICE:
		return "to-device"
	case SYNC_BO_FROM_DEVICE:
		return "from-device"
	default:
		return fmt.Sprintf("SyncDirection(%d)", uint32(d))
	}
}

// IOCTL_MAGIC is the IOC_TYPE of the driver's ioctls.
const IOCTL_MAGIC = uint32('Z')

// Ioctl numbers. These are only the IOC_NR part of the ioctl command.
const (
	IOCTL_CREATE_BO  = 0x00
	IOCTL_USERPTR_BO = 0x01
	IOCTL_MAP_BO     = 0x02
	IOCTL_UNMAP_BO   = 0x03
	IOCTL_SYNC_BO    = 0x04
	IOCTL_INFO_BO    = 0x05
	IOCTL_PWRITE_BO  = 0x06
	IOCTL_PREAD_BO   = 0x07
	IOCTL_EXECBUF    = 0x08
	IOCTL_READ_AXLF  = 0x09
	IOCTL_FREE_BO    = 0x0a
	IOCTL_DUP_BO     = 0x0b
)

// IoctlName returns a printable name for ioctl number nr.
func IoctlName(nr uint32) string {
	switch nr {
	case IOCTL_CREATE_BO:
		return "CREATE_BO"
	case IOCTL_USERPTR_BO:
		return "USERPTR_BO"
	case IOCTL_MAP_BO:
		return "MAP_BO"
	case IOCTL_UNMAP_BO:
		return "UNMAP_BO"
	case IOCTL_SYNC_BO:
		return "SYNC_BO"
	case IOCTL_INFO_BO:
		return "INFO_BO"
	case IOCTL_PWRITE_BO:
		return "PWRITE_BO"
	case IOCTL_PREAD_BO:
		return "PREAD_BO"
	case IOCTL_EXECBUF:
		return "EXECBUF"
	case IOCTL_READ_AXLF:
		return "READ_AXLF"
	case IOCTL_FREE_BO:
		return "FREE_BO"
	case IOCTL_DUP_BO:
		return "DUP_BO"
	default:
		return fmt.Sprintf("IOCTL(%#x)", nr)
	}
}

// Ioctl parameter structs. Fields documented as outputs are filled in by the
// driver on success.

// IoctlCreateBO is the parameter type for IOCTL_CREATE_BO.
type IoctlCreateBO struct {
	Size   uint64
	Flags  BOFlags
	Handle uint32 // out
}

// IoctlUserptrBO is the parameter type for IOCTL_USERPTR_BO.
type IoctlUserptrBO struct {
	Addr   uint64
	Size   uint64
	Flags  BOFlags
	Handle uint32 // out
}

// IoctlMapBO is the parameter type for IOCTL_MAP_BO and IOCTL_UNMAP_BO.
type IoctlMapBO struct {
	Handle  uint32
	DevAddr uint64 // out, MAP_BO only
	Length  uint64 // out, MAP_BO only
}

// IoctlSyncBO is the parameter type for IOCTL_SYNC_BO.
type IoctlSyncBO struct {
	Handle uint32
	Dir    SyncDirection
	Offset uint64
	Size   uint64
}

// BOVariant identifies the storage variant reported by IOCTL_INFO_BO.
type BOVariant uint32

// Storage variants.
const (
	BO_VARIANT_CONTIGUOUS BOVariant = 1
	BO_VARIANT_IMPORTED   BOVariant = 2
)

// String implements fmt.Stringer.String.
func (v BOVariant) String() string {
	switch v {
	case BO_VARIANT_CONTIGUOUS:
		return "contiguous"
	case BO_VARIANT_IMPORTED:
		return "imported"
	default:
		return fmt.Sprintf("BOVariant(%d)", uint32(v))
	}
}

// IoctlInfoBO is the parameter type for IOCTL_INFO_BO.
type IoctlInfoBO struct {
	Handle    uint32
	Size      uint64    // out
	Flags     BOFlags   // out
	Variant   BOVariant // out
	Mapped    uint32    // out, 1 if mapped
	DevAddr   uint64    // out, valid if Mapped
	ExecState uint32    // out, valid if Flags has BO_FLAGS_EXECBUF
}

// IoctlPwriteBO is the parameter type for IOCTL_PWRITE_BO.
type IoctlPwriteBO struct {
	Handle uint32
	Offset uint64
	Data   []byte
}

// IoctlPreadBO is the parameter type for IOCTL_PREAD_BO. Data must be sized
// by the caller; it is filled on success.
type IoctlPreadBO struct {
	Handle uint32
	Offset uint64
	Data   []byte
}

// IoctlExecbuf is the parameter type for IOCTL_EXECBUF.
type IoctlExecbuf struct {
	Handle uint32
	Index  uint32 // out
}

// IoctlReadAXLF is the parameter type for IOCTL_READ_AXLF.
type IoctlReadAXLF struct {
	Metadata   []byte
	Generation uint64 // out
	ID         string // out
}

// IoctlHandle is the parameter type for IOCTL_FREE_BO and IOCTL_DUP_BO.
type IoctlHandle struct {
	Handle uint32
}
