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
	"context"
	"fmt"

	"github.com/fpgabo/fpgabo/pkg/abi/fpga"
	"github.com/fpgabo/fpgabo/pkg/errors"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
)

// Ioctl executes the ioctl nr with parameters arg, which must be a pointer
// to the parameter struct of nr. Outputs are written to arg on success. The
// returned error is either nil or a unix.Errno.
func (d *Device) Ioctl(ctx context.Context, nr uint32, arg any) error {
	if err := ctx.Err(); err != nil {
		return unix.EINTR
	}
	err := d.ioctl(nr, arg)
	if err == nil {
		if log.IsLogging(log.Debug) {
			log.Debugf("device %s: ioctl %s(%+v)", d.cfg.Name, fpga.IoctlName(nr), arg)
		}
		return nil
	}
	errno := boerr.Errno(err)
	if log.IsLogging(log.Debug) {
		if k, ok := boerr.Kind(err); ok {
			log.Debugf("device %s: ioctl %s(%+v) = %v (%v error %q)", d.cfg.Name, fpga.IoctlName(nr), arg, errno, k.Component(), err)
		} else {
			log.Debugf("device %s: ioctl %s(%+v) = %v (%v)", d.cfg.Name, fpga.IoctlName(nr), arg, errno, err)
		}
	}
	return errno
}

var errNoIoctl = errors.New(errors.Device, unix.ENOTTY, "inappropriate ioctl for device")

func badArg(nr uint32, arg any) error {
	return fmt.Errorf("%w: %s takes no %T", boerr.InvalidArgument, fpga.IoctlName(nr), arg)
}

func (d *Device) ioctl(nr uint32, arg any) error {
	switch nr {
	case fpga.IOCTL_CREATE_BO:
		p, ok := arg.(*fpga.IoctlCreateBO)
		if !ok {
			return badArg(nr, arg)
		}
		h, err := d.CreateBuffer(p.Size, p.Flags)
		if err != nil {
			return err
		}
		p.Handle = h

	case fpga.IOCTL_USERPTR_BO:
		p, ok := arg.(*fpga.IoctlUserptrBO)
		if !ok {
			return badArg(nr, arg)
		}
		h, err := d.ImportUserptr(p.Addr, p.Size, p.Flags)
		if err != nil {
			return err
		}
		p.Handle = h

	case fpga.IOCTL_MAP_BO:
		p, ok := arg.(*fpga.IoctlMapBO)
		if !ok {
			return badArg(nr, arg)
		}
		addr, length, err := d.MapBuffer(p.Handle)
		if err != nil {
			return err
		}
		p.DevAddr, p.Length = addr, length

	case fpga.IOCTL_UNMAP_BO:
		p, ok := arg.(*fpga.IoctlMapBO)
		if !ok {
			return badArg(nr, arg)
		}
		return d.UnmapBuffer(p.Handle)

	case fpga.IOCTL_SYNC_BO:
		p, ok := arg.(*fpga.IoctlSyncBO)
		if !ok {
			return badArg(nr, arg)
		}
		return d.SyncBuffer(p.Handle, p.Dir, p.Offset, p.Size)

	case fpga.IOCTL_INFO_BO:
		p, ok := arg.(*fpga.IoctlInfoBO)
		if !ok {
			return badArg(nr, arg)
		}
		info, err := d.InfoBuffer(p.Handle)
		if err != nil {
			return err
		}
		*p = fpga.IoctlInfoBO{
			Handle:  info.Handle,
			Size:    info.Size,
			Flags:   info.Flags,
			Variant: info.Variant,
		}
		if info.Mapped {
			p.Mapped = 1
			p.DevAddr = info.MapStart
		}
		if info.Exec != nil {
			p.ExecState = uint32(info.Exec.State)
		}

	case fpga.IOCTL_PWRITE_BO:
		p, ok := arg.(*fpga.IoctlPwriteBO)
		if !ok {
			return badArg(nr, arg)
		}
		return d.WriteBuffer(p.Handle, p.Offset, p.Data)

	case fpga.IOCTL_PREAD_BO:
		p, ok := arg.(*fpga.IoctlPreadBO)
		if !ok {
			return badArg(nr, arg)
		}
		b, err := d.ReadBuffer(p.Handle, p.Offset, uint64(len(p.Data)))
		if err != nil {
			return err
		}
		copy(p.Data, b)

	case fpga.IOCTL_EXECBUF:
		p, ok := arg.(*fpga.IoctlExecbuf)
		if !ok {
			return badArg(nr, arg)
		}
		idx, err := d.SubmitExec(p.Handle)
		if err != nil {
			return err
		}
		p.Index = idx

	case fpga.IOCTL_READ_AXLF:
		p, ok := arg.(*fpga.IoctlReadAXLF)
		if !ok {
			return badArg(nr, arg)
		}
		snap, err := d.loadImage(p.Metadata)
		if err != nil {
			return err
		}
		p.Generation = snap.Generation()
		p.ID = snap.ID().String()

	case fpga.IOCTL_FREE_BO:
		p, ok := arg.(*fpga.IoctlHandle)
		if !ok {
			return badArg(nr, arg)
		}
		return d.FreeBuffer(p.Handle)

	case fpga.IOCTL_DUP_BO:
		p, ok := arg.(*fpga.IoctlHandle)
		if !ok {
			return badArg(nr, arg)
		}
		return d.DupBuffer(p.Handle)

	default:
		return fmt.Errorf("%w: unknown ioctl %s", errNoIoctl, fpga.IoctlName(nr))
	}
	return nil
}
