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

// Package boerr contains the buffer-object driver's error kinds exported as
// error interface pointers. Each kind carries the errno returned for it on
// the ioctl path, so errors can be compared with errors.Is and translated
// with Errno.
package boerr

import (
	goerrors "errors"

	"github.com/fpgabo/fpgabo/pkg/errors"
	"golang.org/x/sys/unix"
)

// Buffer registry errors.
var (
	InvalidHandle    = errors.New(errors.Registry, unix.ENOENT, "invalid buffer handle")
	InvalidArgument  = errors.New(errors.Registry, unix.EINVAL, "invalid argument")
	OutOfMemory      = errors.New(errors.Registry, unix.ENOMEM, "out of memory")
	UnsupportedFlags = errors.New(errors.Registry, unix.EINVAL, "unsupported buffer flags")
	OutOfRange       = errors.New(errors.Registry, unix.ERANGE, "access out of buffer range")
	AlreadyPinned    = errors.New(errors.Registry, unix.EBUSY, "pages already pinned")
	BusyMapping      = errors.New(errors.Registry, unix.EBUSY, "buffer has an active mapping")
	BusyExecuting    = errors.New(errors.Registry, unix.EBUSY, "buffer is queued or running")
)

// IOMMU errors.
var (
	AlreadyMapped = errors.New(errors.IOMMU, unix.EEXIST, "buffer already mapped")
	NotMapped     = errors.New(errors.IOMMU, unix.ENXIO, "buffer not mapped")
	MappingFailed = errors.New(errors.IOMMU, unix.EFAULT, "device mapping failed")
)

// Execution errors.
var (
	WrongState                 = errors.New(errors.Exec, unix.EPERM, "command buffer in wrong state")
	NotExecbuf                 = errors.New(errors.Exec, unix.ENOEXEC, "buffer is not a command buffer")
	QueueFull                  = errors.New(errors.Exec, unix.EAGAIN, "scheduler queue full")
	SchedulerProtocolViolation = errors.New(errors.Exec, unix.EPROTO, "scheduler protocol violation")
)

// Metadata errors.
var (
	TruncatedSection = errors.New(errors.Metadata, unix.ENODATA, "truncated metadata section")
	MalformedSection = errors.New(errors.Metadata, unix.EBADMSG, "malformed metadata section")
	UnknownBank      = errors.New(errors.Metadata, unix.ENODEV, "unknown memory bank")
)

// Kind returns the error kind err wraps, if any.
func Kind(err error) (*errors.Error, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Errno returns the errno for err. A nil error yields 0; an error that wraps
// none of the kinds in this package yields EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e, ok := Kind(err); ok {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
