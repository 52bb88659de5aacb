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

// Package errors holds the standardized error definition for fpgabo.
package errors

import (
	"golang.org/x/sys/unix"
)

// Component identifies the part of the driver an error kind belongs to.
type Component uint8

// Components.
const (
	Registry Component = iota
	IOMMU
	Exec
	Metadata
	Device
)

// String implements fmt.Stringer.String.
func (c Component) String() string {
	switch c {
	case Registry:
		return "registry"
	case IOMMU:
		return "iommu"
	case Exec:
		return "exec"
	case Metadata:
		return "metadata"
	case Device:
		return "device"
	default:
		return "unknown"
	}
}

// Error is a driver error kind: the component raising it and the errno
// reported for it on the ioctl path.
type Error struct {
	component Component
	errno     unix.Errno
	message   string
}

// New creates a new *Error.
func New(c Component, err unix.Errno, message string) *Error {
	return &Error{
		component: c,
		errno:     err,
		message:   message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Component returns the component that defines e.
func (e *Error) Component() Component { return e.component }
