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
	"encoding/binary"
	"fmt"
)

// Opcode is the operation of a command packet.
type Opcode uint32

// Packet opcodes.
const (
	OpStartCU   Opcode = 0
	OpConfigure Opcode = 2
	OpStop      Opcode = 3
	OpAbort     Opcode = 4
	OpWrite     Opcode = 5
)

// String implements fmt.Stringer.String.
func (o Opcode) String() string {
	switch o {
	case OpStartCU:
		return "START_CU"
	case OpConfigure:
		return "CONFIGURE"
	case OpStop:
		return "STOP"
	case OpAbort:
		return "ABORT"
	case OpWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
}

// Header field layout, LSB first: state:4 custom:8 count:11 opcode:5 type:4.
const (
	countShift  = 12
	countMask   = 0x7ff
	opcodeShift = 23
	opcodeMask  = 0x1f
)

// SizeofHeader is the size of the packet header in bytes.
const SizeofHeader = 4

// Header is the first word of a command packet.
type Header uint32

// Count returns the number of payload words following the header.
func (h Header) Count() uint32 { return uint32(h) >> countShift & countMask }

// Opcode returns the packet opcode.
func (h Header) Opcode() Opcode { return Opcode(uint32(h) >> opcodeShift & opcodeMask) }

// MakeHeader returns the header of a packet with the given opcode and count
// payload words.
func MakeHeader(op Opcode, count uint32) Header {
	return Header((uint32(op)&opcodeMask)<<opcodeShift | (count&countMask)<<countShift)
}

// Packet returns an encoded command packet.
func Packet(op Opcode, words ...uint32) []byte {
	b := make([]byte, SizeofHeader+4*len(words))
	binary.LittleEndian.PutUint32(b, uint32(MakeHeader(op, uint32(len(words)))))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[SizeofHeader+4*i:], w)
	}
	return b
}

// ParseHeader decodes and validates the header of the packet in b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < SizeofHeader {
		return 0, fmt.Errorf("packet of %d bytes has no header", len(b))
	}
	h := Header(binary.LittleEndian.Uint32(b))
	if need := SizeofHeader + 4*uint64(h.Count()); need > uint64(len(b)) {
		return h, fmt.Errorf("%v packet declares %d words, buffer holds %d bytes", h.Opcode(), h.Count(), len(b))
	}
	switch h.Opcode() {
	case OpStartCU, OpConfigure, OpStop, OpAbort, OpWrite:
		return h, nil
	default:
		return h, fmt.Errorf("unknown opcode %v", h.Opcode())
	}
}
