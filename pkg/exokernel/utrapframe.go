// Copyright 2026 The Exofork Authors.
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

package exokernel

import (
	"encoding/binary"
	"fmt"
	"strings"

	"exofork.dev/exofork/pkg/hostarch"
)

// FaultErr are the error flags of a fault record.
type FaultErr uint32

// Fault error bits, as pushed by x86 on a page fault.
const (
	// FECPresent is set for a protection violation on a present page and
	// clear for an access to a page that is not mapped.
	FECPresent FaultErr = 0x1

	// FECWrite is set if the faulting access was a write.
	FECWrite FaultErr = 0x2

	// FECUser is set if the access came from user mode.
	FECUser FaultErr = 0x4
)

// Write returns true if the faulting access was a write.
func (f FaultErr) Write() bool {
	return f&FECWrite != 0
}

// String implements fmt.Stringer.String.
func (f FaultErr) String() string {
	var parts []string
	if f&FECPresent != 0 {
		parts = append(parts, "protection")
	} else {
		parts = append(parts, "not-present")
	}
	if f.Write() {
		parts = append(parts, "write")
	} else {
		parts = append(parts, "read")
	}
	if f&FECUser != 0 {
		parts = append(parts, "user")
	}
	return strings.Join(parts, "|")
}

// UTrapframe is the fault record the trampoline pushes onto the exception
// stack.
type UTrapframe struct {
	// FaultVA is the faulting virtual address.
	FaultVA hostarch.Addr

	// Err describes the faulting access.
	Err FaultErr

	// Regs is the register state at the time of the fault.
	Regs Registers
}

// utrapframeSize is the encoded size of a UTrapframe.
const utrapframeSize = 8 * (2 + 3 + len(Registers{}.GPR))

// String implements fmt.Stringer.String.
func (utf *UTrapframe) String() string {
	return fmt.Sprintf("fault va %v err %v pc %#x sp %#x", utf.FaultVA, utf.Err, utf.Regs.PC, utf.Regs.SP)
}

// encode writes utf to b, which must hold utrapframeSize bytes.
func (utf *UTrapframe) encode(b []byte) {
	b = b[:0]
	b = binary.LittleEndian.AppendUint64(b, uint64(utf.FaultVA))
	b = binary.LittleEndian.AppendUint64(b, uint64(utf.Err))
	b = binary.LittleEndian.AppendUint64(b, utf.Regs.PC)
	b = binary.LittleEndian.AppendUint64(b, utf.Regs.SP)
	b = binary.LittleEndian.AppendUint64(b, utf.Regs.Ret)
	for _, r := range utf.Regs.GPR {
		b = binary.LittleEndian.AppendUint64(b, r)
	}
}

// decode reads utf from b, which must hold utrapframeSize bytes.
func (utf *UTrapframe) decode(b []byte) {
	next := func() uint64 {
		v := binary.LittleEndian.Uint64(b)
		b = b[8:]
		return v
	}
	utf.FaultVA = hostarch.Addr(next())
	utf.Err = FaultErr(next())
	utf.Regs.PC = next()
	utf.Regs.SP = next()
	utf.Regs.Ret = next()
	for i := range utf.Regs.GPR {
		utf.Regs.GPR[i] = next()
	}
}
