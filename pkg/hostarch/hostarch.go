// Copyright 2018 The gVisor Authors.
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

// Package hostarch contains address and page-size definitions shared by the
// simulated exokernel and the user-space fork library.
package hostarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the simulated page size.
	PageShift = 12

	// PageSize is the simulated page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the offset bits within a page.
	PageMask = PageSize - 1
)

// Addr represents a user virtual address.
type Addr uintptr

// AddrOfPage returns the address of the first byte of page number pn.
func AddrOfPage(pn uint64) Addr {
	return Addr(pn << PageShift)
}

// PageNumber returns the page number containing v.
func (v Addr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
