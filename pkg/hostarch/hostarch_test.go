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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr       Addr
		down       Addr
		pn         uint64
		aligned    bool
		pageOffset uint64
	}{
		{addr: 0, down: 0, pn: 0, aligned: true},
		{addr: 1, down: 0, pn: 0, pageOffset: 1},
		{addr: PageSize, down: PageSize, pn: 1, aligned: true},
		{addr: 0x7ff123, down: 0x7ff000, pn: 0x7ff, pageOffset: 0x123},
		{addr: ^Addr(0), down: ^Addr(PageMask), pn: uint64(^Addr(0)) >> PageShift, pageOffset: PageMask},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got := tc.addr.PageNumber(); got != tc.pn {
			t.Errorf("%v.PageNumber() = %#x, want %#x", tc.addr, got, tc.pn)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
		if got := tc.addr.PageOffset(); got != tc.pageOffset {
			t.Errorf("%v.PageOffset() = %#x, want %#x", tc.addr, got, tc.pageOffset)
		}
	}
}

func TestAddrOfPage(t *testing.T) {
	if got, want := AddrOfPage(0x7ff), Addr(0x7ff000); got != want {
		t.Errorf("AddrOfPage(0x7ff) = %v, want %v", got, want)
	}
	if end, ok := Addr(0x1000).AddLength(0x10); !ok || end != 0x1010 {
		t.Errorf("AddLength(0x10) = (%v, %t), want (0x1010, true)", end, ok)
	}
	if _, ok := (^Addr(0)).AddLength(2); ok {
		t.Errorf("AddLength past the top of the address space succeeded")
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:  "--",
		Read:      "r-",
		Write:     "-w",
		ReadWrite: "rw",
	} {
		if got := at.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", at, got, want)
		}
	}
	if !ReadWrite.SupersetOf(Write) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf gave wrong result")
	}
}
