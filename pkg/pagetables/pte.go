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

// Package pagetables defines page table entries and the per-address-space
// page table used by the simulated exokernel, and the read-only View through
// which user code inspects its own mappings.
package pagetables

import (
	"strings"

	"exofork.dev/exofork/pkg/hostarch"
)

// PTE is a page table entry: a frame number above hostarch.PageShift and
// permission bits below it.
type PTE uint64

// Permission bits.
const (
	// Present is set if the entry maps a frame.
	Present PTE = 0x001

	// Writable is set if user code may store to the page.
	Writable PTE = 0x002

	// User is set if user code may access the page at all.
	User PTE = 0x004

	// Avail are the bits not interpreted by hardware and left to software.
	Avail PTE = 0xe00

	// COW marks a copy-on-write mapping. It is one of the Avail bits.
	COW PTE = 0x800

	// SyscallMask is the set of bits user code may pass to a mapping
	// syscall.
	SyscallMask = Present | Writable | User | Avail

	flagsMask PTE = hostarch.PageMask
)

// MakePTE returns the entry mapping frame with permission bits perm.
func MakePTE(frame uint64, perm PTE) PTE {
	return PTE(frame<<hostarch.PageShift) | perm&flagsMask
}

// Frame returns the frame number mapped by p.
func (p PTE) Frame() uint64 {
	return uint64(p) >> hostarch.PageShift
}

// Perm returns the permission bits of p.
func (p PTE) Perm() PTE {
	return p & flagsMask
}

// Has returns true if all bits of flags are set in p.
func (p PTE) Has(flags PTE) bool {
	return p&flags == flags
}

// Present returns true if p maps a frame.
func (p PTE) Present() bool {
	return p.Has(Present)
}

// Writable returns true if p allows stores.
func (p PTE) Writable() bool {
	return p.Has(Writable)
}

// User returns true if p is user accessible.
func (p PTE) User() bool {
	return p.Has(User)
}

// COW returns true if p is marked copy-on-write.
func (p PTE) COW() bool {
	return p.Has(COW)
}

// AccessType returns the accesses p allows from user mode.
func (p PTE) AccessType() hostarch.AccessType {
	if !p.Has(Present | User) {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{Read: true, Write: p.Writable()}
}

// String returns the permission bits of p as P|W|U|COW.
func (p PTE) String() string {
	return p.Perm().permString()
}

func (p PTE) permString() string {
	var parts []string
	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{Present, "P"},
		{Writable, "W"},
		{User, "U"},
		{COW, "COW"},
	} {
		if p.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}
