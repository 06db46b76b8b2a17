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
	"fmt"

	"exofork.dev/exofork/pkg/hostarch"
)

// Layout fixes the user portion of every address space.
type Layout struct {
	// UTop is the end of user-mappable memory. Syscalls reject addresses
	// at or above it.
	UTop hostarch.Addr

	// UXStackTop is the top of the one-page user exception stack. Pages
	// below UXStackTop-PageSize are ordinary user memory.
	UXStackTop hostarch.Addr

	// UStackTop is the top of the normal user stack.
	UStackTop hostarch.Addr

	// PFTemp is the scratch page used by the page fault handler.
	PFTemp hostarch.Addr
}

// DefaultLayout returns the classic JOS user layout.
func DefaultLayout() Layout {
	const (
		utop   = 0xeec00000
		utemp  = 0x00400000
		ptsize = 0x00400000
	)
	return Layout{
		UTop:       utop,
		UXStackTop: utop,
		UStackTop:  utop - 2*hostarch.PageSize,
		PFTemp:     utemp + ptsize - hostarch.PageSize,
	}
}

// XStack returns the address of the exception stack page.
func (l Layout) XStack() hostarch.Addr {
	return l.UXStackTop - hostarch.PageSize
}

// Validate checks that the regions of l are page aligned and ordered.
func (l Layout) Validate() error {
	for _, a := range []struct {
		name string
		addr hostarch.Addr
	}{
		{"UTop", l.UTop},
		{"UXStackTop", l.UXStackTop},
		{"UStackTop", l.UStackTop},
		{"PFTemp", l.PFTemp},
	} {
		if !a.addr.IsPageAligned() {
			return fmt.Errorf("%s %v is not page aligned", a.name, a.addr)
		}
	}
	switch {
	case l.UXStackTop < hostarch.PageSize || l.UXStackTop > l.UTop:
		return fmt.Errorf("UXStackTop %v must be in [%#x, UTop %v]", l.UXStackTop, hostarch.PageSize, l.UTop)
	case l.UStackTop < hostarch.PageSize || l.UStackTop > l.XStack():
		return fmt.Errorf("UStackTop %v must be in [%#x, %v]", l.UStackTop, hostarch.PageSize, l.XStack())
	case l.PFTemp >= l.XStack():
		return fmt.Errorf("PFTemp %v must be below the exception stack %v", l.PFTemp, l.XStack())
	case l.PFTemp < l.UStackTop && l.PFTemp >= l.UStackTop-hostarch.PageSize:
		return fmt.Errorf("PFTemp %v overlaps the user stack", l.PFTemp)
	}
	return nil
}
