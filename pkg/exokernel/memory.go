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

	"exofork.dev/exofork/pkg/errors/exoerr"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/pagetables"
)

// trapframeSlot is the stack space used by one pushed trapframe. Nested
// frames leave an extra scratch word below the previous frame.
const trapframeSlot = utrapframeSize + 8

// Load copies memory at va into buf as user loads.
func (t *Task) Load(va hostarch.Addr, buf []byte) error {
	return t.access(va, buf, hostarch.Read)
}

// Store copies data to memory at va as user stores.
func (t *Task) Store(va hostarch.Addr, data []byte) error {
	return t.access(va, data, hostarch.Write)
}

// access performs a user memory access one page at a time. A page that does
// not permit the access raises a fault, which is delivered to the
// environment's upcall before the access is retried.
func (t *Task) access(va hostarch.Addr, buf []byte, at hostarch.AccessType) error {
	if _, ok := va.AddLength(uint64(len(buf))); !ok {
		return fmt.Errorf("%v access of %d bytes at %v wraps the address space: %w", at, len(buf), va, exoerr.EFAULT)
	}
	for len(buf) > 0 {
		n := hostarch.PageSize - int(va.PageOffset())
		if n > len(buf) {
			n = len(buf)
		}
		if err := t.accessPage(va, buf[:n], at); err != nil {
			return err
		}
		va += hostarch.Addr(n)
		buf = buf[n:]
	}
	return nil
}

// accessPage performs an access within a single page.
func (t *Task) accessPage(va hostarch.Addr, buf []byte, at hostarch.AccessType) error {
	delivered := false
	for {
		fec, err := t.tryAccess(va, buf, at)
		if err != nil {
			return err
		}
		if fec == nil {
			return nil
		}
		if delivered {
			// The handler returned without fixing the mapping.
			return t.kill(fmt.Errorf("unresolved fault at va %v (%v): %w", va, *fec, exoerr.EFAULT))
		}
		if err := t.deliverFault(va, *fec); err != nil {
			return err
		}
		delivered = true
	}
}

// tryAccess performs the access if the mapping permits it. Otherwise it
// returns the fault error flags describing why it did not.
func (t *Task) tryAccess(va hostarch.Addr, buf []byte, at hostarch.AccessType) (*FaultErr, error) {
	k := t.k
	if at.Write {
		k.mu.Lock()
		defer k.mu.Unlock()
	} else {
		k.mu.RLock()
		defer k.mu.RUnlock()
	}
	if _, err := t.callerLocked(); err != nil {
		return nil, err
	}
	pte := t.e.pt.Lookup(va.PageNumber())
	fec := FECUser
	if at.Write {
		fec |= FECWrite
	}
	if !pte.Present() {
		return &fec, nil
	}
	if !pte.User() || !pte.AccessType().SupersetOf(at) {
		fec |= FECPresent
		return &fec, nil
	}
	frame := k.mf.Bytes(pte.Frame())[va.PageOffset():]
	if at.Write {
		copy(frame, buf)
	} else {
		copy(buf, frame)
	}
	return nil, nil
}

// copyLocked copies between buf and e's memory at va without permission
// checks or faults.
//
// Preconditions: k.mu must be locked, for writing if write is set.
func (k *Kernel) copyLocked(e *env, va hostarch.Addr, buf []byte, write bool) error {
	if k.mf == nil {
		return exoerr.EBADENV
	}
	for len(buf) > 0 {
		pte := e.pt.Lookup(va.PageNumber())
		if !pte.Present() {
			return fmt.Errorf("va %v of env %v not mapped: %w", va, e.id, exoerr.EFAULT)
		}
		frame := k.mf.Bytes(pte.Frame())[va.PageOffset():]
		var n int
		if write {
			n = copy(frame, buf)
		} else {
			n = copy(buf, frame)
		}
		va += hostarch.Addr(n)
		buf = buf[n:]
	}
	return nil
}

// deliverFault pushes a trapframe onto the exception stack and calls the
// upcall with no kernel locks held. Any failure to deliver, and any error
// returned by the upcall, destroys the environment.
func (t *Task) deliverFault(va hostarch.Addr, fec FaultErr) error {
	utf, upcall, err := t.pushTrapframe(va, fec)
	if err != nil {
		return t.kill(err)
	}
	herr := upcall(t, utf)

	t.k.mu.Lock()
	t.e.faultDepth--
	t.k.mu.Unlock()

	if herr != nil {
		return t.kill(fmt.Errorf("page fault handler for va %v: %w", va, herr))
	}
	return nil
}

// pushTrapframe records a fault on the exception stack and returns the
// trapframe as read back from it along with the upcall to run.
func (t *Task) pushTrapframe(va hostarch.Addr, fec FaultErr) (*UTrapframe, Upcall, error) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	e := t.e
	if _, err := t.callerLocked(); err != nil {
		return nil, nil, err
	}
	if e.upcall == nil {
		return nil, nil, fmt.Errorf("user fault va %v (%v) with no upcall: %w", va, fec, exoerr.EFAULT)
	}
	xstack := k.layout.XStack()
	if pte := e.pt.Lookup(xstack.PageNumber()); !pte.Has(pagetables.Present | pagetables.User | pagetables.Writable) {
		return nil, nil, fmt.Errorf("user fault va %v (%v) with no exception stack: %w", va, fec, exoerr.EFAULT)
	}
	sp := k.layout.UXStackTop - hostarch.Addr((e.faultDepth+1)*trapframeSlot)
	if sp < xstack {
		return nil, nil, fmt.Errorf("exception stack overflow at depth %d: %w", e.faultDepth, exoerr.EFAULT)
	}
	var b [utrapframeSize]byte
	in := UTrapframe{FaultVA: va, Err: fec, Regs: e.regs}
	in.encode(b[:])
	if err := k.copyLocked(e, sp, b[:], true); err != nil {
		return nil, nil, err
	}
	clear(b[:])
	if err := k.copyLocked(e, sp, b[:], false); err != nil {
		return nil, nil, err
	}
	var utf UTrapframe
	utf.decode(b[:])
	e.faultDepth++
	e.faults++
	return &utf, e.upcall, nil
}

// kill destroys the calling environment with err and returns err.
func (t *Task) kill(err error) error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.k.stopLocked(t.e, EnvDying, err)
	return err
}
