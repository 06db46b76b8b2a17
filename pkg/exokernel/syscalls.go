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
	"exofork.dev/exofork/pkg/metric"
	"exofork.dev/exofork/pkg/pagetables"
	"github.com/mohae/deepcopy"
)

// Task is the handle an environment runs with. Its methods are the
// environment's syscalls. A Task must only be used by the goroutine running
// its environment.
type Task struct {
	k *Kernel
	e *env
}

// Kernel returns the kernel the task runs on.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// Layout returns the address space layout.
func (t *Task) Layout() Layout {
	return t.k.layout
}

// Metrics returns the kernel's metrics collector.
func (t *Task) Metrics() *metric.Collector {
	return t.k.metrics
}

// GetEnvID returns the id of the calling environment.
func (t *Task) GetEnvID() EnvID {
	t.k.metrics.IncSyscall("getenvid", nil)
	return t.e.id
}

// Env returns the descriptor in table slot id.Index(). Like a read-only
// mapping of the environment table, it requires no permission and does not
// check the generation.
func (t *Task) Env(id EnvID) EnvInfo {
	t.k.mu.RLock()
	defer t.k.mu.RUnlock()
	if id.Index() >= len(t.k.envs) {
		return EnvInfo{}
	}
	if e := t.k.envs[id.Index()]; e != nil {
		return e.info()
	}
	return EnvInfo{}
}

// Image returns the process-local image.
func (t *Task) Image() any {
	t.k.mu.RLock()
	defer t.k.mu.RUnlock()
	return t.e.image
}

// SetImage replaces the process-local image. Exofork deep-copies the image
// into the child; only exported fields survive the copy.
func (t *Task) SetImage(image any) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.e.image = image
}

// Registers returns the saved register state.
func (t *Task) Registers() Registers {
	t.k.mu.RLock()
	defer t.k.mu.RUnlock()
	return t.e.regs
}

// SetRegisters replaces the saved register state.
func (t *Task) SetRegisters(regs Registers) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.e.regs = regs
}

// Exit stops the calling environment. Environments started by the kernel
// exit by returning from their entry point instead.
func (t *Task) Exit() {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.k.stopLocked(t.e, EnvExited, nil)
}

// checkVA validates a user virtual address argument.
func (k *Kernel) checkVA(va hostarch.Addr) error {
	if va >= k.layout.UTop || !va.IsPageAligned() {
		return fmt.Errorf("va %v: %w", va, exoerr.EINVAL)
	}
	return nil
}

// checkPerm validates a user permission argument.
func checkPerm(perm pagetables.PTE) error {
	if !perm.Has(pagetables.Present|pagetables.User) || perm&^pagetables.SyscallMask != 0 {
		return fmt.Errorf("perm %v: %w", perm, exoerr.EINVAL)
	}
	return nil
}

// callerLocked returns the calling environment if it may still make
// syscalls.
//
// Preconditions: t.k.mu must be locked.
func (t *Task) callerLocked() (*env, error) {
	if t.k.mf == nil || !t.e.status.alive() {
		return nil, exoerr.EBADENV
	}
	return t.e, nil
}

// PageAlloc allocates a zeroed frame and maps it at va in environment id
// with permissions perm, replacing any existing mapping.
func (t *Task) PageAlloc(id EnvID, va hostarch.Addr, perm pagetables.PTE) (err error) {
	defer func() { t.k.metrics.IncSyscall("page_alloc", err) }()
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	cur, err := t.callerLocked()
	if err != nil {
		return err
	}
	e, err := t.k.envLocked(cur, id, true)
	if err != nil {
		return err
	}
	if err := t.k.checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	return t.k.pageAllocLocked(e, va, perm)
}

// Preconditions: k.mu must be locked.
func (k *Kernel) pageAllocLocked(e *env, va hostarch.Addr, perm pagetables.PTE) error {
	fr, err := k.mf.Allocate()
	if err != nil {
		return err
	}
	k.insertLocked(e, va, pagetables.MakePTE(fr, perm))
	// Allocate took the reference insertLocked added for the mapping.
	k.mf.DecRef(fr)
	return nil
}

// insertLocked maps pte at va in e. It takes a reference on the new frame
// before dropping the one held by the entry it replaces.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) insertLocked(e *env, va hostarch.Addr, pte pagetables.PTE) {
	k.mf.IncRef(pte.Frame())
	if old, ok := e.pt.Set(va.PageNumber(), pte); ok {
		k.mf.DecRef(old.Frame())
	}
	k.metrics.FramesInUse.Set(float64(k.mf.InUse()))
}

// PageMap maps the frame at srcva in environment srcID at dstva in
// environment dstID with permissions perm. A writable mapping requires a
// writable source.
func (t *Task) PageMap(srcID EnvID, srcva hostarch.Addr, dstID EnvID, dstva hostarch.Addr, perm pagetables.PTE) (err error) {
	defer func() { t.k.metrics.IncSyscall("page_map", err) }()
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	cur, err := t.callerLocked()
	if err != nil {
		return err
	}
	src, err := t.k.envLocked(cur, srcID, true)
	if err != nil {
		return err
	}
	dst, err := t.k.envLocked(cur, dstID, true)
	if err != nil {
		return err
	}
	if err := t.k.checkVA(srcva); err != nil {
		return err
	}
	if err := t.k.checkVA(dstva); err != nil {
		return err
	}
	pte := src.pt.Lookup(srcva.PageNumber())
	if !pte.Present() {
		return fmt.Errorf("source va %v of env %v not mapped: %w", srcva, src.id, exoerr.EINVAL)
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	if perm.Writable() && !pte.Writable() {
		return fmt.Errorf("writable mapping of read-only va %v: %w", srcva, exoerr.EINVAL)
	}
	t.k.insertLocked(dst, dstva, pagetables.MakePTE(pte.Frame(), perm))
	return nil
}

// PageUnmap removes the mapping at va in environment id, if there is one.
func (t *Task) PageUnmap(id EnvID, va hostarch.Addr) (err error) {
	defer func() { t.k.metrics.IncSyscall("page_unmap", err) }()
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	cur, err := t.callerLocked()
	if err != nil {
		return err
	}
	e, err := t.k.envLocked(cur, id, true)
	if err != nil {
		return err
	}
	if err := t.k.checkVA(va); err != nil {
		return err
	}
	if old, ok := e.pt.Clear(va.PageNumber()); ok {
		t.k.mf.DecRef(old.Frame())
		t.k.metrics.FramesInUse.Set(float64(t.k.mf.InUse()))
	}
	return nil
}

// Exofork creates a not-runnable child of the caller with an empty address
// space, a copy of the caller's registers and a deep copy of its image. It
// returns the child's id to the caller. When the child is first made
// runnable, resume runs on the child's task with a zero id, standing in for
// the second return of the creating syscall.
func (t *Task) Exofork(resume Resume) (id EnvID, err error) {
	defer func() { t.k.metrics.IncSyscall("exofork", err) }()
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	cur, err := t.callerLocked()
	if err != nil {
		return 0, err
	}
	child, err := t.k.allocLocked(cur.id)
	if err != nil {
		return 0, err
	}
	child.regs = cur.regs
	child.regs.Ret = 0
	if cur.image != nil {
		child.image = deepcopy.Copy(cur.image)
	}
	child.resume = resume
	cur.regs.Ret = uint64(child.id)
	return child.id, nil
}

// SetPgfaultUpcall sets the fault entry point of environment id.
func (t *Task) SetPgfaultUpcall(id EnvID, upcall Upcall) (err error) {
	defer func() { t.k.metrics.IncSyscall("set_pgfault_upcall", err) }()
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	cur, err := t.callerLocked()
	if err != nil {
		return err
	}
	e, err := t.k.envLocked(cur, id, true)
	if err != nil {
		return err
	}
	e.upcall = upcall
	return nil
}

// SetStatus sets the status of environment id to EnvRunnable or
// EnvNotRunnable. An environment made runnable for the first time starts
// running. A running environment cannot be stopped this way; its status is
// recorded but it keeps executing.
func (t *Task) SetStatus(id EnvID, status Status) (err error) {
	defer func() { t.k.metrics.IncSyscall("set_status", err) }()
	if status != EnvRunnable && status != EnvNotRunnable {
		return fmt.Errorf("status %v: %w", status, exoerr.EINVAL)
	}
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	cur, err := t.callerLocked()
	if err != nil {
		return err
	}
	e, err := t.k.envLocked(cur, id, true)
	if err != nil {
		return err
	}
	if !e.status.alive() {
		return fmt.Errorf("env %v is %v: %w", e.id, e.status, exoerr.EBADENV)
	}
	if status == EnvRunnable && !e.started && (e.entry != nil || e.resume != nil) {
		t.k.startLocked(e)
		return nil
	}
	t.k.setStatusLocked(e, status)
	return nil
}
