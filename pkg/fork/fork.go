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

package fork

import (
	"fmt"

	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/pagetables"
)

// variant selects how fork treats pages outside the user stack.
type variant int

const (
	// copyOnWrite duplicates every page copy-on-write.
	copyOnWrite variant = iota

	// sharedMemory shares every page except the user stack as is.
	sharedMemory
)

// String returns the metric label of v.
func (v variant) String() string {
	if v == sharedMemory {
		return "sfork"
	}
	return "fork"
}

// Fork creates a child environment whose address space is a copy-on-write
// duplicate of the caller's. It returns the child's id in the caller. The
// child starts by running child with its own Env once fork has finished
// setting it up.
//
// An error leaves the child, if one was created, never runnable.
func (e *Env) Fork(child func(e *Env)) (exokernel.EnvID, error) {
	return e.fork(child, copyOnWrite)
}

// SFork is like Fork, except that only the user stack is copy-on-write.
// Every other page is shared with the child, so writes to it are visible to
// both environments. Pages the caller still holds copy-on-write from an
// earlier fork are first copied privately and then shared writable.
func (e *Env) SFork(child func(e *Env)) (exokernel.EnvID, error) {
	return e.fork(child, sharedMemory)
}

func (e *Env) fork(child func(e *Env), v variant) (exokernel.EnvID, error) {
	if err := e.SetPgfaultHandler(PageFaultHandler); err != nil {
		return 0, err
	}
	id, err := e.task.Exofork(func(t *exokernel.Task, ret exokernel.EnvID) {
		ce, err := Attach(t)
		if err != nil {
			panic(err)
		}
		if _, err := ce.forked(ret, v); err != nil {
			panic(err)
		}
		child(ce)
	})
	if err != nil {
		return 0, fmt.Errorf("creating child: %w", err)
	}
	return e.forked(id, v)
}

// forked finishes fork on either side of the child creation. id is zero in
// the child and the child's id in the parent.
func (e *Env) forked(id exokernel.EnvID, v variant) (exokernel.EnvID, error) {
	t := e.task
	if id == 0 {
		e.locals.Self = t.GetEnvID()
		return 0, nil
	}

	l := t.Layout()
	if err := t.PageAlloc(id, l.XStack(), privatePerm); err != nil {
		return 0, fmt.Errorf("allocating exception stack of %v: %w", id, err)
	}

	stackBottom := l.UStackTop
	if v == sharedMemory {
		stackBottom = e.stackBottom()
	}
	for _, ent := range t.UVPT().Entries(0, l.XStack().PageNumber()) {
		if !ent.PTE.Has(pagetables.Present | pagetables.User) {
			continue
		}
		dup := e.DupPage
		if va := hostarch.AddrOfPage(ent.PageNumber); v == sharedMemory && (va < stackBottom || va >= l.UStackTop) {
			dup = e.sharePage
		}
		if err := dup(id, ent.PageNumber); err != nil {
			return 0, err
		}
	}

	if err := t.SetPgfaultUpcall(id, e.This().PgfaultUpcall); err != nil {
		return 0, fmt.Errorf("setting fault upcall of %v: %w", id, err)
	}
	if err := t.SetStatus(id, exokernel.EnvRunnable); err != nil {
		return 0, fmt.Errorf("starting %v: %w", id, err)
	}
	t.Metrics().Forks.WithLabelValues(v.String()).Inc()
	log.Debugf("[%v] %v created %v", e.locals.Self, v, id)
	return id, nil
}

// stackBottom returns the lowest address of the contiguous run of mapped
// pages ending at the top of the user stack.
func (e *Env) stackBottom() hostarch.Addr {
	pt := e.task.UVPT()
	va := e.task.Layout().UStackTop
	for va >= hostarch.PageSize && pt.Lookup((va - hostarch.PageSize).PageNumber()).Present() {
		va -= hostarch.PageSize
	}
	return va
}
