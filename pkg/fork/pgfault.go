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
	"time"

	"exofork.dev/exofork/pkg/errors/exoerr"
	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/pagetables"
)

const privatePerm = pagetables.Present | pagetables.User | pagetables.Writable

// faultLog logs resolved copy-on-write faults, which may be very frequent.
var faultLog = log.BasicRateLimitedLogger(100 * time.Millisecond)

// SetPgfaultHandler makes handler the caller's page fault handler. The first
// call allocates the exception stack and registers the fault upcall.
func (e *Env) SetPgfaultHandler(handler PgfaultFunc) error {
	if e.locals.Handler == nil {
		if err := e.task.PageAlloc(0, e.task.Layout().XStack(), privatePerm); err != nil {
			return fmt.Errorf("allocating exception stack: %w", err)
		}
		if err := e.task.SetPgfaultUpcall(0, pgfaultUpcall); err != nil {
			return fmt.Errorf("setting fault upcall: %w", err)
		}
	}
	e.locals.Handler = handler
	return nil
}

// pgfaultUpcall is the fault entry point of every environment using this
// package. It dispatches to the handler in the process-local image.
func pgfaultUpcall(t *exokernel.Task, utf *exokernel.UTrapframe) error {
	e, err := Attach(t)
	if err != nil {
		return err
	}
	if e.locals.Handler == nil {
		return fmt.Errorf("no page fault handler for %v: %w", utf, exoerr.EFAULT)
	}
	return e.locals.Handler(e, utf)
}

// PageFaultHandler resolves a write to a copy-on-write page by mapping a
// private writable copy of the page in its place. Any other fault is a
// protection violation.
func PageFaultHandler(e *Env, utf *exokernel.UTrapframe) error {
	t := e.task
	va := utf.FaultVA.RoundDown()
	pte := t.UVPT().Lookup(va.PageNumber())
	if !utf.Err.Write() || !pte.COW() {
		return fmt.Errorf("%v with pte %v is not a write to a copy-on-write page: %w", utf, pte, exoerr.EFAULT)
	}

	if err := e.privatize(va); err != nil {
		return err
	}

	t.Metrics().COWFaults.Inc()
	faultLog.Debugf("[%v] copy-on-write fault at %v resolved", e.locals.Self, va)
	return nil
}

// privatize replaces the caller's mapping of the page at va with a private
// writable copy of its contents. The copy is staged at PFTemp.
func (e *Env) privatize(va hostarch.Addr) error {
	t := e.task
	pftemp := t.Layout().PFTemp
	if err := t.PageAlloc(0, pftemp, privatePerm); err != nil {
		return fmt.Errorf("allocating copy of %v: %w", va, err)
	}
	var page [hostarch.PageSize]byte
	if err := t.Load(va, page[:]); err != nil {
		return fmt.Errorf("reading %v: %w", va, err)
	}
	if err := t.Store(pftemp, page[:]); err != nil {
		return fmt.Errorf("writing copy of %v: %w", va, err)
	}
	if err := t.PageMap(0, pftemp, 0, va, privatePerm); err != nil {
		return fmt.Errorf("mapping copy at %v: %w", va, err)
	}
	if err := t.PageUnmap(0, pftemp); err != nil {
		return fmt.Errorf("unmapping %v: %w", pftemp, err)
	}
	return nil
}
