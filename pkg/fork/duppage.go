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
	"exofork.dev/exofork/pkg/metric"
	"exofork.dev/exofork/pkg/pagetables"
)

// DupPerm returns the permissions with which a page mapped with pte is
// shared by fork. Writable and copy-on-write pages become copy-on-write and
// read-only; read-only pages stay plain read-only.
func DupPerm(pte pagetables.PTE) pagetables.PTE {
	perm := pagetables.Present | pagetables.User
	if pte.Writable() || pte.COW() {
		perm |= pagetables.COW
	}
	return perm
}

// DupPage maps the caller's page pn into child at the same address. The
// child's mapping is installed before the caller's own mapping is
// downgraded to the same permissions, so the frame is never writable on one
// side while shared with the other.
func (e *Env) DupPage(child exokernel.EnvID, pn uint64) error {
	t := e.task
	va := hostarch.AddrOfPage(pn)
	perm := DupPerm(t.UVPT().Lookup(pn))
	if err := t.PageMap(0, va, child, va, perm); err != nil {
		return fmt.Errorf("mapping %v into %v: %w", va, child, err)
	}
	if err := t.PageMap(0, va, 0, va, perm); err != nil {
		return fmt.Errorf("remapping %v as %v: %w", va, perm, err)
	}
	kind := metric.KindShared
	if perm.COW() {
		kind = metric.KindCOW
	}
	t.Metrics().PagesDuplicated.WithLabelValues(kind).Inc()
	return nil
}

// sharePage maps the caller's page pn into child at the same address, so
// that writes on either side are visible to both. A copy-on-write page is
// first replaced by a private writable copy in the caller, which is then
// shared writable. Other pages keep their permissions.
func (e *Env) sharePage(child exokernel.EnvID, pn uint64) error {
	t := e.task
	va := hostarch.AddrOfPage(pn)
	perm := t.UVPT().Lookup(pn).Perm() & pagetables.SyscallMask
	if perm.COW() {
		if err := e.privatize(va); err != nil {
			return fmt.Errorf("breaking copy-on-write of %v: %w", va, err)
		}
		perm = privatePerm
	}
	if err := t.PageMap(0, va, child, va, perm); err != nil {
		return fmt.Errorf("sharing %v with %v: %w", va, child, err)
	}
	t.Metrics().PagesDuplicated.WithLabelValues(metric.KindShared).Inc()
	return nil
}
