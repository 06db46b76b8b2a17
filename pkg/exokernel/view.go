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
	"exofork.dev/exofork/pkg/pagetables"
)

// uvpt is a read-only view of an environment's page table.
type uvpt struct {
	k *Kernel
	e *env
}

var _ pagetables.View = uvpt{}

// Lookup implements pagetables.View.Lookup.
func (v uvpt) Lookup(pn uint64) pagetables.PTE {
	v.k.mu.RLock()
	defer v.k.mu.RUnlock()
	return v.e.pt.Lookup(pn)
}

// Entries implements pagetables.View.Entries.
func (v uvpt) Entries(start, end uint64) []pagetables.Entry {
	v.k.mu.RLock()
	defer v.k.mu.RUnlock()
	return v.e.pt.Entries(start, end)
}

// UVPT returns a read-only view of the caller's own page table.
func (t *Task) UVPT() pagetables.View {
	return uvpt{k: t.k, e: t.e}
}
