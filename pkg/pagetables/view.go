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

package pagetables

// View is read-only introspection of one address space's entries. It stands
// in for a read-only mapping of the page table into the process: queries do
// not cross into the kernel's syscall path.
type View interface {
	// Lookup returns the entry for page pn, or zero if there is none.
	Lookup(pn uint64) PTE

	// Entries returns the entries with start <= PageNumber < end, in
	// increasing page order. The result is a snapshot; later mapping
	// changes are not reflected in it.
	Entries(start, end uint64) []Entry
}

var _ View = (*PageTable)(nil)
