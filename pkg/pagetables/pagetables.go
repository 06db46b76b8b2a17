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

import (
	"github.com/google/btree"
)

// btreeDegree is the degree of the tree holding the entries.
const btreeDegree = 16

// Entry is one mapped page.
type Entry struct {
	// PageNumber is the virtual page number.
	PageNumber uint64

	// PTE is the entry for PageNumber.
	PTE PTE
}

func entryLess(a, b Entry) bool {
	return a.PageNumber < b.PageNumber
}

// PageTable is a sparse page table ordered by page number. Only entries that
// have been set are stored; a missing entry reads as the zero PTE.
//
// PageTable is not safe for concurrent use; the owner serializes access.
type PageTable struct {
	entries *btree.BTreeG[Entry]
}

// New returns an empty PageTable.
func New() *PageTable {
	return &PageTable{
		entries: btree.NewG(btreeDegree, entryLess),
	}
}

// Lookup returns the entry for page pn, or zero if there is none.
func (pt *PageTable) Lookup(pn uint64) PTE {
	e, ok := pt.entries.Get(Entry{PageNumber: pn})
	if !ok {
		return 0
	}
	return e.PTE
}

// Set installs pte for page pn. It returns the entry it replaced, if any.
func (pt *PageTable) Set(pn uint64, pte PTE) (PTE, bool) {
	old, ok := pt.entries.ReplaceOrInsert(Entry{PageNumber: pn, PTE: pte})
	return old.PTE, ok
}

// Clear removes the entry for page pn. It returns the removed entry, if any.
func (pt *PageTable) Clear(pn uint64) (PTE, bool) {
	old, ok := pt.entries.Delete(Entry{PageNumber: pn})
	return old.PTE, ok
}

// Len returns the number of mapped pages.
func (pt *PageTable) Len() int {
	return pt.entries.Len()
}

// Walk calls fn for each entry with start <= PageNumber < end in increasing
// page order, stopping early if fn returns false. fn must not modify pt.
func (pt *PageTable) Walk(start, end uint64, fn func(Entry) bool) {
	pt.entries.AscendRange(Entry{PageNumber: start}, Entry{PageNumber: end}, fn)
}

// Entries returns a copy of the entries with start <= PageNumber < end.
func (pt *PageTable) Entries(start, end uint64) []Entry {
	var es []Entry
	pt.Walk(start, end, func(e Entry) bool {
		es = append(es, e)
		return true
	})
	return es
}
