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

// Package pgalloc contains the physical frame allocator backing the simulated
// exokernel. Frames live in one anonymous host mapping and are reference
// counted by the page table entries that map them.
package pgalloc

import (
	"fmt"
	"sync"

	"exofork.dev/exofork/pkg/errors/exoerr"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"golang.org/x/sys/unix"
)

// MemoryFile is a fixed pool of page-sized frames.
type MemoryFile struct {
	// mapping is the host memory holding every frame. It is immutable
	// after NewMemoryFile until Destroy.
	mapping []byte

	// mu protects the fields below.
	mu sync.Mutex

	// refs is the reference count of each frame. A frame with zero
	// references is on the free list.
	refs []uint32

	// free is a stack of unreferenced frames.
	free []uint64
}

// NewMemoryFile maps a pool of the given number of frames.
func NewMemoryFile(frames int) (*MemoryFile, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", frames)
	}
	m, err := unix.Mmap(-1, 0, frames*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d frames: %w", frames, err)
	}
	f := &MemoryFile{
		mapping: m,
		refs:    make([]uint32, frames),
		free:    make([]uint64, 0, frames),
	}
	// Push in reverse so that allocation hands out low frames first.
	for fr := frames - 1; fr >= 0; fr-- {
		f.free = append(f.free, uint64(fr))
	}
	log.Debugf("Memory file: %d frames (%d bytes)", frames, len(m))
	return f, nil
}

// Destroy releases the host mapping. The MemoryFile must not be used after
// Destroy.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapping == nil {
		return nil
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	return err
}

// Allocate returns a zeroed frame with one reference. It returns ENOMEM if
// every frame is referenced.
func (f *MemoryFile) Allocate() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.free) == 0 {
		return 0, exoerr.ENOMEM
	}
	fr := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	f.refs[fr] = 1
	clear(f.frameLocked(fr))
	return fr, nil
}

// IncRef adds a reference to an allocated frame.
func (f *MemoryFile) IncRef(fr uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[fr] == 0 {
		panic(fmt.Sprintf("IncRef on free frame %#x", fr))
	}
	f.refs[fr]++
}

// DecRef drops a reference to fr, freeing it when none remain.
func (f *MemoryFile) DecRef(fr uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.refs[fr] {
	case 0:
		panic(fmt.Sprintf("DecRef on free frame %#x", fr))
	case 1:
		f.refs[fr] = 0
		f.free = append(f.free, fr)
	default:
		f.refs[fr]--
	}
}

// Refs returns the number of references to fr.
func (f *MemoryFile) Refs(fr uint64) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[fr]
}

// Bytes returns the memory of frame fr. The slice aliases the frame; callers
// serialize access to it.
func (f *MemoryFile) Bytes(fr uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frameLocked(fr)
}

// Preconditions: f.mu must be locked.
func (f *MemoryFile) frameLocked(fr uint64) []byte {
	off := fr * hostarch.PageSize
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Frames returns the total number of frames.
func (f *MemoryFile) Frames() int {
	return len(f.refs)
}

// InUse returns the number of referenced frames.
func (f *MemoryFile) InUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs) - len(f.free)
}
