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

// Package exokernel is an in-process simulation of a minimal exokernel. It
// exposes raw page mapping, child creation and fault upcall primitives to
// user environments, which run as goroutines. It does not implement fork;
// user libraries build fork out of these primitives.
//
// Lock order:
//
//	Kernel.mu
//	  pgalloc.MemoryFile.mu
package exokernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"exofork.dev/exofork/pkg/errors/exoerr"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/metric"
	"exofork.dev/exofork/pkg/pagetables"
	"exofork.dev/exofork/pkg/pgalloc"
)

// ErrDestroyed is the exit error of environments that were still live when
// their kernel was destroyed.
var ErrDestroyed = fmt.Errorf("kernel destroyed: %w", exoerr.EBADENV)

// Config configures a Kernel.
type Config struct {
	// Layout is the user address space layout. The zero value selects
	// DefaultLayout.
	Layout Layout

	// Frames is the number of physical frames.
	Frames int

	// MaxEnvs bounds the environment table. Zero selects MaxEnvs.
	MaxEnvs int

	// Metrics receives kernel metrics. Nil selects metric.Default.
	Metrics *metric.Collector
}

// Kernel is a simulated exokernel.
type Kernel struct {
	layout  Layout
	metrics *metric.Collector

	// mu protects the environment table, every environment's mutable
	// fields and page table, and the contents of every frame.
	mu sync.RWMutex

	// mf is the frame pool. It is nil after Destroy.
	mf *pgalloc.MemoryFile

	// envs is the environment table. A nil slot has never been used; a
	// freed slot keeps its last id so that generations advance.
	envs []*env
}

// New creates a Kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout()
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	if cfg.MaxEnvs == 0 {
		cfg.MaxEnvs = MaxEnvs
	}
	if cfg.MaxEnvs < 1 || cfg.MaxEnvs > MaxEnvs {
		return nil, fmt.Errorf("invalid MaxEnvs %d, must be in [1, %d]", cfg.MaxEnvs, MaxEnvs)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.Default
	}
	mf, err := pgalloc.NewMemoryFile(cfg.Frames)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		layout:  cfg.Layout,
		metrics: cfg.Metrics,
		mf:      mf,
		envs:    make([]*env, cfg.MaxEnvs),
	}
	log.Infof("Kernel: %d frames, %d envs, layout %+v", cfg.Frames, cfg.MaxEnvs, cfg.Layout)
	return k, nil
}

// Layout returns the address space layout.
func (k *Kernel) Layout() Layout {
	return k.layout
}

// Metrics returns the kernel's metrics collector.
func (k *Kernel) Metrics() *metric.Collector {
	return k.metrics
}

// Destroy kills every live environment and releases physical memory.
// Environments that are still executing fail every subsequent syscall and
// memory access.
func (k *Kernel) Destroy() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mf == nil {
		return nil
	}
	for _, e := range k.envs {
		if e != nil && e.status.alive() {
			k.stopLocked(e, EnvDying, ErrDestroyed)
		}
	}
	err := k.mf.Destroy()
	k.mf = nil
	return err
}

// Boot creates an environment with a one-page user stack and runs entry on
// it in a new goroutine.
func (k *Kernel) Boot(entry Entry) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.bootLocked()
	if err != nil {
		return 0, err
	}
	e.entry = entry
	k.startLocked(e)
	return e.id, nil
}

// BootTask creates a running environment with a one-page user stack whose
// task is driven by the calling goroutine. The caller must call Task.Exit
// when it is done with it.
func (k *Kernel) BootTask() (*Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.bootLocked()
	if err != nil {
		return nil, err
	}
	e.started = true
	k.setStatusLocked(e, EnvRunning)
	return e.task, nil
}

// Preconditions: k.mu must be locked.
func (k *Kernel) bootLocked() (*env, error) {
	if k.mf == nil {
		return nil, exoerr.EBADENV
	}
	e, err := k.allocLocked(0)
	if err != nil {
		return nil, err
	}
	stack := k.layout.UStackTop - hostarch.PageSize
	if err := k.pageAllocLocked(e, stack, pagetables.Present|pagetables.User|pagetables.Writable); err != nil {
		k.freeLocked(e)
		return nil, fmt.Errorf("allocating user stack: %w", err)
	}
	e.regs.SP = uint64(k.layout.UStackTop)
	return e, nil
}

// allocLocked returns a new not-runnable environment with an empty address
// space.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) allocLocked(parent EnvID) (*env, error) {
	idx := -1
	for i, e := range k.envs {
		if e == nil || e.status == EnvFree {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, exoerr.ENOFREEENV
	}
	var last EnvID
	if old := k.envs[idx]; old != nil {
		last = old.id
	}
	gen := (int32(last) + 1<<envGenShift) &^ (MaxEnvs - 1)
	if gen <= 0 {
		gen = 1 << envGenShift
	}
	e := &env{
		id:     EnvID(gen | int32(idx)),
		parent: parent,
		status: EnvFree,
		pt:     pagetables.New(),
		done:   make(chan struct{}),
	}
	e.task = &Task{k: k, e: e}
	k.envs[idx] = e
	k.setStatusLocked(e, EnvNotRunnable)
	log.Debugf("[%v] new env %v", parent, e.id)
	return e, nil
}

// startLocked runs e on a new goroutine.
//
// Preconditions: k.mu must be locked. e has not been started.
func (k *Kernel) startLocked(e *env) {
	e.started = true
	k.setStatusLocked(e, EnvRunning)
	go k.run(e)
}

// run executes e's entry point, or its fork continuation, until it returns.
func (k *Kernel) run(e *env) {
	status, err := EnvExited, error(nil)
	defer func() {
		if r := recover(); r != nil {
			status, err = EnvDying, fmt.Errorf("panic: %v", r)
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		k.stopLocked(e, status, err)
	}()
	if e.resume != nil {
		e.resume(e.task, 0)
	} else {
		e.entry(e.task)
	}
}

// stopLocked moves a live environment to a stopped status. It does nothing
// if e has already stopped.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) stopLocked(e *env, s Status, err error) {
	if !e.status.alive() {
		return
	}
	e.err = err
	k.setStatusLocked(e, s)
	close(e.done)
	switch {
	case errors.Is(err, ErrDestroyed):
		log.Debugf("[%v] stopped by kernel shutdown", e.id)
	case s == EnvDying:
		k.metrics.FatalFaults.WithLabelValues(exoerr.ClassOf(err).String()).Inc()
		log.Warningf("[%v] destroyed: %v", e.id, err)
	default:
		log.Debugf("[%v] exiting gracefully", e.id)
	}
}

// Preconditions: k.mu must be locked.
func (k *Kernel) setStatusLocked(e *env, s Status) {
	if e.status != EnvFree {
		k.metrics.Envs.WithLabelValues(e.status.String()).Dec()
	}
	e.status = s
	if s != EnvFree {
		k.metrics.Envs.WithLabelValues(s.String()).Inc()
	}
}

// freeLocked releases e's address space and table slot.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) freeLocked(e *env) {
	for _, ent := range e.pt.Entries(0, ^uint64(0)) {
		k.mf.DecRef(ent.PTE.Frame())
	}
	e.pt = pagetables.New()
	e.image = nil
	e.upcall = nil
	k.setStatusLocked(e, EnvFree)
	k.metrics.FramesInUse.Set(float64(k.mf.InUse()))
}

// Free releases a stopped or never-started environment and its memory.
func (k *Kernel) Free(id EnvID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.started && e.status.alive() {
		return fmt.Errorf("env %v is %v: %w", id, e.status, exoerr.EINVAL)
	}
	if k.mf == nil {
		k.setStatusLocked(e, EnvFree)
		return nil
	}
	if e.status.alive() {
		k.stopLocked(e, EnvExited, nil)
	}
	k.freeLocked(e)
	log.Debugf("[%v] freed", id)
	return nil
}

// Wait blocks until environment id stops or ctx is done. It returns the
// error that destroyed the environment, or nil if it exited normally.
func (k *Kernel) Wait(ctx context.Context, id EnvID) error {
	k.mu.RLock()
	e, err := k.lookupLocked(id)
	k.mu.RUnlock()
	if err != nil {
		return err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return e.err
}

// Env returns the descriptor of environment id.
func (k *Kernel) Env(id EnvID) (EnvInfo, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, err := k.lookupLocked(id)
	if err != nil {
		return EnvInfo{}, false
	}
	return e.info(), true
}

// Envs returns the descriptors of every environment that has not been
// freed, in table order.
func (k *Kernel) Envs() []EnvInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var infos []EnvInfo
	for _, e := range k.envs {
		if e != nil && e.status != EnvFree {
			infos = append(infos, e.info())
		}
	}
	return infos
}

// lookupLocked returns the environment with exactly the given id.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) lookupLocked(id EnvID) (*env, error) {
	if id <= 0 || id.Index() >= len(k.envs) {
		return nil, exoerr.EBADENV
	}
	e := k.envs[id.Index()]
	if e == nil || e.status == EnvFree || e.id != id {
		return nil, exoerr.EBADENV
	}
	return e, nil
}

// envLocked resolves id on behalf of cur. Zero means cur. If checkPerm is
// set, the target must be cur or a child of cur.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) envLocked(cur *env, id EnvID, checkPerm bool) (*env, error) {
	if id == 0 {
		return cur, nil
	}
	e, err := k.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if checkPerm && e != cur && e.parent != cur.id {
		return nil, exoerr.EBADENV
	}
	return e, nil
}

// PTE returns the entry mapping va in environment id. It is a privileged
// read used for inspection and has no permission checks.
func (k *Kernel) PTE(id EnvID, va hostarch.Addr) (pagetables.PTE, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, err := k.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	return e.pt.Lookup(va.PageNumber()), nil
}

// FrameRefs returns the number of mappings of physical frame fr.
func (k *Kernel) FrameRefs(fr uint64) uint32 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.mf == nil {
		return 0
	}
	return k.mf.Refs(fr)
}

// FramesInUse returns the number of referenced physical frames.
func (k *Kernel) FramesInUse() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.mf == nil {
		return 0
	}
	return k.mf.InUse()
}

// ReadMemory copies memory of environment id at va into buf, bypassing
// page permissions. Unmapped pages are an EFAULT.
func (k *Kernel) ReadMemory(id EnvID, va hostarch.Addr, buf []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, err := k.lookupLocked(id)
	if err != nil {
		return err
	}
	return k.copyLocked(e, va, buf, false)
}
