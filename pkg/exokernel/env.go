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

	"exofork.dev/exofork/pkg/pagetables"
)

const (
	// log2NEnv bounds the environment table at 1 << log2NEnv entries.
	log2NEnv = 10

	// MaxEnvs is the largest supported environment table.
	MaxEnvs = 1 << log2NEnv

	// envGenShift is the shift of the generation number in an EnvID.
	envGenShift = 12
)

// EnvID identifies an environment. It combines a table index with a
// generation number, so a stale id never names a reused slot. In syscalls the
// zero EnvID means the calling environment; as the result of Exofork it means
// "this is the child".
type EnvID int32

// Index returns the environment table index of id.
func (id EnvID) Index() int {
	return int(id) & (MaxEnvs - 1)
}

// String implements fmt.Stringer.String.
func (id EnvID) String() string {
	return fmt.Sprintf("%08x", int32(id))
}

// Status is the scheduling state of an environment.
type Status int

// Environment states.
const (
	// EnvFree is an unused table slot.
	EnvFree Status = iota

	// EnvNotRunnable has been created but is not yet eligible to run.
	EnvNotRunnable

	// EnvRunnable is eligible to run but has not been started.
	EnvRunnable

	// EnvRunning is executing user code.
	EnvRunning

	// EnvDying was destroyed by a fatal fault or panic.
	EnvDying

	// EnvExited returned from its entry point.
	EnvExited
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case EnvFree:
		return "free"
	case EnvNotRunnable:
		return "not-runnable"
	case EnvRunnable:
		return "runnable"
	case EnvRunning:
		return "running"
	case EnvDying:
		return "dying"
	case EnvExited:
		return "exited"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// alive returns true if an environment in state s may still make syscalls.
func (s Status) alive() bool {
	return s == EnvNotRunnable || s == EnvRunnable || s == EnvRunning
}

// Registers is the saved user register state of an environment.
type Registers struct {
	// PC is the program counter.
	PC uint64

	// SP is the stack pointer.
	SP uint64

	// Ret is the syscall return register. Exofork sets it to zero in the
	// child.
	Ret uint64

	// GPR are the remaining general purpose registers.
	GPR [8]uint64
}

// Entry is the code a booted environment starts executing.
type Entry func(t *Task)

// Resume is where a forked child starts executing: the return from the
// Exofork call that created it, with ret holding the value Exofork returns in
// the child, which is always zero.
type Resume func(t *Task, ret EnvID)

// Upcall is the user-mode fault entry point the trampoline invokes on the
// exception stack. A non-nil error is fatal to the faulting environment.
type Upcall func(t *Task, utf *UTrapframe) error

// EnvInfo is the read-only descriptor of an environment.
type EnvInfo struct {
	// ID is the environment's id.
	ID EnvID

	// ParentID is the id of the environment that created it, or zero.
	ParentID EnvID

	// Status is the scheduling state.
	Status Status

	// PgfaultUpcall is the registered fault entry point, or nil.
	PgfaultUpcall Upcall

	// Faults is the number of faults delivered to the upcall.
	Faults uint64

	// Pages is the number of mapped pages.
	Pages int

	// Err is the fatal error that destroyed the environment, if any.
	Err error
}

// env is a kernel environment. All fields are protected by Kernel.mu except
// done, which is closed once, and task, which is immutable.
type env struct {
	id     EnvID
	parent EnvID
	status Status

	// pt is the environment's page table.
	pt *pagetables.PageTable

	// regs is the saved register state.
	regs Registers

	// upcall is the fault entry point.
	upcall Upcall

	// image is the process-local image. Exofork deep-copies it into the
	// child.
	image any

	// Exactly one of entry and resume is set for an environment the
	// scheduler may start.
	entry  Entry
	resume Resume

	// started is set once the environment's goroutine has been created.
	started bool

	// faultDepth is the number of trapframes on the exception stack.
	faultDepth int

	// faults counts fault deliveries.
	faults uint64

	// err is the fatal error, set when the status becomes EnvDying.
	err error

	// done is closed when the environment stops running.
	done chan struct{}

	task *Task
}

func (e *env) info() EnvInfo {
	return EnvInfo{
		ID:            e.id,
		ParentID:      e.parent,
		Status:        e.status,
		PgfaultUpcall: e.upcall,
		Faults:        e.faults,
		Pages:         e.pt.Len(),
		Err:           e.err,
	}
}
