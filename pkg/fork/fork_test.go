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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"exofork.dev/exofork/pkg/errors/exoerr"
	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/metric"
	"exofork.dev/exofork/pkg/pagetables"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
)

const (
	pu   = pagetables.Present | pagetables.User
	puw  = pagetables.Present | pagetables.User | pagetables.Writable
	pucw = pagetables.Present | pagetables.User | pagetables.COW

	dataVA = hostarch.Addr(0x00800000)
	roVA   = hostarch.Addr(0x00900000)
)

func newKernel(t *testing.T, frames int) *exokernel.Kernel {
	t.Helper()
	k, err := exokernel.New(exokernel.Config{Frames: frames, Metrics: metric.New()})
	if err != nil {
		t.Fatalf("exokernel.New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := k.Destroy(); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
	})
	return k
}

// newParent boots an environment driven by the test goroutine.
func newParent(t *testing.T, k *exokernel.Kernel) *Env {
	t.Helper()
	task, err := k.BootTask()
	if err != nil {
		t.Fatalf("BootTask failed: %v", err)
	}
	return Start(task)
}

func mapPage(t *testing.T, e *Env, va hostarch.Addr, perm pagetables.PTE, contents string) {
	t.Helper()
	if err := e.Task().PageAlloc(0, va, puw); err != nil {
		t.Fatalf("PageAlloc(%v) failed: %v", va, err)
	}
	if err := e.Task().Store(va, []byte(contents)); err != nil {
		t.Fatalf("Store(%v) failed: %v", va, err)
	}
	if perm != puw {
		if err := e.Task().PageMap(0, va, 0, va, perm); err != nil {
			t.Fatalf("PageMap(%v, %v) failed: %v", va, perm, err)
		}
	}
}

func load(t *testing.T, e *Env, va hostarch.Addr, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if err := e.Task().Load(va, buf); err != nil {
		t.Fatalf("Load(%v) failed: %v", va, err)
	}
	return string(buf)
}

func readMemory(t *testing.T, k *exokernel.Kernel, id exokernel.EnvID, va hostarch.Addr, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if err := k.ReadMemory(id, va, buf); err != nil {
		t.Fatalf("ReadMemory(%v, %v) failed: %v", id, va, err)
	}
	return string(buf)
}

func pte(t *testing.T, k *exokernel.Kernel, id exokernel.EnvID, va hostarch.Addr) pagetables.PTE {
	t.Helper()
	p, err := k.PTE(id, va)
	if err != nil {
		t.Fatalf("PTE(%v, %v) failed: %v", id, va, err)
	}
	return p
}

func wait(t *testing.T, k *exokernel.Kernel, id exokernel.EnvID) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := k.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("env %v did not stop", id)
	}
	return err
}

func TestDupPerm(t *testing.T) {
	for _, tc := range []struct {
		pte  pagetables.PTE
		want pagetables.PTE
	}{
		{pte: pu, want: pu},
		{pte: puw, want: pucw},
		{pte: pucw, want: pucw},
		{pte: puw | pagetables.COW, want: pucw},
		{pte: pagetables.MakePTE(7, puw), want: pucw},
	} {
		if got := DupPerm(tc.pte); got != tc.want {
			t.Errorf("DupPerm(%v) = %v, want %v", tc.pte, got, tc.want)
		}
	}
}

func TestSetPgfaultHandler(t *testing.T) {
	k := newKernel(t, 16)
	e := newParent(t, k)
	if err := e.SetPgfaultHandler(PageFaultHandler); err != nil {
		t.Fatalf("SetPgfaultHandler failed: %v", err)
	}
	xstack := e.Task().Layout().XStack()
	first := pte(t, k, e.Self(), xstack)
	if first.Perm() != puw {
		t.Errorf("exception stack PTE = %v, want %v", first, puw)
	}
	if e.This().PgfaultUpcall == nil {
		t.Errorf("no upcall registered")
	}
	// A second call only replaces the handler.
	if err := e.SetPgfaultHandler(PageFaultHandler); err != nil {
		t.Fatalf("SetPgfaultHandler failed: %v", err)
	}
	if got := pte(t, k, e.Self(), xstack); got != first {
		t.Errorf("exception stack reallocated: %v, want %v", got, first)
	}
}

func TestForkContentEquality(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	pages := map[hostarch.Addr]string{
		dataVA:                     "writable data",
		dataVA + hostarch.PageSize: "more writable data",
		roVA:                       "read-only data",
	}
	for va, s := range pages {
		perm := puw
		if va == roVA {
			perm = pu
		}
		mapPage(t, parent, va, perm, s)
	}
	stack := parent.Task().Layout().UStackTop - 16
	if err := parent.Task().Store(stack, []byte("stack contents!!")); err != nil {
		t.Fatalf("Store(stack) failed: %v", err)
	}
	pages[stack] = "stack contents!!"

	release := make(chan struct{})
	child, err := parent.Fork(func(*Env) { <-release })
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer close(release)
	for va, want := range pages {
		if got := readMemory(t, k, child, va, len(want)); got != want {
			t.Errorf("child memory at %v = %q, want %q", va, got, want)
		}
		if got := load(t, parent, va, len(want)); got != want {
			t.Errorf("parent memory at %v = %q, want %q", va, got, want)
		}
		if p, c := pte(t, k, parent.Self(), va), pte(t, k, child, va); p.Frame() != c.Frame() {
			t.Errorf("page %v: parent frame %#x, child frame %#x, want shared", va, p.Frame(), c.Frame())
		}
	}
}

func TestForkPermissions(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "rw")
	mapPage(t, parent, roVA, pu, "ro")
	release := make(chan struct{})
	child, err := parent.Fork(func(*Env) { <-release })
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer close(release)

	l := parent.Task().Layout()
	for _, tc := range []struct {
		name string
		va   hostarch.Addr
		want pagetables.PTE
	}{
		{"writable", dataVA, pucw},
		{"read-only", roVA, pu},
		{"user stack", l.UStackTop - hostarch.PageSize, pucw},
	} {
		for _, id := range []exokernel.EnvID{parent.Self(), child} {
			if got := pte(t, k, id, tc.va).Perm(); got != tc.want {
				t.Errorf("%s page of %v: perm %v, want %v", tc.name, id, got, tc.want)
			}
		}
	}
	// Nothing at or above the exception stack other than it is mapped.
	if got := pte(t, k, child, l.PFTemp); got.Present() {
		t.Errorf("child has scratch page mapped: %v", got)
	}
	if got := testutil.ToFloat64(k.Metrics().PagesDuplicated.WithLabelValues(metric.KindCOW)); got != 2 {
		t.Errorf("cow pages duplicated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(k.Metrics().Forks.WithLabelValues("fork")); got != 1 {
		t.Errorf("forks = %v, want 1", got)
	}
}

func TestExclusiveExceptionStacks(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "x")
	child, err := parent.Fork(func(*Env) {})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	xstack := parent.Task().Layout().XStack()
	p, c := pte(t, k, parent.Self(), xstack), pte(t, k, child, xstack)
	if p.Frame() == c.Frame() {
		t.Errorf("parent and child share exception stack frame %#x", p.Frame())
	}
	for _, x := range []pagetables.PTE{p, c} {
		if x.Perm() != puw {
			t.Errorf("exception stack PTE = %v, want %v", x, puw)
		}
	}
	if got := k.FrameRefs(c.Frame()); got != 1 {
		t.Errorf("child exception stack refs = %d, want 1", got)
	}
}

func TestChildLocals(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	parent.Globals()["counter"] = 1
	parent.Globals()["names"] = []string{"a"}

	type view struct {
		Self     exokernel.EnvID
		EnvID    exokernel.EnvID
		ParentID exokernel.EnvID
		Counter  any
		Names    any
	}
	got := make(chan view, 1)
	child, err := parent.Fork(func(e *Env) {
		info := e.This()
		got <- view{
			Self:     e.Self(),
			EnvID:    e.Task().GetEnvID(),
			ParentID: info.ParentID,
			Counter:  e.Globals()["counter"],
			Names:    e.Globals()["names"],
		}
		e.Globals()["counter"] = 2
	})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	want := view{
		Self:     child,
		EnvID:    child,
		ParentID: parent.Self(),
		Counter:  1,
		Names:    []string{"a"},
	}
	if diff := cmp.Diff(want, <-got); diff != "" {
		t.Errorf("child view mismatch (-want +got):\n%s", diff)
	}
	if got := parent.Globals()["counter"]; got != 1 {
		t.Errorf("parent counter = %v, want 1", got)
	}
	if parent.Self() == child {
		t.Errorf("parent Self changed to child id")
	}
}

func TestSingleWriterCopy(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "original")
	child, err := parent.Fork(func(e *Env) {
		for _, s := range []string{"first", "second"} {
			if err := e.Task().Store(dataVA, []byte(s)); err != nil {
				panic(err)
			}
		}
	})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	info, _ := k.Env(child)
	if info.Faults != 1 {
		t.Errorf("child faults = %d, want 1", info.Faults)
	}
	if got := pte(t, k, child, dataVA).Perm(); got != puw {
		t.Errorf("child PTE after write = %v, want %v", got, puw)
	}
	if got := readMemory(t, k, child, dataVA, 8); got != "secondal" {
		t.Errorf("child memory = %q, want %q", got, "secondal")
	}
	if got := load(t, parent, dataVA, 8); got != "original" {
		t.Errorf("parent memory = %q, want %q", got, "original")
	}
	if got := testutil.ToFloat64(k.Metrics().COWFaults); got != 1 {
		t.Errorf("cow faults = %v, want 1", got)
	}
}

func TestDivergence(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "shared")
	start := make(chan struct{})
	child, err := parent.Fork(func(e *Env) {
		<-start
		if err := e.Task().Store(dataVA, []byte("Y")); err != nil {
			panic(err)
		}
	})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		return parent.Task().Store(dataVA, []byte("X"))
	})
	g.Go(func() error {
		return k.Wait(ctx, child)
	})
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := load(t, parent, dataVA, 6); got != "Xhared" {
		t.Errorf("parent memory = %q, want %q", got, "Xhared")
	}
	if got := readMemory(t, k, child, dataVA, 6); got != "Yhared" {
		t.Errorf("child memory = %q, want %q", got, "Yhared")
	}
	if p, c := pte(t, k, parent.Self(), dataVA), pte(t, k, child, dataVA); p.Frame() == c.Frame() {
		t.Errorf("parent and child still share frame %#x", p.Frame())
	}
}

func TestReadOnlyStaysShared(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, roVA, pu, "constant")
	got := make(chan string, 1)
	child, err := parent.Fork(func(e *Env) {
		buf := make([]byte, 8)
		if err := e.Task().Load(roVA, buf); err != nil {
			panic(err)
		}
		got <- string(buf)
	})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	if s := <-got; s != "constant" {
		t.Errorf("child read %q, want %q", s, "constant")
	}
	p, c := pte(t, k, parent.Self(), roVA), pte(t, k, child, roVA)
	if p.Frame() != c.Frame() || p.Perm() != pu || c.Perm() != pu {
		t.Errorf("read-only page: parent %v child %v, want shared %v", p, c, pu)
	}
	if info, _ := k.Env(child); info.Faults != 0 {
		t.Errorf("child faults = %d, want 0", info.Faults)
	}
}

func TestFaultRejection(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "cow")
	mapPage(t, parent, roVA, pu, "ro")
	release := make(chan struct{})
	child, err := parent.Fork(func(*Env) { <-release })
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer close(release)

	for _, tc := range []struct {
		name string
		utf  exokernel.UTrapframe
	}{
		{
			name: "read of cow page",
			utf:  exokernel.UTrapframe{FaultVA: dataVA, Err: exokernel.FECPresent | exokernel.FECUser},
		},
		{
			name: "write to read-only page",
			utf:  exokernel.UTrapframe{FaultVA: roVA, Err: exokernel.FECPresent | exokernel.FECWrite | exokernel.FECUser},
		},
		{
			name: "write to unmapped page",
			utf:  exokernel.UTrapframe{FaultVA: roVA + hostarch.PageSize, Err: exokernel.FECWrite | exokernel.FECUser},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := PageFaultHandler(parent, &tc.utf)
			if got := exoerr.ClassOf(err); got != exoerr.ProtectionViolation {
				t.Errorf("PageFaultHandler = %v (%v), want ProtectionViolation", err, got)
			}
			if got := pte(t, k, parent.Self(), tc.utf.FaultVA.RoundDown()); got.Writable() {
				t.Errorf("page became writable: %v", got)
			}
		})
	}

	// A real write to a read-only page destroys the writer only.
	err = parent.Task().Store(roVA, []byte("x"))
	if !exoerr.IsFatal(err) {
		t.Errorf("Store(read-only) = %v, want fatal", err)
	}
	if info, _ := k.Env(parent.Self()); info.Status != exokernel.EnvDying {
		t.Errorf("parent status = %v, want %v", info.Status, exokernel.EnvDying)
	}
	if info, _ := k.Env(child); info.Status != exokernel.EnvRunning {
		t.Errorf("child status = %v, want %v", info.Status, exokernel.EnvRunning)
	}
}

func TestForkScenario(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "A")
	child, err := parent.Fork(func(e *Env) {
		if err := e.Task().Store(dataVA, []byte("B")); err != nil {
			panic(err)
		}
	})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if got := pte(t, k, parent.Self(), dataVA).Perm(); got != pucw {
		t.Errorf("parent P = %v, want %v", got, pucw)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	if got := load(t, parent, dataVA, 1); got != "A" {
		t.Errorf("parent reads %q after child write, want %q", got, "A")
	}
	if err := parent.Task().Store(dataVA, []byte("C")); err != nil {
		t.Fatalf("parent Store failed: %v", err)
	}
	if got := load(t, parent, dataVA, 1); got != "C" {
		t.Errorf("parent reads %q, want %q", got, "C")
	}
	if got := readMemory(t, k, child, dataVA, 1); got != "B" {
		t.Errorf("child reads %q, want %q", got, "B")
	}
	if info, _ := k.Env(parent.Self()); info.Faults != 1 {
		t.Errorf("parent faults = %d, want 1", info.Faults)
	}
}

func TestGrandchild(t *testing.T) {
	k := newKernel(t, 64)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "gen0")

	type result struct {
		self, parent exokernel.EnvID
		data         string
	}
	results := make(chan result, 2)
	grandchildren := make(chan exokernel.EnvID, 1)
	child, err := parent.Fork(func(e *Env) {
		if err := e.Task().Store(dataVA, []byte("gen1")); err != nil {
			panic(err)
		}
		gc, err := e.Fork(func(e *Env) {
			buf := make([]byte, 4)
			if err := e.Task().Load(dataVA, buf); err != nil {
				panic(err)
			}
			results <- result{self: e.Self(), parent: e.This().ParentID, data: string(buf)}
			if err := e.Task().Store(dataVA, []byte("gen2")); err != nil {
				panic(err)
			}
		})
		if err != nil {
			panic(err)
		}
		grandchildren <- gc
	})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	gc := <-grandchildren
	if err := wait(t, k, gc); err != nil {
		t.Fatalf("grandchild failed: %v", err)
	}
	want := result{self: gc, parent: child, data: "gen1"}
	if diff := cmp.Diff(want, <-results, cmp.AllowUnexported(result{})); diff != "" {
		t.Errorf("grandchild mismatch (-want +got):\n%s", diff)
	}
	for id, want := range map[exokernel.EnvID]string{parent.Self(): "gen0", child: "gen1", gc: "gen2"} {
		var got string
		if id == parent.Self() {
			got = load(t, parent, dataVA, 4)
		} else {
			got = readMemory(t, k, id, dataVA, 4)
		}
		if got != want {
			t.Errorf("memory of %v = %q, want %q", id, got, want)
		}
	}
}

func TestSFork(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "shared")
	mapPage(t, parent, roVA, pu, "ro")
	stack := parent.Task().Layout().UStackTop - 8
	if err := parent.Task().Store(stack, []byte("pstack")); err != nil {
		t.Fatalf("Store(stack) failed: %v", err)
	}

	child, err := parent.SFork(func(e *Env) {
		if err := e.Task().Store(dataVA, []byte("child")); err != nil {
			panic(err)
		}
		if err := e.Task().Store(stack, []byte("cstack")); err != nil {
			panic(err)
		}
	})
	if err != nil {
		t.Fatalf("SFork failed: %v", err)
	}
	if err := wait(t, k, child); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	if got := load(t, parent, dataVA, 6); got != "childd" {
		t.Errorf("parent data = %q, want child's write %q", got, "childd")
	}
	if got := load(t, parent, stack, 6); got != "pstack" {
		t.Errorf("parent stack = %q, want %q", got, "pstack")
	}
	if got := readMemory(t, k, child, stack, 6); got != "cstack" {
		t.Errorf("child stack = %q, want %q", got, "cstack")
	}
	for _, tc := range []struct {
		va   hostarch.Addr
		want pagetables.PTE
	}{
		{dataVA, puw},
		{roVA, pu},
	} {
		if got := pte(t, k, parent.Self(), tc.va).Perm(); got != tc.want {
			t.Errorf("parent perm at %v = %v, want %v", tc.va, got, tc.want)
		}
	}
	if got := testutil.ToFloat64(k.Metrics().Forks.WithLabelValues("sfork")); got != 1 {
		t.Errorf("sforks = %v, want 1", got)
	}
}

func TestSForkAfterFork(t *testing.T) {
	k := newKernel(t, 32)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "shared")

	first, err := parent.Fork(func(*Env) {})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := wait(t, k, first); err != nil {
		t.Fatalf("forked child failed: %v", err)
	}
	if got := pte(t, k, parent.Self(), dataVA).Perm(); got != pucw {
		t.Fatalf("parent perm after Fork = %v, want %v", got, pucw)
	}

	second, err := parent.SFork(func(e *Env) {
		if err := e.Task().Store(dataVA, []byte("child")); err != nil {
			panic(err)
		}
	})
	if err != nil {
		t.Fatalf("SFork failed: %v", err)
	}
	if err := wait(t, k, second); err != nil {
		t.Fatalf("sforked child failed: %v", err)
	}
	if got := load(t, parent, dataVA, 6); got != "childd" {
		t.Errorf("parent data = %q, want sforked child's write %q", got, "childd")
	}
	if got := readMemory(t, k, first, dataVA, 6); got != "shared" {
		t.Errorf("forked child data = %q, want %q", got, "shared")
	}
	for _, id := range []exokernel.EnvID{parent.Self(), second} {
		if got := pte(t, k, id, dataVA).Perm(); got != puw {
			t.Errorf("perm of %v at %v = %v, want %v", id, dataVA, got, puw)
		}
	}
	if got := pte(t, k, parent.Self(), dataVA).Frame(); got != pte(t, k, second, dataVA).Frame() {
		t.Errorf("parent frame %d differs from sforked child frame %d", got, pte(t, k, second, dataVA).Frame())
	}
}

func TestForkOutOfMemory(t *testing.T) {
	// User stack, data page and the parent's exception stack leave no
	// frame for the child's exception stack.
	k := newKernel(t, 3)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "data")
	ran := make(chan struct{}, 1)
	_, err := parent.Fork(func(*Env) { ran <- struct{}{} })
	if !errors.Is(err, exoerr.ENOMEM) {
		t.Fatalf("Fork = %v, want ENOMEM", err)
	}
	if got := exoerr.ClassOf(err); got != exoerr.ResourceExhausted {
		t.Errorf("ClassOf = %v, want ResourceExhausted", got)
	}
	if exoerr.IsFatal(err) {
		t.Errorf("IsFatal(%v) = true", err)
	}
	for _, info := range k.Envs() {
		if info.ID != parent.Self() && info.Status != exokernel.EnvNotRunnable {
			t.Errorf("failed child %v is %v, want %v", info.ID, info.Status, exokernel.EnvNotRunnable)
		}
	}
	select {
	case <-ran:
		t.Errorf("failed child ran")
	default:
	}
	// The parent's own memory is intact and writable.
	if err := parent.Task().Store(dataVA, []byte("still")); err != nil {
		t.Errorf("parent Store after failed fork = %v", err)
	}
}

func TestConcurrentChildren(t *testing.T) {
	const children = 8
	k := newKernel(t, 128)
	parent := newParent(t, k)
	mapPage(t, parent, dataVA, puw, "parent")

	ids := make([]exokernel.EnvID, children)
	for i := range ids {
		i := i
		id, err := parent.Fork(func(e *Env) {
			if err := e.Task().Store(dataVA, []byte(fmt.Sprintf("child%d", i))); err != nil {
				panic(err)
			}
		})
		if err != nil {
			t.Fatalf("Fork %d failed: %v", i, err)
		}
		ids[i] = id
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return k.Wait(ctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("child failed: %v", err)
	}
	for i, id := range ids {
		want := fmt.Sprintf("child%d", i)
		if got := readMemory(t, k, id, dataVA, len(want)); got != want {
			t.Errorf("child %d memory = %q, want %q", i, got, want)
		}
	}
	if got := load(t, parent, dataVA, 6); got != "parent" {
		t.Errorf("parent memory = %q, want %q", got, "parent")
	}
	var frames []uint64
	for _, id := range append([]exokernel.EnvID{parent.Self()}, ids...) {
		frames = append(frames, pte(t, k, id, dataVA).Frame())
	}
	seen := make(map[uint64]bool)
	for _, fr := range frames {
		if seen[fr] {
			t.Errorf("frame %#x mapped by more than one environment", fr)
		}
		seen[fr] = true
	}
}

func TestBoot(t *testing.T) {
	k := newKernel(t, 32)
	got := make(chan bool, 1)
	id, err := Boot(k, func(e *Env) {
		got <- e.Self() == e.Task().GetEnvID()
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if err := wait(t, k, id); err != nil {
		t.Fatalf("env failed: %v", err)
	}
	if !<-got {
		t.Errorf("booted Self does not match its id")
	}
}

func TestAttachWithoutImage(t *testing.T) {
	k := newKernel(t, 8)
	task, err := k.BootTask()
	if err != nil {
		t.Fatalf("BootTask failed: %v", err)
	}
	if _, err := Attach(task); !errors.Is(err, exoerr.EINVAL) {
		t.Errorf("Attach = %v, want EINVAL", err)
	}
}
