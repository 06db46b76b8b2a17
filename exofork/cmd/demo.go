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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/fork"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/pagetables"
	"github.com/google/subcommands"
)

// demoVA is the page the demo shares between parent and child.
const demoVA = hostarch.Addr(0x00800000)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	shared  bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "fork an environment and show copy-on-write divergence of one page"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [flags] - a parent writes "A" to a page and forks. The child writes
"B" and the parent then writes "C"; each reads back its own value.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.shared, "sfork", false, "share the page with the child instead of copying it on write.")
	f.DurationVar(&d.timeout, "timeout", 10*time.Second, "how long to wait for the environments to finish.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, m := commandArgs(args)
	k, err := newKernel(conf, m)
	if err != nil {
		Fatalf("%v", err)
	}
	defer k.Destroy()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := runDemo(ctx, k, os.Stdout, d.shared); err != nil {
		log.Warningf("Demo failed: %v", err)
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runDemo runs the parent/child scenario on k and writes a transcript to w.
func runDemo(ctx context.Context, k *exokernel.Kernel, w io.Writer, shared bool) error {
	result := make(chan error, 1)
	root, err := fork.Boot(k, func(e *fork.Env) {
		result <- demoParent(ctx, k, e, w, shared)
	})
	if err != nil {
		return err
	}
	if err := k.Wait(ctx, root); err != nil {
		return fmt.Errorf("parent %v: %w", root, err)
	}
	return <-result
}

func demoParent(ctx context.Context, k *exokernel.Kernel, e *fork.Env, w io.Writer, shared bool) error {
	t := e.Task()
	if err := t.PageAlloc(0, demoVA, pagetables.Present|pagetables.User|pagetables.Writable); err != nil {
		return err
	}
	if err := t.Store(demoVA, []byte("A")); err != nil {
		return err
	}
	fmt.Fprintf(w, "[%v] parent wrote %q at %v\n", e.Self(), "A", demoVA)

	forkFn, name := e.Fork, "fork"
	if shared {
		forkFn, name = e.SFork, "sfork"
	}
	child, err := forkFn(func(c *fork.Env) {
		if err := c.Task().Store(demoVA, []byte("B")); err != nil {
			return
		}
		fmt.Fprintf(w, "[%v] child wrote %q, reads %q\n", c.Self(), "B", read(c.Task()))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(w, "[%v] %s created %v, page is %v\n", e.Self(), name, child, t.UVPT().Lookup(demoVA.PageNumber()).Perm())

	if err := k.Wait(ctx, child); err != nil {
		return fmt.Errorf("child %v: %w", child, err)
	}
	fmt.Fprintf(w, "[%v] parent reads %q after the child's write\n", e.Self(), read(t))

	if err := t.Store(demoVA, []byte("C")); err != nil {
		return err
	}
	fmt.Fprintf(w, "[%v] parent wrote %q, reads %q\n", e.Self(), "C", read(t))

	var buf [1]byte
	if err := k.ReadMemory(child, demoVA, buf[:]); err != nil {
		return err
	}
	fmt.Fprintf(w, "final: parent %q, child %q\n", read(t), buf[:])
	for _, id := range []exokernel.EnvID{e.Self(), child} {
		info, _ := k.Env(id)
		fmt.Fprintf(w, "  %v: %v, %d faults\n", id, info.Status, info.Faults)
	}
	return k.Free(child)
}

// read returns the first byte of the demo page.
func read(t *exokernel.Task) string {
	var buf [1]byte
	if err := t.Load(demoVA, buf[:]); err != nil {
		return err.Error()
	}
	return string(buf[:])
}
