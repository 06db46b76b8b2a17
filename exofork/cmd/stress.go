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
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/fork"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/metric"
	"exofork.dev/exofork/pkg/pagetables"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// stressVA is the first page of the stress working set.
const stressVA = hostarch.Addr(0x01000000)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	children int
	pages    int
	rounds   int
	timeout  time.Duration

	// progress is set if a per-round progress line is shown on stdout.
	progress bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fork many children that concurrently write every shared page"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - a parent fills a working set and forks children that all
write every page at once. Each environment must read back only its own writes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.children, "children", 16, "number of children forked per round.")
	f.IntVar(&s.pages, "pages", 8, "number of writable pages in the working set.")
	f.IntVar(&s.rounds, "rounds", 1, "number of fork rounds.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "how long to wait for all rounds to finish.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.children < 1 || s.pages < 1 || s.rounds < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, m := commandArgs(args)
	k, err := newKernel(conf, m)
	if err != nil {
		Fatalf("%v", err)
	}
	defer k.Destroy()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.progress = isTerminal(os.Stdout)
	start := time.Now()
	result := make(chan error, 1)
	root, err := fork.Boot(k, func(e *fork.Env) {
		result <- s.parent(ctx, k, e)
	})
	if err != nil {
		Fatalf("booting parent: %v", err)
	}
	if err := k.Wait(ctx, root); err != nil {
		Fatalf("parent %v: %v", root, err)
	}
	if s.progress {
		fmt.Fprintln(os.Stdout)
	}
	if err := <-result; err != nil {
		log.Warningf("Stress failed: %v", err)
		fmt.Fprintf(os.Stderr, "stress failed: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "%d rounds of %d children over %d pages in %v: %.0f forks, %.0f copy-on-write faults, %d frames in use\n",
		s.rounds, s.children, s.pages, time.Since(start).Round(time.Millisecond),
		metric.Value(m.Forks.WithLabelValues("fork")), metric.Value(m.COWFaults), k.FramesInUse())
	return subcommands.ExitSuccess
}

// pattern returns the page contents written by writer in round.
func pattern(round, writer int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("%04d:%04d;", round, writer)), hostarch.PageSize/10)
}

// fill writes p to every page of the working set.
func (s *Stress) fill(t *exokernel.Task, p []byte) error {
	for i := 0; i < s.pages; i++ {
		if err := t.Store(stressVA+hostarch.Addr(i)*hostarch.PageSize, p); err != nil {
			return err
		}
	}
	return nil
}

// check verifies every page of the working set holds p.
func (s *Stress) check(t *exokernel.Task, p []byte) error {
	buf := make([]byte, len(p))
	for i := 0; i < s.pages; i++ {
		va := stressVA + hostarch.Addr(i)*hostarch.PageSize
		if err := t.Load(va, buf); err != nil {
			return err
		}
		if !bytes.Equal(buf, p) {
			return fmt.Errorf("page %v of %v holds %q..., want %q...", va, t.GetEnvID(), buf[:10], p[:10])
		}
	}
	return nil
}

func (s *Stress) parent(ctx context.Context, k *exokernel.Kernel, e *fork.Env) error {
	t := e.Task()
	for i := 0; i < s.pages; i++ {
		va := stressVA + hostarch.Addr(i)*hostarch.PageSize
		if err := t.PageAlloc(0, va, pagetables.Present|pagetables.User|pagetables.Writable); err != nil {
			return err
		}
	}
	for round := 0; round < s.rounds; round++ {
		round := round
		own := pattern(round, 0)
		if err := s.fill(t, own); err != nil {
			return err
		}
		start := make(chan struct{})
		ids := make([]exokernel.EnvID, 0, s.children)
		for c := 1; c <= s.children; c++ {
			c := c
			id, err := e.Fork(func(ce *fork.Env) {
				<-start
				p := pattern(round, c)
				if err := s.fill(ce.Task(), p); err != nil {
					panic(err)
				}
				if err := s.check(ce.Task(), p); err != nil {
					panic(err)
				}
			})
			if err != nil {
				close(start)
				return fmt.Errorf("round %d: fork %d: %w", round, c, err)
			}
			ids = append(ids, id)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				return k.Wait(gctx, id)
			})
		}
		close(start)
		if err := g.Wait(); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		if err := s.check(t, own); err != nil {
			return fmt.Errorf("round %d: parent: %w", round, err)
		}
		for _, id := range ids {
			if err := k.Free(id); err != nil {
				return err
			}
		}
		log.Infof("Round %d: %d children done", round, len(ids))
		if s.progress {
			fmt.Fprintf(os.Stdout, "\rround %d/%d done", round+1, s.rounds)
		}
	}
	return nil
}
