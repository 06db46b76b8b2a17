// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the exofork commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"exofork.dev/exofork/exofork/config"
	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/metric"
	"golang.org/x/term"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "exofork: "+format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// commandArgs unpacks the arguments cli.Main passes to every command.
func commandArgs(args []any) (*config.Config, *metric.Collector) {
	return args[0].(*config.Config), args[1].(*metric.Collector)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newKernel creates the simulated machine described by conf.
func newKernel(conf *config.Config, m *metric.Collector) (*exokernel.Kernel, error) {
	k, err := exokernel.New(conf.KernelConfig(m))
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	return k, nil
}
