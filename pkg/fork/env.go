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

// Package fork implements fork for exokernel environments entirely in user
// space. Fork shares the caller's pages with a new child, write-protected
// and marked copy-on-write, and a page fault handler gives each side a
// private copy the first time it writes a shared page.
package fork

import (
	"fmt"

	"exofork.dev/exofork/pkg/errors/exoerr"
	"exofork.dev/exofork/pkg/exokernel"
)

// PgfaultFunc handles a page fault in environment e. A non-nil error
// destroys e.
type PgfaultFunc func(e *Env, utf *exokernel.UTrapframe) error

// Locals is the process-local image of an environment. It is inherited by
// value: Exofork deep-copies it into the child, so the child starts with
// the parent's Self and must correct it.
type Locals struct {
	// Self is the id of the environment this image belongs to.
	Self exokernel.EnvID

	// Handler is the page fault handler, or nil if none is installed.
	Handler PgfaultFunc

	// Globals holds arbitrary process state. Children receive a deep copy.
	Globals map[string]any
}

// Env is a running environment together with its process-local image.
// Like its Task, an Env must only be used by the environment's own
// goroutine.
type Env struct {
	task   *exokernel.Task
	locals *Locals
}

// Start installs a fresh process-local image on a task that has just booted
// and returns its Env.
func Start(t *exokernel.Task) *Env {
	l := &Locals{
		Self:    t.GetEnvID(),
		Globals: make(map[string]any),
	}
	t.SetImage(l)
	return &Env{task: t, locals: l}
}

// Attach returns the Env of a task whose image was installed by Start or
// inherited through fork.
func Attach(t *exokernel.Task) (*Env, error) {
	l, ok := t.Image().(*Locals)
	if !ok || l == nil {
		return nil, fmt.Errorf("env %v has no process-local image: %w", t.GetEnvID(), exoerr.EINVAL)
	}
	return &Env{task: t, locals: l}, nil
}

// Boot starts main in a new environment on k.
func Boot(k *exokernel.Kernel, main func(e *Env)) (exokernel.EnvID, error) {
	return k.Boot(func(t *exokernel.Task) {
		main(Start(t))
	})
}

// Task returns the task e runs on.
func (e *Env) Task() *exokernel.Task {
	return e.task
}

// Self returns the id recorded in the process-local image.
func (e *Env) Self() exokernel.EnvID {
	return e.locals.Self
}

// This returns the descriptor of the environment the process-local image
// names.
func (e *Env) This() exokernel.EnvInfo {
	return e.task.Env(e.locals.Self)
}

// Globals returns the process-local globals.
func (e *Env) Globals() map[string]any {
	return e.locals.Globals
}

// Locals returns the process-local image.
func (e *Env) Locals() *Locals {
	return e.locals
}
