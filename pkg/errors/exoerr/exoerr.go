// Copyright 2021 The gVisor Authors.
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

// Package exoerr contains the exokernel syscall error codes exported as
// error interface pointers, and their classification into the failure
// taxonomy used by the fork library.
package exoerr

import (
	goerrors "errors"

	"exofork.dev/exofork/pkg/errors"
)

// Exokernel error numbers.
const (
	errnoBadEnv errors.Errno = iota + 1
	errnoInval
	errnoNoMem
	errnoNoFreeEnv
	errnoFault
)

// The following errors are returned by the simulated exokernel and the fork
// library. Compare with errors.Is; the values are pointers and are never
// copied.
var (
	EBADENV    = errors.New(errnoBadEnv, "bad environment")
	EINVAL     = errors.New(errnoInval, "invalid parameter")
	ENOMEM     = errors.New(errnoNoMem, "out of memory")
	ENOFREEENV = errors.New(errnoNoFreeEnv, "out of environments")
	EFAULT     = errors.New(errnoFault, "segmentation fault")
)

// Class partitions errors by how the fork library reacts to them.
type Class int

// Failure classes.
const (
	// Unknown is any error that did not originate from this package.
	Unknown Class = iota

	// ResourceExhausted is a frame allocation failure.
	ResourceExhausted

	// InvalidMapping is a map or unmap rejected by the kernel, e.g. bad
	// permissions or a missing source mapping.
	InvalidMapping

	// InvalidProcess is a rejected child creation or status change.
	InvalidProcess

	// ProtectionViolation is a fault that is not a write to a
	// copy-on-write page.
	ProtectionViolation
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ResourceExhausted:
		return "ResourceExhausted"
	case InvalidMapping:
		return "InvalidMapping"
	case InvalidProcess:
		return "InvalidProcess"
	case ProtectionViolation:
		return "ProtectionViolation"
	default:
		return "Unknown"
	}
}

// ClassOf classifies err, looking through wrapped errors.
func ClassOf(err error) Class {
	var e *errors.Error
	if !goerrors.As(err, &e) || e == nil {
		return Unknown
	}
	switch e.Errno() {
	case errnoNoMem:
		return ResourceExhausted
	case errnoInval:
		return InvalidMapping
	case errnoBadEnv, errnoNoFreeEnv:
		return InvalidProcess
	case errnoFault:
		return ProtectionViolation
	default:
		return Unknown
	}
}

// IsFatal reports whether err must terminate the process that observed it
// rather than being surfaced to a caller that may recover.
func IsFatal(err error) bool {
	return ClassOf(err) == ProtectionViolation
}
