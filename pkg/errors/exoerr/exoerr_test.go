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

package exoerr

import (
	"errors"
	"fmt"
	"testing"

	perrors "exofork.dev/exofork/pkg/errors"
)

func TestClassOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want Class
	}{
		{err: nil, want: Unknown},
		{err: errors.New("other"), want: Unknown},
		{err: ENOMEM, want: ResourceExhausted},
		{err: fmt.Errorf("page alloc: %w", ENOMEM), want: ResourceExhausted},
		{err: EINVAL, want: InvalidMapping},
		{err: EBADENV, want: InvalidProcess},
		{err: ENOFREEENV, want: InvalidProcess},
		{err: fmt.Errorf("fault at %#x: %w", 0x1000, EFAULT), want: ProtectionViolation},
		{err: perrors.New(errnoFault+1, "other errno"), want: Unknown},
	} {
		if got := ClassOf(tc.err); got != tc.want {
			t.Errorf("ClassOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("wrapped: %w", EFAULT)) {
		t.Errorf("IsFatal(EFAULT) = false, want true")
	}
	if IsFatal(ENOMEM) {
		t.Errorf("IsFatal(ENOMEM) = true, want false")
	}
}
