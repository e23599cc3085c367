// Copyright 2026 Google LLC
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

// Package handle wraps runtime descriptors as opaque handles for the
// stable host API boundary.
//
// Callers outside the module hold a Handle rather than a pointer, so the
// boundary can validate every descriptor reference and leaked handles
// can be counted by tests.
package handle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle to a runtime descriptor. The zero handle is invalid.
type Handle uintptr

var (
	handles   sync.Map
	handleIdx atomic.Uintptr
)

// Wrap registers a value and returns its handle.
func Wrap(v any) Handle {
	if v == nil {
		return 0
	}
	h := Handle(handleIdx.Add(1))
	if h == 0 {
		panic("hostapi: ran out of handle space")
	}
	handles.Store(h, v)
	return h
}

// Unwrap returns the value registered for h, or the zero value of T if
// the handle is invalid or holds another type.
func Unwrap[T any](h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}
	v, ok := handles.Load(h)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Release deletes a handle. The handle must not be used after release.
func Release(h Handle) {
	if h == 0 {
		return
	}
	if _, ok := handles.LoadAndDelete(h); !ok {
		panic(fmt.Sprintf("hostapi: releasing invalid handle %v", h))
	}
}

// Count returns the number of live handles. Tests use it to detect
// descriptor leaks across the boundary.
func Count() (n int) {
	handles.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
