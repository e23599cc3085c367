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

// Package devmem tracks device global memory allocations.
//
// The allocator is a thin layer over the driver whose sole job is to
// make every allocation traceable, so total cleanup is possible without
// relying on every caller remembering to free.
package devmem

import (
	"sort"

	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/metrics"
	"github.com/tile-org/tilert/rtapi"
)

// Allocator tracks device memory obtained from a driver.
// It is not safe for concurrent use; the engine is single-threaded.
type Allocator struct {
	driver rtapi.Driver
	allocs map[rtapi.DevicePtr]uint64
	inUse  uint64
}

// New returns an allocator drawing from the given driver.
func New(driver rtapi.Driver) *Allocator {
	return &Allocator{
		driver: driver,
		allocs: make(map[rtapi.DevicePtr]uint64),
	}
}

// Allocate returns a device pointer to bytes of device global memory, or
// the null pointer if the allocation failed. Failures are reported once
// here and never panic across the package boundary.
func (a *Allocator) Allocate(bytes uint64) rtapi.DevicePtr {
	ptr, err := a.driver.Malloc(bytes)
	if err != nil {
		klog.Errorf("device allocation of %d bytes failed: %v", bytes, err)
		return 0
	}
	a.track(ptr, bytes)
	return ptr
}

// AllocateShared returns a host-mapped device region, or a null pointer
// and nil slice on failure.
func (a *Allocator) AllocateShared(bytes uint64) (rtapi.DevicePtr, []byte) {
	ptr, host, err := a.driver.MallocShared(bytes)
	if err != nil {
		klog.Errorf("shared device allocation of %d bytes failed: %v", bytes, err)
		return 0, nil
	}
	a.track(ptr, bytes)
	return ptr, host
}

func (a *Allocator) track(ptr rtapi.DevicePtr, bytes uint64) {
	a.allocs[ptr] = bytes
	a.inUse += bytes
	metrics.DeviceAllocs.Inc()
	metrics.DeviceBytesInUse.Add(float64(bytes))
}

// Free releases a pointer returned by Allocate or AllocateShared.
// Freeing the null pointer or a pointer already freed is a no-op:
// multiple teardown paths may run over the same resources.
func (a *Allocator) Free(ptr rtapi.DevicePtr) {
	if ptr == 0 {
		return
	}
	bytes, ok := a.allocs[ptr]
	if !ok {
		return
	}
	delete(a.allocs, ptr)
	a.inUse -= bytes
	metrics.DeviceFrees.Inc()
	metrics.DeviceBytesInUse.Sub(float64(bytes))
	if err := a.driver.Free(ptr); err != nil {
		klog.Errorf("device free of %#x failed: %v", uint64(ptr), err)
	}
}

// FreeAll releases every outstanding allocation in bulk, in address
// order, and returns the accumulated driver errors, if any.
func (a *Allocator) FreeAll() error {
	var errs error
	ptrs := maps.Keys(a.allocs)
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] })
	for _, ptr := range ptrs {
		bytes := a.allocs[ptr]
		delete(a.allocs, ptr)
		a.inUse -= bytes
		metrics.DeviceFrees.Inc()
		metrics.DeviceBytesInUse.Sub(float64(bytes))
		errs = multierr.Append(errs, a.driver.Free(ptr))
	}
	return errs
}

// Count returns the number of outstanding allocations.
func (a *Allocator) Count() int {
	return len(a.allocs)
}

// InUse returns the number of device bytes currently allocated.
func (a *Allocator) InUse() uint64 {
	return a.inUse
}
