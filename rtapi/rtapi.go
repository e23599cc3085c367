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

// Package rtapi declares the contract the orchestration engine expects
// from a vendor device driver: opaque stream handles, synchronous copy
// primitives and kernel-launch primitives accepting a device address and
// a raw argument buffer.
//
// The engine is written purely against Driver; rtapi/sim provides an
// in-process implementation used by tests and examples.
package rtapi

import (
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

// DevicePtr is an address in device global memory. The zero value is the
// null device pointer.
type DevicePtr uint64

// Stream is an opaque handle to a strictly-ordered device command
// stream. Operations enqueued on one stream execute in issue order; two
// streams are independent of each other.
type Stream uint64

// Names of the AICPU kernel entry points. The names are hardcoded in the
// driver-provided kernel loader.
const (
	// AICPUInitKernel is launched once per run to initialize the AICPU
	// side: the loader reads the shared-object address and length from
	// the device arguments record, loads the shared object and calls
	// its init entry point.
	AICPUInitKernel = "DynTileFwkBackendKernelServerInit"
	// AICPUMainKernel is the main AICPU entry point. It receives the
	// kernel arguments record, which points at the device-resident
	// Runtime descriptor.
	AICPUMainKernel = "DynTileFwkBackendKernelServer"
)

// Driver is the vendor device API surface used by the engine.
//
// All operations return the vendor error unmodified; the engine
// propagates it rather than swallowing it. Copy operations are
// synchronous; launches are asynchronous and ordered by their stream.
type Driver interface {
	// Name identifies the driver implementation.
	Name() string
	// Version returns the driver version as a semantic version string
	// (for example "v7.0.1").
	Version() string

	// SetDevice selects the device all subsequent operations target.
	SetDevice(deviceID int) error

	// StreamCreate creates a command stream on the selected device.
	StreamCreate() (Stream, error)
	// StreamDestroy destroys a stream. Pending work is undefined.
	StreamDestroy(s Stream) error
	// StreamSynchronize blocks until all work enqueued on the stream
	// has completed.
	StreamSynchronize(s Stream) error

	// Malloc allocates device global memory.
	Malloc(bytes uint64) (DevicePtr, error)
	// MallocShared allocates device memory mapped into the host address
	// space. The returned slice aliases the device region: host and
	// device observe the same bytes without a lock.
	MallocShared(bytes uint64) (DevicePtr, []byte, error)
	// Free releases device memory returned by Malloc or MallocShared.
	Free(ptr DevicePtr) error

	// MemcpyHostToDevice copies len(src) bytes to device memory.
	MemcpyHostToDevice(dst DevicePtr, src []byte) error
	// MemcpyDeviceToHost copies len(dst) bytes from device memory.
	MemcpyDeviceToHost(dst []byte, src DevicePtr) error

	// LaunchAICPU enqueues instances copies of the named AICPU kernel,
	// each receiving the raw argument record at argsAddr.
	LaunchAICPU(s Stream, kernelName string, argsAddr DevicePtr, instances int) error
	// LaunchAICore enqueues the AICore kernel whose uploaded binary
	// lives at kernelAddr, sized by blockDim, each block receiving the
	// raw argument record at argsAddr.
	LaunchAICore(s Stream, kernelAddr DevicePtr, blockDim int, argsAddr DevicePtr) error
}

// CheckVersion returns an error if the driver version is not a valid
// semantic version or is older than min.
func CheckVersion(d Driver, min string) error {
	v := d.Version()
	if !semver.IsValid(v) {
		return errors.Errorf("driver %s reports invalid version %q", d.Name(), v)
	}
	if semver.Compare(v, min) < 0 {
		return errors.Errorf("driver %s version %s is older than the minimum supported %s", d.Name(), v, min)
	}
	return nil
}
