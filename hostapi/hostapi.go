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

// Package hostapi is the stable host-facing boundary of the engine.
//
// Operations take and return opaque descriptor handles and integer
// status codes: 0 on success, StatusInvalid for bad arguments or an
// internal panic, and driver error codes passed through unmodified. The
// boundary converts every error to a status and never lets a panic
// escape into caller code.
package hostapi

import (
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/config"
	"github.com/tile-org/tilert/hostapi/handle"
	"github.com/tile-org/tilert/hostrt"
	"github.com/tile-org/tilert/rtapi"
	"github.com/tile-org/tilert/runner"
)

// Status codes returned across the boundary.
const (
	StatusOK      = 0
	StatusInvalid = -1
	StatusFailed  = -2
)

// KernelBinary pairs a function id with its compiled binary.
type KernelBinary struct {
	FuncID int
	Data   []byte
}

// API is the boundary over one runner.
type API struct {
	runner *runner.Runner
}

// New returns an API driving the given device driver.
func New(driver rtapi.Driver, cfg *config.Config) *API {
	return &API{runner: runner.New(driver, cfg)}
}

// Runner exposes the underlying runner for in-module callers that do
// not need the handle boundary.
func (a *API) Runner() *runner.Runner {
	return a.runner
}

// guard converts a panic during a boundary operation into
// StatusInvalid.
func guard(status *int) {
	if r := recover(); r != nil {
		klog.Errorf("panic across the host API boundary: %v", r)
		*status = StatusInvalid
	}
}

// GetRuntimeSize returns the size of the device-resident descriptor
// mirror in bytes.
func (a *API) GetRuntimeSize() int {
	return hostrt.Size()
}

// SetDevice selects the device and creates its streams, enabling memory
// allocation before InitRuntime.
func (a *API) SetDevice(deviceID int) (status int) {
	defer guard(&status)
	if err := a.runner.EnsureDeviceSet(deviceID); err != nil {
		klog.Errorf("set device %d: %v", deviceID, err)
		return StatusFailed
	}
	return StatusOK
}

// InitRuntime constructs a runtime descriptor, wires the host callbacks
// into it, uploads the supplied kernel binaries by function id, and
// returns an opaque handle. On failure the partially-constructed
// descriptor is destroyed and the zero handle returned.
func (a *API) InitRuntime(orchBinary []byte, orchFuncName string, args []hostrt.StaticArg, kernels []KernelBinary) (h handle.Handle, status int) {
	defer guard(&status)
	rt := &hostrt.Runtime{
		OrchFuncName: orchFuncName,
		Args:         args,
		HostAPI: hostrt.HostAPI{
			DeviceMalloc:       a.runner.AllocateTensor,
			DeviceFree:         a.runner.FreeTensor,
			CopyToDevice:       a.runner.CopyToDevice,
			CopyFromDevice:     a.runner.CopyFromDevice,
			UploadKernelBinary: a.runner.UploadKernelBinary,
		},
	}
	if err := rt.Validate(); err != nil {
		klog.Errorf("init runtime: %v", err)
		return 0, StatusInvalid
	}
	if len(orchBinary) > 0 {
		addr := a.runner.UploadKernelBinary(orchFuncID, orchBinary)
		if addr == 0 {
			return 0, StatusFailed
		}
		rt.OrchEntry = addr
	}
	for _, k := range kernels {
		addr := a.runner.UploadKernelBinary(k.FuncID, k.Data)
		if addr == 0 {
			return 0, StatusFailed
		}
		if err := rt.SetFuncAddr(k.FuncID, addr); err != nil {
			klog.Errorf("init runtime: %v", err)
			return 0, StatusInvalid
		}
	}
	return handle.Wrap(rt), StatusOK
}

// orchFuncID is the cache key reserved for the orchestration entry
// point binary. It lives outside the kernel function table so it can
// never collide with a caller-registered function id.
const orchFuncID = -1

// LaunchRuntime runs the full execution sequence for the descriptor.
func (a *API) LaunchRuntime(h handle.Handle, aicpuThreadNum, blockDim, deviceID int, aicpuBinary, aicoreBinary []byte) (status int) {
	defer guard(&status)
	rt, ok := handle.Unwrap[*hostrt.Runtime](h)
	if !ok {
		return StatusInvalid
	}
	if err := a.runner.Run(rt, blockDim, deviceID, aicpuBinary, aicoreBinary, aicpuThreadNum); err != nil {
		klog.Errorf("launch runtime: %v", err)
		return StatusFailed
	}
	return StatusOK
}

// EnableRuntimeProfiling toggles telemetry collection for the
// descriptor's runs.
func (a *API) EnableRuntimeProfiling(h handle.Handle, enabled bool) (status int) {
	defer guard(&status)
	rt, ok := handle.Unwrap[*hostrt.Runtime](h)
	if !ok {
		return StatusInvalid
	}
	rt.EnableProfiling = enabled
	return StatusOK
}

// RecordTensorPair records a host buffer and its device mirror on the
// descriptor. Invalid handles are ignored.
func (a *API) RecordTensorPair(h handle.Handle, host []byte, dev rtapi.DevicePtr, size uint64) {
	rt, ok := handle.Unwrap[*hostrt.Runtime](h)
	if !ok {
		return
	}
	rt.RecordTensorPair(host, dev, size)
}

// FinalizeRuntime validates the descriptor, clears cached per-run
// resources, tears down the runner and releases the handle.
func (a *API) FinalizeRuntime(h handle.Handle) (status int) {
	defer guard(&status)
	rt, ok := handle.Unwrap[*hostrt.Runtime](h)
	if !ok {
		return StatusInvalid
	}
	status = StatusOK
	if err := rt.Validate(); err != nil {
		klog.Errorf("finalize runtime: %v", err)
		status = StatusInvalid
	}
	if err := a.runner.CleanCache(); err != nil {
		klog.Errorf("finalize runtime: clean cache: %v", err)
		status = StatusFailed
	}
	if err := a.runner.Finalize(); err != nil {
		klog.Errorf("finalize runtime: %v", err)
		status = StatusFailed
	}
	handle.Release(h)
	return status
}
