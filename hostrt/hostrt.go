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

// Package hostrt defines the host-authored Runtime descriptor.
//
// A Runtime describes one orchestrated execution: the orchestration
// entry point, the function id to device address table, the static
// arguments, and the worker handshake and telemetry state the runner
// fills in before the descriptor is mirrored to device memory.
package hostrt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/rtapi"
)

// ArgType tags a static argument of the orchestration entry point.
type ArgType int32

const (
	// ArgValue is a plain 64-bit immediate.
	ArgValue ArgType = iota
	// ArgTensor is a device address of a caller-managed tensor.
	ArgTensor
)

// StaticArg is one static argument value with its type and size.
type StaticArg struct {
	Value uint64
	Type  ArgType
	Size  uint64
}

// TensorPair records a host buffer paired with its device mirror, so
// callers can locate results after a run.
type TensorPair struct {
	Host []byte
	Dev  rtapi.DevicePtr
	Size uint64
}

// HostAPI carries the host-side callbacks wired into the descriptor at
// construction. Orchestration code running on behalf of the descriptor
// allocates, frees and uploads through these rather than talking to the
// driver directly.
type HostAPI struct {
	DeviceMalloc       func(bytes uint64) rtapi.DevicePtr
	DeviceFree         func(ptr rtapi.DevicePtr)
	CopyToDevice       func(dst rtapi.DevicePtr, src []byte) error
	CopyFromDevice     func(dst []byte, src rtapi.DevicePtr) error
	UploadKernelBinary func(funcID int, bin []byte) rtapi.DevicePtr
}

// Runtime is the host side of the descriptor. The device-resident mirror
// is produced by Encode and owned by the runner for the duration of one
// run.
type Runtime struct {
	// OrchFuncName names the orchestration entry point inside the
	// AICPU shared object.
	OrchFuncName string
	// OrchEntry is the device address of the orchestration function
	// binary, if uploaded separately from the shared object.
	OrchEntry rtapi.DevicePtr

	// FuncAddrs maps function ids to uploaded kernel device addresses.
	FuncAddrs [abi.MaxKernelFuncs]rtapi.DevicePtr

	// Args are the static arguments of the orchestration entry point.
	Args []StaticArg

	// BlockDim is the number of logical compute blocks.
	BlockDim int
	// CoresPerBlock is the number of logical workers per block
	// (one control unit plus N compute units).
	CoresPerBlock int

	// EnableProfiling turns on telemetry collection for runs of this
	// descriptor.
	EnableProfiling bool
	// ExpectedTasks is the telemetry record volume one run produces.
	// The collector drains until this many records have arrived, so the
	// value must match what the kernels emit. Host-only; not mirrored
	// to the device.
	ExpectedTasks int

	// Worker handshake state, filled in by the runner before the
	// descriptor is copied to the device.
	HandshakeAddr rtapi.DevicePtr
	WorkerCount   int

	// Telemetry region state, filled in by the runner when profiling
	// is enabled.
	PerfAddr     rtapi.DevicePtr
	PerfCapacity int

	// Tensors are host/device pairs recorded by the caller.
	Tensors []TensorPair

	// HostAPI holds the host callbacks wired in at construction.
	HostAPI HostAPI
}

// Size returns the size in bytes of the device-resident descriptor
// mirror, for caller-side allocation.
func Size() int {
	return abi.RuntimeSize
}

// Validate checks the descriptor for states the engine cannot execute.
func (r *Runtime) Validate() error {
	if len(r.Args) > abi.MaxStaticArgs {
		return errors.Errorf("%d static arguments exceed the descriptor limit of %d", len(r.Args), abi.MaxStaticArgs)
	}
	if r.BlockDim < 0 {
		return errors.Errorf("negative block dim %d", r.BlockDim)
	}
	return nil
}

// SetFuncAddr records the device address of an uploaded kernel binary.
func (r *Runtime) SetFuncAddr(funcID int, addr rtapi.DevicePtr) error {
	if funcID < 0 || funcID >= abi.MaxKernelFuncs {
		return errors.Errorf("func id %d outside the function table [0, %d)", funcID, abi.MaxKernelFuncs)
	}
	r.FuncAddrs[funcID] = addr
	return nil
}

// RecordTensorPair records a host buffer and its device mirror.
func (r *Runtime) RecordTensorPair(host []byte, dev rtapi.DevicePtr, size uint64) {
	r.Tensors = append(r.Tensors, TensorPair{Host: host, Dev: dev, Size: size})
}

// Encode serializes the descriptor into its fixed device layout.
func (r *Runtime) Encode() ([]byte, error) {
	if len(r.Args) > abi.MaxStaticArgs {
		return nil, errors.Errorf("%d static arguments exceed the descriptor limit of %d", len(r.Args), abi.MaxStaticArgs)
	}
	buf := make([]byte, abi.RuntimeSize)
	le := binary.LittleEndian
	le.PutUint32(buf[abi.RuntimeVersionOffset:], abi.RuntimeVersion)
	le.PutUint32(buf[abi.RuntimeBlockDimOffset:], uint32(r.BlockDim))
	le.PutUint32(buf[abi.RuntimeCoresOffset:], uint32(r.CoresPerBlock))
	if r.EnableProfiling {
		le.PutUint32(buf[abi.RuntimeProfilingOffset:], 1)
	}
	le.PutUint64(buf[abi.RuntimeOrchEntryOffset:], uint64(r.OrchEntry))
	for i, addr := range r.FuncAddrs {
		le.PutUint64(buf[abi.RuntimeFuncTableOffset+i*8:], uint64(addr))
	}
	le.PutUint64(buf[abi.RuntimeArgCountOffset:], uint64(len(r.Args)))
	for i, arg := range r.Args {
		le.PutUint64(buf[abi.RuntimeArgsOffset+i*8:], arg.Value)
		le.PutUint32(buf[abi.RuntimeArgTypesOffset+i*4:], uint32(arg.Type))
		le.PutUint64(buf[abi.RuntimeArgSizesOffset+i*8:], arg.Size)
	}
	le.PutUint64(buf[abi.RuntimeHandshakeOffset:], uint64(r.HandshakeAddr))
	le.PutUint64(buf[abi.RuntimeWorkersOffset:], uint64(r.WorkerCount))
	le.PutUint64(buf[abi.RuntimePerfAddrOffset:], uint64(r.PerfAddr))
	le.PutUint64(buf[abi.RuntimePerfCapOffset:], uint64(r.PerfCapacity))
	return buf, nil
}

// Decode reconstructs the device-shared fields of a descriptor from its
// binary mirror. Host-only state (callbacks, tensor pairs, the entry
// point name) is left untouched.
func (r *Runtime) Decode(buf []byte) error {
	if len(buf) < abi.RuntimeSize {
		return errors.Errorf("descriptor buffer of %d bytes is shorter than the layout size %d", len(buf), abi.RuntimeSize)
	}
	le := binary.LittleEndian
	if v := le.Uint32(buf[abi.RuntimeVersionOffset:]); v != abi.RuntimeVersion {
		return errors.Errorf("descriptor version %d does not match host version %d", v, abi.RuntimeVersion)
	}
	r.BlockDim = int(le.Uint32(buf[abi.RuntimeBlockDimOffset:]))
	r.CoresPerBlock = int(le.Uint32(buf[abi.RuntimeCoresOffset:]))
	r.EnableProfiling = le.Uint32(buf[abi.RuntimeProfilingOffset:]) != 0
	r.OrchEntry = rtapi.DevicePtr(le.Uint64(buf[abi.RuntimeOrchEntryOffset:]))
	for i := range r.FuncAddrs {
		r.FuncAddrs[i] = rtapi.DevicePtr(le.Uint64(buf[abi.RuntimeFuncTableOffset+i*8:]))
	}
	count := int(le.Uint64(buf[abi.RuntimeArgCountOffset:]))
	if count > abi.MaxStaticArgs {
		return errors.Errorf("descriptor argument count %d exceeds the limit of %d", count, abi.MaxStaticArgs)
	}
	r.Args = make([]StaticArg, count)
	for i := range r.Args {
		r.Args[i] = StaticArg{
			Value: le.Uint64(buf[abi.RuntimeArgsOffset+i*8:]),
			Type:  ArgType(le.Uint32(buf[abi.RuntimeArgTypesOffset+i*4:])),
			Size:  le.Uint64(buf[abi.RuntimeArgSizesOffset+i*8:]),
		}
	}
	r.HandshakeAddr = rtapi.DevicePtr(le.Uint64(buf[abi.RuntimeHandshakeOffset:]))
	r.WorkerCount = int(le.Uint64(buf[abi.RuntimeWorkersOffset:]))
	r.PerfAddr = rtapi.DevicePtr(le.Uint64(buf[abi.RuntimePerfAddrOffset:]))
	r.PerfCapacity = int(le.Uint64(buf[abi.RuntimePerfCapOffset:]))
	return nil
}
