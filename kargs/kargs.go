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

// Package kargs copies host-resident control structures into their
// device-resident mirrors.
//
// A Marshaller owns two independently-lifed resources: the device
// arguments record, tied to the loaded shared object and reused across
// runs, and the runtime arguments, allocated for one run and freed when
// that run completes.
package kargs

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/devmem"
	"github.com/tile-org/tilert/hostrt"
	"github.com/tile-org/tilert/rtapi"
)

// DeviceArgs is the host side of the device arguments record read by the
// AICPU kernel loader.
type DeviceArgs struct {
	// BinAddr is the device address of the loaded shared object.
	BinAddr rtapi.DevicePtr
	// BinLen is the shared object length in bytes.
	BinLen uint64
}

// Encode serializes the record into the loader layout: a fixed padding
// block followed by the address and length words.
func (d DeviceArgs) Encode() []byte {
	buf := make([]byte, abi.DeviceArgsSize)
	binary.LittleEndian.PutUint64(buf[abi.DeviceArgsBinOffset:], uint64(d.BinAddr))
	binary.LittleEndian.PutUint64(buf[abi.DeviceArgsLenOffset:], d.BinLen)
	return buf
}

// KernelArgs is the record passed to a kernel entry point. Its one
// meaningful field is the device address of the Runtime descriptor.
type KernelArgs struct {
	RuntimeAddr rtapi.DevicePtr
}

// Encode serializes the record.
func (k KernelArgs) Encode() []byte {
	buf := make([]byte, abi.KernelArgsSize)
	binary.LittleEndian.PutUint64(buf[abi.KernelArgsRuntimeOffset:], uint64(k.RuntimeAddr))
	return buf
}

// Marshaller owns the device mirrors of the control structures.
type Marshaller struct {
	driver rtapi.Driver
	alloc  *devmem.Allocator

	deviceArgsPtr  rtapi.DevicePtr
	runtimeArgsPtr rtapi.DevicePtr
	kernelArgsPtr  rtapi.DevicePtr
}

// New returns a marshaller copying through the given allocator.
func New(driver rtapi.Driver, alloc *devmem.Allocator) *Marshaller {
	return &Marshaller{driver: driver, alloc: alloc}
}

// InitDeviceArgs allocates and populates the device arguments mirror.
// The mirror is tied to the loaded shared object and survives across
// runs until FinalizeDeviceArgs.
func (m *Marshaller) InitDeviceArgs(d DeviceArgs) error {
	if m.deviceArgsPtr != 0 {
		return errors.Errorf("device arguments already initialized")
	}
	ptr, err := m.copyOut(d.Encode())
	if err != nil {
		return errors.Wrap(err, "init device arguments")
	}
	m.deviceArgsPtr = ptr
	return nil
}

// FinalizeDeviceArgs frees the device arguments mirror. Calling it when
// no mirror exists is a no-op.
func (m *Marshaller) FinalizeDeviceArgs() error {
	m.alloc.Free(m.deviceArgsPtr)
	m.deviceArgsPtr = 0
	return nil
}

// InitRuntimeArgs allocates and populates the device mirrors for one
// run: the Runtime descriptor and the kernel arguments record pointing
// at it.
func (m *Marshaller) InitRuntimeArgs(rt *hostrt.Runtime) error {
	if m.runtimeArgsPtr != 0 {
		return errors.Errorf("runtime arguments of a previous run still live")
	}
	encoded, err := rt.Encode()
	if err != nil {
		return errors.Wrap(err, "init runtime arguments")
	}
	rtPtr, err := m.copyOut(encoded)
	if err != nil {
		return errors.Wrap(err, "init runtime arguments")
	}
	kaPtr, err := m.copyOut(KernelArgs{RuntimeAddr: rtPtr}.Encode())
	if err != nil {
		m.alloc.Free(rtPtr)
		return errors.Wrap(err, "init kernel arguments")
	}
	m.runtimeArgsPtr = rtPtr
	m.kernelArgsPtr = kaPtr
	return nil
}

// FinalizeRuntimeArgs frees the per-run mirrors. Calling it when no
// mirrors exist is a no-op.
func (m *Marshaller) FinalizeRuntimeArgs() error {
	m.alloc.Free(m.kernelArgsPtr)
	m.alloc.Free(m.runtimeArgsPtr)
	m.kernelArgsPtr = 0
	m.runtimeArgsPtr = 0
	return nil
}

// DeviceArgsPtr returns the device address of the device arguments
// mirror, or the null pointer before InitDeviceArgs.
func (m *Marshaller) DeviceArgsPtr() rtapi.DevicePtr {
	return m.deviceArgsPtr
}

// RuntimeArgsPtr returns the device address of the Runtime descriptor
// mirror for the current run.
func (m *Marshaller) RuntimeArgsPtr() rtapi.DevicePtr {
	return m.runtimeArgsPtr
}

// KernelArgsPtr returns the device address of the kernel arguments
// record for the current run.
func (m *Marshaller) KernelArgsPtr() rtapi.DevicePtr {
	return m.kernelArgsPtr
}

func (m *Marshaller) copyOut(data []byte) (rtapi.DevicePtr, error) {
	ptr := m.alloc.Allocate(uint64(len(data)))
	if ptr == 0 {
		return 0, errors.Errorf("device allocation of %d bytes failed", len(data))
	}
	if err := m.driver.MemcpyHostToDevice(ptr, data); err != nil {
		m.alloc.Free(ptr)
		return 0, err
	}
	return ptr, nil
}
