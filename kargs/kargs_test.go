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

package kargs_test

import (
	"encoding/binary"
	"testing"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/devmem"
	"github.com/tile-org/tilert/hostrt"
	"github.com/tile-org/tilert/kargs"
	"github.com/tile-org/tilert/rtapi/sim"
)

func newMarshaller(t *testing.T) (*sim.Driver, *devmem.Allocator, *kargs.Marshaller) {
	t.Helper()
	driver := sim.New()
	if err := driver.SetDevice(0); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	alloc := devmem.New(driver)
	return driver, alloc, kargs.New(driver, alloc)
}

func TestDeviceArgsEncode(t *testing.T) {
	buf := kargs.DeviceArgs{BinAddr: 0xabcd, BinLen: 4096}.Encode()
	if got, want := len(buf), abi.DeviceArgsSize; got != want {
		t.Fatalf("encoded size: got %d, want %d", got, want)
	}
	for i := 0; i < abi.DeviceArgsPaddingBytes; i++ {
		if buf[i] != 0 {
			t.Fatalf("padding byte %d is %#x, want zero", i, buf[i])
		}
	}
	if got := binary.LittleEndian.Uint64(buf[abi.DeviceArgsBinOffset:]); got != 0xabcd {
		t.Errorf("binary address word: got %#x, want 0xabcd", got)
	}
	if got := binary.LittleEndian.Uint64(buf[abi.DeviceArgsLenOffset:]); got != 4096 {
		t.Errorf("binary length word: got %d, want 4096", got)
	}
}

func TestDeviceArgsLifecycle(t *testing.T) {
	_, alloc, m := newMarshaller(t)
	if err := m.InitDeviceArgs(kargs.DeviceArgs{BinAddr: 0x100, BinLen: 8}); err != nil {
		t.Fatalf("InitDeviceArgs: %v", err)
	}
	if m.DeviceArgsPtr() == 0 {
		t.Fatalf("device arguments pointer is null after init")
	}
	if err := m.InitDeviceArgs(kargs.DeviceArgs{}); err == nil {
		t.Errorf("second InitDeviceArgs did not fail")
	}
	if err := m.FinalizeDeviceArgs(); err != nil {
		t.Fatalf("FinalizeDeviceArgs: %v", err)
	}
	if m.DeviceArgsPtr() != 0 {
		t.Errorf("device arguments pointer survives finalize")
	}
	if got := alloc.Count(); got != 0 {
		t.Errorf("outstanding allocations after finalize: got %d, want 0", got)
	}
	// The record is tied to a loaded shared object, so a later init
	// must be possible after finalize.
	if err := m.InitDeviceArgs(kargs.DeviceArgs{BinAddr: 0x200, BinLen: 16}); err != nil {
		t.Fatalf("reinit after finalize: %v", err)
	}
}

func TestRuntimeArgsRoundTrip(t *testing.T) {
	driver, alloc, m := newMarshaller(t)
	rt := &hostrt.Runtime{
		OrchEntry:     0x2000,
		BlockDim:      2,
		CoresPerBlock: 3,
		Args:          []hostrt.StaticArg{{Value: 9, Type: hostrt.ArgValue, Size: 8}},
	}
	if err := m.InitRuntimeArgs(rt); err != nil {
		t.Fatalf("InitRuntimeArgs: %v", err)
	}
	if m.RuntimeArgsPtr() == 0 || m.KernelArgsPtr() == 0 {
		t.Fatalf("per-run pointers are null after init")
	}

	// The kernel arguments record must point at the descriptor mirror.
	ka := make([]byte, abi.KernelArgsSize)
	if err := driver.MemcpyDeviceToHost(ka, m.KernelArgsPtr()); err != nil {
		t.Fatalf("read kernel arguments: %v", err)
	}
	if got := binary.LittleEndian.Uint64(ka[abi.KernelArgsRuntimeOffset:]); got != uint64(m.RuntimeArgsPtr()) {
		t.Errorf("kernel arguments descriptor word: got %#x, want %#x", got, uint64(m.RuntimeArgsPtr()))
	}

	// The descriptor mirror must decode back to the host values.
	mirror := make([]byte, abi.RuntimeSize)
	if err := driver.MemcpyDeviceToHost(mirror, m.RuntimeArgsPtr()); err != nil {
		t.Fatalf("read descriptor mirror: %v", err)
	}
	var back hostrt.Runtime
	if err := back.Decode(mirror); err != nil {
		t.Fatalf("decode mirror: %v", err)
	}
	if back.OrchEntry != rt.OrchEntry || back.BlockDim != rt.BlockDim || len(back.Args) != 1 || back.Args[0].Value != 9 {
		t.Errorf("descriptor mirror does not match host descriptor: %+v", back)
	}

	if err := m.InitRuntimeArgs(rt); err == nil {
		t.Errorf("overlapping InitRuntimeArgs did not fail")
	}
	if err := m.FinalizeRuntimeArgs(); err != nil {
		t.Fatalf("FinalizeRuntimeArgs: %v", err)
	}
	if got := alloc.Count(); got != 0 {
		t.Errorf("outstanding allocations after finalize: got %d, want 0", got)
	}
	if err := m.FinalizeRuntimeArgs(); err != nil {
		t.Errorf("second FinalizeRuntimeArgs: %v", err)
	}
}
