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

// Package abi describes the binary layouts shared between the host and
// the device kernels.
//
// Every structure that crosses the host/device address-space boundary is
// declared here as an explicit, versioned layout: field name, byte offset
// and width. The device-side kernel loader reads some of these structures
// at hardcoded offsets, so the layouts are the single place where that
// fragility is allowed. Check validates all layouts and must be called
// before the first structure is marshalled to the device.
package abi

import (
	"github.com/pkg/errors"
)

// Field is one named field of a device-shared structure.
type Field struct {
	Name   string
	Offset int
	Width  int
}

// Layout is a versioned binary layout of a device-shared structure.
// Fields must be declared in increasing offset order.
type Layout struct {
	Name    string
	Version int
	Size    int
	Fields  []Field
}

// Field returns the field with the given name.
func (l *Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks that the fields are ordered, do not overlap and fit
// within the declared structure size.
func (l *Layout) Validate() error {
	end := 0
	for _, f := range l.Fields {
		if f.Width <= 0 {
			return errors.Errorf("abi: layout %s: field %s has width %d", l.Name, f.Name, f.Width)
		}
		if f.Offset < end {
			return errors.Errorf("abi: layout %s: field %s at offset %d overlaps the previous field ending at %d", l.Name, f.Name, f.Offset, end)
		}
		end = f.Offset + f.Width
	}
	if end > l.Size {
		return errors.Errorf("abi: layout %s: fields end at %d but the structure size is %d", l.Name, end, l.Size)
	}
	return nil
}

// DeviceArgs record: passed to the AICPU kernel loader, which reads the
// shared-object address and length at hardcoded offsets after a fixed
// padding block. This layout must match the loader byte for byte.
const (
	DeviceArgsPaddingBytes = 12 * 8
	DeviceArgsBinOffset    = DeviceArgsPaddingBytes
	DeviceArgsLenOffset    = DeviceArgsBinOffset + 8
	DeviceArgsSize         = DeviceArgsLenOffset + 8
)

// DeviceArgsLayout is the layout of the device arguments record.
var DeviceArgsLayout = Layout{
	Name:    "device_args",
	Version: 1,
	Size:    DeviceArgsSize,
	Fields: []Field{
		{Name: "padding", Offset: 0, Width: DeviceArgsPaddingBytes},
		{Name: "so_bin", Offset: DeviceArgsBinOffset, Width: 8},
		{Name: "so_len", Offset: DeviceArgsLenOffset, Width: 8},
	},
}

// KernelArgs record: the structure passed to a kernel entry point. Its
// one meaningful field is the device address of the Runtime descriptor.
const (
	KernelArgsRuntimeOffset = 0
	KernelArgsSize          = 8
)

// KernelArgsLayout is the layout of the kernel arguments record.
var KernelArgsLayout = Layout{
	Name:    "kernel_args",
	Version: 1,
	Size:    KernelArgsSize,
	Fields: []Field{
		{Name: "runtime", Offset: KernelArgsRuntimeOffset, Width: 8},
	},
}

// Runtime descriptor limits.
const (
	// MaxKernelFuncs is the size of the function id to device address table.
	MaxKernelFuncs = 64
	// MaxStaticArgs is the maximum number of static arguments of the
	// orchestration entry point.
	MaxStaticArgs = 16
)

// Runtime descriptor: the host-authored, device-mirrored record driving
// one run. All integers are little endian.
const (
	RuntimeVersionOffset   = 0
	RuntimeBlockDimOffset  = 4
	RuntimeCoresOffset     = 8
	RuntimeProfilingOffset = 12
	RuntimeOrchEntryOffset = 16
	RuntimeFuncTableOffset = 24
	RuntimeArgCountOffset  = RuntimeFuncTableOffset + MaxKernelFuncs*8
	RuntimeArgsOffset      = RuntimeArgCountOffset + 8
	RuntimeArgTypesOffset  = RuntimeArgsOffset + MaxStaticArgs*8
	RuntimeArgSizesOffset  = RuntimeArgTypesOffset + MaxStaticArgs*4
	RuntimeHandshakeOffset = RuntimeArgSizesOffset + MaxStaticArgs*8
	RuntimeWorkersOffset   = RuntimeHandshakeOffset + 8
	RuntimePerfAddrOffset  = RuntimeWorkersOffset + 8
	RuntimePerfCapOffset   = RuntimePerfAddrOffset + 8
	RuntimeSize            = RuntimePerfCapOffset + 8

	// RuntimeVersion is the current descriptor version, stored in the
	// first word so device code can reject a mismatched host build.
	RuntimeVersion = 1
)

// RuntimeLayout is the layout of the Runtime descriptor mirror.
var RuntimeLayout = Layout{
	Name:    "runtime",
	Version: RuntimeVersion,
	Size:    RuntimeSize,
	Fields: []Field{
		{Name: "version", Offset: RuntimeVersionOffset, Width: 4},
		{Name: "block_dim", Offset: RuntimeBlockDimOffset, Width: 4},
		{Name: "cores_per_block", Offset: RuntimeCoresOffset, Width: 4},
		{Name: "profiling", Offset: RuntimeProfilingOffset, Width: 4},
		{Name: "orch_entry", Offset: RuntimeOrchEntryOffset, Width: 8},
		{Name: "func_table", Offset: RuntimeFuncTableOffset, Width: MaxKernelFuncs * 8},
		{Name: "arg_count", Offset: RuntimeArgCountOffset, Width: 8},
		{Name: "args", Offset: RuntimeArgsOffset, Width: MaxStaticArgs * 8},
		{Name: "arg_types", Offset: RuntimeArgTypesOffset, Width: MaxStaticArgs * 4},
		{Name: "arg_sizes", Offset: RuntimeArgSizesOffset, Width: MaxStaticArgs * 8},
		{Name: "handshake_addr", Offset: RuntimeHandshakeOffset, Width: 8},
		{Name: "worker_count", Offset: RuntimeWorkersOffset, Width: 8},
		{Name: "perf_addr", Offset: RuntimePerfAddrOffset, Width: 8},
		{Name: "perf_capacity", Offset: RuntimePerfCapOffset, Width: 8},
	},
}

// Handshake slots: one 8-byte status word per logical worker, written by
// exactly one worker and read by the host after stream synchronization.
const (
	HandshakeSlotSize = 8
	// HandshakePending is the initial slot value written by the host.
	HandshakePending = 0
	// HandshakeDone is the completion marker written by a worker.
	HandshakeDone = 1
)

// Performance record region: two halves, each a header followed by a
// fixed-capacity record array. Headers are written with release ordering
// by the producer and read with acquire ordering by the consumer.
const (
	PerfHeaderCursorOffset = 0
	PerfHeaderCountOffset  = 4
	PerfHeaderSize         = 8

	PerfRecordCoreOffset  = 0
	PerfRecordKindOffset  = 4
	PerfRecordStartOffset = 8
	PerfRecordEndOffset   = 16
	PerfRecordSize        = 24
)

// PerfHeaderLayout is the layout of one half-buffer header.
var PerfHeaderLayout = Layout{
	Name:    "perf_header",
	Version: 1,
	Size:    PerfHeaderSize,
	Fields: []Field{
		{Name: "cursor", Offset: PerfHeaderCursorOffset, Width: 4},
		{Name: "count", Offset: PerfHeaderCountOffset, Width: 4},
	},
}

// PerfRecordLayout is the layout of one telemetry record.
var PerfRecordLayout = Layout{
	Name:    "perf_record",
	Version: 1,
	Size:    PerfRecordSize,
	Fields: []Field{
		{Name: "core_id", Offset: PerfRecordCoreOffset, Width: 4},
		{Name: "kind", Offset: PerfRecordKindOffset, Width: 4},
		{Name: "start_tick", Offset: PerfRecordStartOffset, Width: 8},
		{Name: "end_tick", Offset: PerfRecordEndOffset, Width: 8},
	},
}

// PerfRegionSize returns the total size in bytes of a double-buffered
// performance record region holding capacity records per half.
func PerfRegionSize(capacity int) int {
	return 2 * PerfHalfSize(capacity)
}

// PerfHalfSize returns the size in bytes of one half of the region.
func PerfHalfSize(capacity int) int {
	return PerfHeaderSize + capacity*PerfRecordSize
}

// PerfHalfOffset returns the byte offset of a half within the region.
func PerfHalfOffset(half, capacity int) int {
	return half * PerfHalfSize(capacity)
}

var layouts = []*Layout{
	&DeviceArgsLayout,
	&KernelArgsLayout,
	&RuntimeLayout,
	&PerfHeaderLayout,
	&PerfRecordLayout,
}

// Check validates every declared layout against the target ABI. It is
// called once at device setup, before any structure is marshalled.
func Check() error {
	for _, l := range layouts {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	if got, ok := DeviceArgsLayout.Field("so_bin"); !ok || got.Offset != 96 {
		return errors.Errorf("abi: device args so_bin offset moved; the kernel loader expects offset 96")
	}
	if got, ok := DeviceArgsLayout.Field("so_len"); !ok || got.Offset != 104 {
		return errors.Errorf("abi: device args so_len offset moved; the kernel loader expects offset 104")
	}
	return nil
}
