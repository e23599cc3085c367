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

// Package perf collects performance telemetry from a device-resident,
// host-mapped, double-buffered record region.
//
// Workers append timestamped records on the device side; the host polls
// the half-buffer headers and drains full halves while execution is
// still in flight. The region is the only memory with concurrent
// host/device access in the engine; it is protected purely by the
// double-buffer-plus-header-count protocol with explicit acquire/release
// ordering on the headers, never by a lock.
package perf

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/devmem"
	"github.com/tile-org/tilert/rtapi"
)

// EventKind classifies a telemetry record.
type EventKind uint32

const (
	// KindTask is a compute task executed on an AICore unit.
	KindTask EventKind = iota
	// KindDispatch is an orchestration step on a control unit.
	KindDispatch
	// KindSync is a cross-worker synchronization interval.
	KindSync
)

// String returns the swimlane label of the kind.
func (k EventKind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindDispatch:
		return "dispatch"
	case KindSync:
		return "sync"
	}
	return "event"
}

// Record is one timestamped telemetry event.
type Record struct {
	CoreID    uint32
	Kind      EventKind
	StartTick uint64
	EndTick   uint64
}

// Region is a host-mapped double-buffered record region.
type Region struct {
	alloc    *devmem.Allocator
	dev      rtapi.DevicePtr
	mem      []byte
	capacity int
}

// NewRegion allocates a host-mapped region holding capacity records per
// half and resets both headers.
func NewRegion(alloc *devmem.Allocator, capacity int) (*Region, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("perf region capacity %d must be positive", capacity)
	}
	dev, mem := alloc.AllocateShared(uint64(abi.PerfRegionSize(capacity)))
	if dev == 0 {
		return nil, errors.Errorf("perf region allocation for %d records failed", capacity)
	}
	r := &Region{alloc: alloc, dev: dev, mem: mem, capacity: capacity}
	for half := 0; half < 2; half++ {
		r.resetHalf(half)
	}
	return r, nil
}

// DeviceAddr returns the device address of the region.
func (r *Region) DeviceAddr() rtapi.DevicePtr {
	return r.dev
}

// Capacity returns the number of records one half can hold.
func (r *Region) Capacity() int {
	return r.capacity
}

// Free releases the region.
func (r *Region) Free() {
	if r == nil || r.dev == 0 {
		return
	}
	r.alloc.Free(r.dev)
	r.dev = 0
	r.mem = nil
}

func (r *Region) halfOffset(half int) int {
	return abi.PerfHalfOffset(half, r.capacity)
}

// count returns the record count of a half with acquire ordering, so the
// records the producer published before the count are visible.
func (r *Region) count(half int) uint32 {
	return loadAcquire32(r.mem, r.halfOffset(half)+abi.PerfHeaderCountOffset)
}

// resetHalf hands a drained half back to the device by resetting its
// header with release ordering.
func (r *Region) resetHalf(half int) {
	off := r.halfOffset(half)
	storeRelease32(r.mem, off+abi.PerfHeaderCursorOffset, 0)
	storeRelease32(r.mem, off+abi.PerfHeaderCountOffset, 0)
}

// readRecord decodes record i of a half. Only valid for i below the
// count returned by an acquire read of the header.
func (r *Region) readRecord(half, i int) Record {
	off := r.halfOffset(half) + abi.PerfHeaderSize + i*abi.PerfRecordSize
	le := binary.LittleEndian
	return Record{
		CoreID:    le.Uint32(r.mem[off+abi.PerfRecordCoreOffset:]),
		Kind:      EventKind(le.Uint32(r.mem[off+abi.PerfRecordKindOffset:])),
		StartTick: le.Uint64(r.mem[off+abi.PerfRecordStartOffset:]),
		EndTick:   le.Uint64(r.mem[off+abi.PerfRecordEndOffset:]),
	}
}

// Producer is the device-side append protocol over a mapped region. On
// hardware this logic lives in the kernels; the simulated driver uses
// this implementation so host and device agree on the byte protocol.
type Producer struct {
	mem      []byte
	capacity int
	active   int
}

// NewProducer returns a producer appending into a mapped region.
func NewProducer(mem []byte, capacity int) *Producer {
	return &Producer{mem: mem, capacity: capacity}
}

// Producer returns a device-side producer over the region's mapping.
func (r *Region) Producer() *Producer {
	return NewProducer(r.mem, r.capacity)
}

// Append publishes one record into the active half. It returns false
// when both halves are full, meaning the host has not drained the
// alternate half yet; the caller retries after backing off.
func (p *Producer) Append(rec Record) bool {
	for try := 0; try < 2; try++ {
		off := abi.PerfHalfOffset(p.active, p.capacity)
		count := loadAcquire32(p.mem, off+abi.PerfHeaderCountOffset)
		if int(count) >= p.capacity {
			p.active = 1 - p.active
			continue
		}
		recOff := off + abi.PerfHeaderSize + int(count)*abi.PerfRecordSize
		le := binary.LittleEndian
		le.PutUint32(p.mem[recOff+abi.PerfRecordCoreOffset:], rec.CoreID)
		le.PutUint32(p.mem[recOff+abi.PerfRecordKindOffset:], uint32(rec.Kind))
		le.PutUint64(p.mem[recOff+abi.PerfRecordStartOffset:], rec.StartTick)
		le.PutUint64(p.mem[recOff+abi.PerfRecordEndOffset:], rec.EndTick)
		storeRelease32(p.mem, off+abi.PerfHeaderCursorOffset, count+1)
		storeRelease32(p.mem, off+abi.PerfHeaderCountOffset, count+1)
		return true
	}
	return false
}

// The headers are 4-byte words at 8-aligned offsets inside a mapped
// region, accessed concurrently by host and device without a lock.
// Acquire on the consumer side pairs with release on the producer side.

func loadAcquire32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

func storeRelease32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}
