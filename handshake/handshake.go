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

// Package handshake synchronizes readiness and completion across the
// concurrent device workers of one run.
//
// Each logical worker owns one slot of a device-resident array. A worker
// writes the completion marker into its own slot when its assigned work
// is done; no two writers share a slot. The host reads all slots back
// after stream synchronization: a slot still pending indicates a stalled
// or crashed worker.
package handshake

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/devmem"
	"github.com/tile-org/tilert/rtapi"
)

// Buffers is the per-run handshake slot array.
type Buffers struct {
	driver  rtapi.Driver
	alloc   *devmem.Allocator
	addr    rtapi.DevicePtr
	workers int
}

// New returns an empty buffer set.
func New(driver rtapi.Driver, alloc *devmem.Allocator) *Buffers {
	return &Buffers{driver: driver, alloc: alloc}
}

// Init sizes the slot array to blockDim x coresPerBlock workers and
// writes every slot to the pending state. A buffer set sized for a
// different worker count is released and reallocated; an equally sized
// one is rewritten in place.
func (b *Buffers) Init(blockDim, coresPerBlock int) error {
	if blockDim <= 0 || coresPerBlock <= 0 {
		return errors.Errorf("invalid worker geometry: block dim %d, cores per block %d", blockDim, coresPerBlock)
	}
	workers := blockDim * coresPerBlock
	if b.addr != 0 && workers != b.workers {
		b.Free()
	}
	if b.addr == 0 {
		b.addr = b.alloc.Allocate(uint64(workers * abi.HandshakeSlotSize))
		if b.addr == 0 {
			return errors.Errorf("handshake allocation for %d workers failed", workers)
		}
	}
	b.workers = workers
	zero := make([]byte, workers*abi.HandshakeSlotSize)
	if err := b.driver.MemcpyHostToDevice(b.addr, zero); err != nil {
		return errors.Wrap(err, "reset handshake slots")
	}
	return nil
}

// Addr returns the device address of the slot array.
func (b *Buffers) Addr() rtapi.DevicePtr {
	return b.addr
}

// Workers returns the number of slots.
func (b *Buffers) Workers() int {
	return b.workers
}

// ReadBack copies the slot array from the device. Valid only after the
// streams have been synchronized.
func (b *Buffers) ReadBack() ([]uint64, error) {
	if b.addr == 0 {
		return nil, errors.Errorf("handshake buffers not initialized")
	}
	raw := make([]byte, b.workers*abi.HandshakeSlotSize)
	if err := b.driver.MemcpyDeviceToHost(raw, b.addr); err != nil {
		return nil, errors.Wrap(err, "read handshake slots")
	}
	slots := make([]uint64, b.workers)
	for i := range slots {
		slots[i] = binary.LittleEndian.Uint64(raw[i*abi.HandshakeSlotSize:])
	}
	return slots, nil
}

// Stalled returns the indices of slots still pending after a run.
func Stalled(slots []uint64) []int {
	var stalled []int
	for i, s := range slots {
		if s == abi.HandshakePending {
			stalled = append(stalled, i)
		}
	}
	return stalled
}

// Report logs the status of every worker slot.
func Report(slots []uint64) {
	for i, s := range slots {
		status := "done"
		if s == abi.HandshakePending {
			status = "PENDING"
		}
		klog.Infof("worker %3d: %s (marker %#x)", i, status, s)
	}
	if stalled := Stalled(slots); len(stalled) > 0 {
		klog.Errorf("%d of %d workers never reached a terminal state: %v", len(stalled), len(slots), stalled)
	}
}

// Free releases the slot array.
func (b *Buffers) Free() {
	b.alloc.Free(b.addr)
	b.addr = 0
	b.workers = 0
}
