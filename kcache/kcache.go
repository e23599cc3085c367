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

// Package kcache deduplicates uploads of compiled kernel binaries.
package kcache

import (
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/devmem"
	"github.com/tile-org/tilert/metrics"
	"github.com/tile-org/tilert/rtapi"
)

// Cache maps integer function ids to the device address of the uploaded
// binary. Entries are immutable once inserted; the map is only ever
// cleared as a whole, never partially invalidated.
type Cache struct {
	driver rtapi.Driver
	alloc  *devmem.Allocator
	addrs  map[int]rtapi.DevicePtr
}

// New returns an empty cache uploading through the given allocator.
func New(driver rtapi.Driver, alloc *devmem.Allocator) *Cache {
	return &Cache{
		driver: driver,
		alloc:  alloc,
		addrs:  make(map[int]rtapi.DevicePtr),
	}
}

// Upload copies a kernel binary to device memory and returns its device
// address, or the address cached for funcID by an earlier upload.
// Repeated runs reuse the same compiled kernels, so the second upload of
// a func id performs no allocation and no copy.
//
// A failed allocation or copy returns the null address and leaves no
// partial entry in the cache.
func (c *Cache) Upload(funcID int, bin []byte) rtapi.DevicePtr {
	if addr, ok := c.addrs[funcID]; ok {
		metrics.KernelCacheHits.Inc()
		return addr
	}
	if len(bin) == 0 {
		klog.Errorf("kernel upload for func %d: empty binary", funcID)
		return 0
	}
	addr := c.alloc.Allocate(uint64(len(bin)))
	if addr == 0 {
		return 0
	}
	if err := c.driver.MemcpyHostToDevice(addr, bin); err != nil {
		klog.Errorf("kernel upload for func %d failed: %v", funcID, err)
		c.alloc.Free(addr)
		return 0
	}
	c.addrs[funcID] = addr
	metrics.KernelUploads.Inc()
	klog.V(2).Infof("uploaded kernel func %d (%d bytes) at %#x", funcID, len(bin), uint64(addr))
	return addr
}

// Lookup returns the cached device address for funcID.
func (c *Cache) Lookup(funcID int) (rtapi.DevicePtr, bool) {
	addr, ok := c.addrs[funcID]
	return addr, ok
}

// Len returns the number of cached binaries.
func (c *Cache) Len() int {
	return len(c.addrs)
}

// Clear frees every cached binary and empties the cache.
func (c *Cache) Clear() {
	for _, addr := range c.addrs {
		c.alloc.Free(addr)
	}
	c.addrs = make(map[int]rtapi.DevicePtr)
}
