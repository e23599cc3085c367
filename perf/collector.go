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

package perf

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/metrics"
)

// State of the collector.
type State int

const (
	// Idle: no collection in progress.
	Idle State = iota
	// Polling: inspecting half-buffer headers.
	Polling
	// Draining: copying a full half into the result set.
	Draining
)

// DefaultMaxSpins bounds the poll loop when the device stops producing
// before the expected record volume arrives. The loop is timing
// dependent, so the bound is generous; hitting it means a device-side
// stall, reported with whatever was collected.
const DefaultMaxSpins = 1 << 24

// Collector drains the record region into an in-memory result set.
// Single consumer; not safe for concurrent use.
type Collector struct {
	region   *Region
	maxSpins int

	state     State
	records   []Record
	truncated bool
	exported  bool
}

// NewCollector returns an idle collector.
func NewCollector() *Collector {
	return &Collector{maxSpins: DefaultMaxSpins}
}

// Attach points the collector at the region of the current run.
func (c *Collector) Attach(region *Region) {
	c.region = region
}

// State returns the collector state.
func (c *Collector) State() State {
	return c.state
}

// Records returns the in-memory result set. The slice is owned by the
// collector and must not be modified.
func (c *Collector) Records() []Record {
	return c.records
}

// HasPending reports whether records have been collected but neither
// exported nor discarded. A new run is rejected while this holds, so
// telemetry is never silently lost.
func (c *Collector) HasPending() bool {
	return len(c.records) > 0 && !c.exported
}

// Discard drops the in-memory result set.
func (c *Collector) Discard() {
	c.records = nil
	c.truncated = false
	c.exported = false
}

// PollAndCollect drains the region until expectedTasks records have been
// collected. It runs synchronously, before the blocking stream
// synchronization, so full halves are handed back to the device while
// work is still in flight.
//
// The loop exits on the expected record volume, not a fixed iteration
// count: the number of polls needed is timing dependent. A header count
// above the half capacity is a capacity overflow; collection stops with
// a truncated result rather than reading past the buffer.
func (c *Collector) PollAndCollect(numCores, expectedTasks int) error {
	if c.region == nil {
		return errors.Errorf("no perf region attached; was profiling enabled for this run?")
	}
	if c.state != Idle {
		return errors.Errorf("collector is not idle")
	}
	c.state = Polling
	defer func() { c.state = Idle }()

	collected := 0
	spins := 0
	for collected < expectedTasks {
		progressed := false
		for half := 0; half < 2; half++ {
			count := int(c.region.count(half))
			if count > c.region.capacity {
				c.truncated = true
				c.drain(half, c.region.capacity)
				return errors.Errorf("perf half %d reports %d records but holds at most %d; collection stopped with %d records", half, count, c.region.capacity, len(c.records))
			}
			if count == c.region.capacity || (count > 0 && collected+count >= expectedTasks) {
				collected += c.drain(half, count)
				progressed = true
			}
		}
		if progressed {
			spins = 0
			continue
		}
		spins++
		if spins > c.maxSpins {
			c.truncated = true
			return errors.Errorf("collected %d of %d expected records before the device stopped producing", collected, expectedTasks)
		}
		runtime.Gosched()
	}
	klog.V(2).Infof("collected %d records from %d cores", collected, numCores)
	return nil
}

// drain copies count records out of a half and hands the half back to
// the device.
func (c *Collector) drain(half, count int) int {
	c.state = Draining
	for i := 0; i < count; i++ {
		c.records = append(c.records, c.region.readRecord(half, i))
	}
	c.region.resetHalf(half)
	metrics.PerfRecordsCollected.Add(float64(count))
	c.state = Polling
	return count
}
