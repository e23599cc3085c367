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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// SwimlaneFile is the default trace file name.
const SwimlaneFile = "merged_swimlane.json"

// DefaultTicksPerMicrosecond converts device counter ticks to the trace
// format's microsecond convention. The device counter runs at 100 MHz.
const DefaultTicksPerMicrosecond = 100.0

type traceEvent struct {
	Name  string         `json:"name"`
	Phase string         `json:"ph"`
	PID   int            `json:"pid"`
	TID   uint32         `json:"tid"`
	TS    float64        `json:"ts"`
	Dur   float64        `json:"dur,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

type traceDocument struct {
	TraceEvents []traceEvent `json:"traceEvents"`
}

// ExportSwimlane writes the result set as one Chrome Trace Event Format
// document at path, grouping each core's records into one swimlane.
// The in-memory result set is not mutated, so repeated exports of the
// same set produce byte-identical files.
func (c *Collector) ExportSwimlane(path string) error {
	if err := writeSwimlane(path, c.records, DefaultTicksPerMicrosecond); err != nil {
		return err
	}
	c.exported = true
	return nil
}

func writeSwimlane(path string, records []Record, ticksPerMicro float64) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CoreID != sorted[j].CoreID {
			return sorted[i].CoreID < sorted[j].CoreID
		}
		return sorted[i].StartTick < sorted[j].StartTick
	})

	coreSet := make(map[uint32]bool)
	for _, rec := range sorted {
		coreSet[rec.CoreID] = true
	}
	cores := maps.Keys(coreSet)
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	events := make([]traceEvent, 0, len(sorted)+len(cores))
	for _, core := range cores {
		events = append(events, traceEvent{
			Name:  "thread_name",
			Phase: "M",
			TID:   core,
			Args:  map[string]any{"name": coreName(core)},
		})
	}
	for _, rec := range sorted {
		start := float64(rec.StartTick) / ticksPerMicro
		end := float64(rec.EndTick) / ticksPerMicro
		events = append(events, traceEvent{
			Name:  rec.Kind.String(),
			Phase: "X",
			TID:   rec.CoreID,
			TS:    start,
			Dur:   end - start,
			Args:  map[string]any{"kind": uint32(rec.Kind)},
		})
	}

	doc, err := json.MarshalIndent(traceDocument{TraceEvents: events}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode swimlane trace")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create trace directory %s", dir)
		}
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return errors.Wrapf(err, "write trace %s", path)
	}
	return nil
}

func coreName(core uint32) string {
	return "core " + strconv.Itoa(int(core))
}
