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

package abi_test

import (
	"testing"

	"github.com/tile-org/tilert/abi"
)

func TestCheck(t *testing.T) {
	if err := abi.Check(); err != nil {
		t.Fatalf("ABI check failed: %v", err)
	}
}

func TestDeviceArgsLoaderOffsets(t *testing.T) {
	// The kernel loader reads these offsets directly; they are part of
	// the external contract and must never move.
	if abi.DeviceArgsBinOffset != 96 {
		t.Errorf("so_bin offset: got %d, want 96", abi.DeviceArgsBinOffset)
	}
	if abi.DeviceArgsLenOffset != 104 {
		t.Errorf("so_len offset: got %d, want 104", abi.DeviceArgsLenOffset)
	}
	if abi.DeviceArgsSize != 112 {
		t.Errorf("device args size: got %d, want 112", abi.DeviceArgsSize)
	}
}

func TestLayoutValidateRejectsOverlap(t *testing.T) {
	l := abi.Layout{
		Name: "broken",
		Size: 16,
		Fields: []abi.Field{
			{Name: "a", Offset: 0, Width: 8},
			{Name: "b", Offset: 4, Width: 8},
		},
	}
	if err := l.Validate(); err == nil {
		t.Errorf("overlapping fields were not rejected")
	}
}

func TestLayoutValidateRejectsOverflow(t *testing.T) {
	l := abi.Layout{
		Name: "broken",
		Size: 8,
		Fields: []abi.Field{
			{Name: "a", Offset: 0, Width: 16},
		},
	}
	if err := l.Validate(); err == nil {
		t.Errorf("field past the structure end was not rejected")
	}
}

func TestRuntimeLayoutCoversSize(t *testing.T) {
	last := abi.RuntimeLayout.Fields[len(abi.RuntimeLayout.Fields)-1]
	if got := last.Offset + last.Width; got != abi.RuntimeSize {
		t.Errorf("runtime layout ends at %d but declares size %d", got, abi.RuntimeSize)
	}
}

func TestPerfRegionSize(t *testing.T) {
	got := abi.PerfRegionSize(4)
	want := 2 * (abi.PerfHeaderSize + 4*abi.PerfRecordSize)
	if got != want {
		t.Errorf("region size for capacity 4: got %d, want %d", got, want)
	}
	if abi.PerfHalfOffset(1, 4) != want/2 {
		t.Errorf("second half offset: got %d, want %d", abi.PerfHalfOffset(1, 4), want/2)
	}
}
