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

package rtapi_test

import (
	"testing"

	"github.com/tile-org/tilert/rtapi"
	"github.com/tile-org/tilert/rtapi/sim"
)

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		min     string
		ok      bool
	}{
		{"v7.0.0", "v1.0.0", true},
		{"v1.0.0", "v1.0.0", true},
		{"v1.0.0", "v1.0.1", false},
		{"v0.9.0", "v1.0.0", false},
		{"7.0.0", "v1.0.0", false},
		{"garbage", "v1.0.0", false},
	}
	for _, test := range tests {
		d := sim.New(sim.WithVersion(test.version))
		err := rtapi.CheckVersion(d, test.min)
		if ok := err == nil; ok != test.ok {
			t.Errorf("CheckVersion(%q, %q): got error %v, want ok=%t", test.version, test.min, err, test.ok)
		}
	}
}
