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

package runner_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tile-org/tilert/config"
	"github.com/tile-org/tilert/hostrt"
	"github.com/tile-org/tilert/perf"
	"github.com/tile-org/tilert/rtapi"
	"github.com/tile-org/tilert/rtapi/sim"
	"github.com/tile-org/tilert/runner"
)

var (
	testSO     = []byte("aicpu shared object")
	testAICore = []byte("aicore kernel binary")
)

// countingDriver counts device setup calls to verify they are not
// repeated across runs.
type countingDriver struct {
	rtapi.Driver
	setDevice     int
	streamCreates int
}

func (c *countingDriver) SetDevice(deviceID int) error {
	c.setDevice++
	return c.Driver.SetDevice(deviceID)
}

func (c *countingDriver) StreamCreate() (rtapi.Stream, error) {
	c.streamCreates++
	return c.Driver.StreamCreate()
}

// faultDriver injects failures into selected driver operations.
type faultDriver struct {
	rtapi.Driver
	failAICore      bool
	failStreamAfter int
	streamCreates   int
	streamDestroys  int
}

func (f *faultDriver) StreamCreate() (rtapi.Stream, error) {
	f.streamCreates++
	if f.failStreamAfter > 0 && f.streamCreates > f.failStreamAfter {
		return 0, errors.New("stream exhausted")
	}
	return f.Driver.StreamCreate()
}

func (f *faultDriver) StreamDestroy(s rtapi.Stream) error {
	f.streamDestroys++
	return f.Driver.StreamDestroy(s)
}

func (f *faultDriver) LaunchAICore(s rtapi.Stream, kernelAddr rtapi.DevicePtr, blockDim int, argsAddr rtapi.DevicePtr) error {
	if f.failAICore {
		return errors.New("injected AICore launch failure")
	}
	return f.Driver.LaunchAICore(s, kernelAddr, blockDim, argsAddr)
}

func TestCleanCacheRecoversFromLaunchFailure(t *testing.T) {
	driver := &faultDriver{Driver: sim.New(), failAICore: true}
	r := runner.New(driver, nil)
	if err := r.Run(&hostrt.Runtime{}, 1, 0, testSO, testAICore, 1); err == nil {
		t.Fatalf("Run with an injected launch failure did not fail")
	}
	if err := r.CleanCache(); err != nil {
		t.Fatalf("CleanCache after failed run: %v", err)
	}
	driver.failAICore = false
	if err := r.Run(&hostrt.Runtime{}, 1, 0, testSO, testAICore, 1); err != nil {
		t.Fatalf("Run after CleanCache: %v", err)
	}
	if got, want := r.State(), runner.Ready; got != want {
		t.Errorf("runner state: got %v, want %v", got, want)
	}
}

func TestFailedStreamSetupDestroysFirstStream(t *testing.T) {
	driver := &faultDriver{Driver: sim.New(), failStreamAfter: 1}
	r := runner.New(driver, nil)
	if err := r.EnsureDeviceSet(0); err == nil {
		t.Fatalf("EnsureDeviceSet with a failing second stream did not fail")
	}
	if driver.streamDestroys != 1 {
		t.Errorf("streams destroyed after failed setup: got %d, want 1", driver.streamDestroys)
	}
	// The runner never reached DeviceSet, so setup must work once the
	// driver recovers.
	driver.failStreamAfter = 0
	if err := r.EnsureDeviceSet(0); err != nil {
		t.Fatalf("EnsureDeviceSet after recovery: %v", err)
	}
}

func TestRunCompletesAllWorkers(t *testing.T) {
	r := runner.New(sim.New(), nil)
	rt := &hostrt.Runtime{}
	if err := r.Run(rt, 2, 0, testSO, testAICore, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := r.State(), runner.Ready; got != want {
		t.Errorf("runner state: got %v, want %v", got, want)
	}
	// Default geometry is 3 cores per block, so 2 blocks make 6
	// workers, all of which must have completed their handshake.
	if got, want := rt.WorkerCount, 6; got != want {
		t.Errorf("worker count: got %d, want %d", got, want)
	}
	if rt.HandshakeAddr == 0 {
		t.Errorf("handshake address not filled in")
	}
}

func TestRunReportsStalledWorker(t *testing.T) {
	r := runner.New(sim.New(sim.WithFailingWorker(4)), nil)
	err := r.Run(&hostrt.Runtime{}, 2, 0, testSO, testAICore, 1)
	if !errors.Is(err, runner.ErrWorkerStalled) {
		t.Fatalf("Run: got %v, want a stalled worker error", err)
	}
	if !strings.Contains(err.Error(), "[4]") {
		t.Errorf("stalled worker error does not name slot 4: %v", err)
	}
}

func TestRepeatedRunsReuseDeviceSetup(t *testing.T) {
	driver := &countingDriver{Driver: sim.New()}
	r := runner.New(driver, nil)
	for i := 0; i < 3; i++ {
		if err := r.Run(&hostrt.Runtime{}, 1, 0, testSO, testAICore, 1); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if err := r.CleanCache(); err != nil {
			t.Fatalf("CleanCache after run %d: %v", i, err)
		}
	}
	if driver.setDevice != 1 {
		t.Errorf("device set %d times across 3 runs, want 1", driver.setDevice)
	}
	if driver.streamCreates != 2 {
		t.Errorf("%d streams created across 3 runs, want 2", driver.streamCreates)
	}
}

func TestEnsureDeviceSetRejectsSwitch(t *testing.T) {
	r := runner.New(sim.New(), nil)
	if err := r.EnsureDeviceSet(0); err != nil {
		t.Fatalf("EnsureDeviceSet(0): %v", err)
	}
	if err := r.EnsureDeviceSet(0); err != nil {
		t.Errorf("repeated EnsureDeviceSet(0): %v", err)
	}
	if err := r.EnsureDeviceSet(1); err == nil {
		t.Errorf("EnsureDeviceSet(1) after device 0 did not fail")
	}
}

func TestRunRejectsStaleDriver(t *testing.T) {
	r := runner.New(sim.New(sim.WithVersion("v0.9.0")), nil)
	if err := r.Run(&hostrt.Runtime{}, 1, 0, testSO, testAICore, 1); err == nil {
		t.Errorf("Run accepted a driver below the minimum version")
	}
}

func TestRunValidation(t *testing.T) {
	r := runner.New(sim.New(), nil)
	if err := r.Run(nil, 1, 0, testSO, testAICore, 1); err == nil {
		t.Errorf("Run accepted a nil runtime")
	}
	if err := r.Run(&hostrt.Runtime{}, 0, 0, testSO, testAICore, 1); err == nil {
		t.Errorf("Run accepted a zero block dim")
	}
	if err := r.Run(&hostrt.Runtime{}, 1, 0, nil, testAICore, 1); err == nil {
		t.Errorf("Run accepted an empty shared object")
	}
}

func TestRunProfilingEndToEnd(t *testing.T) {
	const (
		blockDim     = 2
		tasksPerCore = 2
	)
	cfg := config.Default()
	// A capacity below the record volume forces drains while the
	// kernels are still producing.
	cfg.PerfBufferCapacity = 4
	driver := sim.New(sim.WithTasksPerCore(tasksPerCore))
	r := runner.New(driver, cfg)

	// One dispatch record per block plus the compute unit tasks.
	expected := blockDim + blockDim*(cfg.CoresPerBlock-1)*tasksPerCore
	rt := &hostrt.Runtime{EnableProfiling: true, ExpectedTasks: expected}
	if err := r.Run(rt, blockDim, 0, testSO, testAICore, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	records := r.PerformanceRecords()
	if len(records) != expected {
		t.Fatalf("collected %d records, want %d", len(records), expected)
	}
	dispatches := 0
	for _, rec := range records {
		if rec.Kind == perf.KindDispatch {
			dispatches++
		}
	}
	if dispatches != blockDim {
		t.Errorf("dispatch records: got %d, want %d", dispatches, blockDim)
	}

	// A new run is rejected until the records are exported or dropped.
	if err := r.Run(rt, blockDim, 0, testSO, testAICore, 1); err == nil {
		t.Fatalf("Run accepted undrained telemetry from the previous run")
	}
	dir := t.TempDir()
	if err := r.ExportSwimlaneJSON(dir); err != nil {
		t.Fatalf("ExportSwimlaneJSON: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, perf.SwimlaneFile)); err != nil {
		t.Fatalf("trace file: %v", err)
	}
	if err := r.Run(rt, blockDim, 0, testSO, testAICore, 1); err != nil {
		t.Fatalf("Run after export: %v", err)
	}
	if len(r.PerformanceRecords()) != expected {
		t.Errorf("second run collected %d records, want %d", len(r.PerformanceRecords()), expected)
	}
	r.DiscardPerformanceData()
}

func TestTensorLifecycle(t *testing.T) {
	r := runner.New(sim.New(), nil)
	if err := r.EnsureDeviceSet(0); err != nil {
		t.Fatalf("EnsureDeviceSet: %v", err)
	}
	ptr := r.AllocateTensor(64)
	if ptr == 0 {
		t.Fatalf("tensor allocation failed")
	}
	src := []byte{1, 2, 3, 4}
	if err := r.CopyToDevice(ptr, src); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	dst := make([]byte, 4)
	if err := r.CopyFromDevice(dst, ptr); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	if string(dst) != string(src) {
		t.Errorf("round trip through device memory: got % x, want % x", dst, src)
	}
	if err := r.CopyToDevice(0, src); err == nil {
		t.Errorf("CopyToDevice accepted the null address")
	}
	r.FreeTensor(ptr)
	r.FreeTensor(ptr) // double free must be a no-op
}

func TestFinalizeResetsToUnset(t *testing.T) {
	r := runner.New(sim.New(), nil)
	if err := r.Run(&hostrt.Runtime{}, 1, 0, testSO, testAICore, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := r.State(); got != runner.Unset {
		t.Errorf("runner state after finalize: got %v, want %v", got, runner.Unset)
	}
	// The full setup sequence must work again from scratch.
	if err := r.Run(&hostrt.Runtime{}, 1, 0, testSO, testAICore, 1); err != nil {
		t.Fatalf("Run after finalize: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
}
