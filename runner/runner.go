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

// Package runner owns the device lifecycle and sequences kernel
// execution.
//
// A Runner is an explicit context object with a single logical owner;
// the engine is designed for single-threaded host orchestration and
// callers must serialize access. It composes the allocator, the kernel
// binary cache, the argument marshaller, the handshake buffers and the
// performance collector into one Run operation.
package runner

import (
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/config"
	"github.com/tile-org/tilert/devmem"
	"github.com/tile-org/tilert/handshake"
	"github.com/tile-org/tilert/hostrt"
	"github.com/tile-org/tilert/kargs"
	"github.com/tile-org/tilert/kcache"
	"github.com/tile-org/tilert/metrics"
	"github.com/tile-org/tilert/perf"
	"github.com/tile-org/tilert/rtapi"
)

// State of a runner.
type State int

const (
	// Unset: no device selected.
	Unset State = iota
	// DeviceSet: device selected, streams created.
	DeviceSet
	// BinariesLoaded: shared object and AICore binary on the device.
	BinariesLoaded
	// Ready: at least one run completed; reusable resources retained.
	Ready
)

// ErrWorkerStalled is wrapped by Run when handshake slots remain pending
// after stream synchronization. The caller must treat it as fatal and
// finalize the runner.
var ErrWorkerStalled = errors.New("device worker stalled")

// Runner orchestrates kernel execution on one device.
type Runner struct {
	cfg    *config.Config
	driver rtapi.Driver

	state    State
	deviceID int

	streamAICPU  rtapi.Stream
	streamAICore rtapi.Stream

	alloc   *devmem.Allocator
	cache   *kcache.Cache
	marshal *kargs.Marshaller
	hs      *handshake.Buffers

	soAddr     rtapi.DevicePtr
	soLen      uint64
	aicoreAddr rtapi.DevicePtr

	region    *perf.Region
	collector *perf.Collector

	tensors map[rtapi.DevicePtr]bool
	workers int
}

// New returns a runner in the Unset state.
func New(driver rtapi.Driver, cfg *config.Config) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	alloc := devmem.New(driver)
	return &Runner{
		cfg:       cfg,
		driver:    driver,
		deviceID:  -1,
		alloc:     alloc,
		cache:     kcache.New(driver, alloc),
		marshal:   kargs.New(driver, alloc),
		hs:        handshake.New(driver, alloc),
		collector: perf.NewCollector(),
		tensors:   make(map[rtapi.DevicePtr]bool),
	}
}

// State returns the runner state.
func (r *Runner) State() State {
	return r.state
}

// EnsureDeviceSet selects the device and creates the AICPU and AICore
// command streams, exactly once. Calling it again with the same device
// id is a no-op; a different id while a device is set is a caller error.
func (r *Runner) EnsureDeviceSet(deviceID int) error {
	if r.state != Unset {
		if deviceID != r.deviceID {
			return errors.Errorf("device %d already set; cannot switch to device %d without finalize", r.deviceID, deviceID)
		}
		return nil
	}
	if err := abi.Check(); err != nil {
		return err
	}
	if err := rtapi.CheckVersion(r.driver, r.cfg.MinDriverVersion); err != nil {
		return err
	}
	if err := r.driver.SetDevice(deviceID); err != nil {
		return errors.Wrapf(err, "set device %d", deviceID)
	}
	var err error
	if r.streamAICPU, err = r.driver.StreamCreate(); err != nil {
		return errors.Wrap(err, "create AICPU stream")
	}
	if r.streamAICore, err = r.driver.StreamCreate(); err != nil {
		if derr := r.driver.StreamDestroy(r.streamAICPU); derr != nil {
			klog.Errorf("destroy AICPU stream after failed setup: %v", derr)
		}
		r.streamAICPU = 0
		return errors.Wrap(err, "create AICore stream")
	}
	r.deviceID = deviceID
	r.state = DeviceSet
	klog.V(2).Infof("device %d set on driver %s %s", deviceID, r.driver.Name(), r.driver.Version())
	return nil
}

// AllocateTensor allocates device memory for a caller-managed tensor.
// Tensor allocations are freed by CleanCache.
func (r *Runner) AllocateTensor(bytes uint64) rtapi.DevicePtr {
	ptr := r.alloc.Allocate(bytes)
	if ptr != 0 {
		r.tensors[ptr] = true
	}
	return ptr
}

// FreeTensor frees a tensor allocation. Null and double frees are
// no-ops.
func (r *Runner) FreeTensor(ptr rtapi.DevicePtr) {
	delete(r.tensors, ptr)
	r.alloc.Free(ptr)
}

// CopyToDevice copies host bytes to device memory.
func (r *Runner) CopyToDevice(dst rtapi.DevicePtr, src []byte) error {
	if dst == 0 || len(src) == 0 {
		return errors.Errorf("invalid copy to device: dst %#x, %d bytes", uint64(dst), len(src))
	}
	return r.driver.MemcpyHostToDevice(dst, src)
}

// CopyFromDevice copies device bytes to a host buffer.
func (r *Runner) CopyFromDevice(dst []byte, src rtapi.DevicePtr) error {
	if src == 0 || len(dst) == 0 {
		return errors.Errorf("invalid copy from device: src %#x, %d bytes", uint64(src), len(dst))
	}
	return r.driver.MemcpyDeviceToHost(dst, src)
}

// UploadKernelBinary uploads a kernel binary through the cache.
// EnsureDeviceSet must have run first. Returns the device address, or
// the null address on failure.
func (r *Runner) UploadKernelBinary(funcID int, bin []byte) rtapi.DevicePtr {
	if r.state == Unset {
		klog.Errorf("upload of func %d before device set", funcID)
		return 0
	}
	return r.cache.Upload(funcID, bin)
}

// Run executes one runtime descriptor:
//
//  1. lazily set the device and load the binaries;
//  2. size and reset the handshake buffers for blockDim;
//  3. mirror the descriptor to device memory;
//  4. launch the AICPU initialization kernel;
//  5. launch launchAICPUNum instances of the AICPU main kernel;
//  6. launch the AICore kernel sized by blockDim;
//  7. synchronize both streams;
//  8. free the per-run runtime arguments.
//
// A launch failure short-circuits the remaining steps and returns that
// step's error; resources already allocated for the run are reclaimed by
// the standard CleanCache/Finalize path, not rolled back here.
func (r *Runner) Run(rt *hostrt.Runtime, blockDim, deviceID int, aicpuSO, aicoreBin []byte, launchAICPUNum int) error {
	if rt == nil {
		return errors.Errorf("nil runtime")
	}
	if blockDim <= 0 {
		return errors.Errorf("block dim %d must be positive", blockDim)
	}
	if launchAICPUNum <= 0 {
		launchAICPUNum = r.cfg.AICPUThreads
	}
	if err := r.run(rt, blockDim, deviceID, aicpuSO, aicoreBin, launchAICPUNum); err != nil {
		metrics.RunFailures.Inc()
		return err
	}
	metrics.Runs.Inc()
	r.state = Ready
	return nil
}

func (r *Runner) run(rt *hostrt.Runtime, blockDim, deviceID int, aicpuSO, aicoreBin []byte, launchAICPUNum int) error {
	if err := r.EnsureDeviceSet(deviceID); err != nil {
		return err
	}
	if err := r.ensureBinariesLoaded(aicpuSO, aicoreBin); err != nil {
		return err
	}
	if r.collector.HasPending() {
		return errors.Errorf("previous run's telemetry not drained; export or discard it before running again")
	}
	// Start the run with a fresh result set; anything still held has
	// been exported.
	r.collector.Discard()

	if err := r.hs.Init(blockDim, r.cfg.CoresPerBlock); err != nil {
		return err
	}
	r.workers = r.hs.Workers()
	rt.BlockDim = blockDim
	rt.CoresPerBlock = r.cfg.CoresPerBlock
	rt.HandshakeAddr = r.hs.Addr()
	rt.WorkerCount = r.workers

	if rt.EnableProfiling {
		if err := r.initProfiling(rt); err != nil {
			return err
		}
	} else {
		rt.PerfAddr = 0
		rt.PerfCapacity = 0
	}

	if err := r.marshal.InitRuntimeArgs(rt); err != nil {
		return err
	}

	if err := r.launchAICPU(rtapi.AICPUInitKernel, r.marshal.DeviceArgsPtr(), 1); err != nil {
		return err
	}
	if err := r.launchAICPU(rtapi.AICPUMainKernel, r.marshal.KernelArgsPtr(), launchAICPUNum); err != nil {
		return err
	}
	if err := r.driver.LaunchAICore(r.streamAICore, r.aicoreAddr, blockDim, r.marshal.RuntimeArgsPtr()); err != nil {
		return errors.Wrap(err, "launch AICore kernel")
	}
	metrics.KernelLaunches.WithLabelValues("aicore").Inc()

	// Telemetry is drained while device work is still in flight, before
	// the blocking synchronization, so the record region cannot
	// overflow.
	if rt.EnableProfiling && rt.ExpectedTasks > 0 {
		if err := r.collector.PollAndCollect(r.workers, rt.ExpectedTasks); err != nil {
			return err
		}
	}

	if err := r.driver.StreamSynchronize(r.streamAICPU); err != nil {
		return errors.Wrap(err, "synchronize AICPU stream")
	}
	if err := r.driver.StreamSynchronize(r.streamAICore); err != nil {
		return errors.Wrap(err, "synchronize AICore stream")
	}

	if err := r.marshal.FinalizeRuntimeArgs(); err != nil {
		return err
	}

	slots, err := r.hs.ReadBack()
	if err != nil {
		return err
	}
	if stalled := handshake.Stalled(slots); len(stalled) > 0 {
		handshake.Report(slots)
		return errors.Wrapf(ErrWorkerStalled, "workers %v did not complete", stalled)
	}
	return nil
}

func (r *Runner) launchAICPU(name string, argsAddr rtapi.DevicePtr, instances int) error {
	if err := r.driver.LaunchAICPU(r.streamAICPU, name, argsAddr, instances); err != nil {
		return errors.Wrapf(err, "launch AICPU kernel %s", name)
	}
	metrics.KernelLaunches.WithLabelValues("aicpu").Inc()
	return nil
}

// ensureBinariesLoaded uploads the AICPU shared object and the AICore
// kernel binary once, and initializes the device arguments mirror the
// loader reads the shared object through.
func (r *Runner) ensureBinariesLoaded(aicpuSO, aicoreBin []byte) error {
	if r.state >= BinariesLoaded {
		return nil
	}
	if len(aicpuSO) == 0 || len(aicoreBin) == 0 {
		return errors.Errorf("empty kernel binaries: AICPU %d bytes, AICore %d bytes", len(aicpuSO), len(aicoreBin))
	}
	r.soAddr = r.alloc.Allocate(uint64(len(aicpuSO)))
	if r.soAddr == 0 {
		return errors.Errorf("shared object allocation of %d bytes failed", len(aicpuSO))
	}
	if err := r.driver.MemcpyHostToDevice(r.soAddr, aicpuSO); err != nil {
		return errors.Wrap(err, "upload AICPU shared object")
	}
	r.soLen = uint64(len(aicpuSO))

	r.aicoreAddr = r.alloc.Allocate(uint64(len(aicoreBin)))
	if r.aicoreAddr == 0 {
		return errors.Errorf("AICore binary allocation of %d bytes failed", len(aicoreBin))
	}
	if err := r.driver.MemcpyHostToDevice(r.aicoreAddr, aicoreBin); err != nil {
		return errors.Wrap(err, "upload AICore binary")
	}

	if err := r.marshal.InitDeviceArgs(kargs.DeviceArgs{BinAddr: r.soAddr, BinLen: r.soLen}); err != nil {
		return err
	}
	r.state = BinariesLoaded
	klog.V(2).Infof("loaded AICPU shared object (%d bytes) and AICore binary (%d bytes)", len(aicpuSO), len(aicoreBin))
	return nil
}

func (r *Runner) initProfiling(rt *hostrt.Runtime) error {
	if r.region == nil {
		region, err := perf.NewRegion(r.alloc, r.cfg.PerfBufferCapacity)
		if err != nil {
			return err
		}
		r.region = region
		r.collector.Attach(region)
	}
	rt.PerfAddr = r.region.DeviceAddr()
	rt.PerfCapacity = r.region.Capacity()
	return nil
}

// PollAndCollectPerformanceData drains the telemetry region. It must be
// called after the kernels have been launched and before the blocking
// stream synchronization, so full buffer halves are handed back to the
// device while work is in flight.
func (r *Runner) PollAndCollectPerformanceData(numCores, expectedTasks int) error {
	return r.collector.PollAndCollect(numCores, expectedTasks)
}

// PerformanceRecords returns the collected result set.
func (r *Runner) PerformanceRecords() []perf.Record {
	return r.collector.Records()
}

// DiscardPerformanceData drops the collected result set, allowing a new
// run without exporting.
func (r *Runner) DiscardPerformanceData() {
	r.collector.Discard()
}

// ExportSwimlaneJSON writes the collected records to
// outputDir/merged_swimlane.json. An empty outputDir uses the configured
// default. Valid only after stream synchronization; repeated calls are
// idempotent.
func (r *Runner) ExportSwimlaneJSON(outputDir string) error {
	if outputDir == "" {
		outputDir = r.cfg.OutputDir
	}
	return r.collector.ExportSwimlane(filepath.Join(outputDir, perf.SwimlaneFile))
}

// PrintHandshakeResults reads the handshake slots back and logs the
// status of every worker. Call after Run and before Finalize.
func (r *Runner) PrintHandshakeResults() {
	slots, err := r.hs.ReadBack()
	if err != nil {
		klog.Errorf("handshake readback failed: %v", err)
		return
	}
	handshake.Report(slots)
}

// CleanCache frees per-run and test-scoped resources, preserving the
// device selection, the streams and the loaded binaries so repeated runs
// do not repay device setup. It clears the kernel binary cache and the
// tensor allocations made through this runner.
func (r *Runner) CleanCache() error {
	// A run that failed mid-sequence leaves its runtime-args mirrors
	// live; reclaim them here so the next run does not require a full
	// teardown. FinalizeRuntimeArgs is a no-op when nothing is live.
	if err := r.marshal.FinalizeRuntimeArgs(); err != nil {
		return err
	}
	r.cache.Clear()
	for ptr := range r.tensors {
		r.alloc.Free(ptr)
	}
	r.tensors = make(map[rtapi.DevicePtr]bool)
	r.collector.Discard()
	return nil
}

// Finalize tears everything down: all device memory, both streams, and
// every piece of internal state back to Unset. A subsequent operation
// requires the whole setup sequence to run again.
func (r *Runner) Finalize() error {
	var errs error
	errs = multierr.Append(errs, r.marshal.FinalizeRuntimeArgs())
	errs = multierr.Append(errs, r.marshal.FinalizeDeviceArgs())
	r.hs.Free()
	r.region.Free()
	r.region = nil
	r.collector.Attach(nil)
	r.collector.Discard()
	r.cache.Clear()
	r.tensors = make(map[rtapi.DevicePtr]bool)
	r.alloc.Free(r.soAddr)
	r.alloc.Free(r.aicoreAddr)
	r.soAddr, r.soLen, r.aicoreAddr = 0, 0, 0
	errs = multierr.Append(errs, r.alloc.FreeAll())
	if r.state != Unset {
		errs = multierr.Append(errs, errors.Wrap(r.driver.StreamDestroy(r.streamAICPU), "destroy AICPU stream"))
		errs = multierr.Append(errs, errors.Wrap(r.driver.StreamDestroy(r.streamAICore), "destroy AICore stream"))
	}
	r.streamAICPU, r.streamAICore = 0, 0
	r.deviceID = -1
	r.workers = 0
	r.state = Unset
	return errs
}
