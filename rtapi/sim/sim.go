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

// Package sim is an in-process implementation of the vendor driver
// contract, used by tests and examples.
//
// Device memory is backed by host byte slices; each command stream is a
// goroutine executing enqueued operations in issue order. Kernel
// launches emulate the device side of the engine's protocols: the AICPU
// main kernel completes the control-unit handshake slots and the AICore
// kernel completes the compute-unit slots, both emitting telemetry
// records into the mapped performance region when profiling is on.
package sim

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tile-org/tilert/abi"
	"github.com/tile-org/tilert/perf"
	"github.com/tile-org/tilert/rtapi"
)

// Option configures the simulated driver.
type Option func(*Driver)

// WithVersion overrides the reported driver version.
func WithVersion(v string) Option {
	return func(d *Driver) { d.version = v }
}

// WithFailingWorker makes the worker owning the given handshake slot
// skip its completion marker, emulating a stalled kernel.
func WithFailingWorker(slot int) Option {
	return func(d *Driver) { d.failSlots[slot] = true }
}

// WithTasksPerCore sets how many telemetry records each compute unit
// emits per run. Control units always emit one dispatch record.
func WithTasksPerCore(n int) Option {
	return func(d *Driver) { d.tasksPerCore = n }
}

type region struct {
	base rtapi.DevicePtr
	data []byte
}

type stream struct {
	ops chan func()
	wg  sync.WaitGroup
}

// Driver is a simulated vendor driver.
type Driver struct {
	version      string
	tasksPerCore int
	failSlots    map[int]bool

	mu         sync.Mutex
	device     int
	nextPtr    uint64
	regions    map[rtapi.DevicePtr]*region
	streams    map[rtapi.Stream]*stream
	nextStream uint64

	perfMu sync.Mutex
	ticks  atomic.Uint64
}

var _ rtapi.Driver = (*Driver)(nil)

// New returns a simulated driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		version:      "v7.0.0",
		tasksPerCore: 1,
		failSlots:    make(map[int]bool),
		device:       -1,
		nextPtr:      0x1000,
		regions:      make(map[rtapi.DevicePtr]*region),
		streams:      make(map[rtapi.Stream]*stream),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements rtapi.Driver.
func (d *Driver) Name() string { return "sim" }

// Version implements rtapi.Driver.
func (d *Driver) Version() string { return d.version }

// SetDevice implements rtapi.Driver.
func (d *Driver) SetDevice(deviceID int) error {
	if deviceID < 0 || deviceID > 15 {
		return errors.Errorf("sim: device id %d out of range [0, 15]", deviceID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.device = deviceID
	return nil
}

// StreamCreate implements rtapi.Driver.
func (d *Driver) StreamCreate() (rtapi.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device < 0 {
		return 0, errors.Errorf("sim: no device selected")
	}
	d.nextStream++
	s := &stream{ops: make(chan func(), 64)}
	h := rtapi.Stream(d.nextStream)
	d.streams[h] = s
	go func() {
		for op := range s.ops {
			op()
			s.wg.Done()
		}
	}()
	return h, nil
}

// StreamDestroy implements rtapi.Driver.
func (d *Driver) StreamDestroy(h rtapi.Stream) error {
	d.mu.Lock()
	s, ok := d.streams[h]
	delete(d.streams, h)
	d.mu.Unlock()
	if !ok {
		return errors.Errorf("sim: unknown stream %d", h)
	}
	s.wg.Wait()
	close(s.ops)
	return nil
}

// StreamSynchronize implements rtapi.Driver.
func (d *Driver) StreamSynchronize(h rtapi.Stream) error {
	s, err := d.stream(h)
	if err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

func (d *Driver) stream(h rtapi.Stream) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[h]
	if !ok {
		return nil, errors.Errorf("sim: unknown stream %d", h)
	}
	return s, nil
}

func (s *stream) enqueue(op func()) {
	s.wg.Add(1)
	s.ops <- op
}

// Malloc implements rtapi.Driver.
func (d *Driver) Malloc(bytes uint64) (rtapi.DevicePtr, error) {
	ptr, _, err := d.MallocShared(bytes)
	return ptr, err
}

// MallocShared implements rtapi.Driver. All simulated device memory is
// host memory, so the mapping is the backing slice itself.
func (d *Driver) MallocShared(bytes uint64) (rtapi.DevicePtr, []byte, error) {
	if bytes == 0 {
		return 0, nil, errors.Errorf("sim: zero-byte allocation")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := rtapi.DevicePtr(d.nextPtr)
	d.nextPtr += (bytes + 0xfff) &^ 0xfff
	r := &region{base: base, data: make([]byte, bytes)}
	d.regions[base] = r
	return base, r.data, nil
}

// Free implements rtapi.Driver.
func (d *Driver) Free(ptr rtapi.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[ptr]; !ok {
		return errors.Errorf("sim: free of unknown pointer %#x", uint64(ptr))
	}
	delete(d.regions, ptr)
	return nil
}

// resolve maps a device address, possibly interior, to its backing
// bytes.
func (d *Driver) resolve(ptr rtapi.DevicePtr, bytes int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.regions {
		off := int64(ptr) - int64(r.base)
		if off < 0 || off >= int64(len(r.data)) {
			continue
		}
		if int(off)+bytes > len(r.data) {
			return nil, errors.Errorf("sim: access of %d bytes at %#x overruns its region", bytes, uint64(ptr))
		}
		return r.data[off : int(off)+bytes], nil
	}
	return nil, errors.Errorf("sim: access to unmapped address %#x", uint64(ptr))
}

// MemcpyHostToDevice implements rtapi.Driver.
func (d *Driver) MemcpyHostToDevice(dst rtapi.DevicePtr, src []byte) error {
	mem, err := d.resolve(dst, len(src))
	if err != nil {
		return err
	}
	copy(mem, src)
	return nil
}

// MemcpyDeviceToHost implements rtapi.Driver.
func (d *Driver) MemcpyDeviceToHost(dst []byte, src rtapi.DevicePtr) error {
	mem, err := d.resolve(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, mem)
	return nil
}

// LaunchAICPU implements rtapi.Driver.
func (d *Driver) LaunchAICPU(h rtapi.Stream, kernelName string, argsAddr rtapi.DevicePtr, instances int) error {
	s, err := d.stream(h)
	if err != nil {
		return err
	}
	if argsAddr == 0 {
		return errors.Errorf("sim: AICPU launch of %s with null arguments", kernelName)
	}
	if instances <= 0 {
		return errors.Errorf("sim: AICPU launch of %s with %d instances", kernelName, instances)
	}
	switch kernelName {
	case rtapi.AICPUInitKernel:
		s.enqueue(func() { d.runAICPUInit(argsAddr) })
	case rtapi.AICPUMainKernel:
		s.enqueue(func() { d.runAICPUMain(argsAddr) })
	default:
		return errors.Errorf("sim: unknown AICPU kernel %q", kernelName)
	}
	return nil
}

// LaunchAICore implements rtapi.Driver.
func (d *Driver) LaunchAICore(h rtapi.Stream, kernelAddr rtapi.DevicePtr, blockDim int, argsAddr rtapi.DevicePtr) error {
	s, err := d.stream(h)
	if err != nil {
		return err
	}
	if kernelAddr == 0 {
		return errors.Errorf("sim: AICore launch with null kernel address")
	}
	if blockDim <= 0 {
		return errors.Errorf("sim: AICore launch with block dim %d", blockDim)
	}
	if argsAddr == 0 {
		return errors.Errorf("sim: AICore launch with null arguments")
	}
	s.enqueue(func() { d.runAICore(argsAddr) })
	return nil
}

// runAICPUInit emulates the loader-driven init kernel: it reads the
// shared-object address and length from the device arguments record at
// the offsets the loader hardcodes.
func (d *Driver) runAICPUInit(argsAddr rtapi.DevicePtr) {
	mem, err := d.resolve(argsAddr, abi.DeviceArgsSize)
	if err != nil {
		klog.Errorf("sim: AICPU init kernel: %v", err)
		return
	}
	bin := binary.LittleEndian.Uint64(mem[abi.DeviceArgsBinOffset:])
	length := binary.LittleEndian.Uint64(mem[abi.DeviceArgsLenOffset:])
	if bin == 0 || length == 0 {
		klog.Errorf("sim: AICPU init kernel: no shared object loaded")
		return
	}
	klog.V(2).Infof("sim: AICPU init: shared object %d bytes at %#x", length, bin)
}

// runtimeView is the device-side read of the Runtime descriptor mirror.
type runtimeView struct {
	blockDim      int
	coresPerBlock int
	profiling     bool
	handshakeAddr rtapi.DevicePtr
	workerCount   int
	perfAddr      rtapi.DevicePtr
	perfCapacity  int
}

func (d *Driver) readRuntime(addr rtapi.DevicePtr) (runtimeView, error) {
	mem, err := d.resolve(addr, abi.RuntimeSize)
	if err != nil {
		return runtimeView{}, err
	}
	le := binary.LittleEndian
	if v := le.Uint32(mem[abi.RuntimeVersionOffset:]); v != abi.RuntimeVersion {
		return runtimeView{}, errors.Errorf("sim: descriptor version %d not supported", v)
	}
	return runtimeView{
		blockDim:      int(le.Uint32(mem[abi.RuntimeBlockDimOffset:])),
		coresPerBlock: int(le.Uint32(mem[abi.RuntimeCoresOffset:])),
		profiling:     le.Uint32(mem[abi.RuntimeProfilingOffset:]) != 0,
		handshakeAddr: rtapi.DevicePtr(le.Uint64(mem[abi.RuntimeHandshakeOffset:])),
		workerCount:   int(le.Uint64(mem[abi.RuntimeWorkersOffset:])),
		perfAddr:      rtapi.DevicePtr(le.Uint64(mem[abi.RuntimePerfAddrOffset:])),
		perfCapacity:  int(le.Uint64(mem[abi.RuntimePerfCapOffset:])),
	}, nil
}

// runAICPUMain emulates the orchestration kernel: each block's control
// unit dispatches, emits one dispatch record and completes its slot.
func (d *Driver) runAICPUMain(argsAddr rtapi.DevicePtr) {
	kmem, err := d.resolve(argsAddr, abi.KernelArgsSize)
	if err != nil {
		klog.Errorf("sim: AICPU main kernel: %v", err)
		return
	}
	rtAddr := rtapi.DevicePtr(binary.LittleEndian.Uint64(kmem[abi.KernelArgsRuntimeOffset:]))
	if rtAddr == 0 {
		klog.Errorf("sim: AICPU main kernel: null runtime")
		return
	}
	view, err := d.readRuntime(rtAddr)
	if err != nil {
		klog.Errorf("sim: AICPU main kernel: %v", err)
		return
	}
	prod := d.producer(view)
	for block := 0; block < view.blockDim; block++ {
		slot := block * view.coresPerBlock
		if prod != nil {
			d.emit(prod, uint32(slot), perf.KindDispatch)
		}
		d.completeSlot(view, slot)
	}
}

// runAICore emulates the compute kernel: every compute unit runs its
// tasks, emits task records and completes its slot.
func (d *Driver) runAICore(argsAddr rtapi.DevicePtr) {
	view, err := d.readRuntime(argsAddr)
	if err != nil {
		klog.Errorf("sim: AICore kernel: %v", err)
		return
	}
	prod := d.producer(view)
	var wg sync.WaitGroup
	for block := 0; block < view.blockDim; block++ {
		for unit := 1; unit < view.coresPerBlock; unit++ {
			slot := block*view.coresPerBlock + unit
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				for task := 0; task < d.tasksPerCore; task++ {
					if prod != nil {
						d.emit(prod, uint32(slot), perf.KindTask)
					}
				}
				d.completeSlot(view, slot)
			}(slot)
		}
	}
	wg.Wait()
}

func (d *Driver) producer(view runtimeView) *perf.Producer {
	if !view.profiling || view.perfAddr == 0 || view.perfCapacity <= 0 {
		return nil
	}
	mem, err := d.resolve(view.perfAddr, abi.PerfRegionSize(view.perfCapacity))
	if err != nil {
		klog.Errorf("sim: perf region: %v", err)
		return nil
	}
	return perf.NewProducer(mem, view.perfCapacity)
}

// emit appends one record, waiting for the host to drain when both
// halves are full. A run with no consumer eventually drops the record so
// the stream cannot wedge.
func (d *Driver) emit(prod *perf.Producer, core uint32, kind perf.EventKind) {
	rec := perf.Record{
		CoreID:    core,
		Kind:      kind,
		StartTick: d.ticks.Add(1),
		EndTick:   d.ticks.Add(1),
	}
	for try := 0; try < 20000; try++ {
		d.perfMu.Lock()
		ok := prod.Append(rec)
		d.perfMu.Unlock()
		if ok {
			return
		}
		time.Sleep(50 * time.Microsecond)
	}
	klog.Errorf("sim: dropped telemetry record for core %d: region never drained", core)
}

func (d *Driver) completeSlot(view runtimeView, slot int) {
	if d.failSlots[slot] {
		return
	}
	mem, err := d.resolve(view.handshakeAddr+rtapi.DevicePtr(slot*abi.HandshakeSlotSize), abi.HandshakeSlotSize)
	if err != nil {
		klog.Errorf("sim: handshake slot %d: %v", slot, err)
		return
	}
	binary.LittleEndian.PutUint64(mem, abi.HandshakeDone)
}
