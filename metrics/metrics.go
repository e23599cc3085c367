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

// Package metrics exposes Prometheus metrics for the orchestration
// engine. Metrics are registered on the default registry; embedding
// programs decide whether and where to serve them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeviceAllocs counts successful device memory allocations.
	DeviceAllocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_device_allocs_total",
		Help: "Number of device memory allocations.",
	})

	// DeviceFrees counts device memory frees.
	DeviceFrees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_device_frees_total",
		Help: "Number of device memory frees.",
	})

	// DeviceBytesInUse tracks outstanding device memory.
	DeviceBytesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilert_device_bytes_in_use",
		Help: "Device memory currently allocated, in bytes.",
	})

	// KernelUploads counts kernel binaries copied to the device.
	KernelUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_kernel_uploads_total",
		Help: "Number of kernel binaries uploaded to device memory.",
	})

	// KernelCacheHits counts uploads served from the binary cache.
	KernelCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_kernel_cache_hits_total",
		Help: "Number of kernel uploads answered from the cache.",
	})

	// KernelLaunches counts kernel launches by kernel class.
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilert_kernel_launches_total",
		Help: "Number of kernel launches.",
	}, []string{"class"})

	// PerfRecordsCollected counts telemetry records drained from the
	// device performance buffers.
	PerfRecordsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_perf_records_collected_total",
		Help: "Number of performance records collected from the device.",
	})

	// Runs counts completed runtime executions.
	Runs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_runs_total",
		Help: "Number of completed runtime executions.",
	})

	// RunFailures counts runtime executions that returned an error.
	RunFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilert_run_failures_total",
		Help: "Number of runtime executions that failed.",
	})
)
