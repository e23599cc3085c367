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

// Package config holds the engine configuration.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config parameterizes a runner. The zero value is not usable; start
// from Default.
type Config struct {
	// CoresPerBlock is the number of logical workers per compute block:
	// one control unit plus N compute units.
	CoresPerBlock int `yaml:"cores_per_block"`

	// PerfBufferCapacity is the number of telemetry records one half of
	// the double-buffered record region can hold.
	PerfBufferCapacity int `yaml:"perf_buffer_capacity"`

	// OutputDir receives exported trace files.
	OutputDir string `yaml:"output_dir"`

	// MinDriverVersion is the oldest driver the engine accepts, as a
	// semantic version string.
	MinDriverVersion string `yaml:"min_driver_version"`

	// AICPUThreads is the default number of AICPU kernel instances
	// launched per run.
	AICPUThreads int `yaml:"aicpu_threads"`
}

// Default returns the platform defaults: one control unit and two
// compute units per block.
func Default() *Config {
	return &Config{
		CoresPerBlock:      3,
		PerfBufferCapacity: 512,
		OutputDir:          "outputs",
		MinDriverVersion:   "v1.0.0",
		AICPUThreads:       1,
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.CoresPerBlock <= 0 {
		return errors.Errorf("cores_per_block %d must be positive", c.CoresPerBlock)
	}
	if c.PerfBufferCapacity <= 0 {
		return errors.Errorf("perf_buffer_capacity %d must be positive", c.PerfBufferCapacity)
	}
	if c.OutputDir == "" {
		return errors.Errorf("output_dir must not be empty")
	}
	if c.AICPUThreads <= 0 {
		return errors.Errorf("aicpu_threads %d must be positive", c.AICPUThreads)
	}
	return nil
}
