// Copyright 2026 The Runicorn Authors
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

package sdk

import (
	"sync/atomic"

	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// The package-level functions below are a convenience layer for scripts:
// Start establishes a current run, and the remaining functions delegate to
// it. They are thin wrappers over the explicit *Run API, which concurrent
// or multi-run programs should use directly.

var current atomic.Pointer[Run]

// Start creates a run and installs it as the package's current run.
// A previously current run stays open; it is just no longer current.
func Start(path string, opts Options) (*Run, error) {
	r, err := Init(path, opts)
	if err != nil {
		return nil, err
	}
	current.Store(r)
	return r, nil
}

// Current returns the current run, or nil if Start has not been called.
func Current() *Run { return current.Load() }

// LogMetrics appends a metric row to the current run. A no-op without one.
func LogMetrics(fields map[string]float64) {
	if r := current.Load(); r != nil {
		r.LogMetrics(fields)
	}
}

// LogMetricsAt appends a metric row at an explicit step to the current run.
func LogMetricsAt(step int64, stage string, fields map[string]float64) {
	if r := current.Load(); r != nil {
		r.LogMetricsAt(step, stage, fields)
	}
}

// Log appends a line to the current run's text log.
func Log(line string) {
	if r := current.Load(); r != nil {
		r.Log(line)
	}
}

// Logf formats and appends a line to the current run's text log.
func Logf(format string, args ...any) {
	if r := current.Load(); r != nil {
		r.Logf(format, args...)
	}
}

// LogImage stores media bytes on the current run.
func LogImage(key string, data []byte, step *int64) {
	if r := current.Load(); r != nil {
		r.LogImage(key, data, step)
	}
}

// SetPrimaryMetric declares the current run's primary metric.
func SetPrimaryMetric(name string, mode storage.MetricMode) {
	if r := current.Load(); r != nil {
		r.SetPrimaryMetric(name, mode)
	}
}

// Summary merges key/value pairs into the current run's summary.
func Summary(update map[string]any) {
	if r := current.Load(); r != nil {
		r.Summary(update)
	}
}

// Finish finalizes the current run and clears it.
func Finish() error {
	r := current.Swap(nil)
	if r == nil {
		return runerr.Validation("run", "no current run; call Start first")
	}
	return r.Finish()
}
