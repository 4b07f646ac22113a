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

// Package sdk is the writer API used by training code. Init creates a run
// and returns a handle; the logging methods never return errors into the
// training loop. Writes are retried a bounded number of times and then
// dropped, with the failure logged (throttled) and counted.
package sdk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/runicorn/runicorn/internal/config"
	runlog "github.com/runicorn/runicorn/internal/log"
	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Metric modes for SetPrimaryMetric.
const (
	ModeMax = storage.ModeMax
	ModeMin = storage.ModeMin
)

const (
	// writeAttempts bounds retries of a failed append before it is dropped.
	writeAttempts = 3

	// retryDelay separates append retries.
	retryDelay = 50 * time.Millisecond

	// errorLogInterval throttles failure logging so a full disk does not
	// turn the training log into a wall of identical errors.
	errorLogInterval = 10 * time.Second
)

// Options configures Init. The zero value is usable: the data root comes
// from the user config and environment, and logging goes to slog.Default.
type Options struct {
	// DataRoot overrides the resolved data root.
	DataRoot string

	// Alias is an optional human-readable name for the run.
	Alias string

	// Logger receives SDK diagnostics. Never used for run data.
	Logger *slog.Logger
}

// Run is a handle to one recorded run. All methods are safe for concurrent
// use. After Finish the handle is inert: further writes are dropped.
type Run struct {
	id     string
	path   string
	store  *storage.Store
	logger *slog.Logger

	step     atomic.Int64 // next auto-assigned step
	finished atomic.Bool
	dropped  atomic.Int64

	errMu   sync.Mutex
	lastErr error
	errLog  rate.Sometimes
}

// Init creates a new run under path and returns its handle.
//
// Init itself does return an error: a writer that cannot create its run
// directory should find out immediately. Everything after Init is
// best-effort.
func Init(path string, opts Options) (*Run, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root := opts.DataRoot
	if root == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		root = cfg.DataRoot
	}

	store, err := storage.Open(root, logger)
	if err != nil {
		return nil, err
	}
	run, err := store.CreateRun(path, storage.CreateOptions{Alias: opts.Alias})
	if err != nil {
		return nil, err
	}

	r := &Run{
		id:     run.Meta.ID,
		path:   run.Meta.Path,
		store:  store,
		logger: runlog.WithRun(logger.With("component", "sdk"), run.Meta.ID),
		errLog: rate.Sometimes{Interval: errorLogInterval},
	}
	r.logger.Info("run started", slog.String("path", path))
	return r, nil
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Path returns the run's hierarchical path.
func (r *Run) Path() string { return r.path }

// Err returns the most recent dropped-write error, if any.
func (r *Run) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

// Dropped returns the number of writes dropped after retry exhaustion.
func (r *Run) Dropped() int64 { return r.dropped.Load() }

// LogMetrics appends one metric row at the next auto-assigned step.
func (r *Run) LogMetrics(fields map[string]float64) {
	step := r.step.Add(1) - 1
	r.LogMetricsAt(step, "", fields)
}

// LogMetricsAt appends one metric row at an explicit step. stage may be
// empty. The auto-assigned step counter continues from step+1.
func (r *Run) LogMetricsAt(step int64, stage string, fields map[string]float64) {
	if r.finished.Load() || len(fields) == 0 {
		return
	}
	// Keep the auto counter monotonic past explicit steps.
	for {
		cur := r.step.Load()
		if cur > step || r.step.CompareAndSwap(cur, step+1) {
			break
		}
	}
	r.attempt("append_event", func() error {
		s := step
		return r.store.AppendEvent(r.id, &s, stage, fields)
	})
}

// Log appends a line to the run's text log. A trailing newline is added
// when missing.
func (r *Run) Log(line string) {
	if r.finished.Load() || line == "" {
		return
	}
	b := []byte(line)
	if b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	r.attempt("append_log", func() error {
		return r.store.AppendLog(r.id, b)
	})
}

// Logf formats and appends a line to the run's text log.
func (r *Run) Logf(format string, args ...any) {
	r.Log(fmt.Sprintf(format, args...))
}

// LogImage stores media bytes under the run's media directory. step may be
// nil for unstepped media.
func (r *Run) LogImage(key string, data []byte, step *int64) {
	if r.finished.Load() {
		return
	}
	r.attempt("log_image", func() error {
		_, err := r.store.LogImage(r.id, key, data, step)
		return err
	})
}

// SetPrimaryMetric declares which metric series defines the run's best
// value. Idempotent.
func (r *Run) SetPrimaryMetric(name string, mode storage.MetricMode) {
	if r.finished.Load() {
		return
	}
	r.attempt("set_primary_metric", func() error {
		return r.store.SetPrimaryMetric(r.id, name, mode)
	})
}

// Summary merges key/value pairs into the run's summary document.
func (r *Run) Summary(update map[string]any) {
	if r.finished.Load() || len(update) == 0 {
		return
	}
	r.attempt("update_summary", func() error {
		return r.store.UpdateSummary(r.id, update)
	})
}

// Finish marks the run finished. Idempotent; later writes are dropped.
func (r *Run) Finish() error {
	return r.finishWith(storage.StatusFinished)
}

// Fail marks the run failed.
func (r *Run) Fail() error {
	return r.finishWith(storage.StatusFailed)
}

// Interrupt marks the run interrupted, for signal handlers.
func (r *Run) Interrupt() error {
	return r.finishWith(storage.StatusInterrupted)
}

func (r *Run) finishWith(status storage.RunStatus) error {
	if !r.finished.CompareAndSwap(false, true) {
		return nil
	}
	err := r.store.Finish(r.id, status)
	if err != nil {
		r.logger.Error("finalize failed",
			slog.String("status", string(status)), slog.Any("error", err))
		return err
	}
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("writes were dropped during the run", slog.Int64("count", n))
	}
	r.logger.Info("run finished", slog.String("status", string(status)))
	return nil
}

// attempt runs op with bounded retries; on exhaustion the write is dropped
// and the failure recorded. Validation errors are not retried.
func (r *Run) attempt(what string, op func() error) {
	var err error
	for i := 0; i < writeAttempts; i++ {
		if err = op(); err == nil {
			return
		}
		if !retryable(err) {
			break
		}
		time.Sleep(retryDelay)
	}

	r.dropped.Add(1)
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
	r.errLog.Do(func() {
		r.logger.Error("write dropped",
			slog.String("op", what),
			slog.Int64("total_dropped", r.dropped.Load()),
			slog.Any("error", err))
	})
}

// retryable rejects errors a retry cannot fix: bad input or a run that no
// longer exists.
func retryable(err error) bool {
	return !runerr.IsValidation(err) && !runerr.IsNotFound(err)
}
