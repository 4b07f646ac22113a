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

package storage

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusFinished    RunStatus = "finished"
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted"
	StatusStale       RunStatus = "stale"
)

// Terminal reports whether the status ends the run's lifecycle.
// Stale is not terminal: a resurrected writer may still finish the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusFinished, StatusFailed, StatusInterrupted, StatusStale:
		return true
	}
	return false
}

// MetricMode selects how the primary metric's best value is computed.
type MetricMode string

const (
	ModeMax MetricMode = "max"
	ModeMin MetricMode = "min"
)

// Improves reports whether candidate is strictly better than best under the mode.
func (m MetricMode) Improves(candidate, best float64) bool {
	if m == ModeMin {
		return candidate < best
	}
	return candidate > best
}

// Meta is the immutable metadata written at run creation (meta.json).
type Meta struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Alias     string    `json:"alias,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Hostname  string    `json:"hostname,omitempty"`
	OS        string    `json:"os,omitempty"`
}

// PrimaryMetric tracks the best observed value of the designated series.
type PrimaryMetric struct {
	Name string     `json:"name"`
	Mode MetricMode `json:"mode"`
	Best *float64   `json:"best,omitempty"`
	Step *int64     `json:"step,omitempty"`
}

// Status is the mutable per-run state (status.json). All writes replace the
// file atomically under the run's advisory lock.
type Status struct {
	Status        RunStatus      `json:"status"`
	PID           int            `json:"pid,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	PrimaryMetric *PrimaryMetric `json:"primary_metric,omitempty"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
}

// Event is one metric row appended to events.jsonl.
type Event struct {
	// Time is the event timestamp in Unix milliseconds.
	Time int64 `json:"ts"`

	// Step is the optional writer-assigned step.
	Step *int64 `json:"step,omitempty"`

	// Stage is an optional stage label (e.g. "train", "eval").
	Stage string `json:"stage,omitempty"`

	// Fields maps metric names to values.
	Fields map[string]float64 `json:"fields"`
}

// Run is the combined detail view of a run.
type Run struct {
	Meta    Meta           `json:"meta"`
	Status  Status         `json:"status"`
	Summary map[string]any `json:"summary,omitempty"`
}

// Deleted reports whether the run is soft-deleted.
func (r *Run) Deleted() bool {
	return r.Status.DeletedAt != nil
}
