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
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runicorn/runicorn/internal/storage"
)

func newTestRun(t *testing.T) (*Run, *storage.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	root := t.TempDir()
	r, err := Init("exp/sdk", Options{DataRoot: root, Logger: logger})
	require.NoError(t, err)

	store, err := storage.Open(root, logger)
	require.NoError(t, err)
	return r, store
}

func TestInitCreatesRun(t *testing.T) {
	r, store := newTestRun(t)
	run, err := store.GetRun(r.ID())
	require.NoError(t, err)
	assert.Equal(t, "exp/sdk", run.Meta.Path)
	assert.Equal(t, storage.StatusRunning, run.Status.Status)
	assert.Equal(t, "exp/sdk", r.Path())
}

func TestLogMetricsAutoStep(t *testing.T) {
	r, store := newTestRun(t)
	r.LogMetrics(map[string]float64{"loss": 1.0})
	r.LogMetrics(map[string]float64{"loss": 0.5})
	r.LogMetricsAt(10, "eval", map[string]float64{"acc": 0.9})
	r.LogMetrics(map[string]float64{"loss": 0.4})

	events, err := store.ReadRunEvents(r.ID())
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, int64(0), *events[0].Step)
	assert.Equal(t, int64(1), *events[1].Step)
	assert.Equal(t, int64(10), *events[2].Step)
	assert.Equal(t, "eval", events[2].Stage)
	// Auto steps continue after the explicit one.
	assert.Equal(t, int64(11), *events[3].Step)
	assert.Zero(t, r.Dropped())
}

func TestLogAppendsNewline(t *testing.T) {
	r, store := newTestRun(t)
	r.Log("no newline")
	r.Logf("epoch %d done", 3)

	body, err := store.ReadLogRange(r.ID(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "no newline\nepoch 3 done\n", string(body))
}

func TestPrimaryMetricAndSummary(t *testing.T) {
	r, store := newTestRun(t)
	r.SetPrimaryMetric("acc", ModeMax)
	r.LogMetrics(map[string]float64{"acc": 0.7})
	r.LogMetrics(map[string]float64{"acc": 0.9})
	r.LogMetrics(map[string]float64{"acc": 0.8})
	r.Summary(map[string]any{"notes": "baseline"})
	require.NoError(t, r.Finish())

	run, err := store.GetRun(r.ID())
	require.NoError(t, err)
	require.NotNil(t, run.Status.PrimaryMetric)
	require.NotNil(t, run.Status.PrimaryMetric.Best)
	assert.Equal(t, 0.9, *run.Status.PrimaryMetric.Best)
	assert.Equal(t, storage.StatusFinished, run.Status.Status)
	assert.Equal(t, "baseline", run.Summary["notes"])
}

func TestWritesAfterFinishAreDropped(t *testing.T) {
	r, store := newTestRun(t)
	require.NoError(t, r.Finish())
	require.NoError(t, r.Finish()) // idempotent

	r.LogMetrics(map[string]float64{"loss": 1.0})
	r.Log("late line")

	events, err := store.ReadRunEvents(r.ID())
	require.NoError(t, err)
	assert.Empty(t, events)
	// Post-finish writes are silent no-ops, not counted as drops.
	assert.Zero(t, r.Dropped())
	assert.NoError(t, r.Err())
}

func TestWriteFailureNeverPanics(t *testing.T) {
	r, store := newTestRun(t)
	require.NoError(t, store.HardDelete(r.ID()))

	r.LogMetrics(map[string]float64{"loss": 1.0})
	r.Log("into the void")

	assert.Equal(t, int64(2), r.Dropped())
	assert.Error(t, r.Err())
}

func TestLogImage(t *testing.T) {
	r, store := newTestRun(t)
	step := int64(5)
	r.LogImage("confusion.png", []byte("png bytes"), &step)

	run, err := store.GetRun(r.ID())
	require.NoError(t, err)
	entries, err := os.ReadDir(store.Layout().MediaPath(run.Meta.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "5_confusion.png", entries[0].Name())
}

func TestImplicitContext(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	root := t.TempDir()

	assert.Error(t, Finish()) // nothing started yet

	r, err := Start("exp/global", Options{DataRoot: root, Logger: logger})
	require.NoError(t, err)
	require.Same(t, r, Current())

	LogMetrics(map[string]float64{"loss": 0.3})
	Log("one line")
	require.NoError(t, Finish())
	assert.Nil(t, Current())

	store, err := storage.Open(root, logger)
	require.NoError(t, err)
	events, err := store.ReadRunEvents(r.ID())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
