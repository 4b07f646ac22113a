package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func i64(v int64) *int64 { return &v }

func TestCreateRun(t *testing.T) {
	s := newTestStore(t)

	run, err := s.CreateRun("cv/resnet50/baseline", CreateOptions{Alias: "baseline"})
	require.NoError(t, err)

	assert.Regexp(t, RunIDRe, run.Meta.ID)
	assert.Equal(t, "cv/resnet50/baseline", run.Meta.Path)
	assert.Equal(t, "baseline", run.Meta.Alias)
	assert.Equal(t, StatusRunning, run.Status.Status)
	assert.Equal(t, os.Getpid(), run.Status.PID)
	assert.Nil(t, run.Status.PrimaryMetric)

	for _, name := range []string{MetaFile, StatusFile, EventsFile, LogsFile} {
		_, err := os.Stat(s.Layout().RunFile(run.Meta.ID, name))
		assert.NoError(t, err, name)
	}

	got, err := s.GetRun(run.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Meta, got.Meta)
}

func TestCreateRunRejectsBadPaths(t *testing.T) {
	s := newTestStore(t)

	longOK := strings.Repeat("a", 64) + "/" + strings.Repeat("b", 64) + "/" +
		strings.Repeat("c", 64) + "/" + strings.Repeat("d", 5) // exactly 200
	require.Len(t, longOK, 200)
	_, err := s.CreateRun(longOK, CreateOptions{})
	assert.NoError(t, err)

	tooLong := longOK + "e" // 201
	_, err = s.CreateRun(tooLong, CreateOptions{})
	assert.Error(t, err)

	for _, bad := range []string{"", "a//b", "a/../b", "sp ace", strings.Repeat("x", 65)} {
		_, err := s.CreateRun(bad, CreateOptions{})
		assert.Error(t, err, "path %q", bad)
	}
}

func TestAppendEventAndPrimaryMetric(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreateRun("cv/resnet50/baseline", CreateOptions{})
	require.NoError(t, err)
	id := run.Meta.ID

	for i, loss := range []float64{0.5, 0.4, 0.3} {
		require.NoError(t, s.AppendEvent(id, i64(int64(i+1)), "train", map[string]float64{"loss": loss}))
	}

	// Primary metric unset: nothing recorded yet.
	got, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Nil(t, got.Status.PrimaryMetric)

	require.NoError(t, s.SetPrimaryMetric(id, "loss", ModeMin))
	require.NoError(t, s.AppendEvent(id, i64(4), "train", map[string]float64{"loss": 0.2}))

	got, err = s.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, got.Status.PrimaryMetric)
	require.NotNil(t, got.Status.PrimaryMetric.Best)
	assert.Equal(t, 0.2, *got.Status.PrimaryMetric.Best)
	assert.Equal(t, int64(4), *got.Status.PrimaryMetric.Step)

	// A worse value must not regress the best.
	require.NoError(t, s.AppendEvent(id, i64(5), "train", map[string]float64{"loss": 0.9}))
	got, err = s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, 0.2, *got.Status.PrimaryMetric.Best)

	events, err := s.ReadRunEvents(id)
	require.NoError(t, err)
	assert.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Time, events[i-1].Time)
		assert.GreaterOrEqual(t, *events[i].Step, *events[i-1].Step)
	}
}

func TestSetPrimaryMetricIdempotent(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("exp/a", CreateOptions{})
	id := run.Meta.ID

	require.NoError(t, s.SetPrimaryMetric(id, "acc", ModeMax))
	require.NoError(t, s.AppendEvent(id, i64(1), "", map[string]float64{"acc": 0.7}))
	require.NoError(t, s.SetPrimaryMetric(id, "acc", ModeMax))

	got, err := s.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, got.Status.PrimaryMetric.Best)
	assert.Equal(t, 0.7, *got.Status.PrimaryMetric.Best)
}

func TestFinishPreservesWriterStatus(t *testing.T) {
	s := newTestStore(t)

	for _, final := range []RunStatus{StatusFinished, StatusFailed, StatusInterrupted} {
		run, err := s.CreateRun("exp/"+string(final), CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, s.Finish(run.Meta.ID, final))

		got, err := s.GetRun(run.Meta.ID)
		require.NoError(t, err)
		assert.Equal(t, final, got.Status.Status)

		// Repeat with same status is a no-op; different status errors.
		assert.NoError(t, s.Finish(run.Meta.ID, final))
	}

	run, _ := s.CreateRun("exp/conflict", CreateOptions{})
	require.NoError(t, s.Finish(run.Meta.ID, StatusFinished))
	assert.Error(t, s.Finish(run.Meta.ID, StatusFailed))

	run2, _ := s.CreateRun("exp/badstatus", CreateOptions{})
	assert.Error(t, s.Finish(run2.Meta.ID, StatusRunning))
}

func TestAppendLogPreservesBytes(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("exp/logs", CreateOptions{})
	id := run.Meta.ID

	raw := []byte("epoch 1\n\x1b[32mok\x1b[0m\rprogress: 42%\n")
	require.NoError(t, s.AppendLog(id, raw))
	require.NoError(t, s.AppendLog(id, []byte("tail\n")))

	data, err := s.ReadLogRange(id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, raw...), []byte("tail\n")...), data)

	// Byte range read.
	part, err := s.ReadLogRange(id, 6, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("1\n"), part)
}

func TestLogImage(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("exp/media", CreateOptions{})

	name, err := s.LogImage(run.Meta.ID, "confusion matrix.png", []byte{0x89, 0x50}, i64(7))
	require.NoError(t, err)
	assert.Equal(t, "7_confusion_matrix.png", name)

	_, err = os.Stat(filepath.Join(s.Layout().MediaPath(run.Meta.ID), name))
	assert.NoError(t, err)
}

func TestSummaryMerge(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("exp/summary", CreateOptions{})
	id := run.Meta.ID

	require.NoError(t, s.UpdateSummary(id, map[string]any{"epochs": 10, "lr": 0.1}))
	require.NoError(t, s.UpdateSummary(id, map[string]any{"lr": 0.01, "note": "tuned"}))

	got, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, 0.01, got.Summary["lr"])
	assert.Equal(t, "tuned", got.Summary["note"])
	assert.Equal(t, float64(10), got.Summary["epochs"])
}

func TestSoftDeleteAndPrefix(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateRun("cv/resnet/a", CreateOptions{})
	b, _ := s.CreateRun("cv/resnet/b", CreateOptions{})
	c, _ := s.CreateRun("nlp/bert", CreateOptions{})

	n, err := s.SoftDeletePrefix("cv/resnet")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.Meta.ID, b.Meta.ID} {
		run, err := s.GetRun(id)
		require.NoError(t, err)
		assert.True(t, run.Deleted())
	}
	run, err := s.GetRun(c.Meta.ID)
	require.NoError(t, err)
	assert.False(t, run.Deleted())

	// Prefix must not match partial segment names.
	n, err = s.SoftDeletePrefix("cv/res")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHardDelete(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("exp/doomed", CreateOptions{})

	require.NoError(t, s.HardDelete(run.Meta.ID))
	_, err := os.Stat(s.Layout().RunDir(run.Meta.ID))
	assert.True(t, os.IsNotExist(err))

	err = s.HardDelete(run.Meta.ID)
	assert.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun("20260101_120000_ffffff")
	assert.Error(t, err)
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("exp/concurrent", CreateOptions{})
	id := run.Meta.ID

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = s.AppendEvent(id, nil, "", map[string]float64{"v": float64(w*perWriter + i)})
			}
		}(w)
	}
	wg.Wait()

	events, err := s.ReadRunEvents(id)
	require.NoError(t, err)
	// Every record parses and none interleaved.
	assert.Len(t, events, writers*perWriter)
}
