package metrics

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runicorn/runicorn/internal/storage"
)

func newTestRun(t *testing.T) (*storage.Store, string) {
	t.Helper()
	s, err := storage.Open(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	run, err := s.CreateRun("exp/cache", storage.CreateOptions{})
	require.NoError(t, err)
	return s, run.Meta.ID
}

func step(v int64) *int64 { return &v }

func TestCacheIncrementalParse(t *testing.T) {
	s, id := newTestRun(t)
	c, err := NewCache(s.Layout(), 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(id, step(0), "train", map[string]float64{"loss": 1.0}))
	events, err := c.Events(id)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Appends after the first parse are picked up from the stored offset.
	require.NoError(t, s.AppendEvent(id, step(1), "train", map[string]float64{"loss": 0.5}))
	require.NoError(t, s.AppendEvent(id, step(2), "train", map[string]float64{"loss": 0.25}))
	events, err = c.Events(id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 0.25, events[2].Fields["loss"])

	// Unchanged file: same slice back, no reparse.
	again, err := c.Events(id)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestCacheInvalidatesOnShrink(t *testing.T) {
	s, id := newTestRun(t)
	c, err := NewCache(s.Layout(), 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(id, step(0), "", map[string]float64{"a": 1}))
	require.NoError(t, s.AppendEvent(id, step(1), "", map[string]float64{"a": 2}))
	events, err := c.Events(id)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Replace the log with a shorter one.
	path := s.Layout().RunFile(id, storage.EventsFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"ts":1,"step":9,"fields":{"a":9}}`+"\n"), 0o644))

	events, err = c.Events(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(9), *events[0].Step)
}

func TestCacheMissingRun(t *testing.T) {
	s, _ := newTestRun(t)
	c, err := NewCache(s.Layout(), 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	events, err := c.Events("20260101_000000_ffffff")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCacheEviction(t *testing.T) {
	s, err := storage.Open(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	c, err := NewCache(s.Layout(), 2, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := s.CreateRun("exp/evict", storage.CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(run.Meta.ID, step(int64(i)), "", map[string]float64{"a": float64(i)}))
		ids = append(ids, run.Meta.ID)
	}
	for _, id := range ids {
		events, err := c.Events(id)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	}
	// The first run was evicted; reading it again still works.
	events, err := c.Events(ids[0])
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
