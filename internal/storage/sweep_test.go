package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rewriteStatus force-writes a status file, bypassing updateStatus timestamps.
func rewriteStatus(t *testing.T, s *Store, runID string, mutate func(*Status)) {
	t.Helper()
	var status Status
	require.NoError(t, readJSON(s.Layout().RunFile(runID, StatusFile), &status))
	mutate(&status)
	require.NoError(t, writeJSONAtomic(s.Layout().RunFile(runID, StatusFile), &status))
}

func TestSweepMarksAbandonedRuns(t *testing.T) {
	s := newTestStore(t)
	sw := NewSweeper(s, SweeperConfig{IdleThreshold: 120 * time.Second}, nil)

	dead, _ := s.CreateRun("exp/dead", CreateOptions{})
	rewriteStatus(t, s, dead.Meta.ID, func(st *Status) {
		st.PID = 999999999 // no such pid
		st.UpdatedAt = time.Now().Add(-10 * time.Minute)
	})

	idleButAlive, _ := s.CreateRun("exp/idle", CreateOptions{})
	rewriteStatus(t, s, idleButAlive.Meta.ID, func(st *Status) {
		st.UpdatedAt = time.Now().Add(-10 * time.Minute) // pid is this test process
	})

	fresh, _ := s.CreateRun("exp/fresh", CreateOptions{})

	finished, _ := s.CreateRun("exp/done", CreateOptions{})
	require.NoError(t, s.Finish(finished.Meta.ID, StatusFinished))

	marked := sw.SweepOnce()
	assert.Equal(t, 1, marked)

	got, _ := s.GetRun(dead.Meta.ID)
	assert.Equal(t, StatusStale, got.Status.Status)

	for _, id := range []string{idleButAlive.Meta.ID, fresh.Meta.ID} {
		got, _ := s.GetRun(id)
		assert.Equal(t, StatusRunning, got.Status.Status, id)
	}

	got, _ = s.GetRun(finished.Meta.ID)
	assert.Equal(t, StatusFinished, got.Status.Status)
}

func TestSweepDefaults(t *testing.T) {
	sw := NewSweeper(newTestStore(t), SweeperConfig{}, nil)
	assert.Equal(t, 30*time.Second, sw.cfg.Interval)
	assert.Equal(t, 120*time.Second, sw.cfg.IdleThreshold)
}
