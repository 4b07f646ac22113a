package index

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runicorn/runicorn/internal/storage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func mkRun(id, path string, createdAt time.Time, status storage.RunStatus) *storage.Run {
	return &storage.Run{
		Meta: storage.Meta{ID: id, Path: path, CreatedAt: createdAt},
		Status: storage.Status{
			Status:    status,
			PID:       1234,
			UpdatedAt: createdAt,
		},
	}
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestListRunsFilterAndPagination(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	ids := []string{
		"20260201_080000_aaaaaa",
		"20260201_080001_bbbbbb",
		"20260201_080002_cccccc",
		"20260201_080003_dddddd",
	}
	paths := []string{"cv/resnet", "cv/resnet", "cv/vit", "nlp/bert"}
	for i, id := range ids {
		run := mkRun(id, paths[i], base.Add(time.Duration(i)*time.Second), storage.StatusRunning)
		require.NoError(t, d.UpsertRun(ctx, run))
	}

	page, err := d.ListRuns(ctx, ListFilter{PathPrefix: "cv"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	// Default sort: created_at descending.
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[0], page.Items[2].ID)

	// Prefix match is segment-wise, not string-wise.
	page, err = d.ListRuns(ctx, ListFilter{PathPrefix: "cv/res"})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	page, err = d.ListRuns(ctx, ListFilter{PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 4, page.Total)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)

	page, err = d.ListRuns(ctx, ListFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrev)

	// Out-of-range page: empty items, counters intact.
	page, err = d.ListRuns(ctx, ListFilter{Page: 9, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 4, page.Total)

	_, err = d.ListRuns(ctx, ListFilter{SortBy: "bogus"})
	assert.Error(t, err)
	_, err = d.ListRuns(ctx, ListFilter{StatusIn: []storage.RunStatus{"bogus"}})
	assert.Error(t, err)
}

func TestListRunsStatusAndDeleted(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	running := mkRun("20260201_090000_aaaaaa", "exp", now, storage.StatusRunning)
	finished := mkRun("20260201_090001_bbbbbb", "exp", now.Add(time.Second), storage.StatusFinished)
	deleted := mkRun("20260201_090002_cccccc", "exp", now.Add(2*time.Second), storage.StatusFailed)
	delAt := now.Add(time.Hour)
	deleted.Status.DeletedAt = &delAt

	for _, r := range []*storage.Run{running, finished, deleted} {
		require.NoError(t, d.UpsertRun(ctx, r))
	}

	page, err := d.ListRuns(ctx, ListFilter{StatusIn: []storage.RunStatus{storage.StatusFinished}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, finished.Meta.ID, page.Items[0].ID)

	// Soft-deleted runs only show up when asked for.
	page, err = d.ListRuns(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = d.ListRuns(ctx, ListFilter{Deleted: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, deleted.Meta.ID, page.Items[0].ID)
	require.NotNil(t, page.Items[0].DeletedAt)
}

func TestListRunsSortByPrimaryMetric(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	withBest := func(id string, best *float64) *storage.Run {
		r := mkRun(id, "exp", now, storage.StatusFinished)
		if best != nil {
			r.Status.PrimaryMetric = &storage.PrimaryMetric{Name: "acc", Mode: storage.ModeMax, Best: best, Step: i64(10)}
		}
		return r
	}
	require.NoError(t, d.UpsertRun(ctx, withBest("20260201_100000_aaaaaa", f64(0.7))))
	require.NoError(t, d.UpsertRun(ctx, withBest("20260201_100001_bbbbbb", f64(0.9))))
	require.NoError(t, d.UpsertRun(ctx, withBest("20260201_100002_cccccc", nil)))

	page, err := d.ListRuns(ctx, ListFilter{SortBy: SortByPrimaryMetric})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "20260201_100001_bbbbbb", page.Items[0].ID)
	assert.Equal(t, "20260201_100000_aaaaaa", page.Items[1].ID)
	// Runs with no primary metric sort last either direction.
	assert.Equal(t, "20260201_100002_cccccc", page.Items[2].ID)
	require.NotNil(t, page.Items[0].PrimaryMetric)
	assert.Equal(t, 0.9, *page.Items[0].PrimaryMetric.Best)

	page, err = d.ListRuns(ctx, ListFilter{SortBy: SortByPrimaryMetric, SortDir: "asc"})
	require.NoError(t, err)
	assert.Equal(t, "20260201_100000_aaaaaa", page.Items[0].ID)
	assert.Equal(t, "20260201_100002_cccccc", page.Items[2].ID)
}

func TestPathTree(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	runs := []struct {
		id, path string
		status   storage.RunStatus
		deleted  bool
	}{
		{"20260201_110000_aaaaaa", "cv/resnet/baseline", storage.StatusRunning, false},
		{"20260201_110001_bbbbbb", "cv/resnet/baseline", storage.StatusFinished, false},
		{"20260201_110002_cccccc", "cv/vit", storage.StatusFinished, false},
		{"20260201_110003_dddddd", "nlp", storage.StatusFinished, false},
		{"20260201_110004_eeeeee", "cv/vit", storage.StatusRunning, true},
	}
	for _, rc := range runs {
		r := mkRun(rc.id, rc.path, now, rc.status)
		if rc.deleted {
			r.Status.DeletedAt = &now
		}
		require.NoError(t, d.UpsertRun(ctx, r))
	}

	tree, err := d.PathTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 2)

	cv := tree[0]
	assert.Equal(t, "cv", cv.Name)
	assert.Equal(t, 0, cv.RunCount)
	assert.Equal(t, 3, cv.TotalCount) // soft-deleted run excluded
	assert.True(t, cv.HasRunning)
	require.Len(t, cv.Children, 2)

	resnet := cv.Children[0]
	assert.Equal(t, "cv/resnet", resnet.Path)
	assert.Equal(t, 2, resnet.TotalCount)
	require.Len(t, resnet.Children, 1)
	assert.Equal(t, 2, resnet.Children[0].RunCount)

	vit := cv.Children[1]
	assert.Equal(t, 1, vit.RunCount)
	assert.False(t, vit.HasRunning)

	nlp := tree[1]
	assert.Equal(t, "nlp", nlp.Name)
	assert.Equal(t, 1, nlp.RunCount)
	assert.False(t, nlp.HasRunning)
}

func TestObserverMirrorsStore(t *testing.T) {
	d := newTestDB(t)
	logger := slog.New(slog.DiscardHandler)
	store, err := storage.Open(t.TempDir(), logger)
	require.NoError(t, err)
	store.SetObserver(d)

	run, err := store.CreateRun("exp/obs", storage.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(run.Meta.ID, i64(1), "train", map[string]float64{"loss": 0.4, "acc": 0.6}))
	require.NoError(t, store.Finish(run.Meta.ID, storage.StatusFinished))

	ctx := context.Background()
	page, err := d.ListRuns(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, storage.StatusFinished, page.Items[0].Status)

	var rows int
	require.NoError(t, d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE run_id = ?`, run.Meta.ID).Scan(&rows))
	assert.Equal(t, 2, rows)

	require.NoError(t, store.HardDelete(run.Meta.ID))
	page, err = d.ListRuns(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestRebuildHealsIndex(t *testing.T) {
	d := newTestDB(t)
	logger := slog.New(slog.DiscardHandler)
	store, err := storage.Open(t.TempDir(), logger)
	require.NoError(t, err)

	// Runs written with no observer attached: the index starts empty.
	run, err := store.CreateRun("exp/heal", storage.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(run.Meta.ID, i64(1), "", map[string]float64{"loss": 0.9}))
	require.NoError(t, store.AppendEvent(run.Meta.ID, i64(2), "", map[string]float64{"loss": 0.7}))

	ctx := context.Background()
	require.NoError(t, d.Rebuild(ctx, store))

	page, err := d.ListRuns(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	var rows int
	require.NoError(t, d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE run_id = ?`, run.Meta.ID).Scan(&rows))
	assert.Equal(t, 2, rows)

	// A stale row for a run gone from disk disappears on rebuild.
	ghost := mkRun("20260201_120000_ffffff", "exp/ghost", time.Now().UTC(), storage.StatusRunning)
	require.NoError(t, d.UpsertRun(ctx, ghost))
	require.NoError(t, d.Rebuild(ctx, store))

	page, err = d.ListRuns(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, run.Meta.ID, page.Items[0].ID)

	// Rebuild is idempotent: a second pass changes nothing.
	require.NoError(t, d.Rebuild(ctx, store))
	require.NoError(t, d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&rows))
	assert.Equal(t, 2, rows)
}
