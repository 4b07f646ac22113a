package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)

	run, err := src.CreateRun("cv/resnet50/baseline", CreateOptions{Alias: "best"})
	require.NoError(t, err)
	id := run.Meta.ID
	require.NoError(t, src.AppendEvent(id, i64(1), "train", map[string]float64{"loss": 0.5}))
	require.NoError(t, src.AppendLog(id, []byte("hello\n")))
	require.NoError(t, src.Finish(id, StatusFinished))

	other, err := src.CreateRun("nlp/bert", CreateOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := src.ExportPrefix("cv", &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dst := newTestStore(t)
	ids, err := dst.Import(&buf)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	got, err := dst.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "cv/resnet50/baseline", got.Meta.Path)
	assert.Equal(t, "best", got.Meta.Alias)
	assert.Equal(t, StatusFinished, got.Status.Status)

	events, err := dst.ReadRunEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0.5, events[0].Fields["loss"])

	logs, err := dst.ReadLogRange(id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), logs)

	// The run outside the prefix never crossed over.
	_, err = dst.GetRun(other.Meta.ID)
	assert.Error(t, err)
}

func TestImportSkipsExistingRuns(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreateRun("exp/a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, s.AppendLog(run.Meta.ID, []byte("original\n")))

	var buf bytes.Buffer
	_, err = s.ExportPrefix("exp", &buf)
	require.NoError(t, err)

	// Mutate then re-import into the same store: the existing run wins.
	require.NoError(t, s.AppendLog(run.Meta.ID, []byte("more\n")))
	ids, err := s.Import(&buf)
	require.NoError(t, err)
	assert.Empty(t, ids)

	logs, err := s.ReadLogRange(run.Meta.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("original\nmore\n"), logs)
}

func TestImportRejectsGarbage(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Import(bytes.NewReader([]byte("not a gzip stream")))
	assert.Error(t, err)
}

func TestSplitArchivePath(t *testing.T) {
	id := "20260101_120000_a1b2c3"

	runID, rel, err := splitArchivePath("runs/" + id + "/media/1_img.png")
	require.NoError(t, err)
	assert.Equal(t, id, runID)
	assert.Equal(t, "media/1_img.png", rel)

	_, _, err = splitArchivePath("runs/" + id + "/../escape")
	assert.Error(t, err)

	_, _, err = splitArchivePath("other/" + id + "/meta.json")
	assert.Error(t, err)

	_, _, err = splitArchivePath("runs/not-an-id/meta.json")
	assert.Error(t, err)
}
