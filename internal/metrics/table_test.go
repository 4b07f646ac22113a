package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runicorn/runicorn/internal/storage"
)

func ev(ts int64, st *int64, fields map[string]float64) storage.Event {
	return storage.Event{Time: ts, Step: st, Fields: fields}
}

func TestBuildTableColumnsUnion(t *testing.T) {
	events := []storage.Event{
		ev(1000, step(0), map[string]float64{"loss": 1.0}),
		ev(2000, step(1), map[string]float64{"loss": 0.5, "acc": 0.7}),
		ev(3000, step(2), map[string]float64{"acc": 0.8}),
	}

	table, err := BuildTable(events, XStep, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"step", "acc", "loss"}, table.Columns)
	assert.Equal(t, 3, table.Total)
	assert.Equal(t, 3, table.Sampled)
	require.NotNil(t, table.LastStep)
	assert.Equal(t, int64(2), *table.LastStep)

	require.Len(t, table.Rows, 3)
	// Row 0: step=0, acc missing, loss=1.0
	assert.Equal(t, 0.0, *table.Rows[0][0])
	assert.Nil(t, table.Rows[0][1])
	assert.Equal(t, 1.0, *table.Rows[0][2])
	// Row 2: step=2, acc=0.8, loss missing
	assert.Equal(t, 2.0, *table.Rows[2][0])
	assert.Equal(t, 0.8, *table.Rows[2][1])
	assert.Nil(t, table.Rows[2][2])
}

func TestBuildTableTimeAxis(t *testing.T) {
	events := []storage.Event{
		ev(1000, nil, map[string]float64{"loss": 1.0}),
		ev(2000, nil, map[string]float64{"loss": 0.5}),
	}

	table, err := BuildTable(events, XTime, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"time", "loss"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, 1000.0, *table.Rows[0][0])
	assert.Nil(t, table.LastStep)
}

func TestBuildTableStepAxisSkipsSteplessEvents(t *testing.T) {
	events := []storage.Event{
		ev(1000, step(0), map[string]float64{"loss": 1.0}),
		ev(1500, nil, map[string]float64{"loss": 0.9}),
		ev(2000, step(1), map[string]float64{"loss": 0.5}),
	}

	table, err := BuildTable(events, XStep, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Total)
	assert.Len(t, table.Rows, 2)
}

func TestBuildTableDownsamples(t *testing.T) {
	events := make([]storage.Event, 0, 10000)
	for i := 0; i < 10000; i++ {
		events = append(events, ev(int64(i), step(int64(i)), map[string]float64{"loss": 1 / (1 + float64(i))}))
	}

	table, err := BuildTable(events, XStep, 500)
	require.NoError(t, err)
	assert.Equal(t, 10000, table.Total)
	assert.Equal(t, 500, table.Sampled)
	require.Len(t, table.Rows, 500)
	assert.Equal(t, 0.0, *table.Rows[0][0])
	assert.Equal(t, 9999.0, *table.Rows[499][0])
	require.NotNil(t, table.LastStep)
	assert.Equal(t, int64(9999), *table.LastStep)

	// Steps stay monotonic after downsampling.
	for i := 1; i < len(table.Rows); i++ {
		assert.Greater(t, *table.Rows[i][0], *table.Rows[i-1][0])
	}
}

func TestBuildTableTargetLargerThanTotal(t *testing.T) {
	events := []storage.Event{
		ev(1000, step(0), map[string]float64{"loss": 1.0}),
		ev(2000, step(1), map[string]float64{"loss": 0.5}),
	}
	table, err := BuildTable(events, XStep, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Sampled)
}

func TestBuildTableRejectsUnknownAxis(t *testing.T) {
	_, err := BuildTable(nil, "epoch", 0)
	assert.Error(t, err)
}

func TestBuildTableDuplicateSteps(t *testing.T) {
	// Two events at the same step: the later one wins for shared fields.
	events := []storage.Event{
		ev(1000, step(5), map[string]float64{"loss": 1.0}),
		ev(2000, step(5), map[string]float64{"loss": 0.4, "acc": 0.9}),
	}
	table, err := BuildTable(events, XStep, 0)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, 0.4, *table.Rows[0][2])
	assert.Equal(t, 0.9, *table.Rows[0][1])
}
