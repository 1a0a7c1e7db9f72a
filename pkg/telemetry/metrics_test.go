package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkFlushWritesParquet(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Record(StepRecord{Epoch: 0, Step: 1, Loss: 1.5, LearningRate: 1e-3, BatchSize: 8, WorldSize: 1}))
	require.NoError(t, sink.Record(StepRecord{Epoch: 0, Step: 2, Loss: 1.2, LearningRate: 1e-3, BatchSize: 8, WorldSize: 1}))
	require.NoError(t, sink.Close())

	files, err := filepath.Glob(filepath.Join(dir, "train_metrics_*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, err := parquet.ReadFile[StepRecord](files[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].Step)
	assert.Equal(t, 1.5, rows[0].Loss)
	assert.Equal(t, sink.RunID(), rows[0].RunID)
	assert.Equal(t, rows[0].RunID, rows[1].RunID)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
	assert.False(t, rows[0].Timestamp.IsZero())
}

func TestSinkFlushEmptyBufferIsNoOp(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir)
	require.NoError(t, err)
	require.NoError(t, sink.Flush())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewSinkCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "telemetry")
	_, err := NewSink(dir)
	require.NoError(t, err)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
