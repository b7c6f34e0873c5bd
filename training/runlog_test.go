package training

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*RunLogger, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	rl, err := NewRunLogger(fs, "/runs", "run_test")
	require.NoError(t, err)
	rl.SetOutput(nil)
	return rl, fs
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "run_2024-01-02_15-04-05", NewRunID("run", now))
}

func TestRunLoggerRequiresID(t *testing.T) {
	_, err := NewRunLogger(afero.NewMemMapFs(), "/runs", "")
	assert.Error(t, err)
}

func TestRunLoggerCreatesDirectory(t *testing.T) {
	rl, fs := newTestLogger(t)
	ok, err := afero.DirExists(fs, rl.Dir())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/runs", "run_test", "best_checkpoint.json"), rl.GetFilepath("best_checkpoint.json"))
	assert.Equal(t, "run_test", rl.RunID())
}

func TestRunLoggerBestTracking(t *testing.T) {
	rl, _ := newTestLogger(t)
	assert.True(t, math.IsInf(rl.BestAccuracy(), -1))
	assert.Equal(t, -1, rl.BestEpoch())
	assert.False(t, rl.CurrentEpochIsBest())

	rl.Append(0, 0.5, 0.6, 0.4, 0.7)
	assert.True(t, rl.CurrentEpochIsBest())
	assert.Equal(t, 0.7, rl.BestAccuracy())

	rl.Append(1, 0.3, 0.8, 0.35, 0.65)
	assert.False(t, rl.CurrentEpochIsBest())
	assert.Equal(t, 0.7, rl.BestAccuracy())
	assert.Equal(t, 0, rl.BestEpoch())

	// A tie is not an improvement
	rl.Append(2, 0.3, 0.8, 0.35, 0.7)
	assert.False(t, rl.CurrentEpochIsBest())

	rl.Append(3, 0.2, 0.9, 0.3, 0.71)
	assert.True(t, rl.CurrentEpochIsBest())
	assert.Equal(t, 3, rl.BestEpoch())

	records := rl.Records()
	require.Len(t, records, 4)
	assert.Equal(t, []bool{true, false, false, true},
		[]bool{records[0].IsBest, records[1].IsBest, records[2].IsBest, records[3].IsBest})
}

func TestRunLoggerBestNeverDecreases(t *testing.T) {
	rl, _ := newTestLogger(t)
	prev := math.Inf(-1)
	for epoch, acc := range []float64{0.5, 0.4, 0.9, 0.1, 0.95, 0.95} {
		rl.Append(epoch, 0, 0, 0, acc)
		assert.GreaterOrEqual(t, rl.BestAccuracy(), prev)
		prev = rl.BestAccuracy()
	}
	assert.Equal(t, 0.95, rl.BestAccuracy())
	assert.Equal(t, 4, rl.BestEpoch())
}

func TestRunLoggerSaveAndLoad(t *testing.T) {
	rl, fs := newTestLogger(t)

	rl.Append(0, 0.5, 0.6, 0.4, 0.7)
	rl.SetDuration(2 * time.Second)
	rl.Append(1, 0.3, 0.8, 0.35, 0.65)
	rl.SetDuration(4 * time.Second)
	require.NoError(t, rl.Save())

	records, err := LoadRecords(fs, rl.GetFilepath(HistoryFile))
	require.NoError(t, err)
	assert.Equal(t, rl.Records(), records)

	exists, err := afero.Exists(fs, rl.GetFilepath(HistoryFile)+".tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temporary file is renamed away")

	assert.Equal(t, 6*time.Second, rl.TotalDuration())
	assert.Equal(t, 3*time.Second, rl.MeanEpochDuration())
}

func TestRunLoggerSaveEmpty(t *testing.T) {
	rl, fs := newTestLogger(t)
	require.NoError(t, rl.Save())

	data, err := afero.ReadFile(fs, rl.GetFilepath(HistoryFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "epoch,train_loss")
	assert.Equal(t, time.Duration(0), rl.TotalDuration())
}

func TestRunLoggerSaveOverwrites(t *testing.T) {
	rl, fs := newTestLogger(t)
	rl.Append(0, 1, 0, 1, 0.1)
	require.NoError(t, rl.Save())
	rl.Append(1, 1, 0, 1, 0.2)
	require.NoError(t, rl.Save())

	records, err := LoadRecords(fs, rl.GetFilepath(HistoryFile))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunLoggerWriteText(t *testing.T) {
	rl, fs := newTestLogger(t)
	var echo bytes.Buffer
	rl.SetOutput(&echo)

	require.NoError(t, rl.WriteText("first"))
	require.NoError(t, rl.WriteText("second"))

	data, err := afero.ReadFile(fs, rl.GetFilepath(ReportFile))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
	assert.Equal(t, "first\nsecond\n", echo.String())
}

func TestLoadRecordsMissingFile(t *testing.T) {
	_, err := LoadRecords(afero.NewMemMapFs(), "/nope.csv")
	assert.Error(t, err)
}

func TestRunLoggerSavePlots(t *testing.T) {
	rl, fs := newTestLogger(t)
	assert.Error(t, rl.SavePlots(), "nothing to plot yet")

	rl.Append(0, 0.5, 0.6, 0.4, 0.7)
	rl.Append(1, 0.3, 0.8, 0.35, 0.65)
	require.NoError(t, rl.SavePlots())

	for _, name := range []string{LossPlotFile, AccuracyPlotFile} {
		data, err := afero.ReadFile(fs, rl.GetFilepath(name))
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")), name)
	}
}
