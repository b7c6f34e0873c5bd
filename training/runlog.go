package training

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	// HistoryFile is the run log written by Save
	HistoryFile = "history.csv"
	// ReportFile receives the lines passed to WriteText
	ReportFile = "report.txt"
)

// EpochRecord holds the metrics of one epoch
type EpochRecord struct {
	Epoch         int     `csv:"epoch"`
	TrainLoss     float64 `csv:"train_loss"`
	TrainAccuracy float64 `csv:"train_accuracy"`
	ValLoss       float64 `csv:"val_loss"`
	ValAccuracy   float64 `csv:"val_accuracy"`
	Duration      float64 `csv:"duration_seconds"`
	IsBest        bool    `csv:"is_best"`
}

// NewRunID builds a timestamped run identifier such as "run_2024-01-02_15-04-05"
func NewRunID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%s", prefix, now.Format("2006-01-02_15-04-05"))
}

// RunLogger records per-epoch metrics under <rootDir>/<runID>/ and tracks
// the best validation accuracy seen so far.
type RunLogger struct {
	fs      afero.Fs
	rootDir string
	runID   string
	out     io.Writer

	records       []EpochRecord
	bestAccuracy  float64
	bestEpoch     int
	currentIsBest bool
}

// NewRunLogger creates the run directory. A nil fs uses the OS file system.
func NewRunLogger(fs afero.Fs, rootDir, runID string) (*RunLogger, error) {
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	rl := &RunLogger{
		fs:           fs,
		rootDir:      rootDir,
		runID:        runID,
		out:          os.Stdout,
		bestAccuracy: math.Inf(-1),
		bestEpoch:    -1,
	}

	if err := fs.MkdirAll(rl.Dir(), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %s", rl.Dir())
	}
	return rl, nil
}

// SetOutput sets where WriteText echoes its lines. nil silences the echo.
func (rl *RunLogger) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	rl.out = w
}

// RunID returns the run identifier
func (rl *RunLogger) RunID() string {
	return rl.runID
}

// Dir returns the run directory
func (rl *RunLogger) Dir() string {
	return filepath.Join(rl.rootDir, rl.runID)
}

// GetFilepath maps a file name into the run directory
func (rl *RunLogger) GetFilepath(name string) string {
	return filepath.Join(rl.rootDir, rl.runID, name)
}

// Append records an epoch and moves the best marker when valAcc strictly
// exceeds every previous validation accuracy.
func (rl *RunLogger) Append(epoch int, trainLoss, trainAcc, valLoss, valAcc float64) {
	rl.currentIsBest = valAcc > rl.bestAccuracy
	if rl.currentIsBest {
		rl.bestAccuracy = valAcc
		rl.bestEpoch = epoch
	}

	rl.records = append(rl.records, EpochRecord{
		Epoch:         epoch,
		TrainLoss:     trainLoss,
		TrainAccuracy: trainAcc,
		ValLoss:       valLoss,
		ValAccuracy:   valAcc,
		IsBest:        rl.currentIsBest,
	})
}

// SetDuration stamps the most recent record with its epoch duration
func (rl *RunLogger) SetDuration(d time.Duration) {
	if len(rl.records) == 0 {
		return
	}
	rl.records[len(rl.records)-1].Duration = d.Seconds()
}

// CurrentEpochIsBest reports whether the last Append set a new best
func (rl *RunLogger) CurrentEpochIsBest() bool {
	return rl.currentIsBest
}

// BestAccuracy returns the best validation accuracy, -Inf before any Append
func (rl *RunLogger) BestAccuracy() float64 {
	return rl.bestAccuracy
}

// BestEpoch returns the epoch holding the best accuracy, -1 before any Append
func (rl *RunLogger) BestEpoch() int {
	return rl.bestEpoch
}

// Records returns a copy of the epoch log
func (rl *RunLogger) Records() []EpochRecord {
	return append([]EpochRecord(nil), rl.records...)
}

// TotalDuration sums the recorded epoch durations
func (rl *RunLogger) TotalDuration() time.Duration {
	durations := make([]float64, len(rl.records))
	for i, r := range rl.records {
		durations[i] = r.Duration
	}
	total, err := stats.Sum(durations)
	if err != nil {
		return 0
	}
	return time.Duration(total * float64(time.Second))
}

// MeanEpochDuration averages the recorded epoch durations
func (rl *RunLogger) MeanEpochDuration() time.Duration {
	durations := make([]float64, len(rl.records))
	for i, r := range rl.records {
		durations[i] = r.Duration
	}
	mean, err := stats.Mean(durations)
	if err != nil {
		return 0
	}
	return time.Duration(mean * float64(time.Second))
}

// Save rewrites the full epoch log. The file is replaced atomically.
func (rl *RunLogger) Save() error {
	records := rl.records
	if records == nil {
		records = []EpochRecord{}
	}

	data, err := gocsv.MarshalBytes(&records)
	if err != nil {
		return errors.Wrap(err, "failed to encode run log")
	}

	path := rl.GetFilepath(HistoryFile)
	tmp := path + ".tmp"
	if err := afero.WriteFile(rl.fs, tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := rl.fs.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}

// LoadRecords reads a run log written by Save
func LoadRecords(fs afero.Fs, path string) ([]EpochRecord, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var records []EpochRecord
	if err := gocsv.UnmarshalBytes(data, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return records, nil
}

// WriteText appends line to the run report and echoes it
func (rl *RunLogger) WriteText(line string) error {
	path := rl.GetFilepath(ReportFile)
	f, err := rl.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}

	if _, err := io.WriteString(f, line+"\n"); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}

	fmt.Fprintln(rl.out, line)
	return nil
}
