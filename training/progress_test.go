package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-trainer/layers"
)

func TestProgressBarLine(t *testing.T) {
	pb := NewProgressBar(&bytes.Buffer{}, "Training   :", 4)
	pb.current = 2
	pb.metrics = map[string]float64{"loss": 0.12346, "accuracy": 0.5}

	line := pb.line(10 * time.Second)
	assert.True(t, strings.HasPrefix(line, "\rTraining   :  50%|"))
	assert.Contains(t, line, "| 2/4 [00:10<00:10, 0.20it/s")
	assert.Contains(t, line, ", accuracy=50.00%, loss=0.1235]")
	assert.Equal(t, 20, strings.Count(line, "█"))
}

func TestProgressBarFinish(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Validation :", 3)
	pb.Update(1, map[string]float64{"loss": 1})
	pb.Finish()

	assert.Contains(t, out.String(), "3/3")
	assert.True(t, strings.HasSuffix(out.String(), "]\n"))
}

func TestProgressBarBeforeFirstStep(t *testing.T) {
	pb := NewProgressBar(&bytes.Buffer{}, "Training   :", 4)
	line := pb.line(0)
	assert.True(t, strings.HasSuffix(line, "| 0/4 [00:00<00:00]"), line)
	assert.NotContains(t, line, "it/s")
}

func TestProgressBarEmptyPhase(t *testing.T) {
	pb := NewProgressBar(&bytes.Buffer{}, "Testing    :", 0)
	assert.Contains(t, pb.line(0), "100%")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "90:00", formatDuration(90*time.Minute))
}

func TestPrintArchitecture(t *testing.T) {
	model, err := layers.NewSimpleCNN(2, 16, 1)
	require.NoError(t, err)

	var out bytes.Buffer
	NewModelArchitecturePrinter("SimpleCNN").PrintArchitecture(&out, model.Spec())

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "SimpleCNN(\n"))
	assert.Contains(t, text, "Conv2d(3, ")
	assert.Contains(t, text, "ReLU()")
	assert.Contains(t, text, "MaxPool2d(kernel_size=2, stride=2)")
	assert.Contains(t, text, "out_features=2, bias=true")
	assert.Contains(t, text, "Total parameters: ")
}
