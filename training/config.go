package training

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
)

// Config holds every setting of a training run
type Config struct {
	Epochs        int
	BatchSize     int
	TestBatchSize int
	LearningRate  float64
	Optimizer     string // "adam", "sgd", "rmsprop"
	Scheduler     string // "constant", "step", "cosine", "plateau"
	Seed          int64

	DataRoot  string // holds train/, val/ and test/
	OutputDir string
	RunPrefix string

	ImageSize  int
	NumClasses int
	Loss       string // "bce" or "cross_entropy"
	Activation string // "softmax" or "sigmoid"

	CheckpointFormat string   // "json" or "proto"
	Augment          []string // train split only: "hflip", "vflip"
	CacheSize        int      // decoded images kept per split, 0 disables caching
}

// DefaultConfig returns the configuration of the reference experiment
func DefaultConfig() Config {
	return Config{
		Epochs:           64,
		BatchSize:        32,
		TestBatchSize:    1,
		LearningRate:     1e-5,
		Optimizer:        "adam",
		Scheduler:        "constant",
		Seed:             424242,
		DataRoot:         "./chest_xray",
		OutputDir:        "./runs",
		RunPrefix:        "run",
		ImageSize:        64,
		NumClasses:       2,
		Loss:             "bce",
		Activation:       "softmax",
		CheckpointFormat: "json",
		CacheSize:        512,
	}
}

// Validate validates trainer configuration
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TestBatchSize <= 0 {
		return errors.Errorf("test batch size must be positive, got %d", c.TestBatchSize)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.NumClasses < 2 {
		return errors.Errorf("need at least 2 classes, got %d", c.NumClasses)
	}
	if c.ImageSize <= 0 || c.ImageSize%4 != 0 {
		return errors.Errorf("image size must be a positive multiple of 4, got %d", c.ImageSize)
	}
	if c.DataRoot == "" {
		return errors.New("data root must be set")
	}
	if c.OutputDir == "" {
		return errors.New("output directory must be set")
	}
	if c.CacheSize < 0 {
		return errors.Errorf("cache size must be non-negative, got %d", c.CacheSize)
	}
	if _, err := NewLoss(c.Loss); err != nil {
		return err
	}
	if _, err := NewActivation(c.Activation); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	if _, err := NewScheduler(c.Scheduler, c.Epochs); err != nil {
		return err
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd", "rmsprop":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	return nil
}
