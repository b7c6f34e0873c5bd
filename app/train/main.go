package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/training"
	"github.com/tsawler/go-trainer/vision/dataloader"
	"github.com/tsawler/go-trainer/vision/dataset"
	"github.com/tsawler/go-trainer/vision/preprocessing"
)

type args struct {
	Epochs           int      `arg:"--epochs" help:"number of training epochs"`
	BatchSize        int      `arg:"--batch-size" help:"train and validation batch size"`
	TestBatchSize    int      `arg:"--test-batch-size" help:"test batch size"`
	LearningRate     float64  `arg:"--lr" help:"base learning rate"`
	Optimizer        string   `arg:"--optimizer" help:"adam, sgd or rmsprop"`
	Scheduler        string   `arg:"--scheduler" help:"constant, step, cosine or plateau"`
	Seed             int64    `arg:"--seed" help:"seed for weights, shuffling and augmentation"`
	DataRoot         string   `arg:"--data" help:"directory holding train/, val/ and test/"`
	OutputDir        string   `arg:"--out" help:"root directory for run outputs"`
	RunPrefix        string   `arg:"--prefix" help:"prefix of the run directory name"`
	ImageSize        int      `arg:"--image-size" help:"square input size in pixels"`
	Loss             string   `arg:"--loss" help:"bce or cross_entropy"`
	Activation       string   `arg:"--activation" help:"softmax or sigmoid"`
	CheckpointFormat string   `arg:"--format" help:"checkpoint format: json or proto"`
	Augment          []string `arg:"--augment" help:"train augmentations: hflip, vflip"`
	CacheSize        int      `arg:"--cache" help:"decoded images cached per split, 0 disables"`
	Workers          int      `arg:"--workers" help:"parallel image decoders"`
	Prefetch         int      `arg:"--prefetch" help:"batches decoded ahead of compute, 0 loads synchronously"`
	Limit            int      `arg:"--limit" help:"use at most this many samples per split, 0 for all"`
}

func (args) Description() string {
	return "Trains an image classifier on an ImageFolder-style dataset, keeping the best validation checkpoint and reporting on the test split."
}

func main() {
	defaults := training.DefaultConfig()
	a := args{
		Epochs:           defaults.Epochs,
		BatchSize:        defaults.BatchSize,
		TestBatchSize:    defaults.TestBatchSize,
		LearningRate:     defaults.LearningRate,
		Optimizer:        defaults.Optimizer,
		Scheduler:        defaults.Scheduler,
		Seed:             defaults.Seed,
		DataRoot:         defaults.DataRoot,
		OutputDir:        defaults.OutputDir,
		RunPrefix:        defaults.RunPrefix,
		ImageSize:        defaults.ImageSize,
		Loss:             defaults.Loss,
		Activation:       defaults.Activation,
		CheckpointFormat: defaults.CheckpointFormat,
		CacheSize:        defaults.CacheSize,
		Workers:          runtime.NumCPU(),
		Prefetch:         2,
	}
	arg.MustParse(&a)

	config := training.Config{
		Epochs:           a.Epochs,
		BatchSize:        a.BatchSize,
		TestBatchSize:    a.TestBatchSize,
		LearningRate:     a.LearningRate,
		Optimizer:        a.Optimizer,
		Scheduler:        a.Scheduler,
		Seed:             a.Seed,
		DataRoot:         a.DataRoot,
		OutputDir:        a.OutputDir,
		RunPrefix:        a.RunPrefix,
		ImageSize:        a.ImageSize,
		NumClasses:       defaults.NumClasses,
		Loss:             a.Loss,
		Activation:       a.Activation,
		CheckpointFormat: a.CheckpointFormat,
		Augment:          a.Augment,
		CacheSize:        a.CacheSize,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, config, a); err != nil {
		log.Fatalf("Training failed: %v", err)
	}
}

func run(ctx context.Context, config training.Config, a args) error {
	workers, limit := a.Workers, a.Limit
	splits := map[string]*dataset.ImageFolderDataset{}
	for _, split := range []string{"train", "val", "test"} {
		ds, err := dataset.NewImageFolderDataset(filepath.Join(config.DataRoot, split), nil)
		if err != nil {
			return errors.Wrapf(err, "failed to load %s split", split)
		}
		if limit > 0 && ds.Len() > limit {
			ds = ds.Subset(spread(ds.Len(), limit))
		}
		fmt.Println(ds)
		splits[split] = ds
	}

	train := splits["train"]
	if !train.SameClasses(splits["val"]) || !train.SameClasses(splits["test"]) {
		return errors.New("train, val and test splits must have the same class folders")
	}
	config.NumClasses = train.NumClasses()
	if err := config.Validate(); err != nil {
		return err
	}

	augment, err := preprocessing.ParseTransforms(config.Augment)
	if err != nil {
		return err
	}

	trainLoader, err := dataloader.NewDataLoader(train, dataloader.Config{
		BatchSize:  config.BatchSize,
		Shuffle:    true,
		CacheSize:  config.CacheSize,
		ImageSize:  config.ImageSize,
		NumWorkers: workers,
		Seed:       config.Seed,
		Transforms: augment,
	})
	if err != nil {
		return err
	}
	valLoader, err := dataloader.NewDataLoader(splits["val"], dataloader.Config{
		BatchSize:  config.BatchSize,
		Shuffle:    true,
		CacheSize:  config.CacheSize,
		ImageSize:  config.ImageSize,
		NumWorkers: workers,
		Seed:       config.Seed + 1,
	})
	if err != nil {
		return err
	}
	testLoader, err := dataloader.NewDataLoader(splits["test"], dataloader.Config{
		BatchSize:  config.TestBatchSize,
		ImageSize:  config.ImageSize,
		NumWorkers: workers,
	})
	if err != nil {
		return err
	}

	model, err := layers.NewSimpleCNN(config.NumClasses, config.ImageSize, config.Seed)
	if err != nil {
		return err
	}
	opt, err := optimizer.New(config.Optimizer, model.Parameters(), config.LearningRate)
	if err != nil {
		return err
	}

	logger, err := training.NewRunLogger(nil, config.OutputDir, training.NewRunID(config.RunPrefix, time.Now()))
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(config.CheckpointFormat)
	if err != nil {
		return err
	}
	saver := checkpoints.NewCheckpointSaver(format, nil)

	trainer, err := training.NewTrainer(config, model, opt, training.Loaders{
		Train: trainLoader,
		Val:   valLoader,
		Test:  testLoader,
	}, logger, saver)
	if err != nil {
		return err
	}
	trainer.SetClassNames(train.ClassNames())
	trainer.SetPrefetchDepth(a.Prefetch)

	training.NewModelArchitecturePrinter("SimpleCNN").PrintArchitecture(os.Stdout, model.Spec())
	fmt.Println()

	result, err := trainer.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Best epoch %d, validation accuracy %.4f\n", result.BestEpoch, result.BestAccuracy)
	fmt.Println("Checkpoint:", result.CheckpointPath)
	return nil
}

// spread picks n indices evenly across [0, total) so every class folder is sampled
func spread(total, n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i * total / n
	}
	return indices
}
