package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
	"github.com/tsawler/go-trainer/training"
	"github.com/tsawler/go-trainer/vision/dataloader"
	"github.com/tsawler/go-trainer/vision/dataset"
)

type args struct {
	Checkpoint string `arg:"positional,required" help:"checkpoint written by the train command"`
	Data       string `arg:"--data" help:"split directory with one folder per class"`
	BatchSize  int    `arg:"--batch-size"`
	Loss       string `arg:"--loss" help:"bce or cross_entropy"`
	Activation string `arg:"--activation" help:"softmax or sigmoid"`
	Workers    int    `arg:"--workers"`
}

func (args) Description() string {
	return "Evaluates a saved checkpoint on an ImageFolder-style split and prints the classification report."
}

func main() {
	defaults := training.DefaultConfig()
	a := args{
		Data:       filepath.Join(defaults.DataRoot, "test"),
		BatchSize:  defaults.BatchSize,
		Loss:       defaults.Loss,
		Activation: defaults.Activation,
		Workers:    runtime.NumCPU(),
	}
	arg.MustParse(&a)

	if err := evaluate(a); err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}
}

func evaluate(a args) error {
	format := checkpoints.FormatJSON
	if filepath.Ext(a.Checkpoint) == checkpoints.FormatProto.Extension() {
		format = checkpoints.FormatProto
	}
	checkpoint, err := checkpoints.NewCheckpointSaver(format, nil).LoadCheckpoint(a.Checkpoint)
	if err != nil {
		return err
	}
	if checkpoint.ModelSpec == nil {
		return errors.Errorf("%s has no model architecture", a.Checkpoint)
	}

	model, err := layers.NewSequential(checkpoint.ModelSpec, 0)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, model.Parameters()); err != nil {
		return err
	}
	model.SetTraining(false)

	fmt.Printf("Run %s, epoch %d, validation accuracy %.4f\n",
		checkpoint.Metadata.RunID, checkpoint.TrainingState.Epoch, checkpoint.TrainingState.BestAccuracy)
	training.NewModelArchitecturePrinter("SimpleCNN").PrintArchitecture(os.Stdout, checkpoint.ModelSpec)

	ds, err := dataset.NewImageFolderDataset(a.Data, nil)
	if err != nil {
		return err
	}
	fmt.Println(ds)

	inputShape := model.InputShape()
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  a.BatchSize,
		ImageSize:  inputShape[len(inputShape)-1],
		NumWorkers: a.Workers,
	})
	if err != nil {
		return err
	}

	loss, err := training.NewLoss(a.Loss)
	if err != nil {
		return err
	}
	activation, err := training.NewActivation(a.Activation)
	if err != nil {
		return err
	}
	acc := training.NewAccumulator(ds.NumClasses(), loss, activation)
	if len(checkpoint.Metadata.Tags) == ds.NumClasses() {
		acc.SetClassNames(checkpoint.Metadata.Tags)
	} else {
		acc.SetClassNames(ds.ClassNames())
	}

	bar := training.NewProgressBar(os.Stdout, "Evaluating :", loader.NumBatches())
	for step := 1; ; step++ {
		batch, err := loader.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		output, err := model.Forward(batch.Images)
		if err != nil {
			return err
		}
		batchLoss, _, err := acc.Compute(output, batch.Labels)
		if err != nil {
			return err
		}
		bar.Update(step, map[string]float64{"loss": batchLoss})
	}
	bar.Finish()

	avgLoss, err := acc.AverageLoss()
	if err != nil {
		return err
	}
	avgAcc, err := acc.AverageAccuracy()
	if err != nil {
		return err
	}

	evaluated, total := loader.Progress()
	predicted, labels := acc.Predictions()
	wrong := 0
	for i := range predicted {
		if predicted[i] != labels[i] {
			wrong++
		}
	}

	fmt.Printf("Images   : %d of %d\n", evaluated, total)
	fmt.Printf("Wrong    : %d\n", wrong)
	fmt.Printf("Loss     : %v\n", avgLoss)
	fmt.Printf("Accuracy : %v\n", avgAcc)
	fmt.Println(acc.Report())
	fmt.Println(acc.Confusion())
	return nil
}
