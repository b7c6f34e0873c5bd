package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
	"github.com/tsawler/go-trainer/vision/dataloader"
)

// BestCheckpointName is the base name of the best-checkpoint file
const BestCheckpointName = "best_checkpoint"

// BatchLoader yields the batches of one split
type BatchLoader interface {
	Reset()
	NextBatch() (*dataloader.Batch, error)
	NumBatches() int
}

// Loaders holds the loader of every split
type Loaders struct {
	Train BatchLoader
	Val   BatchLoader
	Test  BatchLoader
}

// Result summarizes a finished run
type Result struct {
	BestEpoch      int
	BestAccuracy   float64
	TestLoss       float64
	TestAccuracy   float64
	TotalTime      time.Duration
	CheckpointPath string
	Report         string
	Confusion      string
}

type phase int

const (
	phaseTrain phase = iota
	phaseEval
	phaseTest
)

func (p phase) String() string {
	switch p {
	case phaseTrain:
		return "train"
	case phaseEval:
		return "validation"
	default:
		return "test"
	}
}

// Trainer drives the epoch loop: a train and an evaluation phase per epoch,
// a checkpoint on every new best validation accuracy and a final test phase
// on the best checkpoint.
type Trainer struct {
	config      Config
	model       layers.Model
	optimizer   optimizer.Optimizer
	loaders     Loaders
	logger      *RunLogger
	saver       *checkpoints.CheckpointSaver
	accumulator *Accumulator
	scheduler   LRScheduler

	out           io.Writer // run narration and progress bars
	log           *log.Logger
	prefetchDepth int
	classNames    []string
}

// NewTrainer wires a run together. The configuration is validated here.
func NewTrainer(
	config Config,
	model layers.Model,
	opt optimizer.Optimizer,
	loaders Loaders,
	logger *RunLogger,
	saver *checkpoints.CheckpointSaver,
) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if model == nil || opt == nil || logger == nil || saver == nil {
		return nil, errors.New("model, optimizer, run logger and checkpoint saver are required")
	}
	if loaders.Train == nil || loaders.Val == nil || loaders.Test == nil {
		return nil, errors.New("train, validation and test loaders are required")
	}

	loss, err := NewLoss(config.Loss)
	if err != nil {
		return nil, err
	}
	activation, err := NewActivation(config.Activation)
	if err != nil {
		return nil, err
	}
	scheduler, err := NewScheduler(config.Scheduler, config.Epochs)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		config:        config,
		model:         model,
		optimizer:     opt,
		loaders:       loaders,
		logger:        logger,
		saver:         saver,
		accumulator:   NewAccumulator(config.NumClasses, loss, activation),
		scheduler:     scheduler,
		out:           os.Stdout,
		log:           log.New(os.Stderr, "", log.LstdFlags),
		prefetchDepth: 2,
	}, nil
}

// SetOutput redirects narration and progress bars. nil silences them.
func (t *Trainer) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	t.out = w
}

// SetLogger replaces the diagnostic logger
func (t *Trainer) SetLogger(l *log.Logger) {
	t.log = l
}

// SetPrefetchDepth sets how many batches are decoded ahead of compute.
// 0 decodes each batch only when the previous one has been consumed.
func (t *Trainer) SetPrefetchDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	t.prefetchDepth = depth
}

// SetClassNames labels the final report and is stored in checkpoint metadata
func (t *Trainer) SetClassNames(names []string) {
	t.classNames = append([]string(nil), names...)
	t.accumulator.SetClassNames(names)
}

// CheckpointPath is where the best checkpoint of this run lives
func (t *Trainer) CheckpointPath() string {
	return t.logger.GetFilepath(BestCheckpointName + t.saver.Format().Extension())
}

// Run executes every epoch and the final test phase. Any error aborts the run.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	fmt.Fprintln(t.out, "| Model Training")
	fmt.Fprintln(t.out, "| Total Epoch :", t.config.Epochs)
	fmt.Fprintln(t.out, "| Batch Size  :", t.config.BatchSize)
	fmt.Fprintln(t.out, "| Device      :", tensor.CPU)
	fmt.Fprintln(t.out, "| Run         :", t.logger.Dir())

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		fmt.Fprintln(t.out, "Epoch :", epoch)
		start := time.Now()

		lr := t.scheduler.LR(epoch, t.config.LearningRate)
		if lr != t.optimizer.LearningRate() {
			t.optimizer.UpdateLearningRate(lr)
			t.log.Printf("%s: learning rate %g", t.scheduler.Name(), lr)
		}

		trainLoss, trainAcc, err := t.runPhase(ctx, phaseTrain, t.loaders.Train, "Training   :")
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}
		valLoss, valAcc, err := t.runPhase(ctx, phaseEval, t.loaders.Val, "Validation :")
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}

		t.logger.Append(epoch, trainLoss, trainAcc, valLoss, valAcc)
		t.scheduler.Observe(valAcc)
		if t.logger.CurrentEpochIsBest() {
			fmt.Fprintln(t.out, "> Latest Best Epoch :", t.logger.BestAccuracy())
			if err := t.saveCheckpoint(epoch, valLoss); err != nil {
				return nil, errors.Wrapf(err, "epoch %d", epoch)
			}
		}

		epochTime := time.Since(start)
		t.logger.SetDuration(epochTime)
		if err := t.logger.Save(); err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}

		fmt.Fprintf(t.out, "Epoch %d Time : %.2f\n", epoch, epochTime.Seconds())
		fmt.Fprintf(t.out, "Total Training Time : %.2f\n\n", t.logger.TotalDuration().Seconds())
	}

	if err := t.logger.SavePlots(); err != nil {
		return nil, err
	}

	fmt.Fprintln(t.out, "| Training Complete, Loading Best Checkpoint")
	t.releaseCaches()
	if err := t.loadBestCheckpoint(); err != nil {
		return nil, err
	}

	testLoss, testAcc, err := t.runPhase(ctx, phaseTest, t.loaders.Test, "Testing    :")
	if err != nil {
		return nil, err
	}

	result := &Result{
		BestEpoch:      t.logger.BestEpoch(),
		BestAccuracy:   t.logger.BestAccuracy(),
		TestLoss:       testLoss,
		TestAccuracy:   testAcc,
		TotalTime:      t.logger.TotalDuration(),
		CheckpointPath: t.CheckpointPath(),
		Report:         t.accumulator.Report(),
		Confusion:      t.accumulator.Confusion(),
	}

	if err := t.writeSummary(result); err != nil {
		return nil, err
	}
	return result, nil
}

// PrepareBatch validates a batch against the model input and returns the
// tensor the model consumes. Flat [n, features] images are reshaped.
func (t *Trainer) PrepareBatch(batch *dataloader.Batch) (*tensor.Tensor, error) {
	if batch == nil || batch.Images == nil || batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}

	images := batch.Images
	n := images.Shape[0]
	if n != len(batch.Labels) {
		return nil, errors.Wrapf(ErrBatchMismatch, "%d images, %d labels", n, len(batch.Labels))
	}

	want := t.model.InputShape()
	if tensor.SameShape(images.Shape[1:], want[1:]) {
		return images, nil
	}

	shape := append([]int{n}, want[1:]...)
	x, err := images.Reshape(shape...)
	if err != nil {
		return nil, errors.Wrapf(err, "batch shape %v does not fit model input [N %v]", images.Shape, want[1:])
	}
	return x, nil
}

// runPhase resets the accumulator, runs every batch of loader through the
// model and returns the phase averages. Only the train phase updates weights.
func (t *Trainer) runPhase(ctx context.Context, ph phase, loader BatchLoader, desc string) (float64, float64, error) {
	t.model.SetTraining(ph == phaseTrain)
	t.accumulator.Reset()
	loader.Reset()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bar := NewProgressBar(t.out, desc, loader.NumBatches())
	step := 0
	for res := range dataloader.Prefetch(ctx, loader, t.prefetchDepth) {
		if res.Err != nil {
			return 0, 0, errors.Wrapf(res.Err, "%s batch %d", ph, step)
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		loss, err := t.step(ph, res.Batch)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "%s batch %d", ph, step)
		}

		step++
		bar.Update(step, map[string]float64{"loss": loss})
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	bar.Finish()

	avgLoss, err := t.accumulator.AverageLoss()
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%s phase", ph)
	}
	avgAcc, err := t.accumulator.AverageAccuracy()
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%s phase", ph)
	}
	return avgLoss, avgAcc, nil
}

// step runs one batch: forward and metrics always, backward and the
// optimizer update in the train phase only.
func (t *Trainer) step(ph phase, batch *dataloader.Batch) (float64, error) {
	x, err := t.PrepareBatch(batch)
	if err != nil {
		return 0, err
	}

	output, err := t.model.Forward(x)
	if err != nil {
		return 0, err
	}

	loss, grad, err := t.accumulator.Compute(output, batch.Labels)
	if err != nil {
		return 0, err
	}

	if ph != phaseTrain {
		return loss, nil
	}

	if err := t.model.Backward(grad); err != nil {
		return 0, err
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	t.optimizer.ZeroGrad()
	return loss, nil
}

// saveCheckpoint persists model and optimizer state, replacing the previous best
func (t *Trainer) saveCheckpoint(epoch int, valLoss float64) error {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return errors.Wrap(err, "failed to read optimizer state")
	}

	steps := int(t.optimizer.GetStepCount())
	checkpoint := &checkpoints.Checkpoint{
		ModelSpec: t.model.Spec(),
		Weights:   checkpoints.ExtractWeights(t.model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         steps,
			LearningRate: t.optimizer.LearningRate(),
			BestLoss:     valLoss,
			BestAccuracy: t.logger.BestAccuracy(),
			TotalSteps:   steps,
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.logger.RunID(),
			Description: fmt.Sprintf("best validation accuracy at epoch %d", epoch),
			Tags:        t.classNames,
		},
	}

	path := t.CheckpointPath()
	if err := t.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return errors.Wrapf(err, "failed to save %s", path)
	}
	t.log.Printf("saved checkpoint for epoch %d to %s", epoch, path)
	return nil
}

// loadBestCheckpoint replaces the live weights with the best checkpoint
func (t *Trainer) loadBestCheckpoint() error {
	path := t.CheckpointPath()
	checkpoint, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return errors.Wrapf(err, "failed to load best checkpoint %s", path)
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, t.model.Parameters()); err != nil {
		return errors.Wrapf(err, "failed to restore weights from %s", path)
	}
	t.log.Printf("restored weights of epoch %d (validation accuracy %.4f)",
		checkpoint.TrainingState.Epoch, checkpoint.TrainingState.BestAccuracy)
	return nil
}

// cachedLoader is a BatchLoader that keeps decoded images in memory
type cachedLoader interface {
	Stats() dataloader.CacheStats
	ClearCache()
}

// releaseCaches logs and drops the train and validation image caches,
// neither split is read again once training ends.
func (t *Trainer) releaseCaches() {
	splits := []struct {
		ph     phase
		loader BatchLoader
	}{
		{phaseTrain, t.loaders.Train},
		{phaseEval, t.loaders.Val},
	}
	for _, split := range splits {
		if c, ok := split.loader.(cachedLoader); ok {
			t.log.Printf("%s %s", split.ph, c.Stats())
			c.ClearCache()
		}
	}
}

// writeSummary writes the final test report to the run's report file
func (t *Trainer) writeSummary(result *Result) error {
	lines := []string{
		fmt.Sprintf("# Final Testing Loss     : %v", result.TestLoss),
		fmt.Sprintf("# Final Testing Accuracy : %v", result.TestAccuracy),
		fmt.Sprintf("# Total Training Time    : %.2f seconds", result.TotalTime.Seconds()),
		fmt.Sprintf("# Mean Epoch Time        : %.2f seconds", t.logger.MeanEpochDuration().Seconds()),
		fmt.Sprintf("# Best Epoch             : %d (validation accuracy %v)", result.BestEpoch, result.BestAccuracy),
		"# Report :",
		result.Report,
		"# Confusion Matrix :",
		result.Confusion,
	}
	for _, line := range lines {
		if err := t.logger.WriteText(line); err != nil {
			return err
		}
	}
	return nil
}
