package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/async"
	"github.com/tsawler/go-rhythm/checkpoints"
	"github.com/tsawler/go-rhythm/dataset"
	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/tensor"
)

// ModelFactory builds a freshly initialised regressor for a fold.
type ModelFactory func(fold int) (layers.Regressor, error)

// RunnerConfig holds everything one cross-validation run needs.
type RunnerConfig struct {
	Clip dataset.ClipConfig

	Workers  int
	Prefetch int
	Shuffle  bool
	Seed     int64

	Epochs           int
	ValidationEpochs int
	LearningRate     float64
	Lambda           float64
	Optimizer        string
	Scheduler        string
	Folds            []int // empty means every fold in the fold table

	CheckpointDir    string
	CheckpointFormat checkpoints.CheckpointFormat
	Device           tensor.Device
	RunID            string

	// Progress receives per-epoch progress bars; nil disables them.
	Progress io.Writer
}

// Validate checks the configuration.
func (c RunnerConfig) Validate() error {
	switch {
	case c.Clip.ClipLen <= 0:
		return errors.Wrapf(ErrConfig, "clip length must be positive, got %d", c.Clip.ClipLen)
	case c.Epochs < 0:
		return errors.Wrapf(ErrConfig, "epochs must not be negative, got %d", c.Epochs)
	case c.ValidationEpochs < 0:
		return errors.Wrapf(ErrConfig, "validation epochs must not be negative, got %d", c.ValidationEpochs)
	case c.LearningRate <= 0 || math.IsInf(c.LearningRate, 0) || math.IsNaN(c.LearningRate):
		return errors.Wrapf(ErrConfig, "learning rate must be positive, got %v", c.LearningRate)
	case c.Lambda < 0 || math.IsNaN(c.Lambda) || math.IsInf(c.Lambda, 0):
		return errors.Wrapf(ErrConfig, "smoothness weight must be a non-negative number, got %v", c.Lambda)
	case c.CheckpointDir == "":
		return errors.Wrap(ErrConfig, "checkpoint directory is required")
	}
	if _, err := NewScheduler(c.Scheduler, c.Epochs); err != nil {
		return err
	}
	return nil
}

// Runner drives training and validation over the folds of a fold table.
// Each fold gets a fresh model, optimizer and checkpoint file.
type Runner struct {
	config   RunnerConfig
	folds    *dataset.FoldTable
	factory  ModelFactory
	reporter Reporter
	loss     LossFunction
	logger   *slog.Logger
}

// NewRunner creates a runner. A nil reporter discards metrics; a nil logger
// uses slog.Default().
func NewRunner(cfg RunnerConfig, folds *dataset.FoldTable, factory ModelFactory, reporter Reporter, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if folds == nil {
		return nil, errors.Wrap(ErrConfig, "fold table is required")
	}
	if factory == nil {
		return nil, errors.Wrap(ErrConfig, "model factory is required")
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	known := make(map[int]bool)
	for _, f := range folds.Folds() {
		known[f] = true
	}
	for _, f := range cfg.Folds {
		if !known[f] {
			return nil, errors.Wrapf(ErrConfig, "fold %d is not in the fold table", f)
		}
	}

	return &Runner{
		config:   cfg,
		folds:    folds,
		factory:  factory,
		reporter: reporter,
		loss:     NewRhythmLoss(cfg.Lambda),
		logger:   logger,
	}, nil
}

// Run trains and validates every selected fold in turn, then flushes the
// reporter. Results for completed folds are returned even on error.
func (r *Runner) Run(ctx context.Context) ([]FoldResult, error) {
	folds := r.config.Folds
	if len(folds) == 0 {
		folds = r.folds.Folds()
	}

	results := make([]FoldResult, 0, len(folds))
	for _, fold := range folds {
		res, err := r.RunFold(ctx, fold)
		if err != nil {
			return results, errors.WithMessagef(err, "fold %d", fold)
		}
		results = append(results, res)
	}

	if err := r.reporter.Flush(); err != nil {
		return results, errors.Wrap(err, "flush reporter")
	}
	return results, nil
}

// RunFold runs one fold: resume from its checkpoint if present, train the
// remaining epochs, then validate.
func (r *Runner) RunFold(ctx context.Context, fold int) (FoldResult, error) {
	result := FoldResult{Fold: fold}
	log := r.logger.With("fold", fold)

	trainVideos, valVideos, err := r.folds.Split(fold)
	if err != nil {
		return result, classify(ErrConfig, err)
	}
	trainSet, err := dataset.NewClipDataset(trainVideos, r.config.Clip)
	if err != nil {
		return result, classify(ErrConfig, err)
	}
	valSet, err := dataset.NewClipDataset(valVideos, r.config.Clip)
	if err != nil {
		return result, classify(ErrConfig, err)
	}
	for _, set := range []*dataset.ClipDataset{trainSet, valSet} {
		if err := set.CheckArtifacts(); err != nil {
			return result, classify(ErrConfig, err)
		}
	}

	model, err := r.factory(fold)
	if err != nil {
		return result, errors.WithMessage(err, "build model")
	}
	opt, err := NewOptimizer(r.config.Optimizer, model.Parameters(), model.ParameterNames(), r.config.LearningRate)
	if err != nil {
		return result, err
	}

	ckpt := NewCheckpointer(r.config.CheckpointDir, fold, r.config.CheckpointFormat, r.config.Device, r.config.RunID)
	best, lastEpoch, found, err := ckpt.LoadIfPresent(model, opt)
	if err != nil {
		return result, err
	}
	result.Resumed = found
	result.StartEpoch = 1

	sched, err := NewScheduler(r.config.Scheduler, r.config.Epochs)
	if err != nil {
		return result, err
	}
	if found {
		result.StartEpoch = lastEpoch + 1
		if p, ok := sched.(*ReduceLROnPlateauScheduler); ok {
			p.Resume(opt.GetLR(), r.config.LearningRate)
		}
		log.Info("resuming from checkpoint", "path", ckpt.Path(), "epoch", lastEpoch, "best_loss", best.String())
	}

	log.Info("fold started",
		"model", model.Name(),
		"scheduler", sched.Name(),
		"train_videos", trainSet.Len(),
		"validation_videos", valSet.Len(),
		"device", r.config.Device.String(),
	)

	trainLoader, err := async.NewVideoLoader(trainSet, async.VideoLoaderConfig{
		Workers:  r.config.Workers,
		Prefetch: r.config.Prefetch,
		Shuffle:  r.config.Shuffle,
		Seed:     r.config.Seed + int64(fold),
		Logger:   log,
	})
	if err != nil {
		return result, classify(ErrConfig, err)
	}
	// Replay the permutations of completed epochs so a resumed run sees
	// the same order an uninterrupted one would.
	for e := 1; e < result.StartEpoch; e++ {
		trainLoader.Schedule()
	}

	for epoch := result.StartEpoch; epoch <= r.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		lr := sched.LearningRate(epoch, r.config.LearningRate)
		opt.SetLR(lr)
		if err := r.reporter.LogScalar(TagLearningRate, fold, epoch, lr); err != nil {
			return result, errors.Wrap(err, "report learning rate")
		}

		stats, err := r.trainEpoch(ctx, fold, epoch, model, opt, trainLoader)
		if err != nil {
			return result, err
		}
		result.Train = append(result.Train, stats)

		if err := r.reportTrain(stats); err != nil {
			return result, err
		}
		if !stats.HasMean {
			log.Warn("every video was skipped; epoch has no loss", "epoch", epoch, "skipped", stats.Skipped)
			continue
		}
		sched.Observe(stats.MeanLoss)
		if best.Observe(stats.MeanLoss) {
			if err := ckpt.Save(model, opt, best, epoch); err != nil {
				return result, err
			}
			result.SavedEpochs = append(result.SavedEpochs, epoch)
			log.Info("checkpoint saved", "epoch", epoch, "loss", stats.MeanLoss, "path", ckpt.Path())
		}
	}
	result.BestLoss = best

	valLoader, err := async.NewVideoLoader(valSet, async.VideoLoaderConfig{
		Workers:  r.config.Workers,
		Prefetch: r.config.Prefetch,
		Logger:   log,
	})
	if err != nil {
		return result, classify(ErrConfig, err)
	}
	for epoch := 1; epoch <= r.config.ValidationEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		stats, err := r.validationEpoch(ctx, fold, epoch, model, valLoader)
		if err != nil {
			return result, err
		}
		result.Validation = append(result.Validation, stats)

		if stats.HasMean {
			if err := r.reporter.LogScalar(TagValidationLoss, fold, epoch, stats.MeanLoss); err != nil {
				return result, errors.Wrap(err, "report validation loss")
			}
		}
		if err := r.reporter.LogAgreement(fold, epoch, stats.Pairs); err != nil {
			return result, errors.Wrap(err, "report agreement")
		}
		log.Info("validation epoch done", "epoch", epoch, "loss", stats.MeanLoss, "pairs", len(stats.Pairs))
	}

	log.Info("fold done", "best_loss", best.String(), "saved_epochs", result.SavedEpochs)
	return result, nil
}

func (r *Runner) trainEpoch(ctx context.Context, fold, epoch int, model layers.Regressor, opt Optimizer, loader *async.VideoLoader) (EpochStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := EpochStats{Fold: fold, Epoch: epoch, Phase: PhaseTrain}
	start := time.Now()
	bar := r.progressBar("train", fold, epoch, loader.Len())

	var sum, accSum, smoothSum float64
	for res := range loader.Iterate(ctx) {
		if res.Err != nil {
			return stats, res.Err
		}
		sample := res.Sample

		opt.ZeroGrad()
		pred, err := model.Forward(sample.Clips)
		if err != nil {
			return stats, errors.WithMessagef(err, "forward %s", sample.ID)
		}
		terms, err := r.loss.Forward(pred, sample.Targets)
		if errors.Is(err, ErrNonFiniteLoss) {
			stats.Skipped++
			r.logger.Warn("skipping video with non-finite loss", "fold", fold, "epoch", epoch, "video", sample.ID, "error", err)
			continue
		}
		if err != nil {
			return stats, errors.WithMessagef(err, "loss %s", sample.ID)
		}
		grad, err := r.loss.Backward(pred, sample.Targets)
		if err != nil {
			return stats, errors.WithMessagef(err, "loss gradient %s", sample.ID)
		}
		if err := model.Backward(grad); err != nil {
			return stats, errors.WithMessagef(err, "backward %s", sample.ID)
		}
		if err := opt.Step(); err != nil {
			return stats, errors.WithMessage(err, "optimizer step")
		}

		stats.Videos++
		sum += terms.Total
		accSum += terms.Accuracy
		smoothSum += terms.Smoothness
		if bar != nil {
			bar.Update(stats.Videos+stats.Skipped, map[string]float64{"loss": sum / float64(stats.Videos)})
		}
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if bar != nil {
		bar.Finish()
	}

	stats.Duration = time.Since(start)
	if stats.Videos > 0 {
		n := float64(stats.Videos)
		stats.MeanLoss, stats.MeanAccuracy, stats.MeanSmoothness = sum/n, accSum/n, smoothSum/n
		stats.HasMean = true
	}
	r.logger.Debug("training epoch done", "fold", fold, "epoch", epoch,
		"loss", stats.MeanLoss, "videos", stats.Videos, "skipped", stats.Skipped, "duration", stats.Duration)
	return stats, nil
}

func (r *Runner) validationEpoch(ctx context.Context, fold, epoch int, model layers.Regressor, loader *async.VideoLoader) (EpochStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := EpochStats{Fold: fold, Epoch: epoch, Phase: PhaseValidation}
	start := time.Now()
	bar := r.progressBar("validation", fold, epoch, loader.Len())

	var sum, accSum, smoothSum float64
	for res := range loader.Iterate(ctx) {
		if res.Err != nil {
			return stats, res.Err
		}
		sample := res.Sample

		pred, err := model.Forward(sample.Clips)
		if err != nil {
			return stats, errors.WithMessagef(err, "forward %s", sample.ID)
		}
		terms, err := r.loss.Forward(pred, sample.Targets)
		if errors.Is(err, ErrNonFiniteLoss) {
			stats.Skipped++
			r.logger.Warn("skipping video with non-finite loss", "fold", fold, "epoch", epoch, "video", sample.ID, "error", err)
			continue
		}
		if err != nil {
			return stats, errors.WithMessagef(err, "loss %s", sample.ID)
		}

		for i := range pred {
			stats.Pairs = append(stats.Pairs, HRPair{
				Video:     sample.ID,
				Clip:      i,
				True:      sample.Targets[i],
				Predicted: pred[i],
			})
		}
		stats.Videos++
		sum += terms.Total
		accSum += terms.Accuracy
		smoothSum += terms.Smoothness
		if bar != nil {
			bar.Update(stats.Videos+stats.Skipped, map[string]float64{"loss": sum / float64(stats.Videos)})
		}
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if bar != nil {
		bar.Finish()
	}

	stats.Duration = time.Since(start)
	if stats.Videos > 0 {
		n := float64(stats.Videos)
		stats.MeanLoss, stats.MeanAccuracy, stats.MeanSmoothness = sum/n, accSum/n, smoothSum/n
		stats.HasMean = true
	}
	return stats, nil
}

func (r *Runner) reportTrain(stats EpochStats) error {
	if stats.Skipped > 0 {
		if err := r.reporter.LogScalar(TagSkippedVideos, stats.Fold, stats.Epoch, float64(stats.Skipped)); err != nil {
			return errors.Wrap(err, "report skipped videos")
		}
	}
	if !stats.HasMean {
		return nil
	}
	for _, s := range []struct {
		tag   string
		value float64
	}{
		{TagTrainLoss, stats.MeanLoss},
		{TagTrainAccuracy, stats.MeanAccuracy},
		{TagTrainSmoothness, stats.MeanSmoothness},
	} {
		if err := r.reporter.LogScalar(s.tag, stats.Fold, stats.Epoch, s.value); err != nil {
			return errors.Wrapf(err, "report %s", s.tag)
		}
	}
	return nil
}

func (r *Runner) progressBar(phase string, fold, epoch, total int) *ProgressBar {
	if r.config.Progress == nil {
		return nil
	}
	return NewProgressBar(r.config.Progress, phaseLabel(phase, fold, epoch), total)
}

func phaseLabel(phase string, fold, epoch int) string {
	return fmt.Sprintf("fold %d %s %d", fold, phase, epoch)
}
