package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/checkpoints"
	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/tensor"
)

// Checkpointer persists one fold's ModelState to a single file.
type Checkpointer struct {
	saver  *checkpoints.CheckpointSaver
	path   string
	fold   int
	device tensor.Device
	runID  string
}

// NewCheckpointer creates a checkpointer writing fold_<fold> in dir. Loaded
// tensors are placed on device.
func NewCheckpointer(dir string, fold int, format checkpoints.CheckpointFormat, device tensor.Device, runID string) *Checkpointer {
	return &Checkpointer{
		saver:  checkpoints.NewCheckpointSaver(format),
		path:   filepath.Join(dir, fmt.Sprintf("fold_%d%s", fold, format.Extension())),
		fold:   fold,
		device: device,
		runID:  runID,
	}
}

// Path returns the checkpoint file location.
func (c *Checkpointer) Path() string {
	return c.path
}

// LoadIfPresent restores model and optimizer from the checkpoint file. When
// no file exists, or the checkpoint is rejected, it leaves both untouched.
func (c *Checkpointer) LoadIfPresent(model layers.Regressor, opt Optimizer) (best BestLoss, epoch int, found bool, err error) {
	ckpt, err := c.saver.LoadCheckpoint(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return BestLoss{}, 0, false, nil
	}
	if err != nil {
		return BestLoss{}, 0, false, errors.Wrapf(ErrCheckpoint, "load %s: %v", c.path, err)
	}
	if ckpt.TrainingState.Fold != c.fold {
		return BestLoss{}, 0, false, errors.Wrapf(ErrCheckpoint,
			"%s belongs to fold %d, not fold %d", c.path, ckpt.TrainingState.Fold, c.fold)
	}

	params := model.Parameters()
	previous := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		previous[i] = p.Clone()
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, model.ParameterNames(), params); err != nil {
		return BestLoss{}, 0, false, errors.Wrapf(ErrCheckpoint, "restore weights: %v", err)
	}

	if ckpt.OptimizerState != nil && opt != nil {
		if err := opt.LoadState(ckpt.OptimizerState); err != nil {
			for i, p := range params {
				_ = p.CopyFrom(previous[i].Data)
			}
			return BestLoss{}, 0, false, errors.Wrapf(ErrCheckpoint, "restore optimizer: %v", err)
		}
	}
	c.device.PlaceAll(params)
	return BestLossFrom(ckpt.TrainingState.BestLoss), ckpt.TrainingState.Epoch, true, nil
}

// Save writes model, optimizer, best loss and epoch unconditionally. The
// previous file is replaced atomically.
func (c *Checkpointer) Save(model layers.Regressor, opt Optimizer, best BestLoss, epoch int) error {
	weights, err := checkpoints.ExtractWeights(model.ParameterNames(), model.Parameters())
	if err != nil {
		return errors.Wrapf(ErrCheckpoint, "extract weights: %v", err)
	}

	ckpt := &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Fold:     c.fold,
			Epoch:    epoch,
			BestLoss: best.Ptr(),
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID:  c.runID,
			Device: c.device.String(),
		},
	}
	if s, ok := model.(interface{ Spec() *layers.ModelSpec }); ok {
		ckpt.ModelSpec = s.Spec()
	}
	if opt != nil {
		state, err := opt.GetState()
		if err != nil {
			return errors.Wrapf(ErrCheckpoint, "optimizer state: %v", err)
		}
		ckpt.OptimizerState = state
		ckpt.TrainingState.LearningRate = opt.GetLR()
		ckpt.TrainingState.Step = int(opt.GetStepCount())
		ckpt.TrainingState.TotalSteps = int(opt.GetStepCount())
	}

	if err := c.saver.SaveCheckpoint(ckpt, c.path); err != nil {
		return errors.Wrapf(ErrCheckpoint, "save %s: %v", c.path, err)
	}
	return nil
}
