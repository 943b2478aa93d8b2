package training

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rhythm/checkpoints"
	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/tensor"
)

func newLinear(t *testing.T, seed int64) *layers.Sequential {
	t.Helper()
	m, err := layers.NewRegressor(layers.ModelLinear, 2, 3, 0, tensor.CPUDevice(), rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func TestCheckpointerFirstRun(t *testing.T) {
	model := newLinear(t, 1)
	opt, err := NewOptimizer(OptimizerAdam, model.Parameters(), model.ParameterNames(), 0.01)
	require.NoError(t, err)
	before := append([]float32(nil), model.Parameters()[0].Data...)

	ckpt := NewCheckpointer(filepath.Join(t.TempDir(), "ckpts"), 1, checkpoints.FormatJSON, tensor.CPUDevice(), "run")
	best, epoch, found, err := ckpt.LoadIfPresent(model, opt)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, epoch)
	assert.Equal(t, BestLoss{}, best)
	assert.Equal(t, before, model.Parameters()[0].Data)
	assert.Equal(t, int64(0), opt.GetStepCount())
}

func TestCheckpointerRoundTrip(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "ckpts")
			model := newLinear(t, 1)
			opt, err := NewOptimizer(OptimizerAdam, model.Parameters(), model.ParameterNames(), 0.01)
			require.NoError(t, err)
			for _, p := range model.Parameters() {
				grad := make([]float32, p.NumElems)
				for i := range grad {
					grad[i] = 0.3
				}
				require.NoError(t, p.AccumulateGrad(grad))
			}
			require.NoError(t, opt.Step())

			saver := NewCheckpointer(dir, 3, format, tensor.CPUDevice(), "run-1")
			assert.Equal(t, filepath.Join(dir, "fold_3"+format.Extension()), saver.Path())
			require.NoError(t, saver.Save(model, opt, BestLossFrom(floatPtr(0.125)), 5))

			// A fresh model with different weights, loaded on another device.
			restored := newLinear(t, 99)
			restoredOpt, err := NewOptimizer(OptimizerAdam, restored.Parameters(), restored.ParameterNames(), 1)
			require.NoError(t, err)
			gpu := tensor.Device{Type: tensor.GPU}
			loader := NewCheckpointer(dir, 3, format, gpu, "run-2")

			best, epoch, found, err := loader.LoadIfPresent(restored, restoredOpt)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 5, epoch)
			v, ok := best.Value()
			require.True(t, ok)
			assert.Equal(t, 0.125, v)

			for i, p := range restored.Parameters() {
				assert.Equal(t, model.Parameters()[i].Data, p.Data)
				assert.Equal(t, gpu, p.Device)
			}
			assert.Equal(t, int64(1), restoredOpt.GetStepCount())
			assert.Equal(t, 0.01, restoredOpt.GetLR())
		})
	}
}

func TestCheckpointerErrors(t *testing.T) {
	dir := t.TempDir()
	model := newLinear(t, 1)

	t.Run("corrupt file", func(t *testing.T) {
		ckpt := NewCheckpointer(dir, 1, checkpoints.FormatJSON, tensor.CPUDevice(), "")
		require.NoError(t, os.WriteFile(ckpt.Path(), []byte("garbage"), 0o644))
		_, _, _, err := ckpt.LoadIfPresent(model, nil)
		assert.True(t, errors.Is(err, ErrCheckpoint), "got %v", err)
	})

	t.Run("other fold", func(t *testing.T) {
		ckpt := NewCheckpointer(dir, 2, checkpoints.FormatBinary, tensor.CPUDevice(), "")
		require.NoError(t, ckpt.Save(model, nil, BestLoss{}, 1))

		moved := NewCheckpointer(dir, 4, checkpoints.FormatBinary, tensor.CPUDevice(), "")
		require.NoError(t, os.Rename(ckpt.Path(), moved.Path()))
		_, _, _, err := moved.LoadIfPresent(model, nil)
		assert.True(t, errors.Is(err, ErrCheckpoint), "got %v", err)
	})

	t.Run("different architecture", func(t *testing.T) {
		ckpt := NewCheckpointer(dir, 5, checkpoints.FormatJSON, tensor.CPUDevice(), "")
		require.NoError(t, ckpt.Save(model, nil, BestLoss{}, 1))

		mlp, err := layers.NewRegressor(layers.ModelPooledMLP, 2, 3, 4, tensor.CPUDevice(), rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		_, _, _, err = ckpt.LoadIfPresent(mlp, nil)
		assert.True(t, errors.Is(err, ErrCheckpoint), "got %v", err)
	})

	t.Run("optimizer mismatch leaves weights untouched", func(t *testing.T) {
		adam, err := NewOptimizer(OptimizerAdam, model.Parameters(), model.ParameterNames(), 0.01)
		require.NoError(t, err)
		ckpt := NewCheckpointer(dir, 6, checkpoints.FormatJSON, tensor.CPUDevice(), "")
		require.NoError(t, ckpt.Save(model, adam, BestLoss{}, 1))

		other := newLinear(t, 42)
		sgd, err := NewOptimizer(OptimizerSGD, other.Parameters(), other.ParameterNames(), 0.5)
		require.NoError(t, err)
		var before [][]float32
		for _, p := range other.Parameters() {
			before = append(before, append([]float32(nil), p.Data...))
		}

		_, _, found, err := ckpt.LoadIfPresent(other, sgd)
		assert.True(t, errors.Is(err, ErrCheckpoint), "got %v", err)
		assert.False(t, found)
		for i, p := range other.Parameters() {
			assert.Equal(t, before[i], p.Data)
		}
		assert.Equal(t, 0.5, sgd.GetLR())
		assert.Equal(t, int64(0), sgd.GetStepCount())
	})

	t.Run("unwritable directory", func(t *testing.T) {
		blocker := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))
		ckpt := NewCheckpointer(filepath.Join(blocker, "sub"), 1, checkpoints.FormatJSON, tensor.CPUDevice(), "")
		err := ckpt.Save(model, nil, BestLoss{}, 1)
		assert.True(t, errors.Is(err, ErrCheckpoint), "got %v", err)
	})
}
