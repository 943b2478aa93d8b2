package training

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rhythm/checkpoints"
	"github.com/tsawler/go-rhythm/dataset"
	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/tensor"
)

type scalar struct {
	tag   string
	fold  int
	step  int
	value float64
}

type recordingReporter struct {
	mu         sync.Mutex
	scalars    []scalar
	agreements map[int][][]HRPair
	flushed    int
}

func (r *recordingReporter) LogScalar(tag string, fold, step int, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars = append(r.scalars, scalar{tag, fold, step, value})
	return nil
}

func (r *recordingReporter) LogAgreement(fold, epoch int, pairs []HRPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agreements == nil {
		r.agreements = map[int][][]HRPair{}
	}
	r.agreements[fold] = append(r.agreements[fold], pairs)
	return nil
}

func (r *recordingReporter) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func (r *recordingReporter) values(tag string, fold int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, s := range r.scalars {
		if s.tag == tag && s.fold == fold {
			out = append(out, s.value)
		}
	}
	return out
}

// scriptedModel predicts target+offset for every clip of a one-clip video
// whose target is scriptedTarget, so each epoch's loss is exactly the
// scripted offset.
type scriptedModel struct {
	offsets []float64
	calls   int
	bias    *tensor.Tensor
}

const scriptedTarget = 60.0

func newScriptedModel(t *testing.T, offsets ...float64) *scriptedModel {
	t.Helper()
	b, err := tensor.Zeros([]int{1}, tensor.CPUDevice())
	require.NoError(t, err)
	b.SetRequiresGrad(true)
	return &scriptedModel{offsets: offsets, bias: b}
}

func (m *scriptedModel) Name() string                     { return "scripted" }
func (m *scriptedModel) Parameters() []*tensor.Tensor     { return []*tensor.Tensor{m.bias} }
func (m *scriptedModel) ParameterNames() []string         { return []string{"head.bias"} }
func (m *scriptedModel) Backward(gradOut []float64) error { return nil }

func (m *scriptedModel) Forward(clips []*tensor.Tensor) ([]float64, error) {
	i := m.calls
	if i >= len(m.offsets) {
		i = len(m.offsets) - 1
	}
	m.calls++
	out := make([]float64, len(clips))
	for c := range out {
		out[c] = scriptedTarget + m.offsets[i]
	}
	return out, nil
}

// writeFixture writes videos named v0..v<n-1> and a fold file that puts
// every video except the last into training for fold 1.
func writeFixture(t *testing.T, root string, videos []dataset.SyntheticVideo) (dataset.ClipConfig, *dataset.FoldTable) {
	t.Helper()
	cfg := dataset.ClipConfig{
		STMapDir:  filepath.Join(root, "st_maps"),
		TargetDir: filepath.Join(root, "targets"),
		TargetExt: ".hr",
	}
	var rows []dataset.FoldAssignment
	for i, v := range videos {
		require.NoError(t, dataset.WriteVideo(cfg.STMapDir, cfg.TargetDir, cfg.TargetExt, v))
		split := dataset.Train
		if i == len(videos)-1 {
			split = dataset.Validation
		}
		rows = append(rows, dataset.FoldAssignment{Fold: 1, Split: split, Video: v.Name})
	}
	table, err := dataset.NewFoldTable(rows)
	require.NoError(t, err)
	return cfg, table
}

func oneClipVideos(n int) []dataset.SyntheticVideo {
	videos := make([]dataset.SyntheticVideo, n)
	for i := range videos {
		videos[i] = dataset.SyntheticVideo{
			Name:    fmt.Sprintf("v%d.stmap", i),
			Frames:  [][]float64{{1}, {1}},
			Targets: []float64{scriptedTarget},
		}
	}
	return videos
}

func baseConfig(t *testing.T, clip dataset.ClipConfig) RunnerConfig {
	clip.ClipLen = 2
	return RunnerConfig{
		Clip:             clip,
		Workers:          2,
		Prefetch:         1,
		Epochs:           4,
		ValidationEpochs: 0,
		LearningRate:     0.01,
		Lambda:           DefaultSmoothnessWeight,
		Optimizer:        OptimizerSGD,
		CheckpointDir:    filepath.Join(t.TempDir(), "ckpts"),
		CheckpointFormat: checkpoints.FormatJSON,
		Device:           tensor.CPUDevice(),
		RunID:            "test-run",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerSavesOnlyOnImprovement(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	cfg := baseConfig(t, clip)
	reporter := &recordingReporter{}

	factory := func(int) (layers.Regressor, error) {
		return newScriptedModel(t, 2.0, 1.5, 1.8, 1.0), nil
	}
	runner, err := NewRunner(cfg, table, factory, reporter, quietLogger())
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.False(t, res.Resumed)
	assert.Equal(t, []int{1, 2, 4}, res.SavedEpochs)
	best, ok := res.BestLoss.Value()
	require.True(t, ok)
	assert.Equal(t, 1.0, best)
	assert.InDeltaSlice(t, []float64{2.0, 1.5, 1.8, 1.0}, reporter.values(TagTrainLoss, 1), 1e-9)
	assert.Equal(t, 1, reporter.flushed)

	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(filepath.Join(cfg.CheckpointDir, "fold_1.ckpt.json"))
	require.NoError(t, err)
	assert.Equal(t, 4, ckpt.TrainingState.Epoch)
	assert.Equal(t, 1.0, *ckpt.TrainingState.BestLoss)
	assert.Equal(t, "test-run", ckpt.Metadata.RunID)
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	cfg := baseConfig(t, clip)
	cfg.Epochs = 3

	first, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		return newScriptedModel(t, 3, 2, 1), nil
	}, nil, quietLogger())
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)

	cfg.Epochs = 5
	second, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		// Epoch 4 beats the restored best of 1; epoch 5 does not.
		return newScriptedModel(t, 0.5, 2), nil
	}, nil, quietLogger())
	require.NoError(t, err)
	results, err := second.Run(context.Background())
	require.NoError(t, err)

	res := results[0]
	assert.True(t, res.Resumed)
	assert.Equal(t, 4, res.StartEpoch)
	require.Len(t, res.Train, 2)
	assert.Equal(t, 4, res.Train[0].Epoch)
	assert.Equal(t, []int{4}, res.SavedEpochs)
	best, _ := res.BestLoss.Value()
	assert.Equal(t, 0.5, best)
}

func TestRunnerSkipsNonFiniteVideos(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	cfg := baseConfig(t, clip)
	cfg.Epochs = 2
	reporter := &recordingReporter{}

	runner, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		return newScriptedModel(t, math.NaN(), 1), nil
	}, reporter, quietLogger())
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)

	res := results[0]
	require.Len(t, res.Train, 2)
	assert.False(t, res.Train[0].HasMean)
	assert.Equal(t, 1, res.Train[0].Skipped)
	assert.Equal(t, 0, res.Train[0].Videos)
	// The all-skipped epoch never saves; the next finite one does.
	assert.Equal(t, []int{2}, res.SavedEpochs)
	assert.Equal(t, []float64{1}, reporter.values(TagSkippedVideos, 1))
	assert.Equal(t, []float64{1}, reporter.values(TagTrainLoss, 1))
}

func TestRunnerEndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	targets := []float64{60, 62, 61}
	videos := []dataset.SyntheticVideo{
		dataset.PulseVideo("train.stmap", 4, 2, targets, rng),
		dataset.PulseVideo("val.stmap", 4, 2, targets, rng),
	}
	clip, table := writeFixture(t, t.TempDir(), videos)

	cfg := baseConfig(t, clip)
	cfg.Clip.ClipLen = 4
	cfg.Epochs = 200
	cfg.ValidationEpochs = 1
	cfg.LearningRate = 0.5
	cfg.Lambda = 1
	cfg.Optimizer = OptimizerAdam
	cfg.CheckpointFormat = checkpoints.FormatBinary
	var progress bytes.Buffer
	cfg.Progress = &progress

	reporter := &recordingReporter{}
	factory := func(fold int) (layers.Regressor, error) {
		return layers.NewRegressor(layers.ModelLinear, 4, 2, 0, cfg.Device, rand.New(rand.NewSource(int64(fold))))
	}
	runner, err := NewRunner(cfg, table, factory, reporter, quietLogger())
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]

	require.Len(t, res.Train, 200)
	first := res.Train[0].MeanLoss
	last := res.Train[len(res.Train)-1].MeanLoss
	best, ok := res.BestLoss.Value()
	require.True(t, ok)
	assert.Less(t, best, first*0.1)
	assert.Less(t, last, first)

	require.Len(t, res.Validation, 1)
	pairs := res.Validation[0].Pairs
	require.Len(t, pairs, 3)
	for i, p := range pairs {
		assert.Equal(t, "val.stmap", p.Video)
		assert.Equal(t, i, p.Clip)
		assert.Equal(t, targets[i], p.True)
		assert.False(t, math.IsNaN(p.Predicted))
	}
	require.Len(t, reporter.agreements[1], 1)
	assert.Equal(t, pairs, reporter.agreements[1][0])
	assert.Len(t, reporter.values(TagValidationLoss, 1), 1)

	_, err = os.Stat(filepath.Join(cfg.CheckpointDir, "fold_1.ckpt.bin"))
	assert.NoError(t, err)
	assert.Contains(t, progress.String(), "fold 1 train 1")
}

func TestRunnerTwoEpochEndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	targets := []float64{60, 62, 61}
	videos := []dataset.SyntheticVideo{
		dataset.PulseVideo("train.stmap", 4, 2, targets, rng),
		dataset.PulseVideo("val.stmap", 4, 2, targets, rng),
	}
	clip, table := writeFixture(t, t.TempDir(), videos)

	cfg := baseConfig(t, clip)
	cfg.Clip.ClipLen = 4
	cfg.Epochs = 2
	cfg.ValidationEpochs = 1
	cfg.Lambda = 1

	reporter := &recordingReporter{}
	factory := func(fold int) (layers.Regressor, error) {
		return layers.NewRegressor(layers.ModelLinear, 4, 2, 0, cfg.Device, rand.New(rand.NewSource(int64(fold))))
	}
	runner, err := NewRunner(cfg, table, factory, reporter, quietLogger())
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]

	require.Len(t, res.Train, 2)
	for i, stats := range res.Train {
		assert.Equal(t, i+1, stats.Epoch)
		assert.True(t, stats.HasMean)
		assert.Equal(t, 1, stats.Videos)
	}
	assert.Len(t, reporter.values(TagTrainLoss, 1), 2)
	// The first finite epoch always improves on "no best yet".
	require.NotEmpty(t, res.SavedEpochs)
	assert.Equal(t, 1, res.SavedEpochs[0])

	require.Len(t, res.Validation, 1)
	pairs := res.Validation[0].Pairs
	require.Len(t, pairs, 3)
	for i, p := range pairs {
		assert.Equal(t, "val.stmap", p.Video)
		assert.Equal(t, i, p.Clip)
		assert.Equal(t, targets[i], p.True)
	}
	require.Len(t, reporter.agreements[1], 1)
	assert.Equal(t, pairs, reporter.agreements[1][0])

	_, err = os.Stat(filepath.Join(cfg.CheckpointDir, "fold_1.ckpt.json"))
	assert.NoError(t, err)
}

func TestRunnerMissingArtifactFailsBeforeTraining(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	// v1 is the validation video; training would otherwise succeed.
	require.NoError(t, os.Remove(dataset.TargetPathFor(clip.TargetDir, "v1.stmap", clip.TargetExt)))

	cfg := baseConfig(t, clip)
	reporter := &recordingReporter{}
	built := false
	runner, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		built = true
		return newScriptedModel(t, 1), nil
	}, reporter, quietLogger())
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrMissingArtifact), "got %v", err)
	assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
	assert.Contains(t, err.Error(), "v1.hr")

	assert.False(t, built)
	assert.Empty(t, reporter.values(TagTrainLoss, 1))
	assert.Empty(t, reporter.values(TagLearningRate, 1))
	_, statErr := os.Stat(filepath.Join(cfg.CheckpointDir, "fold_1.ckpt.json"))
	assert.True(t, os.IsNotExist(statErr))
}

// renamingModel reports a different parameter layout once it has run a
// forward pass, so a checkpoint loads but cannot be saved again.
type renamingModel struct {
	*scriptedModel
}

func (m renamingModel) ParameterNames() []string {
	if m.calls == 0 {
		return m.scriptedModel.ParameterNames()
	}
	return []string{"head.bias", "head.extra"}
}

func TestRunnerSaveFailureAfterResume(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	cfg := baseConfig(t, clip)
	cfg.Epochs = 1

	first, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		return newScriptedModel(t, 2), nil
	}, nil, quietLogger())
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)

	cfg.Epochs = 2
	second, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		// Epoch 2 beats the restored best, so it tries to save.
		return renamingModel{newScriptedModel(t, 1)}, nil
	}, nil, quietLogger())
	require.NoError(t, err)

	res, err := second.RunFold(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpoint), "got %v", err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 2, res.StartEpoch)
	assert.Empty(t, res.SavedEpochs)

	// The checkpoint from the first run is intact.
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(filepath.Join(cfg.CheckpointDir, "fold_1.ckpt.json"))
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.TrainingState.Epoch)
	assert.Equal(t, 2.0, *ckpt.TrainingState.BestLoss)
}

func TestRunnerDataErrorIsFatal(t *testing.T) {
	clip, _ := writeFixture(t, t.TempDir(), oneClipVideos(2))
	table, err := dataset.NewFoldTable([]dataset.FoldAssignment{
		{Fold: 1, Split: dataset.Train, Video: "missing.stmap"},
		{Fold: 1, Split: dataset.Validation, Video: "v1.stmap"},
	})
	require.NoError(t, err)

	cfg := baseConfig(t, clip)
	runner, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		return newScriptedModel(t, 1), nil
	}, nil, quietLogger())
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrMissingArtifact), "got %v", err)
	_, statErr := os.Stat(filepath.Join(cfg.CheckpointDir, "fold_1.ckpt.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunnerHonoursCancellation(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	cfg := baseConfig(t, clip)

	runner, err := NewRunner(cfg, table, func(int) (layers.Regressor, error) {
		return newScriptedModel(t, 1), nil
	}, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runner.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRunnerFoldSubset(t *testing.T) {
	root := t.TempDir()
	clip, _ := writeFixture(t, root, oneClipVideos(2))
	table, err := dataset.NewFoldTable([]dataset.FoldAssignment{
		{Fold: 1, Split: dataset.Train, Video: "v0.stmap"},
		{Fold: 1, Split: dataset.Validation, Video: "v1.stmap"},
		{Fold: 2, Split: dataset.Train, Video: "v1.stmap"},
		{Fold: 2, Split: dataset.Validation, Video: "v0.stmap"},
	})
	require.NoError(t, err)

	cfg := baseConfig(t, clip)
	cfg.Epochs = 1
	var built []int
	factory := func(fold int) (layers.Regressor, error) {
		built = append(built, fold)
		return newScriptedModel(t, 1), nil
	}

	runner, err := NewRunner(cfg, table, factory, nil, quietLogger())
	require.NoError(t, err)
	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []int{1, 2}, built)

	cfg.Folds = []int{2}
	built = nil
	runner, err = NewRunner(cfg, table, factory, nil, quietLogger())
	require.NoError(t, err)
	results, err = runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Fold)
	assert.Equal(t, []int{2}, built)

	cfg.Folds = []int{9}
	_, err = NewRunner(cfg, table, factory, nil, quietLogger())
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestRunnerConfigValidate(t *testing.T) {
	good := baseConfig(t, dataset.ClipConfig{})
	require.NoError(t, good.Validate())

	cases := map[string]func(c *RunnerConfig){
		"clip length":    func(c *RunnerConfig) { c.Clip.ClipLen = 0 },
		"epochs":         func(c *RunnerConfig) { c.Epochs = -1 },
		"learning rate":  func(c *RunnerConfig) { c.LearningRate = 0 },
		"lambda":         func(c *RunnerConfig) { c.Lambda = -1 },
		"checkpoint dir": func(c *RunnerConfig) { c.CheckpointDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := good
			mutate(&c)
			assert.True(t, errors.Is(c.Validate(), ErrConfig))
		})
	}
}

func TestRunnerAppliesScheduler(t *testing.T) {
	clip, table := writeFixture(t, t.TempDir(), oneClipVideos(2))
	cfg := baseConfig(t, clip)
	cfg.Epochs = 3
	cfg.Scheduler = SchedulerExponential
	reporter := &recordingReporter{}

	factory := func(int) (layers.Regressor, error) {
		return newScriptedModel(t, 1), nil
	}
	runner, err := NewRunner(cfg, table, factory, reporter, quietLogger())
	require.NoError(t, err)
	_, err = runner.Run(context.Background())
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{0.01, 0.0095, 0.009025}, reporter.values(TagLearningRate, 1), 1e-12)

	cfg.Scheduler = "warmup"
	_, err = NewRunner(cfg, table, factory, reporter, quietLogger())
	assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
}
