package dataset

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestVideo(t *testing.T, root string, v SyntheticVideo) ClipConfig {
	t.Helper()
	cfg := ClipConfig{
		STMapDir:  filepath.Join(root, "st_maps"),
		TargetDir: filepath.Join(root, "targets"),
		TargetExt: ".hr",
	}
	require.NoError(t, WriteVideo(cfg.STMapDir, cfg.TargetDir, cfg.TargetExt, v))
	return cfg
}

func TestClipDatasetPerClipTargets(t *testing.T) {
	v := PulseVideo("s01.stmap", 4, 3, []float64{60, 62, 61}, rand.New(rand.NewSource(1)))
	cfg := writeTestVideo(t, t.TempDir(), v)
	cfg.ClipLen = 4

	ds, err := NewClipDataset([]string{"s01.stmap"}, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, "s01.stmap", ds.Video(0))

	sample, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "s01.stmap", sample.ID)
	require.Equal(t, 3, sample.Len())
	assert.Equal(t, []float64{60, 62, 61}, sample.Targets)

	for i, clip := range sample.Clips {
		assert.Equal(t, []int{4, 3}, clip.Shape)
		// Frame order is preserved: the first frame of clip i belongs to clip i.
		assert.InDelta(t, v.Frames[i*4][2], float64(clip.Data[2]), 1e-6)
	}
}

func TestClipDatasetPerFrameTargetsAndStride(t *testing.T) {
	frames := make([][]float64, 6)
	targets := make([]float64, 6)
	for i := range frames {
		frames[i] = []float64{float64(i)}
		targets[i] = float64(60 + i)
	}
	cfg := writeTestVideo(t, t.TempDir(), SyntheticVideo{Name: "v.stmap", Frames: frames, Targets: targets})
	cfg.ClipLen = 4
	cfg.Stride = 1

	ds, err := NewClipDataset([]string{"v.stmap"}, cfg)
	require.NoError(t, err)

	sample, err := ds.Get(0)
	require.NoError(t, err)
	// Overlapping clips starting at frames 0, 1 and 2.
	require.Equal(t, 3, sample.Len())
	assert.Equal(t, []float64{61.5, 62.5, 63.5}, sample.Targets)
	assert.Equal(t, []float32{1, 2, 3, 4}, sample.Clips[1].Data)
}

func TestClipDatasetDropsTrailingFrames(t *testing.T) {
	frames := make([][]float64, 7)
	for i := range frames {
		frames[i] = []float64{1}
	}
	cfg := writeTestVideo(t, t.TempDir(), SyntheticVideo{Name: "v.stmap", Frames: frames, Targets: []float64{70, 71, 72}})
	cfg.ClipLen = 2

	ds, err := NewClipDataset([]string{"v.stmap"}, cfg)
	require.NoError(t, err)
	sample, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 3, sample.Len())
}

func TestClipDatasetErrors(t *testing.T) {
	root := t.TempDir()
	v := PulseVideo("ok.stmap", 2, 2, []float64{60, 61}, rand.New(rand.NewSource(2)))
	cfg := writeTestVideo(t, root, v)
	cfg.ClipLen = 2

	t.Run("missing feature map", func(t *testing.T) {
		ds, err := NewClipDataset([]string{"absent.stmap"}, cfg)
		require.NoError(t, err)
		_, err = ds.Get(0)
		assert.True(t, errors.Is(err, ErrMissingArtifact), "got %v", err)
	})

	t.Run("missing target", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(cfg.TargetDir, "ok.hr")))
		defer func() { require.NoError(t, WriteVideo(cfg.STMapDir, cfg.TargetDir, cfg.TargetExt, v)) }()

		ds, err := NewClipDataset([]string{"ok.stmap"}, cfg)
		require.NoError(t, err)
		_, err = ds.Get(0)
		assert.True(t, errors.Is(err, ErrMissingArtifact), "got %v", err)
	})

	t.Run("corrupt feature map", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.STMapDir, "bad.stmap"), []byte("not a matrix"), 0o644))
		ds, err := NewClipDataset([]string{"bad.stmap"}, cfg)
		require.NoError(t, err)
		_, err = ds.Get(0)
		assert.True(t, errors.Is(err, ErrCorruptArtifact), "got %v", err)
	})

	t.Run("too short", func(t *testing.T) {
		short := cfg
		short.ClipLen = 10
		ds, err := NewClipDataset([]string{"ok.stmap"}, short)
		require.NoError(t, err)
		_, err = ds.Get(0)
		assert.True(t, errors.Is(err, ErrCorruptArtifact), "got %v", err)
	})

	t.Run("target length mismatch", func(t *testing.T) {
		odd := cfg
		odd.ClipLen = 1
		odd.Stride = 1
		ds, err := NewClipDataset([]string{"ok.stmap"}, odd)
		require.NoError(t, err)
		_, err = ds.Get(0)
		assert.True(t, errors.Is(err, ErrCorruptArtifact), "got %v", err)
	})

	t.Run("feature width", func(t *testing.T) {
		wide := cfg
		wide.Features = 5
		ds, err := NewClipDataset([]string{"ok.stmap"}, wide)
		require.NoError(t, err)
		_, err = ds.Get(0)
		assert.True(t, errors.Is(err, ErrCorruptArtifact), "got %v", err)
	})

	t.Run("bad config", func(t *testing.T) {
		_, err := NewClipDataset(nil, ClipConfig{})
		assert.Error(t, err)
		_, err = NewClipDataset(nil, ClipConfig{ClipLen: 2, Stride: -1})
		assert.Error(t, err)
	})

	t.Run("index out of range", func(t *testing.T) {
		ds, err := NewClipDataset([]string{"ok.stmap"}, cfg)
		require.NoError(t, err)
		_, err = ds.Get(1)
		assert.Error(t, err)
	})
}

func TestClipDatasetCheckArtifacts(t *testing.T) {
	root := t.TempDir()
	v := PulseVideo("ok.stmap", 2, 2, []float64{60, 61}, rand.New(rand.NewSource(2)))
	cfg := writeTestVideo(t, root, v)
	cfg.ClipLen = 2

	ds, err := NewClipDataset([]string{"ok.stmap"}, cfg)
	require.NoError(t, err)
	assert.NoError(t, ds.CheckArtifacts())

	// The missing video is last; the check still finds it without any Get.
	ds, err = NewClipDataset([]string{"ok.stmap", "absent.stmap"}, cfg)
	require.NoError(t, err)
	err = ds.CheckArtifacts()
	assert.True(t, errors.Is(err, ErrMissingArtifact), "got %v", err)
	assert.Contains(t, err.Error(), "absent.stmap")

	require.NoError(t, os.Remove(filepath.Join(cfg.TargetDir, "ok.hr")))
	ds, err = NewClipDataset([]string{"ok.stmap"}, cfg)
	require.NoError(t, err)
	err = ds.CheckArtifacts()
	assert.True(t, errors.Is(err, ErrMissingArtifact), "got %v", err)
	assert.Contains(t, err.Error(), "ok.hr")
}

func TestTargetPathFor(t *testing.T) {
	assert.Equal(t, filepath.Join("t", "s01_trial01.hr"), TargetPathFor("t", "sub/s01_trial01.stmap", ".hr"))
	assert.Equal(t, filepath.Join("t", "plain.dat"), TargetPathFor("t", "plain", ".dat"))
}

func TestClipDatasetFeatureWidth(t *testing.T) {
	v := PulseVideo("s01.stmap", 2, 5, []float64{60}, rand.New(rand.NewSource(1)))
	cfg := writeTestVideo(t, t.TempDir(), v)
	cfg.ClipLen = 2

	ds, err := NewClipDataset([]string{"s01.stmap"}, cfg)
	require.NoError(t, err)
	width, err := ds.FeatureWidth()
	require.NoError(t, err)
	assert.Equal(t, 5, width)

	cfg.Features = 7
	ds, err = NewClipDataset(nil, cfg)
	require.NoError(t, err)
	width, err = ds.FeatureWidth()
	require.NoError(t, err)
	assert.Equal(t, 7, width)

	cfg.Features = 0
	ds, err = NewClipDataset([]string{"missing.stmap"}, cfg)
	require.NoError(t, err)
	_, err = ds.FeatureWidth()
	assert.True(t, errors.Is(err, ErrMissingArtifact), "got %v", err)
}
