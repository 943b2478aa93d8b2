package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-rhythm/tensor"
)

// ClipConfig controls how a video's ST-map is cut into clips.
type ClipConfig struct {
	STMapDir  string // base directory of the feature-map artifacts
	TargetDir string // directory of the target-signal artifacts
	TargetExt string // extension of a target artifact, e.g. ".hr"
	ClipLen   int    // frames per clip
	Stride    int    // frames between clip starts; 0 means ClipLen
	Features  int    // expected features per frame; 0 accepts any width
	Device    tensor.Device
}

func (c ClipConfig) stride() int {
	if c.Stride <= 0 {
		return c.ClipLen
	}
	return c.Stride
}

// VideoSample is one video's clips and per-clip heart-rate targets, in
// time order.
type VideoSample struct {
	ID      string
	Clips   []*tensor.Tensor
	Targets []float64
}

// Len returns the number of clips.
func (s *VideoSample) Len() int {
	return len(s.Clips)
}

// ClipDataset loads VideoSamples for a fixed list of videos.
type ClipDataset struct {
	videos []string
	config ClipConfig
}

// NewClipDataset creates a dataset over videos, named relative to
// cfg.STMapDir. Artifacts are read lazily by Get.
func NewClipDataset(videos []string, cfg ClipConfig) (*ClipDataset, error) {
	if cfg.ClipLen <= 0 {
		return nil, errors.Errorf("clip length must be positive, got %d", cfg.ClipLen)
	}
	if cfg.Stride < 0 {
		return nil, errors.Errorf("clip stride must not be negative, got %d", cfg.Stride)
	}
	if cfg.TargetExt == "" {
		cfg.TargetExt = ".hr"
	}
	return &ClipDataset{
		videos: append([]string(nil), videos...),
		config: cfg,
	}, nil
}

// Len returns the number of videos.
func (d *ClipDataset) Len() int {
	return len(d.videos)
}

// Video returns the identifier of the video at idx.
func (d *ClipDataset) Video(idx int) string {
	return d.videos[idx]
}

// FeatureMapPath is where the ST-map of video lives.
func (d *ClipDataset) FeatureMapPath(video string) string {
	return filepath.Join(d.config.STMapDir, video)
}

// TargetPath is where the target signal of video lives: the video's base
// name with its extension replaced by TargetExt.
func (d *ClipDataset) TargetPath(video string) string {
	return TargetPathFor(d.config.TargetDir, video, d.config.TargetExt)
}

// CheckArtifacts stats the feature map and target signal of every video
// without reading them. Contents are validated later, by Get.
func (d *ClipDataset) CheckArtifacts() error {
	for _, video := range d.videos {
		for _, path := range []string{d.FeatureMapPath(video), d.TargetPath(video)} {
			info, err := os.Stat(path)
			if os.IsNotExist(err) {
				return errors.Wrap(ErrMissingArtifact, path)
			}
			if err != nil {
				return errors.Wrapf(ErrCorruptArtifact, "stat %s: %v", path, err)
			}
			if info.IsDir() {
				return errors.Wrapf(ErrCorruptArtifact, "%s is a directory", path)
			}
		}
	}
	return nil
}

// TargetPathFor derives a target-signal path from a video name.
func TargetPathFor(targetDir, video, ext string) string {
	base := filepath.Base(video)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(targetDir, stem+ext)
}

// FeatureWidth reads the first video's ST-map and returns its number of
// features per frame. Models are sized from it when the width is not
// configured.
func (d *ClipDataset) FeatureWidth() (int, error) {
	if d.config.Features > 0 {
		return d.config.Features, nil
	}
	if len(d.videos) == 0 {
		return 0, errors.New("no videos to probe for the feature width")
	}
	m, err := ReadFeatureMap(d.FeatureMapPath(d.videos[0]))
	if err != nil {
		return 0, err
	}
	_, width := m.Dims()
	return width, nil
}

// Get loads video idx and slices it into clips.
func (d *ClipDataset) Get(idx int) (*VideoSample, error) {
	if idx < 0 || idx >= len(d.videos) {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.videos))
	}
	video := d.videos[idx]

	features, err := ReadFeatureMap(d.FeatureMapPath(video))
	if err != nil {
		return nil, err
	}
	signal, err := ReadTargetSignal(d.TargetPath(video))
	if err != nil {
		return nil, err
	}

	sample, err := d.slice(video, features, signal)
	if err != nil {
		return nil, errors.WithMessagef(err, "video %s", video)
	}
	return sample, nil
}

func (d *ClipDataset) slice(video string, features *mat.Dense, signal *mat.VecDense) (*VideoSample, error) {
	frames, width := features.Dims()
	clipLen, stride := d.config.ClipLen, d.config.stride()

	if frames < clipLen {
		return nil, errors.Wrapf(ErrCorruptArtifact, "%d frames is shorter than one clip of %d", frames, clipLen)
	}
	if d.config.Features > 0 && width != d.config.Features {
		return nil, errors.Wrapf(ErrCorruptArtifact, "feature width %d, expected %d", width, d.config.Features)
	}
	numClips := (frames-clipLen)/stride + 1

	// A target is either one heart rate per frame or one per clip.
	perFrame := signal.Len() == frames
	if !perFrame && signal.Len() != numClips {
		return nil, errors.Wrapf(ErrCorruptArtifact,
			"target length %d matches neither %d frames nor %d clips", signal.Len(), frames, numClips)
	}

	sample := &VideoSample{
		ID:      video,
		Clips:   make([]*tensor.Tensor, 0, numClips),
		Targets: make([]float64, 0, numClips),
	}
	for c := 0; c < numClips; c++ {
		start := c * stride
		data := make([]float32, 0, clipLen*width)
		for f := start; f < start+clipLen; f++ {
			for j := 0; j < width; j++ {
				data = append(data, float32(features.At(f, j)))
			}
		}
		clip, err := tensor.NewTensor([]int{clipLen, width}, d.config.Device, data)
		if err != nil {
			return nil, err
		}
		sample.Clips = append(sample.Clips, clip)

		if perFrame {
			var sum float64
			for f := start; f < start+clipLen; f++ {
				sum += signal.AtVec(f)
			}
			sample.Targets = append(sample.Targets, sum/float64(clipLen))
		} else {
			sample.Targets = append(sample.Targets, signal.AtVec(c))
		}
	}
	return sample, nil
}
