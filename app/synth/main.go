// Command synth writes a small synthetic dataset: ST-map and target
// artifacts, a k-fold assignment CSV and a matching configuration file.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/config"
	"github.com/tsawler/go-rhythm/dataset"
	"github.com/tsawler/go-rhythm/layers"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	out      string
	videos   int
	folds    int
	clips    int
	clipLen  int
	features int
	seed     int64
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("synth", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.out, "out", "synthetic", "output directory")
	fs.IntVar(&o.videos, "videos", 6, "number of videos")
	fs.IntVar(&o.folds, "folds", 3, "number of folds")
	fs.IntVar(&o.clips, "clips", 4, "clips per video")
	fs.IntVar(&o.clipLen, "clip-length", 30, "frames per clip")
	fs.IntVar(&o.features, "features", 8, "features per frame")
	fs.Int64Var(&o.seed, "seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfgPath, err := generate(o)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d videos in %d folds under %s\ntrain with: train -config %s\n", o.videos, o.folds, o.out, cfgPath)
	return nil
}

// generate writes the dataset and returns the path of its configuration.
func generate(o options) (string, error) {
	switch {
	case o.folds < 2:
		return "", errors.Errorf("need at least 2 folds, got %d", o.folds)
	case o.videos < o.folds:
		return "", errors.Errorf("need at least one video per fold, got %d videos for %d folds", o.videos, o.folds)
	case o.clips < 1 || o.clipLen < 1 || o.features < 1:
		return "", errors.New("clips, clip length and features must be positive")
	}

	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		STMapDir:      filepath.Join(o.out, "st_maps"),
		TargetDir:     filepath.Join(o.out, "targets"),
		FoldFile:      filepath.Join(o.out, "kfold.csv"),
		CheckpointDir: filepath.Join(o.out, "checkpoints"),
		PlotDir:       filepath.Join(o.out, "plots"),
		RunLog:        filepath.Join(o.out, "runs", "rhythm.db"),
	}
	cfg.Data.ClipLength = o.clipLen
	cfg.Data.Features = o.features
	cfg.Data.Seed = o.seed
	cfg.Train.Model = layers.ModelLinear
	cfg.Train.Epochs = 50
	cfg.Train.LearningRate = 0.05
	cfg.Train.Lambda = 1

	rng := rand.New(rand.NewSource(o.seed))
	names := make([]string, o.videos)
	for i := range names {
		names[i] = fmt.Sprintf("s%02d.stmap", i+1)

		// A resting heart rate with a slow drift across clips.
		hr := make([]float64, o.clips)
		base := 55 + 30*rng.Float64()
		for c := range hr {
			hr[c] = base + 2*rng.NormFloat64()
		}
		v := dataset.PulseVideo(names[i], o.clipLen, o.features, hr, rng)
		if err := dataset.WriteVideo(cfg.Paths.STMapDir, cfg.Paths.TargetDir, cfg.Data.TargetExt, v); err != nil {
			return "", err
		}
	}

	if err := dataset.WriteFoldFile(cfg.Paths.FoldFile, kFold(names, o.folds)); err != nil {
		return "", err
	}

	path := filepath.Join(o.out, "rhythm.toml")
	if err := cfg.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

// kFold assigns video i to the validation split of fold i mod k and to the
// training split of every other fold.
func kFold(videos []string, k int) []dataset.FoldAssignment {
	rows := make([]dataset.FoldAssignment, 0, len(videos)*k)
	for fold := 0; fold < k; fold++ {
		for i, v := range videos {
			split := dataset.Train
			if i%k == fold {
				split = dataset.Validation
			}
			rows = append(rows, dataset.FoldAssignment{Fold: fold, Split: split, Video: v})
		}
	}
	return rows
}
