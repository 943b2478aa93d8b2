// Package config loads the trainer configuration from TOML.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-rhythm/checkpoints"
	"github.com/tsawler/go-rhythm/dataset"
	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/tensor"
	"github.com/tsawler/go-rhythm/training"
)

// ErrInvalid classifies configuration errors.
var ErrInvalid = errors.New("invalid configuration")

type invalidError struct {
	err error
}

func (e *invalidError) Error() string   { return ErrInvalid.Error() + ": " + e.err.Error() }
func (e *invalidError) Unwrap() []error { return []error{ErrInvalid, e.err} }

// Invalid marks err as a configuration error. The cause stays reachable
// through errors.Is and errors.As.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &invalidError{err: err}
}

// Config is the complete trainer configuration.
type Config struct {
	Paths     PathsConfig     `toml:"paths" yaml:"paths"`
	Data      DataConfig      `toml:"data" yaml:"data"`
	Train     TrainConfig     `toml:"train" yaml:"train"`
	Reporting ReportingConfig `toml:"reporting" yaml:"reporting"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	STMapDir      string `toml:"stmap_dir" yaml:"stmap_dir"`           // feature-map artifacts
	TargetDir     string `toml:"target_dir" yaml:"target_dir"`         // target-signal artifacts
	FoldFile      string `toml:"fold_file" yaml:"fold_file"`           // fold assignment CSV
	CheckpointDir string `toml:"checkpoint_dir" yaml:"checkpoint_dir"` // one checkpoint per fold
	PlotDir       string `toml:"plot_dir" yaml:"plot_dir"`             // rendered HTML plots
	RunLog        string `toml:"run_log" yaml:"run_log"`               // SQLite run log
}

// DataConfig controls clip extraction and loading.
type DataConfig struct {
	TargetExt  string `toml:"target_ext" yaml:"target_ext"`
	ClipLength int    `toml:"clip_length" yaml:"clip_length"`
	ClipStride int    `toml:"clip_stride" yaml:"clip_stride"` // 0 means clip_length
	Features   int    `toml:"features" yaml:"features"`       // 0 accepts any width
	Workers    int    `toml:"workers" yaml:"workers"`
	Prefetch   int    `toml:"prefetch" yaml:"prefetch"`
	Shuffle    bool   `toml:"shuffle" yaml:"shuffle"`
	Seed       int64  `toml:"seed" yaml:"seed"`
	BatchSize  int    `toml:"batch_size" yaml:"batch_size"` // must be 1: one video per step
}

// TrainConfig controls the optimisation.
type TrainConfig struct {
	Device           string  `toml:"device" yaml:"device"`
	Epochs           int     `toml:"epochs" yaml:"epochs"`
	ValidationEpochs int     `toml:"validation_epochs" yaml:"validation_epochs"`
	LearningRate     float64 `toml:"learning_rate" yaml:"learning_rate"`
	Lambda           float64 `toml:"lambda" yaml:"lambda"`
	Optimizer        string  `toml:"optimizer" yaml:"optimizer"`
	Scheduler        string  `toml:"scheduler" yaml:"scheduler"`
	Model            string  `toml:"model" yaml:"model"`
	HiddenUnits      int     `toml:"hidden_units" yaml:"hidden_units"`
	Folds            []int   `toml:"folds" yaml:"folds"` // empty means all folds
	CheckpointFormat string  `toml:"checkpoint_format" yaml:"checkpoint_format"`
}

// ReportingConfig configures the optional plotting sidecar.
type ReportingConfig struct {
	SidecarURL     string `toml:"sidecar_url" yaml:"sidecar_url"` // empty disables the sidecar
	SidecarTimeout string `toml:"sidecar_timeout" yaml:"sidecar_timeout"`
	SidecarRetries int    `toml:"sidecar_retries" yaml:"sidecar_retries"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // text or json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			STMapDir:      "data/st_maps",
			TargetDir:     "data/targets",
			FoldFile:      "data/kfold.csv",
			CheckpointDir: "checkpoints",
			PlotDir:       "plots",
			RunLog:        "runs/rhythm.db",
		},
		Data: DataConfig{
			TargetExt:  ".hr",
			ClipLength: 300,
			Workers:    2,
			Prefetch:   2,
			Shuffle:    true,
			Seed:       42,
			BatchSize:  1,
		},
		Train: TrainConfig{
			Device:           "cpu",
			Epochs:           20,
			ValidationEpochs: 1,
			LearningRate:     1e-3,
			Lambda:           training.DefaultSmoothnessWeight,
			Optimizer:        training.OptimizerAdam,
			Scheduler:        training.SchedulerConstant,
			Model:            layers.ModelPooledMLP,
			HiddenUnits:      16,
			CheckpointFormat: "json",
		},
		Reporting: ReportingConfig{
			SidecarTimeout: "30s",
			SidecarRetries: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults: keys absent from the file keep their
// default value. Unknown keys are rejected. Files ending in .yaml or .yml
// are read as YAML, anything else as TOML. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, Invalid(errors.Wrapf(err, "parse %s", path))
		}
		return cfg, nil
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, Invalid(errors.Wrapf(err, "parse %s", path))
	}
	return cfg, nil
}

// Save writes the configuration in the format implied by the extension of
// path, as Load reads it.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
		err = errors.Wrap(err, "marshal config")
	} else {
		data, err = c.TOML()
	}
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write config file")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// TOML encodes the configuration.
func (c *Config) TOML() ([]byte, error) {
	data, err := toml.Marshal(c)
	return data, errors.Wrap(err, "marshal config")
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"paths.stmap_dir":      c.Paths.STMapDir,
		"paths.target_dir":     c.Paths.TargetDir,
		"paths.fold_file":      c.Paths.FoldFile,
		"paths.checkpoint_dir": c.Paths.CheckpointDir,
		"paths.plot_dir":       c.Paths.PlotDir,
		"paths.run_log":        c.Paths.RunLog,
	} {
		if p == "" {
			return errors.Wrapf(ErrInvalid, "%s is required", name)
		}
	}

	d := c.Data
	switch {
	case d.BatchSize != 1:
		return errors.Wrapf(ErrInvalid, "data.batch_size must be 1, got %d", d.BatchSize)
	case d.ClipLength <= 0:
		return errors.Wrapf(ErrInvalid, "data.clip_length must be positive, got %d", d.ClipLength)
	case d.ClipStride < 0:
		return errors.Wrapf(ErrInvalid, "data.clip_stride cannot be negative: %d", d.ClipStride)
	case d.Features < 0:
		return errors.Wrapf(ErrInvalid, "data.features cannot be negative: %d", d.Features)
	case d.Workers < 1:
		return errors.Wrapf(ErrInvalid, "data.workers must be at least 1, got %d", d.Workers)
	case d.Prefetch < 0:
		return errors.Wrapf(ErrInvalid, "data.prefetch cannot be negative: %d", d.Prefetch)
	case !strings.HasPrefix(d.TargetExt, "."):
		return errors.Wrapf(ErrInvalid, "data.target_ext must start with a dot, got %q", d.TargetExt)
	}

	t := c.Train
	switch {
	case t.Epochs < 0:
		return errors.Wrapf(ErrInvalid, "train.epochs cannot be negative: %d", t.Epochs)
	case t.ValidationEpochs < 0:
		return errors.Wrapf(ErrInvalid, "train.validation_epochs cannot be negative: %d", t.ValidationEpochs)
	case !(t.LearningRate > 0):
		return errors.Wrapf(ErrInvalid, "train.learning_rate must be positive, got %v", t.LearningRate)
	case !(t.Lambda >= 0):
		return errors.Wrapf(ErrInvalid, "train.lambda cannot be negative: %v", t.Lambda)
	}
	switch strings.ToLower(t.Optimizer) {
	case training.OptimizerAdam, training.OptimizerSGD:
	default:
		return errors.Wrapf(ErrInvalid, "train.optimizer %q is not adam or sgd", t.Optimizer)
	}
	if _, err := training.NewScheduler(t.Scheduler, t.Epochs); err != nil {
		return errors.Wrapf(ErrInvalid, "train.scheduler: %v", err)
	}
	switch strings.ToLower(t.Model) {
	case layers.ModelLinear:
	case layers.ModelPooledMLP:
		if t.HiddenUnits <= 0 {
			return errors.Wrapf(ErrInvalid, "train.hidden_units must be positive, got %d", t.HiddenUnits)
		}
	default:
		return errors.Wrapf(ErrInvalid, "train.model %q is not %s or %s", t.Model, layers.ModelLinear, layers.ModelPooledMLP)
	}
	if _, err := checkpoints.ParseFormat(t.CheckpointFormat); err != nil {
		return errors.Wrapf(ErrInvalid, "train.checkpoint_format: %v", err)
	}
	if _, err := tensor.ParseDevice(t.Device); err != nil {
		return errors.Wrapf(ErrInvalid, "train.device: %v", err)
	}
	seen := make(map[int]bool)
	for _, f := range t.Folds {
		if seen[f] {
			return errors.Wrapf(ErrInvalid, "train.folds lists fold %d twice", f)
		}
		seen[f] = true
	}

	if _, err := c.SidecarTimeout(); err != nil {
		return err
	}
	if c.Reporting.SidecarRetries < 0 {
		return errors.Wrapf(ErrInvalid, "reporting.sidecar_retries cannot be negative: %d", c.Reporting.SidecarRetries)
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Wrapf(ErrInvalid, "log.format %q is not text or json", c.Log.Format)
	}
	return nil
}

// SidecarTimeout returns the sidecar request timeout.
func (c *Config) SidecarTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Reporting.SidecarTimeout)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalid, "reporting.sidecar_timeout %q: %v", c.Reporting.SidecarTimeout, err)
	}
	return d, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, errors.Wrapf(ErrInvalid, "log.level %q", c.Log.Level)
	}
	return level, nil
}

// ClipConfig returns the dataset settings for device.
func (c *Config) ClipConfig(device tensor.Device) dataset.ClipConfig {
	return dataset.ClipConfig{
		STMapDir:  c.Paths.STMapDir,
		TargetDir: c.Paths.TargetDir,
		TargetExt: c.Data.TargetExt,
		ClipLen:   c.Data.ClipLength,
		Stride:    c.Data.ClipStride,
		Features:  c.Data.Features,
		Device:    device,
	}
}

// RunnerConfig returns the training loop settings. The configuration must
// have been validated.
func (c *Config) RunnerConfig(device tensor.Device, runID string) training.RunnerConfig {
	format, _ := checkpoints.ParseFormat(c.Train.CheckpointFormat)
	return training.RunnerConfig{
		Clip:             c.ClipConfig(device),
		Workers:          c.Data.Workers,
		Prefetch:         c.Data.Prefetch,
		Shuffle:          c.Data.Shuffle,
		Seed:             c.Data.Seed,
		Epochs:           c.Train.Epochs,
		ValidationEpochs: c.Train.ValidationEpochs,
		LearningRate:     c.Train.LearningRate,
		Lambda:           c.Train.Lambda,
		Optimizer:        c.Train.Optimizer,
		Scheduler:        c.Train.Scheduler,
		Folds:            c.Train.Folds,
		CheckpointDir:    c.Paths.CheckpointDir,
		CheckpointFormat: format,
		Device:           device,
		RunID:            runID,
	}
}
