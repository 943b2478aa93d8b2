package training

import "time"

// Phase names the kind of epoch.
type Phase string

const (
	PhaseTrain      Phase = "train"
	PhaseValidation Phase = "validation"
)

// HRPair is one clip's true and predicted heart rate.
type HRPair struct {
	Video     string  `json:"video"`
	Clip      int     `json:"clip"`
	True      float64 `json:"true"`
	Predicted float64 `json:"predicted"`
}

// EpochStats summarises one epoch of one fold.
type EpochStats struct {
	Fold           int
	Epoch          int
	Phase          Phase
	MeanLoss       float64 // valid only when HasMean
	MeanAccuracy   float64
	MeanSmoothness float64
	HasMean        bool
	Videos         int // videos that contributed a finite loss
	Skipped        int // videos skipped for a non-finite loss
	Pairs          []HRPair
	Duration       time.Duration
}

// FoldResult records what happened to one fold.
type FoldResult struct {
	Fold        int
	Resumed     bool
	StartEpoch  int
	Train       []EpochStats
	Validation  []EpochStats
	SavedEpochs []int
	BestLoss    BestLoss
}

// Reporter receives metrics and validation pairs as the run progresses.
type Reporter interface {
	LogScalar(tag string, fold, step int, value float64) error
	LogAgreement(fold, epoch int, pairs []HRPair) error
	Flush() error
}

// Scalar tags written by the Runner.
const (
	TagTrainLoss       = "Loss/train"
	TagValidationLoss  = "Loss/validation"
	TagTrainAccuracy   = "Loss/train_accuracy"
	TagTrainSmoothness = "Loss/train_smoothness"
	TagSkippedVideos   = "Data/skipped_videos"
	TagLearningRate    = "Optim/learning_rate"
)

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) LogScalar(string, int, int, float64) error { return nil }
func (NopReporter) LogAgreement(int, int, []HRPair) error     { return nil }
func (NopReporter) Flush() error                              { return nil }
