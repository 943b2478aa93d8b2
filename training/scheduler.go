package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Scheduler names accepted by NewScheduler.
const (
	SchedulerConstant    = "constant"
	SchedulerStep        = "step"
	SchedulerExponential = "exponential"
	SchedulerCosine      = "cosine"
	SchedulerPlateau     = "plateau"
)

// LRScheduler decides the learning rate of each training epoch.
type LRScheduler interface {
	// LearningRate returns the rate for epoch (1-based) given the base rate.
	LearningRate(epoch int, baseLR float64) float64

	// Observe receives the epoch's mean training loss.
	Observe(loss float64)

	Name() string
}

// NewScheduler builds a scheduler by name with the defaults the trainer
// uses. epochs sizes the cosine schedule.
func NewScheduler(kind string, epochs int) (LRScheduler, error) {
	switch strings.ToLower(kind) {
	case "", SchedulerConstant:
		return ConstantLR{}, nil
	case SchedulerStep:
		return NewStepLRScheduler(30, 0.1), nil
	case SchedulerExponential:
		return NewExponentialLRScheduler(0.95), nil
	case SchedulerCosine:
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case SchedulerPlateau:
		return NewReduceLROnPlateauScheduler(0.8, 5, 1e-4), nil
	default:
		return nil, errors.Wrapf(ErrConfig, "unknown scheduler %q", kind)
	}
}

// ConstantLR keeps the base rate.
type ConstantLR struct{}

func (ConstantLR) LearningRate(_ int, baseLR float64) float64 { return baseLR }
func (ConstantLR) Observe(float64)                            {}
func (ConstantLR) Name() string                               { return SchedulerConstant }

// StepLRScheduler multiplies the rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step scheduler. Out-of-range arguments fall
// back to a step of 30 epochs and a gamma of 0.1.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) LearningRate(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64((epoch-1)/s.StepSize))
}

func (s *StepLRScheduler) Observe(float64) {}
func (s *StepLRScheduler) Name() string    { return SchedulerStep }

// ExponentialLRScheduler multiplies the rate by Gamma every epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) LearningRate(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch-1))
}

func (s *ExponentialLRScheduler) Observe(float64) {}
func (s *ExponentialLRScheduler) Name() string    { return SchedulerExponential }

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) LearningRate(epoch int, baseLR float64) float64 {
	e := epoch - 1
	if e >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(e)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Observe(float64) {}
func (s *CosineAnnealingLRScheduler) Name() string    { return SchedulerCosine }

// ReduceLROnPlateauScheduler scales the rate by Factor once the training
// loss has failed to improve on the best by more than the relative Threshold
// for Patience epochs.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64

	best      float64
	badEpochs int
	scale     float64
	seen      bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{Factor: factor, Patience: patience, Threshold: threshold, scale: 1}
}

func (s *ReduceLROnPlateauScheduler) LearningRate(_ int, baseLR float64) float64 {
	return baseLR * s.scale
}

func (s *ReduceLROnPlateauScheduler) Observe(loss float64) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return
	}
	if !s.seen || loss < s.best*(1-s.Threshold) {
		s.best, s.seen, s.badEpochs = loss, true, 0
		return
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

// Resume restores the reduction already applied to a resumed run, derived
// from the checkpointed rate.
func (s *ReduceLROnPlateauScheduler) Resume(currentLR, baseLR float64) {
	if baseLR > 0 && currentLR > 0 && currentLR <= baseLR {
		s.scale = currentLR / baseLR
	}
}

func (s *ReduceLROnPlateauScheduler) Name() string { return SchedulerPlateau }
