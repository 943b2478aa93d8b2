package training

import (
	"math"

	"github.com/pkg/errors"
)

// DefaultSmoothnessWeight is the λ applied to the smoothness term.
const DefaultSmoothnessWeight = 100.0

// LossTerms holds the parts of a video's loss.
type LossTerms struct {
	Accuracy   float64
	Smoothness float64
	Total      float64
}

// LossFunction scores the per-clip predictions of one video against its
// targets. Both slices are in clip order.
type LossFunction interface {
	Forward(predicted, target []float64) (LossTerms, error)
	Backward(predicted, target []float64) ([]float64, error)
}

// RhythmLoss combines an L1 accuracy term with a temporal smoothness term
// that compares consecutive prediction differences with consecutive target
// differences:
//
//	Accuracy   = mean_i |p_i - t_i|
//	Smoothness = mean_{i>=1} |(p_i - p_{i-1}) - (t_i - t_{i-1})|
//	Total      = Accuracy + Lambda * Smoothness
type RhythmLoss struct {
	Lambda float64
}

// NewRhythmLoss creates the loss with smoothness weight lambda.
func NewRhythmLoss(lambda float64) *RhythmLoss {
	return &RhythmLoss{Lambda: lambda}
}

// Forward computes the loss terms. A single clip has no smoothness term.
func (l *RhythmLoss) Forward(predicted, target []float64) (LossTerms, error) {
	if err := checkLengths(predicted, target); err != nil {
		return LossTerms{}, err
	}

	var terms LossTerms
	for i := range predicted {
		terms.Accuracy += math.Abs(predicted[i] - target[i])
	}
	terms.Accuracy /= float64(len(predicted))

	if n := len(predicted); n > 1 {
		for i := 1; i < n; i++ {
			terms.Smoothness += math.Abs(temporalResidual(predicted, target, i))
		}
		terms.Smoothness /= float64(n - 1)
	}

	terms.Total = terms.Accuracy + l.Lambda*terms.Smoothness
	if math.IsNaN(terms.Total) || math.IsInf(terms.Total, 0) {
		return terms, errors.Wrapf(ErrNonFiniteLoss, "accuracy %v, smoothness %v", terms.Accuracy, terms.Smoothness)
	}
	return terms, nil
}

// Backward returns dTotal/dp_i, using sign(0) = 0 at the kinks.
func (l *RhythmLoss) Backward(predicted, target []float64) ([]float64, error) {
	if err := checkLengths(predicted, target); err != nil {
		return nil, err
	}

	n := len(predicted)
	grad := make([]float64, n)
	for i := range predicted {
		grad[i] = sign(predicted[i]-target[i]) / float64(n)
	}

	if n > 1 {
		scale := l.Lambda / float64(n-1)
		for i := 1; i < n; i++ {
			s := sign(temporalResidual(predicted, target, i)) * scale
			grad[i] += s
			grad[i-1] -= s
		}
	}
	return grad, nil
}

// temporalResidual is (p_i - p_{i-1}) - (t_i - t_{i-1}).
func temporalResidual(p, t []float64, i int) float64 {
	return (p[i] - p[i-1]) - (t[i] - t[i-1])
}

func checkLengths(predicted, target []float64) error {
	if len(predicted) == 0 {
		return errors.New("loss needs at least one clip")
	}
	if len(predicted) != len(target) {
		return errors.Errorf("predicted has %d clips, target has %d", len(predicted), len(target))
	}
	return nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
