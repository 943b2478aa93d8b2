// Package report turns validation results into agreement statistics,
// HTML plots and run log entries.
package report

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-rhythm/training"
)

// loaZ is the normal quantile of the 95% limits of agreement.
const loaZ = 1.96

// Agreement summarises how well estimated heart rate agrees with the
// ground truth. Differences are estimated minus true.
type Agreement struct {
	N        int
	Bias     float64 // mean difference
	SD       float64 // sample standard deviation of the differences
	LowerLoA float64
	UpperLoA float64
	MAE      float64
	RMSE     float64
	Pearson  float64 // NaN when either series is constant
	R2       float64 // zero when the true values are constant
}

// ComputeAgreement computes Bland–Altman and regression statistics over
// validation pairs.
func ComputeAgreement(pairs []training.HRPair) (Agreement, error) {
	n := len(pairs)
	if n == 0 {
		return Agreement{}, errors.New("no pairs to compare")
	}
	truth, est := splitPairs(pairs)

	diffs := make([]float64, n)
	floats.SubTo(diffs, est, truth)

	a := Agreement{N: n}
	if n > 1 {
		a.Bias, a.SD = stat.MeanStdDev(diffs, nil)
	} else {
		a.Bias = diffs[0]
	}
	a.LowerLoA = a.Bias - loaZ*a.SD
	a.UpperLoA = a.Bias + loaZ*a.SD

	a.MAE = floats.Norm(diffs, 1) / float64(n)
	a.RMSE = floats.Norm(diffs, 2) / math.Sqrt(float64(n))

	a.Pearson = math.NaN()
	if n > 1 {
		a.Pearson = stat.Correlation(truth, est, nil)
	}
	if stat.Variance(truth, nil) > 0 {
		a.R2 = stat.RSquaredFrom(est, truth, nil)
	}
	return a, nil
}

func splitPairs(pairs []training.HRPair) (truth, est []float64) {
	truth = make([]float64, len(pairs))
	est = make([]float64, len(pairs))
	for i, p := range pairs {
		truth[i], est[i] = p.True, p.Predicted
	}
	return truth, est
}

// Scalars returns the statistics under their run log tags. Non-finite
// values are left out.
func (a Agreement) Scalars() map[string]float64 {
	out := make(map[string]float64, 8)
	for tag, v := range map[string]float64{
		"Agreement/bias":      a.Bias,
		"Agreement/sd":        a.SD,
		"Agreement/loa_lower": a.LowerLoA,
		"Agreement/loa_upper": a.UpperLoA,
		"Agreement/mae":       a.MAE,
		"Agreement/rmse":      a.RMSE,
		"Agreement/pearson":   a.Pearson,
		"Agreement/r2":        a.R2,
	} {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[tag] = v
		}
	}
	return out
}
