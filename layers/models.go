package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/tsawler/go-rhythm/tensor"
)

// Reference regressor names accepted by NewRegressor.
const (
	ModelLinear      = "linear"
	ModelPooledMLP   = "pooled_mlp"
	defaultHiddenMLP = 16
)

// LinearSpec pools a clip over time and regresses the heart rate linearly
// from the pooled features.
func LinearSpec(clipLen, features int) (*ModelSpec, error) {
	return NewModelBuilder(ModelLinear, []int{clipLen, features}).
		AddTemporalMeanPool("pool").
		AddDense(1, true, "head").
		Compile()
}

// PooledMLPSpec pools a clip over time, then applies one hidden ReLU layer.
func PooledMLPSpec(clipLen, features, hidden int) (*ModelSpec, error) {
	if hidden <= 0 {
		hidden = defaultHiddenMLP
	}
	return NewModelBuilder(ModelPooledMLP, []int{clipLen, features}).
		AddTemporalMeanPool("pool").
		AddDense(hidden, true, "hidden").
		AddReLU("relu").
		AddDense(1, true, "head").
		Compile()
}

// NewRegressor builds one of the reference regressors by name.
func NewRegressor(name string, clipLen, features, hidden int, device tensor.Device, rng *rand.Rand) (*Sequential, error) {
	var (
		spec *ModelSpec
		err  error
	)
	switch strings.ToLower(name) {
	case ModelLinear:
		spec, err = LinearSpec(clipLen, features)
	case ModelPooledMLP:
		spec, err = PooledMLPSpec(clipLen, features, hidden)
	default:
		return nil, fmt.Errorf("unknown model %q (want %s or %s)", name, ModelLinear, ModelPooledMLP)
	}
	if err != nil {
		return nil, err
	}
	return Build(spec, device, rng)
}
