package training

import (
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/checkpoints"
	"github.com/tsawler/go-rhythm/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement.
// GetState and LoadState move the optimizer's buffers in and out of
// checkpoints.
type Optimizer interface {
	Step() error      // Updates parameters from their accumulated gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	GetStepCount() int64
	GetState() (*checkpoints.OptimizerState, error)
	LoadState(state *checkpoints.OptimizerState) error
}

// Optimizer names accepted by NewOptimizer.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// NewOptimizer creates an optimizer by name over params. names label the
// parameters in checkpoints and must be aligned with params.
func NewOptimizer(kind string, params []*tensor.Tensor, names []string, lr float64) (Optimizer, error) {
	if len(params) != len(names) {
		return nil, errors.Wrapf(ErrConfig, "%d parameters but %d names", len(params), len(names))
	}
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return nil, errors.Wrapf(ErrConfig, "learning rate must be positive and finite, got %v", lr)
	}
	switch strings.ToLower(kind) {
	case "", OptimizerAdam:
		return NewAdam(params, names, lr, 0.9, 0.999, 1e-8, 0), nil
	case OptimizerSGD:
		return NewSGD(params, names, lr, 0.9, 0), nil
	default:
		return nil, errors.Wrapf(ErrConfig, "unknown optimizer %q", kind)
	}
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters   []*tensor.Tensor
	names        []string
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   [][]float32
	steps        int64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, names []string, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		names:        names,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		sgd.velocities[i] = make([]float32, p.NumElems)
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for i, param := range sgd.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		vel := sgd.velocities[i]
		for j := range param.Data {
			g := float64(grad[j]) + sgd.weightDecay*float64(param.Data[j])
			v := sgd.momentum*float64(vel[j]) + g
			vel[j] = float32(v)
			param.Data[j] -= float32(sgd.learningRate * v)
		}
	}
	sgd.steps++
	return nil
}

// ZeroGrad resets gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// GetStepCount returns the number of steps taken
func (sgd *SGD) GetStepCount() int64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.steps
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Step: sgd.steps,
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
		},
	}
	for i, p := range sgd.parameters {
		state.StateData = append(state.StateData, stateTensor(sgd.names[i], "momentum", p.Shape, sgd.velocities[i]))
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	buffers, err := indexState(state, sgd.names, sgd.parameters, "momentum")
	if err != nil {
		return err
	}
	sgd.velocities = buffers["momentum"]
	sgd.steps = state.Step
	if lr, ok := state.Parameters["learning_rate"]; ok {
		sgd.learningRate = lr
	}
	if m, ok := state.Parameters["momentum"]; ok {
		sgd.momentum = m
	}
	if wd, ok := state.Parameters["weight_decay"]; ok {
		sgd.weightDecay = wd
	}
	return nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters   []*tensor.Tensor
	names        []string
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	weightDecay  float64
	m            [][]float32
	v            [][]float32
	steps        int64
	mutex        sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, names []string, lr, beta1, beta2, epsilon, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:   parameters,
		names:        names,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		weightDecay:  weightDecay,
		m:            make([][]float32, len(parameters)),
		v:            make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		adam.m[i] = make([]float32, p.NumElems)
		adam.v[i] = make([]float32, p.NumElems)
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.steps++
	bias1 := 1 - math.Pow(adam.beta1, float64(adam.steps))
	bias2 := 1 - math.Pow(adam.beta2, float64(adam.steps))

	for i, param := range adam.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		m, v := adam.m[i], adam.v[i]
		for j := range param.Data {
			g := float64(grad[j]) + adam.weightDecay*float64(param.Data[j])
			mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*g
			vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			param.Data[j] -= float32(adam.learningRate * mHat / (math.Sqrt(vHat) + adam.epsilon))
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.learningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.learningRate = lr
}

// GetStepCount returns the number of steps taken
func (adam *Adam) GetStepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.steps
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Step: adam.steps,
		Parameters: map[string]float64{
			"learning_rate": adam.learningRate,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.epsilon,
			"weight_decay":  adam.weightDecay,
		},
	}
	for i, p := range adam.parameters {
		state.StateData = append(state.StateData,
			stateTensor(adam.names[i], "m", p.Shape, adam.m[i]),
			stateTensor(adam.names[i], "v", p.Shape, adam.v[i]),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	buffers, err := indexState(state, adam.names, adam.parameters, "m", "v")
	if err != nil {
		return err
	}
	adam.m, adam.v = buffers["m"], buffers["v"]
	adam.steps = state.Step

	for key, dst := range map[string]*float64{
		"learning_rate": &adam.learningRate,
		"beta1":         &adam.beta1,
		"beta2":         &adam.beta2,
		"epsilon":       &adam.epsilon,
		"weight_decay":  &adam.weightDecay,
	} {
		if v, ok := state.Parameters[key]; ok {
			*dst = v
		}
	}
	return nil
}

func stateTensor(name, stateType string, shape []int, data []float32) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), data...),
		StateType: stateType,
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("optimizer type mismatch: checkpoint has %s, expected %s", state.Type, optimizerType)
	}
	return nil
}

// indexState collects, for each state type, one buffer per parameter in
// parameter order. Every (parameter, state type) pair must be present.
func indexState(state *checkpoints.OptimizerState, names []string, params []*tensor.Tensor, stateTypes ...string) (map[string][][]float32, error) {
	byKey := make(map[string]checkpoints.OptimizerTensor, len(state.StateData))
	for _, st := range state.StateData {
		byKey[st.Name+"/"+st.StateType] = st
	}

	out := make(map[string][][]float32, len(stateTypes))
	for _, stateType := range stateTypes {
		buffers := make([][]float32, len(params))
		for i, p := range params {
			st, ok := byKey[names[i]+"/"+stateType]
			if !ok {
				return nil, errors.Errorf("optimizer state has no %s buffer for %s", stateType, names[i])
			}
			if !tensor.SameShape(st.Shape, p.Shape) || len(st.Data) != p.NumElems {
				return nil, errors.Errorf("optimizer %s buffer for %s has shape %v, parameter has %v", stateType, names[i], st.Shape, p.Shape)
			}
			buffers[i] = append([]float32(nil), st.Data...)
		}
		out[stateType] = buffers
	}
	return out, nil
}
