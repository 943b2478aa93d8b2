package tensor

import (
	"fmt"
)

// Tensor is a dense, row-major float32 tensor. Model parameters carry a
// gradient buffer of the same shape.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       Device
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a trainable parameter and allocates
// its gradient buffer.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.grad == nil {
		t.grad = make([]float32, t.NumElems)
	}
	if !requires {
		t.grad = nil
	}
}

// Grad returns the gradient buffer, nil for tensors that do not require grad.
func (t *Tensor) Grad() []float32 {
	return t.grad
}

// AccumulateGrad adds g into the gradient buffer.
func (t *Tensor) AccumulateGrad(g []float32) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor %v does not require grad", t.Shape)
	}
	if len(g) != len(t.grad) {
		return fmt.Errorf("gradient length %d does not match tensor size %d", len(g), len(t.grad))
	}
	for i, v := range g {
		t.grad[i] += v
	}
	return nil
}

// ZeroGrad resets the gradients of all given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		for i := range t.grad {
			t.grad[i] = 0
		}
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
