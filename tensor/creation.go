package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros; the slice is not copied.
func NewTensor(shape []int, device Device, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Device:   device,
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int, device Device) (*Tensor, error) {
	return NewTensor(shape, device, nil)
}

func Full(shape []int, value float32, device Device) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal fills a tensor with N(mean, std) samples drawn from rng.
func RandomNormal(shape []int, mean, std float32, device Device, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// Clone returns a deep copy. Gradient buffers are not copied.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Device:   t.Device,
		Data:     data,
		NumElems: t.NumElems,
	}
}

// CopyFrom overwrites the tensor's data in place.
func (t *Tensor) CopyFrom(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}
