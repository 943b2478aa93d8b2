package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of a regressor layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Tanh
	TemporalMeanPool
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Tanh:
		return "Tanh"
	case TemporalMeanPool:
		return "TemporalMeanPool"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. It carries no execution state;
// Build turns a compiled ModelSpec into a runnable Sequential.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete regressor as layer configuration.
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct regressors layer by layer. The input shape
// is the shape of one clip, [frames, features].
type ModelBuilder struct {
	name       string
	inputShape []int
	layers     []LayerSpec
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		inputShape: append([]int(nil), inputShape...),
		layers:     make([]LayerSpec, 0),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a fully connected layer over the last dimension.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddTanh adds a Tanh activation
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Tanh, Name: name, Parameters: map[string]interface{}{}})
}

// AddTemporalMeanPool averages a [frames, features] clip over its frames.
func (mb *ModelBuilder) AddTemporalMeanPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: TemporalMeanPool, Name: name, Parameters: map[string]interface{}{}})
}

// AddFlatten reshapes a clip into a single feature vector.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// Compile resolves every layer's shapes and parameter metadata. A regressor
// must end in a single output per clip.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("model %q has no layers", mb.name)
	}
	if len(mb.inputShape) != 2 {
		return nil, fmt.Errorf("clip input shape must be [frames, features], got %v", mb.inputShape)
	}
	for _, d := range mb.inputShape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid clip input shape %v", mb.inputShape)
		}
	}

	spec := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	seen := make(map[string]bool)

	current := spec.InputShape
	for i, layer := range mb.layers {
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s_%d", strings.ToLower(layer.Type.String()), i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		out, shapes, count, err := computeLayerInfo(&layer, current)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
		}
		layer.InputShape = append([]int(nil), current...)
		layer.OutputShape = out
		layer.ParameterShapes = shapes
		layer.ParameterCount = count

		spec.Layers[i] = layer
		spec.ParameterShapes = append(spec.ParameterShapes, shapes...)
		spec.TotalParameters += count
		current = out
	}

	if numElements(current) != 1 {
		return nil, fmt.Errorf("model %q must produce one value per clip, output shape is %v", mb.name, current)
	}
	spec.OutputShape = current
	spec.Compiled = true
	mb.compiled = true
	return spec, nil
}

func computeLayerInfo(layer *LayerSpec, in []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		outputSize := getIntParam(layer.Parameters, "output_size", 0)
		if outputSize <= 0 {
			return nil, nil, 0, fmt.Errorf("dense output size must be positive, got %d", outputSize)
		}
		inputSize := in[len(in)-1]
		out := append(append([]int(nil), in[:len(in)-1]...), outputSize)
		shapes := [][]int{{outputSize, inputSize}}
		count := int64(outputSize * inputSize)
		if getBoolParam(layer.Parameters, "use_bias", true) {
			shapes = append(shapes, []int{outputSize})
			count += int64(outputSize)
		}
		return out, shapes, count, nil

	case ReLU, Tanh:
		return append([]int(nil), in...), nil, 0, nil

	case TemporalMeanPool:
		if len(in) != 2 {
			return nil, nil, 0, fmt.Errorf("temporal pooling needs a [frames, features] input, got %v", in)
		}
		return []int{in[1]}, nil, 0, nil

	case Flatten:
		return []int{numElements(in)}, nil, 0, nil

	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type %v", layer.Type)
	}
}

// Summary returns a human-readable table of the compiled model.
func (ms *ModelSpec) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", ms.Name)
	fmt.Fprintf(&b, "Input shape: %v\n", ms.InputShape)
	b.WriteString("─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(&b, "%-20s %-18s %-12s %s\n", "Layer", "Type", "Output", "Params")
	b.WriteString("─────────────────────────────────────────────────────────\n")
	for _, layer := range ms.Layers {
		fmt.Fprintf(&b, "%-20s %-18s %-12v %d\n", layer.Name, layer.Type, layer.OutputShape, layer.ParameterCount)
	}
	b.WriteString("─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(&b, "Total parameters: %d\n", ms.TotalParameters)
	return b.String()
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultValue
	}
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
