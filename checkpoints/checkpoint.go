package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/tensor"
)

const (
	framework = "go-rhythm"
	version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension is the file suffix used for checkpoints of this format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatBinary {
		return ".ckpt.bin"
	}
	return ".ckpt.json"
}

// ParseFormat maps a configuration value ("json", "binary") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "bin", "protobuf":
		return FormatBinary, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer
// state and training progress.
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures training progress for one fold. BestLoss is nil
// until an epoch has produced a finite mean loss.
type TrainingState struct {
	Fold         int      `json:"fold"`
	Epoch        int      `json:"epoch"`
	Step         int      `json:"step"`
	LearningRate float64  `json:"learning_rate"`
	BestLoss     *float64 `json:"best_loss,omitempty"`
	TotalSteps   int      `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count).
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Step       int64              `json:"step"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state buffer.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Device      string    `json:"device,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint. The file is replaced
// atomically: readers see either the previous checkpoint or the new one.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return errors.New("checkpoint cannot be nil")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
		checkpoint.Metadata.Version = version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = encodeJSON(checkpoint)
	case FormatBinary:
		data, err = encodeBinary(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint. An absent file yields an error
// satisfying errors.Is(err, os.ErrNotExist).
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint, err = decodeJSON(data)
	case FormatBinary:
		checkpoint, err = decodeBinary(data)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return checkpoint, nil
}

func encodeJSON(checkpoint *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// writeFileAtomic writes to a temporary file in the destination directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace checkpoint")
	}
	return nil
}

// ExtractWeights copies parameter tensors into WeightTensors. names must be
// aligned with params and follow the "<layer>.<type>" convention.
func ExtractWeights(names []string, params []*tensor.Tensor) ([]WeightTensor, error) {
	if len(names) != len(params) {
		return nil, errors.Errorf("parameter name count %d does not match tensor count %d", len(names), len(params))
	}
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		layer, typ := splitParameterName(names[i])
		weights[i] = WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layer,
			Type:  typ,
		}
	}
	return weights, nil
}

// LoadWeights copies checkpointed weights into params, matching by name and
// checking shapes. Every weight is checked before any tensor is written, so
// a rejected checkpoint leaves params untouched.
func LoadWeights(weights []WeightTensor, names []string, params []*tensor.Tensor) error {
	if len(names) != len(params) {
		return errors.Errorf("parameter name count %d does not match tensor count %d", len(names), len(params))
	}
	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(params))
	}

	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	matched := make([]WeightTensor, len(params))
	for i, p := range params {
		w, ok := byName[names[i]]
		if !ok {
			return errors.Errorf("checkpoint has no weight %s", names[i])
		}
		if !tensor.SameShape(p.Shape, w.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs checkpoint %v", w.Name, p.Shape, w.Shape)
		}
		if len(w.Data) != p.NumElems {
			return errors.Errorf("weight %s has %d values, tensor holds %d", w.Name, len(w.Data), p.NumElems)
		}
		matched[i] = w
	}
	for i, p := range params {
		if err := p.CopyFrom(matched[i].Data); err != nil {
			return errors.Wrapf(err, "failed to copy weight data for %s", matched[i].Name)
		}
	}
	return nil
}

func splitParameterName(name string) (layer, typ string) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, "weight"
}
