package checkpoints

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-rhythm/layers"
)

// The binary format is a protobuf message written with protowire, so any
// protobuf tooling can inspect it given this schema:
//
//	message Checkpoint {
//	  repeated Weight  weights         = 1;
//	  TrainingState    training_state  = 2;
//	  OptimizerState   optimizer_state = 3;
//	  Metadata         metadata        = 4;
//	  bytes            model_spec_json = 5;
//	}
//	message Weight { string name = 1; repeated int64 shape = 2; repeated fixed32 data = 3; string layer = 4; string type = 5; }
//	message TrainingState { int64 fold = 1; int64 epoch = 2; int64 step = 3; double learning_rate = 4; optional double best_loss = 5; int64 total_steps = 6; }
//	message OptimizerState { string type = 1; int64 step = 2; repeated Param parameters = 3; repeated StateTensor state_data = 4; }
//	message Param { string key = 1; double value = 2; }
//	message StateTensor { string name = 1; repeated int64 shape = 2; repeated fixed32 data = 3; string state_type = 4; }
//	message Metadata { string version = 1; string framework = 2; sint64 created_at_unix_nano = 3; string run_id = 4; string device = 5; string description = 6; repeated string tags = 7; }
//
// Floats are stored as their IEEE-754 bits, so a round trip is exact.

const (
	ckptWeights        protowire.Number = 1
	ckptTrainingState  protowire.Number = 2
	ckptOptimizerState protowire.Number = 3
	ckptMetadata       protowire.Number = 4
	ckptModelSpec      protowire.Number = 5
)

func encodeBinary(c *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, ckptWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeWeight(w))
	}
	b = protowire.AppendTag(b, ckptTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeTrainingState(c.TrainingState))
	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, ckptOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOptimizerState(c.OptimizerState))
	}
	b = protowire.AppendTag(b, ckptMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeMetadata(c.Metadata))
	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "encode model spec")
		}
		b = protowire.AppendTag(b, ckptModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	return b, nil
}

func decodeBinary(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case ckptWeights:
			w, err := decodeWeight(v.bytes)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, w)
		case ckptTrainingState:
			ts, err := decodeTrainingState(v.bytes)
			if err != nil {
				return err
			}
			c.TrainingState = ts
		case ckptOptimizerState:
			state, err := decodeOptimizerState(v.bytes)
			if err != nil {
				return err
			}
			c.OptimizerState = state
		case ckptMetadata:
			md, err := decodeMetadata(v.bytes)
			if err != nil {
				return err
			}
			c.Metadata = md
		case ckptModelSpec:
			var spec layers.ModelSpec
			if err := json.Unmarshal(v.bytes, &spec); err != nil {
				return errors.Wrap(err, "decode model spec")
			}
			c.ModelSpec = &spec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func encodeWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = appendPackedFloats(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	b = appendString(b, 5, w.Type)
	return b
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v field) error {
		var err error
		switch num {
		case 1:
			w.Name = string(v.bytes)
		case 2:
			w.Shape, err = appendInts(w.Shape, typ, v)
		case 3:
			w.Data, err = appendFloats(w.Data, typ, v)
		case 4:
			w.Layer = string(v.bytes)
		case 5:
			w.Type = string(v.bytes)
		}
		return err
	})
	return w, err
}

func encodeTrainingState(ts TrainingState) []byte {
	var b []byte
	b = appendInt(b, 1, int64(ts.Fold))
	b = appendInt(b, 2, int64(ts.Epoch))
	b = appendInt(b, 3, int64(ts.Step))
	b = appendDouble(b, 4, ts.LearningRate)
	if ts.BestLoss != nil {
		b = appendDouble(b, 5, *ts.BestLoss)
	}
	b = appendInt(b, 6, int64(ts.TotalSteps))
	return b
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var ts TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			ts.Fold = int(v.varint)
		case 2:
			ts.Epoch = int(v.varint)
		case 3:
			ts.Step = int(v.varint)
		case 4:
			ts.LearningRate = math.Float64frombits(v.fixed64)
		case 5:
			best := math.Float64frombits(v.fixed64)
			ts.BestLoss = &best
		case 6:
			ts.TotalSteps = int(v.varint)
		}
		return nil
	})
	return ts, err
}

func encodeOptimizerState(state *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, state.Type)
	b = appendInt(b, 2, state.Step)

	keys := make([]string, 0, len(state.Parameters))
	for k := range state.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, 1, k)
		p = appendDouble(p, 2, state.Parameters[k])
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}

	for _, st := range state.StateData {
		var s []byte
		s = appendString(s, 1, st.Name)
		s = appendPackedInts(s, 2, st.Shape)
		s = appendPackedFloats(s, 3, st.Data)
		s = appendString(s, 4, st.StateType)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	state := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			state.Type = string(v.bytes)
		case 2:
			state.Step = int64(v.varint)
		case 3:
			var (
				key   string
				value float64
			)
			err := walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, pv field) error {
				switch num {
				case 1:
					key = string(pv.bytes)
				case 2:
					value = math.Float64frombits(pv.fixed64)
				}
				return nil
			})
			if err != nil {
				return err
			}
			state.Parameters[key] = value
		case 4:
			var st OptimizerTensor
			err := walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, sv field) error {
				var err error
				switch num {
				case 1:
					st.Name = string(sv.bytes)
				case 2:
					st.Shape, err = appendInts(st.Shape, typ, sv)
				case 3:
					st.Data, err = appendFloats(st.Data, typ, sv)
				case 4:
					st.StateType = string(sv.bytes)
				}
				return err
			})
			if err != nil {
				return err
			}
			state.StateData = append(state.StateData, st)
		}
		return nil
	})
	return state, err
}

func encodeMetadata(md CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, md.RunID)
	b = appendString(b, 5, md.Device)
	b = appendString(b, 6, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			md.Version = string(v.bytes)
		case 2:
			md.Framework = string(v.bytes)
		case 3:
			md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v.varint)).UTC()
		case 4:
			md.RunID = string(v.bytes)
		case 5:
			md.Device = string(v.bytes)
		case 6:
			md.Description = string(v.bytes)
		case 7:
			md.Tags = append(md.Tags, string(v.bytes))
		}
		return nil
	})
	return md, err
}

// field holds the decoded value of one wire field; which member is valid
// depends on the wire type.
type field struct {
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

// walkFields decodes every field of a message and hands it to fn. Unknown
// wire types are skipped.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "malformed field tag")
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			v.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			v.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, len(vs)*4)
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// appendInts accepts both packed and unpacked encodings of a repeated int64.
func appendInts(dst []int, typ protowire.Type, v field) ([]int, error) {
	if typ == protowire.VarintType {
		return append(dst, int(v.varint)), nil
	}
	b := v.bytes
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, int(x))
		b = b[n:]
	}
	return dst, nil
}

// appendFloats accepts both packed and unpacked encodings of a repeated fixed32.
func appendFloats(dst []float32, typ protowire.Type, v field) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		return append(dst, math.Float32frombits(v.fixed32)), nil
	}
	b := v.bytes
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed float field has %d bytes", len(b))
	}
	for len(b) > 0 {
		x, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, math.Float32frombits(x))
		b = b[n:]
	}
	return dst, nil
}
