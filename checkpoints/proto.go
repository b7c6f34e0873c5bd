package checkpoints

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of FormatProto. Field numbers are stable; unknown fields are
// skipped on decode.
//
//	Checkpoint      1 model_spec (JSON bytes), 2 weights, 3 training_state,
//	                4 optimizer_state, 5 metadata
//	WeightTensor    1 name, 2 shape (packed), 3 data (packed double), 4 layer, 5 type
//	TrainingState   1 epoch, 2 step, 3 learning_rate, 4 best_loss,
//	                5 best_accuracy, 6 total_steps
//	OptimizerState  1 type, 2 parameters (entry: 1 key, 2 value), 3 state_data
//	OptimizerTensor 1 name, 2 shape (packed), 3 data (packed double), 4 state_type
//	Metadata        1 version, 2 framework, 3 created_at (unix nanos),
//	                4 run_id, 5 description, 6 tags
const (
	fieldModelSpec      protowire.Number = 1
	fieldWeights        protowire.Number = 2
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5
)

// MarshalProto encodes a checkpoint in protobuf wire format
func MarshalProto(cp *Checkpoint) ([]byte, error) {
	var b []byte

	if cp.ModelSpec != nil {
		spec, err := json.Marshal(cp.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode model spec")
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range cp.Weights {
		b = appendMessage(b, fieldWeights, appendWeightTensor(nil, w))
	}

	b = appendMessage(b, fieldTrainingState, appendTrainingState(nil, cp.TrainingState))

	if cp.OptimizerState != nil {
		b = appendMessage(b, fieldOptimizerState, appendOptimizerState(nil, cp.OptimizerState))
	}

	b = appendMessage(b, fieldMetadata, appendMetadata(nil, cp.Metadata))
	return b, nil
}

// UnmarshalProto decodes a checkpoint produced by MarshalProto
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldModelSpec:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return 0, errors.Wrap(err, "model spec")
			}
			cp.ModelSpec = &spec
			return n, nil
		case fieldWeights:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			w, err := parseWeightTensor(v)
			if err != nil {
				return 0, errors.Wrap(err, "weight tensor")
			}
			cp.Weights = append(cp.Weights, w)
			return n, nil
		case fieldTrainingState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			cp.TrainingState, err = parseTrainingState(v)
			return n, errors.Wrap(err, "training state")
		case fieldOptimizerState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			cp.OptimizerState, err = parseOptimizerState(v)
			return n, errors.Wrap(err, "optimizer state")
		case fieldMetadata:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			cp.Metadata, err = parseMetadata(v)
			return n, errors.Wrap(err, "metadata")
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
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
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	return appendMessage(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendWeightTensor(b []byte, w WeightTensor) []byte {
	b = appendString(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = appendPackedDoubles(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	return appendString(b, 5, w.Type)
}

func appendOptimizerTensor(b []byte, t OptimizerTensor) []byte {
	b = appendString(b, 1, t.Name)
	b = appendPackedInts(b, 2, t.Shape)
	b = appendPackedDoubles(b, 3, t.Data)
	return appendString(b, 4, t.StateType)
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendInt(b, 1, int64(ts.Epoch))
	b = appendInt(b, 2, int64(ts.Step))
	b = appendDouble(b, 3, ts.LearningRate)
	b = appendDouble(b, 4, ts.BestLoss)
	b = appendDouble(b, 5, ts.BestAccuracy)
	return appendInt(b, 6, int64(ts.TotalSteps))
}

func appendOptimizerState(b []byte, st *OptimizerState) []byte {
	b = appendString(b, 1, st.Type)

	keys := make([]string, 0, len(st.Parameters))
	for k := range st.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendDouble(entry, 2, st.Parameters[k])
		b = appendMessage(b, 2, entry)
	}

	for _, t := range st.StateData {
		b = appendMessage(b, 3, appendOptimizerTensor(nil, t))
	}
	return b
}

func appendMetadata(b []byte, md CheckpointMetadata) []byte {
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = appendInt(b, 3, md.CreatedAt.UnixNano())
	}
	b = appendString(b, 4, md.RunID)
	b = appendString(b, 5, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// walkFields calls fn for every field in b. fn returns the number of value
// bytes it consumed, or 0 to have the field skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func wrongType(want, got protowire.Type) error {
	return errors.Errorf("unexpected wire type %d, want %d", got, want)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	return string(v), n, err
}

func consumeInt(typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return protowire.DecodeZigZag(v), n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wrongType(protowire.Fixed64Type, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumePackedInts(typ protowire.Type, b []byte) ([]int, int, error) {
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	var vs []int
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		vs = append(vs, int(protowire.DecodeZigZag(v)))
		packed = packed[m:]
	}
	return vs, n, nil
}

func consumePackedDoubles(typ protowire.Type, b []byte) ([]float64, int, error) {
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	if len(packed)%8 != 0 {
		return nil, 0, errors.Errorf("packed doubles length %d is not a multiple of 8", len(packed))
	}
	vs := make([]float64, 0, len(packed)/8)
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed64(packed)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		vs = append(vs, math.Float64frombits(v))
		packed = packed[m:]
	}
	return vs, n, nil
}

func parseWeightTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			w.Name, n, err = consumeString(typ, b)
		case 2:
			w.Shape, n, err = consumePackedInts(typ, b)
		case 3:
			w.Data, n, err = consumePackedDoubles(typ, b)
		case 4:
			w.Layer, n, err = consumeString(typ, b)
		case 5:
			w.Type, n, err = consumeString(typ, b)
		}
		return n, err
	})
	return w, err
}

func parseOptimizerTensor(b []byte) (OptimizerTensor, error) {
	var t OptimizerTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			t.Name, n, err = consumeString(typ, b)
		case 2:
			t.Shape, n, err = consumePackedInts(typ, b)
		case 3:
			t.Data, n, err = consumePackedDoubles(typ, b)
		case 4:
			t.StateType, n, err = consumeString(typ, b)
		}
		return n, err
	})
	return t, err
}

func parseTrainingState(b []byte) (TrainingState, error) {
	var ts TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			iv  int64
			n   int
			err error
		)
		switch num {
		case 1:
			iv, n, err = consumeInt(typ, b)
			ts.Epoch = int(iv)
		case 2:
			iv, n, err = consumeInt(typ, b)
			ts.Step = int(iv)
		case 3:
			ts.LearningRate, n, err = consumeDouble(typ, b)
		case 4:
			ts.BestLoss, n, err = consumeDouble(typ, b)
		case 5:
			ts.BestAccuracy, n, err = consumeDouble(typ, b)
		case 6:
			iv, n, err = consumeInt(typ, b)
			ts.TotalSteps = int(iv)
		}
		return n, err
	})
	return ts, err
}

func parseOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: make(map[string]float64)}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var (
				n   int
				err error
			)
			st.Type, n, err = consumeString(typ, b)
			return n, err
		case 2:
			entry, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var (
				key   string
				value float64
			)
			err = walkFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				var (
					m   int
					err error
				)
				switch num {
				case 1:
					key, m, err = consumeString(typ, b)
				case 2:
					value, m, err = consumeDouble(typ, b)
				}
				return m, err
			})
			if err != nil {
				return 0, err
			}
			st.Parameters[key] = value
			return n, nil
		case 3:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := parseOptimizerTensor(msg)
			if err != nil {
				return 0, err
			}
			st.StateData = append(st.StateData, t)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func parseMetadata(b []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			md.Version, n, err = consumeString(typ, b)
		case 2:
			md.Framework, n, err = consumeString(typ, b)
		case 3:
			var nanos int64
			nanos, n, err = consumeInt(typ, b)
			md.CreatedAt = time.Unix(0, nanos)
		case 4:
			md.RunID, n, err = consumeString(typ, b)
		case 5:
			md.Description, n, err = consumeString(typ, b)
		case 6:
			var tag string
			tag, n, err = consumeString(typ, b)
			md.Tags = append(md.Tags, tag)
		}
		return n, err
	})
	return md, err
}
