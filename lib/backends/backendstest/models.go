// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backendstest

import (
	"fmt"
	"sync/atomic"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
)

// VisionEncoder returns a session that maps every ratio patches to one
// feature row of width hidden. Row r is filled with float32(r).
func VisionEncoder(patchDim, hidden, ratio int) *MockSession {
	return &MockSession{
		Inputs: []backends.TensorInfo{
			{Name: "pixel_values", Shape: []int64{-1, int64(patchDim)}, DataType: backends.DataTypeFloat32},
			{Name: "grid_thw", Shape: []int64{-1, 3}, DataType: backends.DataTypeInt64},
		},
		Outputs: []backends.TensorInfo{
			{Name: "image_features", Shape: []int64{-1, int64(hidden)}, DataType: backends.DataTypeFloat32},
		},
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			pixels, ok := backends.FindTensor(in, "pixel_values")
			if !ok {
				return nil, fmt.Errorf("missing pixel_values")
			}
			rows := int(pixels.Shape[0]) / ratio
			data := make([]float32, rows*hidden)
			for r := range rows {
				for c := range hidden {
					data[r*hidden+c] = float32(r)
				}
			}
			return []backends.NamedTensor{{Name: "image_features", Shape: []int64{int64(rows), int64(hidden)}, Data: data}}, nil
		},
	}
}

// EmbedTable returns a session embedding each token id as a row filled
// with the id.
func EmbedTable(hidden int) *MockSession {
	return &MockSession{
		Inputs: []backends.TensorInfo{{Name: "input_ids", Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64}},
		Outputs: []backends.TensorInfo{
			{Name: "inputs_embeds", Shape: []int64{-1, -1, int64(hidden)}, DataType: backends.DataTypeFloat32},
		},
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids, ok := in[0].Data.([]int64)
			if !ok {
				return nil, fmt.Errorf("input_ids are %T", in[0].Data)
			}
			data := make([]float32, 0, len(ids)*hidden)
			for _, id := range ids {
				for range hidden {
					data = append(data, float32(id))
				}
			}
			return []backends.NamedTensor{{
				Name:  "inputs_embeds",
				Shape: []int64{1, int64(len(ids)), int64(hidden)},
				Data:  data,
			}}, nil
		},
	}
}

// DecoderScript describes a scripted decoder.
type DecoderScript struct {
	Hidden  int
	Layers  int
	KVHeads int
	HeadDim int
	Vocab   int

	// Next returns the token the decoder predicts on its n-th call
	// (0-based). Logits cover the last position only.
	Next func(call int) int

	// Err, when set, fails every call.
	Err error
}

// Decoder returns a merged decoder session with past_key_values.{i} cache
// inputs and present.{i} outputs.
func Decoder(script DecoderScript) *MockSession {
	kv := []int64{1, int64(script.KVHeads), -1, int64(script.HeadDim)}
	inputs := []backends.TensorInfo{
		{Name: "inputs_embeds", Shape: []int64{1, -1, int64(script.Hidden)}, DataType: backends.DataTypeFloat32},
		{Name: "attention_mask", Shape: []int64{1, -1}, DataType: backends.DataTypeInt64},
		{Name: "position_ids", Shape: []int64{3, 1, -1}, DataType: backends.DataTypeInt64},
	}
	outputs := []backends.TensorInfo{
		{Name: "logits", Shape: []int64{1, -1, int64(script.Vocab)}, DataType: backends.DataTypeFloat32},
	}
	for i := range script.Layers {
		for _, kind := range []string{"key", "value"} {
			inputs = append(inputs, backends.TensorInfo{
				Name: fmt.Sprintf("past_key_values.%d.%s", i, kind), Shape: kv, DataType: backends.DataTypeFloat16,
			})
			outputs = append(outputs, backends.TensorInfo{
				Name: fmt.Sprintf("present.%d.%s", i, kind), Shape: kv, DataType: backends.DataTypeFloat16,
			})
		}
	}

	var calls atomic.Int64
	return &MockSession{
		Inputs:  inputs,
		Outputs: outputs,
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			if script.Err != nil {
				return nil, script.Err
			}
			call := int(calls.Add(1)) - 1

			embeds, _ := backends.FindTensor(in, "inputs_embeds")
			past, _ := backends.FindTensor(in, "past_key_values.0.key")
			total := past.Shape[2] + embeds.Shape[1]

			logits := make([]float32, script.Vocab)
			logits[script.Next(call)] = 1
			out := []backends.NamedTensor{{Name: "logits", Shape: []int64{1, 1, int64(script.Vocab)}, Data: logits}}
			for _, o := range outputs[1:] {
				shape := []int64{1, int64(script.KVHeads), total, int64(script.HeadDim)}
				out = append(out, backends.NamedTensor{
					Name:  o.Name,
					Shape: shape,
					Data:  make([]float32, backends.ShapeSize(shape)),
				})
			}
			return out, nil
		},
	}
}
