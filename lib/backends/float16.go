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

package backends

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
)

// Float16 tensors are exchanged with the engine as raw little-endian IEEE 754
// half-precision words. The pipeline itself always works in float32.

// EncodeFloat16 converts float32 values to packed float16 bytes.
func EncodeFloat16(data []float32) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// DecodeFloat16 converts packed float16 bytes to float32 values.
func DecodeFloat16(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("float16 buffer has odd length %d", len(raw))
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
	return out, nil
}

// CoerceTensor converts integer tensor data to the element type a session
// declares. Float data is left alone; float16 conversion happens in the engine.
func CoerceTensor(t NamedTensor, dt DataType) (NamedTensor, error) {
	switch data := t.Data.(type) {
	case []int64:
		if dt == DataTypeInt32 {
			conv := make([]int32, len(data))
			for i, v := range data {
				conv[i] = int32(v)
			}
			t.Data = conv
		}
	case []int32:
		if dt == DataTypeInt64 || dt == "" {
			conv := make([]int64, len(data))
			for i, v := range data {
				conv[i] = int64(v)
			}
			t.Data = conv
		}
	case []float32, []bool:
	default:
		return t, fmt.Errorf("unsupported data type for %s: %T", t.Name, data)
	}
	return t, nil
}
