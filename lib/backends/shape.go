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
	"errors"
	"fmt"
)

// ErrShapeValidation is returned when a tensor does not have the shape a
// sub-model contract requires.
var ErrShapeValidation = errors.New("shape validation failed")

// ShapeSize returns the number of elements in a tensor of the given shape.
// An empty shape is a scalar.
func ShapeSize(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// ResolveShape substitutes concrete values for the dynamic (-1) dimensions
// of a declared input shape.
//
// dims gives the concrete value for every position, in order. For the
// tensors used by the screen pipeline the positions are:
//
//	inputs_embeds    [batch=1, seqLen=computed, hidden=fixed]
//	attention_mask   [batch=1, totalLen=cacheLen+seqLen]
//	position_ids     [axes=3, batch=1, seqLen=computed]
//	past key/value   [batch=1, kvHeads=fixed, cacheLen=computed, headDim=fixed]
//	pixel_values     [numPatches=computed, patchDim=fixed]
//
// A declared fixed dimension that disagrees with the concrete value is an
// ErrShapeValidation. A declaration without rank information accepts dims as is.
func ResolveShape(info TensorInfo, dims ...int64) ([]int64, error) {
	if len(info.Shape) == 0 {
		return append([]int64(nil), dims...), nil
	}
	if len(info.Shape) != len(dims) {
		return nil, fmt.Errorf("%w: %s declares rank %d, got %d dims",
			ErrShapeValidation, info.Name, len(info.Shape), len(dims))
	}
	shape := make([]int64, len(dims))
	for i, declared := range info.Shape {
		switch {
		case declared < 0:
			shape[i] = dims[i]
		case declared != dims[i]:
			return nil, fmt.Errorf("%w: %s dim %d is fixed at %d, got %d",
				ErrShapeValidation, info.Name, i, declared, dims[i])
		default:
			shape[i] = declared
		}
	}
	return shape, nil
}

// OutputShape returns an allocation shape for an output declared by info,
// taking declared fixed dimensions over dims. It returns nil when the
// declared rank is unknown or differs from len(dims), leaving allocation to
// the engine.
func OutputShape(info TensorInfo, dims ...int64) []int64 {
	if len(info.Shape) != len(dims) {
		return nil
	}
	shape := make([]int64, len(dims))
	for i, declared := range info.Shape {
		if declared >= 0 {
			shape[i] = declared
		} else {
			shape[i] = dims[i]
		}
	}
	return shape
}

// ExpectShape checks that a produced tensor has exactly the given shape.
// A negative expected dimension matches any value.
func ExpectShape(t NamedTensor, want ...int64) error {
	if len(t.Shape) != len(want) {
		return fmt.Errorf("%w: %s has shape %v, want rank %d",
			ErrShapeValidation, t.Name, t.Shape, len(want))
	}
	for i, w := range want {
		if w >= 0 && t.Shape[i] != w {
			return fmt.Errorf("%w: %s has shape %v, want %v",
				ErrShapeValidation, t.Name, t.Shape, want)
		}
	}
	if n := t.Len(); n != dataLen(t.Data) {
		return fmt.Errorf("%w: %s has %d elements for shape %v",
			ErrShapeValidation, t.Name, dataLen(t.Data), t.Shape)
	}
	return nil
}

func dataLen(data any) int {
	switch d := data.(type) {
	case []float32:
		return len(d)
	case []int64:
		return len(d)
	case []int32:
		return len(d)
	case []bool:
		return len(d)
	default:
		return -1
	}
}
