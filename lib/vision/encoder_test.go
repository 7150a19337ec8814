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

package vision

import (
	"context"
	"image/color"
	"testing"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends/backendstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoderSession(outShape []int64) *backendstest.MockSession {
	return &backendstest.MockSession{
		Inputs: []backends.TensorInfo{
			{Name: PixelValuesInput, Shape: []int64{-1, 1176}, DataType: backends.DataTypeFloat32},
			{Name: GridTHWInput, Shape: []int64{-1, 3}, DataType: backends.DataTypeInt64},
		},
		Outputs: []backends.TensorInfo{{Name: "image_features", Shape: []int64{-1, -1}, DataType: backends.DataTypeFloat32}},
		RunFunc: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			n := int(backends.ShapeSize(outShape))
			data := make([]float32, n)
			for i := range data {
				data[i] = float32(i)
			}
			return []backends.NamedTensor{{Name: "image_features", Shape: outShape, Data: data}}, nil
		},
	}
}

func testBuffer(t *testing.T) (*PatchBuffer, ImageGrid) {
	t.Helper()
	p, err := NewPatchifier(qwenVision(), 56)
	require.NoError(t, err)
	buf, grid, _, err := p.Patchify(solid(56, 56, color.RGBA{1, 2, 3, 255}))
	require.NoError(t, err)
	return buf, grid
}

func TestEncoderEncode(t *testing.T) {
	buf, grid := testBuffer(t)
	session := encoderSession([]int64{4, 8})

	enc, err := NewEncoder(session, 8, 4, nil)
	require.NoError(t, err)

	features, err := enc.Encode(context.Background(), buf, grid)
	require.NoError(t, err)
	assert.Equal(t, 4, features.Rows)
	assert.Equal(t, 8, features.Dim)
	assert.Equal(t, []float32{8, 9, 10, 11, 12, 13, 14, 15}, features.Row(1))

	pixels := session.Input(0, PixelValuesInput)
	assert.Equal(t, []int64{16, 1176}, pixels.Shape)
	assert.Len(t, pixels.Data, 16*1176)

	gridTensor := session.Input(0, GridTHWInput)
	assert.Equal(t, []int64{1, 3}, gridTensor.Shape)
	assert.Equal(t, []int64{1, 4, 4}, gridTensor.Data)
}

func TestEncoderAcceptsBatchedOutput(t *testing.T) {
	buf, grid := testBuffer(t)
	enc, err := NewEncoder(encoderSession([]int64{1, 4, 8}), 8, 4, nil)
	require.NoError(t, err)

	features, err := enc.Encode(context.Background(), buf, grid)
	require.NoError(t, err)
	assert.Equal(t, 4, features.Rows)
	assert.Len(t, features.Data, 32)
}

func TestEncoderShapeValidation(t *testing.T) {
	buf, grid := testBuffer(t)

	tests := []struct {
		name  string
		shape []int64
	}{
		{name: "wrong rows", shape: []int64{5, 8}},
		{name: "wrong hidden", shape: []int64{4, 16}},
		{name: "unmerged", shape: []int64{16, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncoder(encoderSession(tt.shape), 8, 4, nil)
			require.NoError(t, err)
			_, err = enc.Encode(context.Background(), buf, grid)
			assert.ErrorIs(t, err, backends.ErrShapeValidation)
		})
	}

	enc, err := NewEncoder(encoderSession([]int64{4, 8}), 8, 4, nil)
	require.NoError(t, err)
	bad := grid
	bad.Rows = 2
	_, err = enc.Encode(context.Background(), buf, bad)
	assert.ErrorIs(t, err, backends.ErrShapeValidation)
}

func TestEncoderFixedPatchDimMismatch(t *testing.T) {
	vc := qwenVision()
	vc.TemporalPatchSize = 1
	p, err := NewPatchifier(vc, 56)
	require.NoError(t, err)
	buf, grid, _, err := p.Patchify(solid(56, 56, color.RGBA{0, 0, 0, 255}))
	require.NoError(t, err)

	enc, err := NewEncoder(encoderSession([]int64{4, 8}), 8, 4, nil)
	require.NoError(t, err)
	_, err = enc.Encode(context.Background(), buf, grid)
	assert.ErrorIs(t, err, backends.ErrShapeValidation)
}

func TestEncoderCanceledContext(t *testing.T) {
	buf, grid := testBuffer(t)
	session := encoderSession([]int64{4, 8})
	enc, err := NewEncoder(session, 8, 4, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = enc.Encode(ctx, buf, grid)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, session.Calls())
}

func TestNewEncoderRequiresPixelInput(t *testing.T) {
	session := &backendstest.MockSession{
		Inputs:  []backends.TensorInfo{{Name: GridTHWInput, DataType: backends.DataTypeInt64}},
		Outputs: []backends.TensorInfo{{Name: "image_features"}},
	}
	_, err := NewEncoder(session, 8, 4, nil)
	assert.Error(t, err)

	_, err = NewEncoder(encoderSession(nil), 0, 4, nil)
	assert.Error(t, err)
}
