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

package pipelines

import (
	"context"
	"math"
	"testing"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends/backendstest"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImageToken = 151655

// mockEmbedTable returns embeddings whose every value is the token id.
func mockEmbedTable(hidden int) *backendstest.MockSession {
	return &backendstest.MockSession{
		Inputs:  []backends.TensorInfo{{Name: InputIDsInput, Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64}},
		Outputs: []backends.TensorInfo{{Name: "inputs_embeds", Shape: []int64{-1, -1, int64(hidden)}, DataType: backends.DataTypeFloat32}},
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids := in[0].Data.([]int64)
			data := make([]float32, 0, len(ids)*hidden)
			for _, id := range ids {
				for range hidden {
					data = append(data, float32(id))
				}
			}
			return []backends.NamedTensor{{Name: "inputs_embeds", Shape: []int64{1, int64(len(ids)), int64(hidden)}, Data: data}}, nil
		},
	}
}

func TestMergeScattersFeaturesBitIdentical(t *testing.T) {
	const rows, hidden = 256, 1536

	features := &vision.FeatureMatrix{Data: make([]float32, rows*hidden), Rows: rows, Dim: hidden}
	for i := range features.Data {
		// Values that do not survive a float16 round trip.
		features.Data[i] = math.Float32frombits(0x3f800001 + uint32(i))
	}

	ids := []int{10, 11, 151652}
	for range rows {
		ids = append(ids, testImageToken)
	}
	ids = append(ids, 151653, 12, 13)

	m, err := NewEmbeddingMerger(mockEmbedTable(hidden), testImageToken, hidden, nil)
	require.NoError(t, err)

	emb, err := m.Merge(context.Background(), ids, features)
	require.NoError(t, err)
	require.Equal(t, len(ids), emb.SeqLen)
	require.Len(t, emb.Data, len(ids)*hidden)

	for r := range rows {
		got := emb.Row(3 + r)
		want := features.Row(r)
		for j := range hidden {
			if math.Float32bits(got[j]) != math.Float32bits(want[j]) {
				t.Fatalf("row %d col %d: got %x want %x", r, j, math.Float32bits(got[j]), math.Float32bits(want[j]))
			}
		}
	}
	assert.Equal(t, float32(10), emb.Row(0)[0])
	assert.Equal(t, float32(151653), emb.Row(3+rows)[hidden-1])
	assert.Equal(t, float32(13), emb.Row(len(ids)-1)[0])
}

func TestMergePlaceholderCountMismatch(t *testing.T) {
	features := &vision.FeatureMatrix{Data: make([]float32, 4*8), Rows: 4, Dim: 8}
	session := mockEmbedTable(8)
	m, err := NewEmbeddingMerger(session, testImageToken, 8, nil)
	require.NoError(t, err)

	for _, placeholders := range []int{3, 5, 0} {
		ids := []int{1}
		for range placeholders {
			ids = append(ids, testImageToken)
		}
		_, err := m.Merge(context.Background(), ids, features)
		require.ErrorIs(t, err, ErrPlaceholderCountMismatch)

		var mismatch *PlaceholderCountMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, 4, mismatch.Expected)
		assert.Equal(t, placeholders, mismatch.Actual)
	}
	assert.Empty(t, session.Calls(), "mismatch is detected before running the embedding table")
}

func TestMergeFeatureDimMismatch(t *testing.T) {
	m, err := NewEmbeddingMerger(mockEmbedTable(8), testImageToken, 8, nil)
	require.NoError(t, err)

	features := &vision.FeatureMatrix{Data: make([]float32, 16), Rows: 1, Dim: 16}
	_, err = m.Merge(context.Background(), []int{testImageToken}, features)
	assert.ErrorIs(t, err, backends.ErrShapeValidation)
}

func TestEmbedTokens(t *testing.T) {
	session := mockEmbedTable(2)
	m, err := NewEmbeddingMerger(session, testImageToken, 2, nil)
	require.NoError(t, err)

	emb, err := m.EmbedTokens(context.Background(), []int{7, 9})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 7, 9, 9}, emb.Data)

	ids := session.Input(0, InputIDsInput)
	assert.Equal(t, []int64{1, 2}, ids.Shape)

	_, err = m.EmbedTokens(context.Background(), nil)
	assert.ErrorIs(t, err, backends.ErrShapeValidation)
}

func TestEmbedTokensWrongHidden(t *testing.T) {
	m, err := NewEmbeddingMerger(mockEmbedTable(3), testImageToken, 2, nil)
	require.NoError(t, err)
	_, err = m.EmbedTokens(context.Background(), []int{1})
	assert.ErrorIs(t, err, backends.ErrShapeValidation)
}

func TestDetectStrategy(t *testing.T) {
	injection := &backendstest.MockSession{Inputs: []backends.TensorInfo{{Name: InputsEmbedsInput}}}
	s, err := DetectStrategy(injection)
	require.NoError(t, err)
	assert.Equal(t, StrategyEmbeddingInjection, s)
	assert.Equal(t, "embedding-injection", s.String())

	_, err = DetectStrategy(&backendstest.MockSession{})
	assert.Error(t, err)
}
