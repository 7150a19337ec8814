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
	"fmt"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"go.uber.org/zap"
)

// Decoder and embedding tensor names.
const (
	InputIDsInput      = "input_ids"
	InputsEmbedsInput  = "inputs_embeds"
	AttentionMaskInput = "attention_mask"
	PositionIDsInput   = "position_ids"
	LogitsOutput       = "logits"
)

// Strategy is how image features reach the decoder.
type Strategy int

const (
	// StrategyEmbeddingInjection feeds fused embeddings through inputs_embeds.
	StrategyEmbeddingInjection Strategy = iota
	// StrategyDirectIDs feeds token ids; unsupported for image prompts.
	StrategyDirectIDs
)

func (s Strategy) String() string {
	switch s {
	case StrategyEmbeddingInjection:
		return "embedding-injection"
	case StrategyDirectIDs:
		return "direct-ids"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// DetectStrategy inspects the decoder inputs. Decoders without
// inputs_embeds are reported with ErrDirectIDStrategy.
func DetectStrategy(decoder backends.Session) (Strategy, error) {
	switch {
	case backends.HasInput(decoder, InputsEmbedsInput):
		return StrategyEmbeddingInjection, nil
	case backends.HasInput(decoder, InputIDsInput):
		return StrategyDirectIDs, ErrDirectIDStrategy
	default:
		return 0, fmt.Errorf("decoder declares neither %s nor %s", InputsEmbedsInput, InputIDsInput)
	}
}

// FusedEmbedding is a [1, SeqLen, Hidden] embedding sequence.
type FusedEmbedding struct {
	Data   []float32
	SeqLen int
	Hidden int
}

// Row returns the embedding at position i.
func (e *FusedEmbedding) Row(i int) []float32 {
	return e.Data[i*e.Hidden : (i+1)*e.Hidden]
}

// EmbeddingMerger embeds prompt tokens and substitutes image features at
// placeholder positions.
type EmbeddingMerger struct {
	session      backends.Session
	idsInfo      backends.TensorInfo
	imageTokenID int
	hidden       int
	logger       *zap.Logger
}

// NewEmbeddingMerger wraps the text embedding sub-model.
func NewEmbeddingMerger(session backends.Session, imageTokenID, hidden int, logger *zap.Logger) (*EmbeddingMerger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hidden <= 0 {
		return nil, fmt.Errorf("embedding merger: hidden size must be positive")
	}
	m := &EmbeddingMerger{session: session, imageTokenID: imageTokenID, hidden: hidden, logger: logger}

	inputs := session.InputInfo()
	if len(inputs) == 0 || len(session.OutputInfo()) == 0 {
		return nil, fmt.Errorf("embedding merger: session declares no inputs or outputs")
	}
	m.idsInfo = inputs[0]
	for _, info := range inputs {
		if info.Name == InputIDsInput {
			m.idsInfo = info
			break
		}
	}
	return m, nil
}

// EmbedTokens runs the embedding table over ids.
func (m *EmbeddingMerger) EmbedTokens(ctx context.Context, ids []int) (*FusedEmbedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no tokens to embed", backends.ErrShapeValidation)
	}

	shape, err := backends.ResolveShape(m.idsInfo, 1, int64(len(ids)))
	if err != nil {
		return nil, err
	}
	data := make([]int64, len(ids))
	for i, id := range ids {
		data[i] = int64(id)
	}

	outInfo := m.session.OutputInfo()[0]
	hints := map[string][]int64{}
	if hint := backends.OutputShape(outInfo, 1, int64(len(ids)), int64(m.hidden)); hint != nil {
		hints[outInfo.Name] = hint
	}
	outputs, err := backends.RunShaped(m.session,
		[]backends.NamedTensor{{Name: m.idsInfo.Name, Shape: shape, Data: data}}, hints)
	if err != nil {
		return nil, fmt.Errorf("running embedding table: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: embedding table returned no outputs", backends.ErrShapeValidation)
	}

	out := outputs[0]
	if len(out.Shape) == 2 {
		out.Shape = append([]int64{1}, out.Shape...)
	}
	if err := backends.ExpectShape(out, 1, int64(len(ids)), int64(m.hidden)); err != nil {
		return nil, err
	}
	emb := out.Float32s()
	if emb == nil {
		return nil, fmt.Errorf("%w: embeddings are %T, want float32", backends.ErrShapeValidation, out.Data)
	}
	return &FusedEmbedding{Data: emb, SeqLen: len(ids), Hidden: m.hidden}, nil
}

// Merge embeds ids and replaces the embedding of each image placeholder, in
// order, with the next feature row. The placeholder count must equal the
// number of feature rows.
func (m *EmbeddingMerger) Merge(ctx context.Context, ids []int, features *vision.FeatureMatrix) (*FusedEmbedding, error) {
	if features == nil {
		return nil, fmt.Errorf("embedding merger: no image features")
	}
	if features.Dim != m.hidden {
		return nil, fmt.Errorf("%w: feature dim %d, hidden size %d",
			backends.ErrShapeValidation, features.Dim, m.hidden)
	}
	placeholders := 0
	for _, id := range ids {
		if id == m.imageTokenID {
			placeholders++
		}
	}
	if placeholders != features.Rows {
		return nil, &PlaceholderCountMismatchError{Expected: features.Rows, Actual: placeholders}
	}

	emb, err := m.EmbedTokens(ctx, ids)
	if err != nil {
		return nil, err
	}
	scatterFeatures(emb, ids, m.imageTokenID, features)

	m.logger.Debug("Merged image features",
		zap.Int("seqLen", emb.SeqLen),
		zap.Int("placeholders", placeholders))
	return emb, nil
}

// scatterFeatures copies feature rows into placeholder positions. Counts
// must already match.
func scatterFeatures(emb *FusedEmbedding, ids []int, imageTokenID int, features *vision.FeatureMatrix) {
	row := 0
	for pos, id := range ids {
		if id != imageTokenID {
			continue
		}
		copy(emb.Row(pos), features.Row(row))
		row++
	}
}
