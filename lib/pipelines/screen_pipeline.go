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
	"errors"
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"go.uber.org/zap"
)

// DefaultInstruction asks the model for every UI element as JSON.
const DefaultInstruction = "Describe all UI elements in this screenshot, including their types, " +
	"text content, and bounding box coordinates in JSON format."

// DefaultMaxNewTokens bounds greedy generation.
const DefaultMaxNewTokens = 512

// ScreenModel bundles the three sub-model sessions of a screen model.
type ScreenModel struct {
	Config        *modelconfig.ModelConfig
	VisionEncoder backends.Session
	EmbedTokens   backends.Session
	Decoder       backends.Session
}

// Close closes every session.
func (m *ScreenModel) Close() error {
	var errs []error
	for _, s := range []backends.Session{m.VisionEncoder, m.EmbedTokens, m.Decoder} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

// ScreenPipelineConfig configures a ScreenPipeline.
type ScreenPipelineConfig struct {
	// TargetSize is the canvas side screenshots are fitted into.
	TargetSize int

	// Preprocessor supplies mean/std statistics when Normalize is set.
	Preprocessor *modelconfig.Preprocessor
	Normalize    bool

	// MaxNewTokens bounds generation. SinglePass skips generation and
	// decodes the argmax of every prompt position from one forward pass.
	MaxNewTokens int
	SinglePass   bool

	ZeroLengthCache bool
	Coordinates     screen.CoordinateMode
}

// DefaultScreenPipelineConfig returns the default configuration.
func DefaultScreenPipelineConfig() *ScreenPipelineConfig {
	return &ScreenPipelineConfig{
		TargetSize:   vision.DefaultTargetSize,
		MaxNewTokens: DefaultMaxNewTokens,
		Coordinates:  screen.CoordinatesImage,
	}
}

// ScreenResult is the outcome of one pipeline run.
type ScreenResult struct {
	State screen.ScreenState

	// Text is the detokenized model output.
	Text     string
	TokenIDs []int

	PromptTokens  int
	ImageFeatures int
	StoppedAtEOS  bool

	// ParseErr is set when the output held no usable element JSON. State is
	// still valid.
	ParseErr error

	EncodeDuration time.Duration
	DecodeDuration time.Duration
}

// Clone returns a copy that shares no slices with r.
func (r *ScreenResult) Clone() *ScreenResult {
	if r == nil {
		return nil
	}
	c := *r
	c.State.Elements = slices.Clone(r.State.Elements)
	c.TokenIDs = slices.Clone(r.TokenIDs)
	return &c
}

// ScreenPipeline turns a screenshot and instruction into a ScreenState.
// Runs are independent; callers serialize them when the engine requires it.
type ScreenPipeline struct {
	model       *ScreenModel
	tokenizer   tokenizer.Tokenizer
	patchifier  *vision.Patchifier
	encoder     *vision.Encoder
	merger      *EmbeddingMerger
	interpreter *screen.Interpreter
	config      *ScreenPipelineConfig
	eosIDs      []int
	logger      *zap.Logger
}

// NewScreenPipeline wires the sub-models together. config is copied, so
// later changes by the caller do not affect the pipeline. The decoder's cache
// layout and input strategy are checked here so misconfigured models fail
// at load time.
func NewScreenPipeline(model *ScreenModel, tok tokenizer.Tokenizer, config *ScreenPipelineConfig, logger *zap.Logger) (*ScreenPipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultScreenPipelineConfig()
	}
	cp := *config
	config = &cp
	if config.MaxNewTokens <= 0 {
		config.MaxNewTokens = DefaultMaxNewTokens
	}
	if tok == nil {
		return nil, tokenizer.ErrTokenizerNotLoaded
	}
	cfg := model.Config

	var opts []vision.PatchifierOption
	if config.Normalize {
		opts = append(opts, vision.WithPreprocessor(config.Preprocessor))
	}
	patchifier, err := vision.NewPatchifier(cfg.Vision, config.TargetSize, opts...)
	if err != nil {
		return nil, err
	}
	encoder, err := vision.NewEncoder(model.VisionEncoder, cfg.HiddenSize, cfg.Vision.ReductionRatio(), logger)
	if err != nil {
		return nil, err
	}
	merger, err := NewEmbeddingMerger(model.EmbedTokens, cfg.ImageTokenID, cfg.HiddenSize, logger)
	if err != nil {
		return nil, err
	}
	if _, err := DetectStrategy(model.Decoder); err != nil {
		return nil, err
	}
	if _, err := NewDecodeSession(model.Decoder, cfg, DecodeOptions{}); err != nil {
		return nil, fmt.Errorf("checking decoder: %w", err)
	}

	eosIDs := slices.Clone(cfg.EOSTokenIDs)
	if id, ok := tok.SpecialID(tokenizer.EOS); ok && !slices.Contains(eosIDs, id) {
		eosIDs = append(eosIDs, id)
	}

	return &ScreenPipeline{
		model:       model,
		tokenizer:   tok,
		patchifier:  patchifier,
		encoder:     encoder,
		merger:      merger,
		interpreter: screen.NewInterpreter(tok, config.Coordinates, logger),
		config:      config,
		eosIDs:      eosIDs,
		logger:      logger,
	}, nil
}

// Patchifier returns the pipeline's patchifier.
func (p *ScreenPipeline) Patchifier() *vision.Patchifier {
	return p.patchifier
}

// Run analyzes img with instruction, or DefaultInstruction when empty.
func (p *ScreenPipeline) Run(ctx context.Context, img image.Image, instruction string) (*ScreenResult, error) {
	if instruction == "" {
		instruction = DefaultInstruction
	}

	encodeStart := time.Now()
	buf, grid, lb, err := p.patchifier.Patchify(img)
	if err != nil {
		return nil, fmt.Errorf("patchifying image: %w", err)
	}
	features, err := p.encoder.Encode(ctx, buf, grid)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	ids, err := tokenizer.BuildPrompt(p.tokenizer, instruction, features.Rows)
	if err != nil {
		return nil, fmt.Errorf("building prompt: %w", err)
	}
	emb, err := p.merger.Merge(ctx, ids, features)
	if err != nil {
		return nil, fmt.Errorf("merging embeddings: %w", err)
	}
	encodeDuration := time.Since(encodeStart)

	merge := p.model.Config.Vision.SpatialMergeSize
	positions, next := MultimodalPositions(ids, p.model.Config.ImageTokenID, grid.Rows/merge, grid.Cols/merge)

	decodeStart := time.Now()
	ds, err := NewDecodeSession(p.model.Decoder, p.model.Config, DecodeOptions{
		ZeroLengthCache: p.config.ZeroLengthCache,
		Logger:          p.logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = ds.Close() }()
	if err := ds.Reset(); err != nil {
		return nil, err
	}

	logits, err := ds.Step(ctx, emb, positions)
	if err != nil {
		return nil, fmt.Errorf("decoding prompt: %w", err)
	}

	var generated []int
	var stopped bool
	if p.config.SinglePass {
		generated = screen.DecodeLogits(logits, p.eosIDs)
		stopped = len(generated) < logits.SeqLen
	} else {
		generated, stopped, err = p.generate(ctx, ds, logits, next)
		if err != nil {
			return nil, err
		}
	}
	decodeDuration := time.Since(decodeStart)

	text := p.interpreter.Detokenize(generated)
	state, parseErr := p.interpreter.Interpret(text, lb)
	if parseErr != nil {
		p.logger.Debug("Model output kept as description", zap.Error(parseErr))
	}

	p.logger.Debug("Analyzed screenshot",
		zap.Int("promptTokens", len(ids)),
		zap.Int("generatedTokens", len(generated)),
		zap.Int("elements", len(state.Elements)),
		zap.Duration("encode", encodeDuration),
		zap.Duration("decode", decodeDuration))

	return &ScreenResult{
		State:          state,
		Text:           text,
		TokenIDs:       generated,
		PromptTokens:   len(ids),
		ImageFeatures:  features.Rows,
		StoppedAtEOS:   stopped,
		ParseErr:       parseErr,
		EncodeDuration: encodeDuration,
		DecodeDuration: decodeDuration,
	}, nil
}

// generate greedily extends the prompt one token at a time until an
// end-of-sequence id or MaxNewTokens.
func (p *ScreenPipeline) generate(ctx context.Context, ds *DecodeSession, logits *screen.Logits, next int64) ([]int, bool, error) {
	generated := make([]int, 0, 64)
	for {
		id := logits.Last()
		if slices.Contains(p.eosIDs, id) {
			return generated, true, nil
		}
		generated = append(generated, id)
		if len(generated) >= p.config.MaxNewTokens {
			return generated, false, nil
		}

		select {
		case <-ctx.Done():
			return generated, false, ctx.Err()
		default:
		}

		emb, err := p.merger.EmbedTokens(ctx, []int{id})
		if err != nil {
			return generated, false, fmt.Errorf("embedding generated token: %w", err)
		}
		logits, err = ds.Step(ctx, emb, SequentialPositions(next, 1))
		if err != nil {
			return generated, false, fmt.Errorf("decoding step %d: %w", len(generated), err)
		}
		next++
	}
}
