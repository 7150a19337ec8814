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
// Package testwings turns a screenshot and an instruction into a structured
// description of the UI on screen, running a Qwen2-VL style vision-language
// model split into three ONNX sub-models entirely on the local machine.
//
// Usage:
//
//	ic := testwings.New(testwings.DefaultConfig(), testwings.WithLogger(logger))
//	defer ic.Close()
//
//	task, err := ic.Load(ctx)
//	if err != nil {
//		return err
//	}
//	if err := task.Wait(ctx); err != nil {
//		return err
//	}
//	state := ic.Analyze(ctx, img, "")
package testwings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ZeroLengthMode selects whether the decoder starts from an empty KV cache
// or from a single masked placeholder slot.
type ZeroLengthMode string

const (
	// ZeroLengthAuto asks the session factory whether it accepts tensors
	// with a zero-sized dimension.
	ZeroLengthAuto ZeroLengthMode = "auto"
	ZeroLengthOn   ZeroLengthMode = "on"
	ZeroLengthOff  ZeroLengthMode = "off"
)

// ParseZeroLengthMode parses a zero-length cache mode.
func ParseZeroLengthMode(s string) (ZeroLengthMode, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return ZeroLengthAuto, nil
	case "on", "true":
		return ZeroLengthOn, nil
	case "off", "false":
		return ZeroLengthOff, nil
	default:
		return "", fmt.Errorf("unknown zero-length cache mode: %q (valid: auto, on, off)", s)
	}
}

// Resolve reports whether an empty cache is used with the given factory.
func (m ZeroLengthMode) Resolve(f backends.SessionFactory) bool {
	switch m {
	case ZeroLengthOn:
		return true
	case ZeroLengthOff:
		return false
	default:
		return backends.SupportsZeroLengthDims(f)
	}
}

// Config configures an InferenceContext.
type Config struct {
	// ModelsDir holds the three ONNX sub-models and their JSON configs,
	// either directly or under an onnx/ subdirectory.
	ModelsDir string

	Backend   backends.BackendType
	GPU       backends.GPUMode
	Threads   int
	Tokenizer tokenizer.Kind

	// TargetSize is the square canvas side screenshots are letterboxed into.
	TargetSize int
	Normalize  bool

	ZeroLengthCache ZeroLengthMode
	MaxNewTokens    int
	SinglePass      bool

	// Timeout bounds a single Analyze call, including the wait for the
	// inference slot. Zero means no limit.
	Timeout time.Duration

	// CacheTTL enables the result cache when positive.
	CacheTTL      time.Duration
	CacheCapacity uint64

	Coordinates screen.CoordinateMode
}

// DefaultConfig returns the configuration used by the CLI when no flags or
// config file override it.
func DefaultConfig() Config {
	return Config{
		ModelsDir:       "models",
		Backend:         backends.BackendONNX,
		GPU:             backends.GPUModeAuto,
		Tokenizer:       tokenizer.KindLongestMatch,
		TargetSize:      vision.DefaultTargetSize,
		ZeroLengthCache: ZeroLengthAuto,
		MaxNewTokens:    pipelines.DefaultMaxNewTokens,
		Timeout:         5 * time.Minute,
		CacheTTL:        ResultCacheTTL,
		CacheCapacity:   128,
		Coordinates:     screen.CoordinatesImage,
	}
}

// Option configures an InferenceContext.
type Option func(*InferenceContext)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ic *InferenceContext) {
		if logger != nil {
			ic.logger = logger
		}
	}
}

// WithSessionFactory overrides backend selection with the given factory.
func WithSessionFactory(f backends.SessionFactory) Option {
	return func(ic *InferenceContext) {
		ic.factory = f
	}
}

// InferenceContext owns a loaded screen model and serializes inference on
// it. It replaces any process-wide model state: callers create one per
// model directory and pass it to whoever needs to analyze screens.
type InferenceContext struct {
	config  Config
	logger  *zap.Logger
	factory backends.SessionFactory

	mu      sync.Mutex
	state   LoadState
	loadErr error
	loaded  *loadedModel
	closed  bool

	// sem admits one inference at a time.
	sem   *semaphore.Weighted
	cache *ResultCache
}

type loadedModel struct {
	artifacts *modelconfig.Artifacts
	config    *modelconfig.ModelConfig
	tokenizer tokenizer.Tokenizer
	sessions  *backends.SessionManager
	backend   string
	pipeline  *pipelines.ScreenPipeline
	analyzer  Analyzer
}

func (lm *loadedModel) close() error {
	return lm.sessions.Close()
}

// New creates an inference context. No files are read until Load.
func New(config Config, opts ...Option) *InferenceContext {
	ic := &InferenceContext{
		config: config,
		logger: zap.NewNop(),
		sem:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(ic)
	}
	if config.CacheTTL > 0 {
		ic.cache = NewResultCache(config.CacheTTL, config.CacheCapacity, ic.logger.Named("cache"))
	}
	return ic
}

// State returns the current load state.
func (ic *InferenceContext) State() LoadState {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.state
}

// LoadErr returns the error of the last failed load, if any.
func (ic *InferenceContext) LoadErr() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.loadErr
}

// Artifacts returns the discovered model files, or nil before a successful load.
func (ic *InferenceContext) Artifacts() *modelconfig.Artifacts {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.loaded == nil {
		return nil
	}
	return ic.loaded.artifacts
}

// ModelConfig returns the loaded model configuration.
func (ic *InferenceContext) ModelConfig() *modelconfig.ModelConfig {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.loaded == nil {
		return nil
	}
	return ic.loaded.config
}

// Tokenizer returns the loaded tokenizer.
func (ic *InferenceContext) Tokenizer() tokenizer.Tokenizer {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.loaded == nil {
		return nil
	}
	return ic.loaded.tokenizer
}

// BackendName returns the display name of the backend serving the sessions.
func (ic *InferenceContext) BackendName() string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.loaded == nil {
		return ""
	}
	return ic.loaded.backend
}

// Analyze describes the UI in img. It never fails: when the model is not
// loaded or the analysis fails, the returned state has Available=false and
// a Diagnostic. An empty instruction uses pipelines.DefaultInstruction.
func (ic *InferenceContext) Analyze(ctx context.Context, img image.Image, instruction string) screen.ScreenState {
	res, err := ic.Run(ctx, img, instruction)
	if err != nil {
		return screen.Unavailable(fmt.Sprintf("%s: %v", Kind(err), err))
	}
	return res.State
}

// Run analyzes img and returns the full result, including the raw model
// output and timings.
func (ic *InferenceContext) Run(ctx context.Context, img image.Image, instruction string) (*pipelines.ScreenResult, error) {
	logger := ic.logger.With(zap.String("request_id", uuid.NewString()))
	start := time.Now()

	res, err := ic.run(ctx, img, instruction)
	if err != nil {
		RecordAnalyzeRequest("error")
		RecordAnalyzeError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			RecordInferenceTimeout()
		}
		logger.Warn("Screen analysis failed",
			zap.String("kind", Kind(err)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	RecordAnalyzeRequest("ok")
	RecordStageDuration("total", time.Since(start).Seconds())
	logger.Info("Screen analysis completed",
		zap.Int("elements", len(res.State.Elements)),
		zap.Int("generated_tokens", len(res.TokenIDs)),
		zap.Bool("parsed", res.ParseErr == nil),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (ic *InferenceContext) run(ctx context.Context, img image.Image, instruction string) (*pipelines.ScreenResult, error) {
	analyzer, err := ic.analyzer()
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", vision.ErrInvalidImage)
	}
	if instruction == "" {
		instruction = pipelines.DefaultInstruction
	}

	if ic.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ic.config.Timeout)
		defer cancel()
	}
	return analyzer.Run(ctx, img, instruction)
}

func (ic *InferenceContext) analyzer() (Analyzer, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	switch {
	case ic.closed:
		return nil, ErrClosed
	case ic.state == StateLoaded:
		return ic.loaded.analyzer, nil
	case ic.state == StateFailed:
		return nil, fmt.Errorf("%w: last load failed: %v", ErrNotLoaded, ic.loadErr)
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotLoaded, ic.state)
	}
}

// Close waits for any running inference to finish and releases the model.
// It is idempotent.
func (ic *InferenceContext) Close() error {
	ic.mu.Lock()
	if ic.closed {
		ic.mu.Unlock()
		return nil
	}
	ic.closed = true
	lm := ic.loaded
	ic.loaded = nil
	if ic.state == StateLoaded {
		ic.state = StateNotLoaded
	}
	ic.mu.Unlock()

	_ = ic.sem.Acquire(context.Background(), 1)
	defer ic.sem.Release(1)

	if ic.cache != nil {
		ic.cache.Close()
	}
	if lm != nil {
		return lm.close()
	}
	return nil
}

// serialRunner runs the pipeline while holding the inference slot.
type serialRunner struct {
	pipeline *pipelines.ScreenPipeline
	sem      *semaphore.Weighted
}

type runOutcome struct {
	res *pipelines.ScreenResult
	err error
}

// Run waits for the inference slot and runs the pipeline on a worker
// goroutine. When ctx ends first the caller gets the context error at once;
// the worker stops at its next step boundary and releases the slot.
func (r *serialRunner) Run(ctx context.Context, img image.Image, instruction string) (*pipelines.ScreenResult, error) {
	waitStart := time.Now()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for inference slot: %w", err)
	}
	RecordInferenceWaitTime(time.Since(waitStart).Seconds())

	done := make(chan runOutcome, 1)
	go func() {
		defer r.sem.Release(1)
		res, err := r.pipeline.Run(ctx, img, instruction)
		done <- runOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		recordResult(out.res)
		return out.res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("screen analysis abandoned: %w", ctx.Err())
	}
}

func recordResult(res *pipelines.ScreenResult) {
	RecordStageDuration("encode", res.EncodeDuration.Seconds())
	RecordStageDuration("decode", res.DecodeDuration.Seconds())
	RecordTokensGenerated(len(res.TokenIDs))
	RecordElementsFound(len(res.State.Elements))
	if res.ParseErr != nil {
		RecordOutputParseFailure()
	}
}
