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
package testwings

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LoadState is the lifecycle state of an InferenceContext.
type LoadState int

const (
	StateNotLoaded LoadState = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateNotLoaded:
		return "NOT_LOADED"
	case StateLoading:
		return "LOADING"
	case StateLoaded:
		return "LOADED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// LoadStage names a step of model loading.
type LoadStage string

const (
	StageDiscover  LoadStage = "discover"
	StageConfig    LoadStage = "config"
	StageTokenizer LoadStage = "tokenizer"
	StageSessions  LoadStage = "sessions"
	StagePipeline  LoadStage = "pipeline"
	StageReady     LoadStage = "ready"
	StageFailed    LoadStage = "failed"
)

// LoadEvent reports loading progress.
type LoadEvent struct {
	Stage   LoadStage
	Message string

	// Progress is the completed fraction of the load, from 0 to 1.
	Progress float64
	Elapsed  time.Duration
}

// loadSteps is the number of progress events a successful load emits
// before StageReady: discover, config, tokenizer, three sessions, pipeline.
const loadSteps = 7

// LoadTask is the handle of a running model load.
type LoadTask struct {
	events chan LoadEvent
	done   chan struct{}
	start  time.Time
	step   int
	err    error
}

func newLoadTask() *LoadTask {
	return &LoadTask{
		events: make(chan LoadEvent, loadSteps+2),
		done:   make(chan struct{}),
		start:  time.Now(),
	}
}

// Events yields progress events and is closed when loading ends. Events
// that find the buffer full are dropped rather than stall the load.
func (t *LoadTask) Events() <-chan LoadEvent {
	return t.events
}

// Done is closed when loading ends.
func (t *LoadTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until loading ends or ctx is done and returns the load error.
// Giving up on the wait does not stop the load.
func (t *LoadTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the load error once loading has ended, and nil before.
func (t *LoadTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *LoadTask) emit(stage LoadStage, msg string, progress float64) {
	select {
	case t.events <- LoadEvent{Stage: stage, Message: msg, Progress: progress, Elapsed: time.Since(t.start)}:
	default:
	}
}

// advance emits a progress event for one completed load step.
func (t *LoadTask) advance(stage LoadStage, msg string) {
	t.step++
	t.emit(stage, msg, float64(t.step)/loadSteps)
}

func (t *LoadTask) finish(err error) {
	if err != nil {
		t.emit(StageFailed, err.Error(), float64(t.step)/loadSteps)
	} else {
		t.emit(StageReady, "model ready", 1)
	}
	t.err = err
	close(t.events)
	close(t.done)
}

func completedLoadTask() *LoadTask {
	t := newLoadTask()
	t.finish(nil)
	return t
}

// Load starts loading the model on a background goroutine. A load already
// running makes Load fail with ErrLoadInProgress; a model already loaded
// yields a task that is complete. A failed load can be retried.
func (ic *InferenceContext) Load(ctx context.Context) (*LoadTask, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	switch {
	case ic.closed:
		return nil, ErrClosed
	case ic.state == StateLoading:
		return nil, ErrLoadInProgress
	case ic.state == StateLoaded:
		return completedLoadTask(), nil
	}

	ic.state = StateLoading
	ic.loadErr = nil
	task := newLoadTask()
	go ic.load(ctx, task)
	return task, nil
}

func (ic *InferenceContext) load(ctx context.Context, task *LoadTask) {
	ic.logger.Info("Loading screen model", zap.String("dir", ic.config.ModelsDir))

	lm, err := ic.loadModel(ctx, task)

	ic.mu.Lock()
	if err == nil && ic.closed {
		_ = lm.close()
		lm, err = nil, ErrClosed
	}
	if err != nil {
		ic.state = StateFailed
		ic.loadErr = err
	} else {
		ic.state = StateLoaded
		ic.loaded = lm
	}
	ic.mu.Unlock()

	elapsed := time.Since(task.start)
	if err != nil {
		RecordModelLoadDuration("failed", elapsed.Seconds())
		ic.logger.Error("Failed to load screen model",
			zap.String("dir", ic.config.ModelsDir),
			zap.String("kind", Kind(err)),
			zap.Error(err))
	} else {
		RecordModelLoadDuration("loaded", elapsed.Seconds())
		ic.logger.Info("Screen model loaded",
			zap.String("dir", lm.artifacts.Dir),
			zap.String("backend", lm.backend),
			zap.Duration("duration", elapsed))
	}
	task.finish(err)
}

func (ic *InferenceContext) loadModel(ctx context.Context, task *LoadTask) (*loadedModel, error) {
	if ic.config.ModelsDir == "" {
		return nil, fmt.Errorf("%w: models directory not set", modelconfig.ErrModelFilesMissing)
	}

	artifacts, err := modelconfig.Discover(ic.config.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("discovering model files: %w", err)
	}
	task.advance(StageDiscover, artifacts.Dir)

	cfg, err := modelconfig.LoadFile(artifacts.Config)
	if err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}
	pre, err := modelconfig.LoadPreprocessor(artifacts.PreprocessorConfig)
	if err != nil {
		return nil, fmt.Errorf("loading preprocessor config: %w", err)
	}
	task.advance(StageConfig, fmt.Sprintf("%d layers, hidden %d", cfg.NumLayers, cfg.HiddenSize))

	tok, vocab, err := tokenizer.Load(artifacts.Tokenizer, ic.config.Tokenizer,
		ic.logger.Named("tokenizer"), tokenizer.WithSpecialIDs(specialIDs(cfg)))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	task.advance(StageTokenizer, fmt.Sprintf("%d tokens", vocab.Size()))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	factory := ic.factory
	if factory == nil {
		factory, err = backends.GetSessionFactory(ic.config.Backend)
		if err != nil {
			return nil, err
		}
	}
	sessions := backends.NewSessionManager(factory,
		backends.WithSessionThreads(ic.config.Threads),
		backends.WithSessionGPUMode(ic.config.GPU))

	model, err := createSessions(ctx, sessions, artifacts, cfg, task)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	pcfg := ic.pipelineConfig(pre, factory)
	pipeline, err := pipelines.NewScreenPipeline(model, tok, pcfg, ic.logger.Named("pipeline"))
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("building pipeline: %w", err)
	}
	task.advance(StagePipeline, fmt.Sprintf("zero-length cache %t", pcfg.ZeroLengthCache))

	lm := &loadedModel{
		artifacts: artifacts,
		config:    cfg,
		tokenizer: tok,
		sessions:  sessions,
		backend:   backends.BackendName(factory),
		pipeline:  pipeline,
	}
	var analyzer Analyzer = &serialRunner{pipeline: pipeline, sem: ic.sem}
	if ic.cache != nil {
		analyzer = ic.cache.WrapAnalyzer(analyzer, ic.cacheModelKey(artifacts, pcfg))
	}
	lm.analyzer = analyzer
	return lm, nil
}

// createSessions opens the three sub-models in parallel. The caller closes
// the manager on error, which releases any session already created.
func createSessions(
	ctx context.Context,
	sessions *backends.SessionManager,
	artifacts *modelconfig.Artifacts,
	cfg *modelconfig.ModelConfig,
	task *LoadTask,
) (*pipelines.ScreenModel, error) {
	model := &pipelines.ScreenModel{Config: cfg}

	// advance is not safe for concurrent use.
	progress := make(chan string, 3)

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range []struct {
		path string
		dst  *backends.Session
	}{
		{artifacts.VisionEncoder, &model.VisionEncoder},
		{artifacts.EmbedTokens, &model.EmbedTokens},
		{artifacts.Decoder, &model.Decoder},
	} {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := sessions.CreateSession(m.path)
			if err != nil {
				return fmt.Errorf("creating session for %s: %w", filepath.Base(m.path), err)
			}
			*m.dst = s
			progress <- filepath.Base(m.path)
			return nil
		})
	}
	err := g.Wait()
	close(progress)
	for name := range progress {
		task.advance(StageSessions, name)
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

func (ic *InferenceContext) pipelineConfig(pre *modelconfig.Preprocessor, factory backends.SessionFactory) *pipelines.ScreenPipelineConfig {
	pcfg := pipelines.DefaultScreenPipelineConfig()
	if ic.config.TargetSize > 0 {
		pcfg.TargetSize = ic.config.TargetSize
	}
	if ic.config.MaxNewTokens > 0 {
		pcfg.MaxNewTokens = ic.config.MaxNewTokens
	}
	if ic.config.Coordinates != "" {
		pcfg.Coordinates = ic.config.Coordinates
	}
	pcfg.Preprocessor = pre
	pcfg.Normalize = ic.config.Normalize
	pcfg.SinglePass = ic.config.SinglePass
	pcfg.ZeroLengthCache = ic.config.ZeroLengthCache.Resolve(factory)
	return pcfg
}

// cacheModelKey identifies everything besides image and instruction that
// changes an analysis result.
func (ic *InferenceContext) cacheModelKey(a *modelconfig.Artifacts, pcfg *pipelines.ScreenPipelineConfig) string {
	return fmt.Sprintf("%s|%s|%d|%t|%d|%t|%s",
		a.Dir, filepath.Base(a.Decoder), pcfg.TargetSize, pcfg.Normalize,
		pcfg.MaxNewTokens, pcfg.SinglePass, pcfg.Coordinates)
}

// specialIDs pins the multimodal marker ids to the ones the model config
// declares, which take precedence over tokenizer.json content matching.
func specialIDs(cfg *modelconfig.ModelConfig) map[tokenizer.SpecialToken]int {
	ids := map[tokenizer.SpecialToken]int{}
	if cfg.ImageTokenID > 0 {
		ids[tokenizer.ImagePad] = cfg.ImageTokenID
	}
	if cfg.VisionStartTokenID > 0 {
		ids[tokenizer.VisionStart] = cfg.VisionStartTokenID
	}
	if cfg.VisionEndTokenID > 0 {
		ids[tokenizer.VisionEnd] = cfg.VisionEndTokenID
	}
	if len(cfg.EOSTokenIDs) > 0 {
		ids[tokenizer.EOS] = cfg.EOSTokenIDs[0]
	}
	return ids
}
