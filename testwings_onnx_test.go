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

//go:build onnx && ORT

package testwings

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAnalyzeWithRuntime runs the real sub-models when TESTWINGS_MODELS_DIR
// points at a downloaded model directory.
func TestAnalyzeWithRuntime(t *testing.T) {
	dir := os.Getenv("TESTWINGS_MODELS_DIR")
	if dir == "" {
		t.Skip("TESTWINGS_MODELS_DIR not set")
	}
	if _, err := modelconfig.Discover(dir); err != nil {
		t.Skipf("model directory incomplete: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ModelsDir = dir
	cfg.Backend = backends.BackendONNX
	cfg.GPU = backends.GPUModeOff
	cfg.MaxNewTokens = 8
	cfg.CacheTTL = 0

	ic := New(cfg)
	defer func() { _ = ic.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	task, err := ic.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, task.Wait(ctx))
	assert.Equal(t, StateLoaded, ic.State())

	state := ic.Analyze(ctx, screenshot(), "")
	assert.True(t, state.Available, state.Diagnostic)
	assert.NotNil(t, state.Elements)
}
