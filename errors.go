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
	"errors"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
)

var (
	// ErrNotLoaded is returned when inference is attempted before a
	// successful Load.
	ErrNotLoaded = errors.New("model not loaded")

	// ErrLoadInProgress is returned by Load while another load is running.
	ErrLoadInProgress = errors.New("model load already in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("inference context closed")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotLoaded, "not_loaded"},
	{ErrLoadInProgress, "load_in_progress"},
	{ErrClosed, "closed"},
	{modelconfig.ErrModelFilesMissing, "model_files_missing"},
	{modelconfig.ErrUnsupportedQuantization, "unsupported_quantization"},
	{tokenizer.ErrTokenizerNotLoaded, "tokenizer_not_loaded"},
	{tokenizer.ErrMissingSpecialToken, "missing_special_token"},
	{pipelines.ErrPlaceholderCountMismatch, "placeholder_count_mismatch"},
	{pipelines.ErrDirectIDStrategy, "direct_id_strategy"},
	{pipelines.ErrSessionState, "session_state"},
	{backends.ErrShapeValidation, "shape_validation"},
	{backends.ErrNativeEngine, "native_engine"},
	{screen.ErrOutputParse, "output_parse"},
	{vision.ErrInvalidImage, "invalid_image"},
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "canceled"},
}

// Kind maps an error to a stable label for metrics and diagnostics.
// A nil error is "ok"; anything unrecognized is "internal".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
