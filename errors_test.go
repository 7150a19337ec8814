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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrNotLoaded, "not_loaded"},
		{fmt.Errorf("%w: state LOADING", ErrNotLoaded), "not_loaded"},
		{&modelconfig.MissingFilesError{Dir: "m", Files: []string{"config.json"}}, "model_files_missing"},
		{&modelconfig.UnsupportedQuantizationError{Path: "decoder_model_merged_int8.onnx"}, "unsupported_quantization"},
		{tokenizer.ErrTokenizerNotLoaded, "tokenizer_not_loaded"},
		{&pipelines.PlaceholderCountMismatchError{Expected: 256, Actual: 255}, "placeholder_count_mismatch"},
		{fmt.Errorf("decoder: %w", backends.ErrShapeValidation), "shape_validation"},
		{fmt.Errorf("run: %w", backends.ErrNativeEngine), "native_engine"},
		{screen.ErrOutputParse, "output_parse"},
		{fmt.Errorf("abandoned: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}

func TestWriteMetricsTextfile(t *testing.T) {
	RecordAnalyzeRequest("ok")
	RecordAnalyzeError(backends.ErrNativeEngine)

	path := filepath.Join(t.TempDir(), "testwings.prom")
	require.NoError(t, WriteMetricsTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `antfly_testwings_analyze_request_ops_total{status="ok"}`)
	assert.Contains(t, string(data), `antfly_testwings_analyze_errors_total{kind="native_engine"}`)
}
