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
package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var repoFiles = []string{
	".gitattributes",
	"README.md",
	"config.json",
	"generation_config.json",
	"preprocessor_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"onnx/decoder_model_merged.onnx",
	"onnx/decoder_model_merged.onnx_data",
	"onnx/decoder_model_merged_fp16.onnx",
	"onnx/decoder_model_merged_int8.onnx",
	"onnx/decoder_model_merged_q4f16.onnx",
	"onnx/embed_tokens.onnx",
	"onnx/embed_tokens_int8.onnx",
	"onnx/embed_tokens_q4f16.onnx",
	"onnx/vision_encoder.onnx",
	"onnx/vision_encoder_fp16.onnx",
	"onnx/vision_encoder_q4f16.onnx",
}

func TestSelectFiles(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		variant string
		want    []string
		wantErr error
	}{
		{
			name:    "q4f16",
			files:   repoFiles,
			variant: "q4f16",
			want: []string{
				"onnx/vision_encoder_q4f16.onnx",
				"onnx/embed_tokens_q4f16.onnx",
				"onnx/decoder_model_merged_q4f16.onnx",
				"config.json",
				"tokenizer.json",
				"preprocessor_config.json",
			},
		},
		{
			name:    "auto picks the preferred variant",
			files:   repoFiles,
			variant: "",
			want: []string{
				"onnx/vision_encoder_q4f16.onnx",
				"onnx/embed_tokens_q4f16.onnx",
				"onnx/decoder_model_merged_q4f16.onnx",
				"config.json",
				"tokenizer.json",
				"preprocessor_config.json",
			},
		},
		{
			name:    "int8 is refused",
			files:   repoFiles,
			variant: "int8",
			wantErr: modelconfig.ErrUnsupportedQuantization,
		},
		{
			name:    "missing variant",
			files:   repoFiles,
			variant: "q4",
			wantErr: modelconfig.ErrModelFilesMissing,
		},
		{
			name:    "missing configs",
			files:   []string{"onnx/vision_encoder_q4f16.onnx", "onnx/embed_tokens_q4f16.onnx", "onnx/decoder_model_merged_q4f16.onnx"},
			variant: "q4f16",
			wantErr: modelconfig.ErrModelFilesMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectFiles(tt.files, tt.variant)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectFilesExternalData(t *testing.T) {
	files := []string{
		"config.json", "tokenizer.json", "preprocessor_config.json",
		"onnx/vision_encoder.onnx", "onnx/embed_tokens.onnx",
		"onnx/decoder_model_merged.onnx", "onnx/decoder_model_merged.onnx_data",
	}
	got, err := SelectFiles(files, "")
	require.NoError(t, err)
	assert.Contains(t, got, "onnx/decoder_model_merged.onnx_data")
	assert.Len(t, got, 7)
}

func TestSelectFilesUnknownVariant(t *testing.T) {
	_, err := SelectFiles(repoFiles, "bf16")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown variant")
}

// dirSource serves files from a local directory.
type dirSource struct {
	dir   string
	files []string
	fail  string
}

func (s dirSource) ListFiles() ([]string, error) { return s.files, nil }

func (s dirSource) Download(name string) (string, error) {
	if name == s.fail {
		return "", errors.New("network down")
	}
	return filepath.Join(s.dir, filepath.FromSlash(name)), nil
}

func newDirSource(t *testing.T) dirSource {
	t.Helper()
	dir := t.TempDir()
	for _, f := range repoFiles {
		p := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("content of "+f), 0o644))
	}
	return dirSource{dir: dir, files: repoFiles}
}

func TestPull(t *testing.T) {
	src := newDirSource(t)
	dest := filepath.Join(t.TempDir(), "models")

	var reported []string
	written, err := Pull(context.Background(), src, PullOptions{
		ModelsDir: dest,
		Variant:   "q4f16",
		Progress: func(downloaded, total int64, filename string) {
			if total > 0 {
				reported = append(reported, filename)
			}
		},
	})
	require.NoError(t, err)
	assert.Len(t, written, 6)
	assert.Len(t, reported, 6)

	data, err := os.ReadFile(filepath.Join(dest, "decoder_model_merged_q4f16.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "content of onnx/decoder_model_merged_q4f16.onnx", string(data))

	a, err := modelconfig.Discover(dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "vision_encoder_q4f16.onnx"), a.VisionEncoder)
}

func TestPullFailures(t *testing.T) {
	src := newDirSource(t)
	src.fail = "onnx/embed_tokens_q4f16.onnx"
	_, err := Pull(context.Background(), src, PullOptions{ModelsDir: t.TempDir(), Variant: "q4f16"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Pull(ctx, newDirSource(t), PullOptions{ModelsDir: t.TempDir(), Variant: "q4f16"})
	assert.ErrorIs(t, err, context.Canceled)
}

const checkConfig = `{
  "hidden_size": 1536,
  "num_attention_heads": 12,
  "num_key_value_heads": 2,
  "num_hidden_layers": 28,
  "vocab_size": 151936,
  "eos_token_id": 151645,
  "image_token_id": 151655,
  "vision_start_token_id": 151652,
  "vision_end_token_id": 151653
}`

const checkTokenizer = `{
  "model": {"type": "BPE", "vocab": {"a": 0, "b": 1}},
  "added_tokens": [
    {"id": 151652, "content": "<|vision_start|>", "special": true},
    {"id": 151653, "content": "<|vision_end|>", "special": true},
    {"id": 151654, "content": "<|image_pad|>", "special": true}
  ]
}`

func TestCheckModelDir(t *testing.T) {
	dir := t.TempDir()
	onnxDir := filepath.Join(dir, "onnx")
	require.NoError(t, os.MkdirAll(onnxDir, 0o755))
	for _, m := range modelconfig.SubModels() {
		require.NoError(t, os.WriteFile(filepath.Join(onnxDir, modelconfig.ModelFileName(m, "q4f16")), make([]byte, 2048), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelconfig.ConfigFile), []byte(checkConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelconfig.TokenizerFile), []byte(checkTokenizer), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelconfig.PreprocessorConfigFile), []byte(`{"patch_size": 14}`), 0o644))

	r, err := CheckModelDir(dir)
	require.NoError(t, err)
	assert.Len(t, r.Files, 6)
	assert.Equal(t, 28, r.Config.NumLayers)
	assert.Equal(t, 5, r.VocabSize)
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "image_pad id 151654 differs from config id 151655")

	var buf bytes.Buffer
	require.NoError(t, PrintCheckReport(&buf, r))
	out := buf.String()
	assert.Contains(t, out, filepath.Join("onnx", "decoder_model_merged_q4f16.onnx"))
	assert.Contains(t, out, "2.0 KB")
	assert.Contains(t, out, "Layers: 28")
	assert.Contains(t, out, "Warning:")
}

func TestCheckModelDirMissing(t *testing.T) {
	_, err := CheckModelDir(t.TempDir())
	assert.ErrorIs(t, err, modelconfig.ErrModelFilesMissing)
}

func TestGroupInputs(t *testing.T) {
	infos := []backends.TensorInfo{
		{Name: "attention_mask", Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64},
		{Name: "past_key_values.0.key", Shape: []int64{-1, 2, -1, 128}, DataType: backends.DataTypeFloat16},
		{Name: "inputs_embeds", Shape: []int64{-1, -1, 1536}, DataType: backends.DataTypeFloat32},
		{Name: "past_value_in0", Shape: []int64{-1, 2, -1, 128}, DataType: backends.DataTypeFloat16},
		{Name: "position_ids", Shape: []int64{3, -1, -1}, DataType: backends.DataTypeInt64},
		{Name: "cache_position", Shape: []int64{-1}, DataType: backends.DataTypeInt64},
	}

	groups := GroupInputs(infos)
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	assert.Equal(t, []string{GroupInputsEmbeds, GroupAttentionMask, GroupPositionIDs, GroupPastKeyValues, GroupOther}, names)
	assert.Len(t, groups[3].Inputs, 2)
	assert.Equal(t, "cache_position", groups[4].Inputs[0].Name)

	var buf bytes.Buffer
	PrintSignature(&buf, infos, []backends.TensorInfo{{Name: "logits", Shape: []int64{-1, -1, 151936}, DataType: backends.DataTypeFloat32}})
	assert.Contains(t, buf.String(), "[past_key_values] 2")
	assert.Contains(t, buf.String(), "logits: float32 [?, ?, 151936]")
}

func TestFormatShape(t *testing.T) {
	assert.Equal(t, "[]", FormatShape(nil))
	assert.Equal(t, "[3, ?, 1536]", FormatShape([]int64{3, -1, 1536}))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "869.0 MB", FormatBytes(869*1024*1024))
	assert.Equal(t, "1.5 GB", FormatBytes(1536*1024*1024))
}
