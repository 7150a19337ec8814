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

package modelconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qwenConfig = `{
  "architectures": ["Qwen2VLForConditionalGeneration"],
  "bos_token_id": 151643,
  "eos_token_id": 151645,
  "hidden_size": 1536,
  "image_token_id": 151655,
  "num_attention_heads": 12,
  "num_hidden_layers": 28,
  "num_key_value_heads": 2,
  "rope_theta": 1000000.0,
  "vision_config": {
    "depth": 32,
    "embed_dim": 1280,
    "hidden_size": 1536,
    "in_chans": 3,
    "spatial_merge_size": 2,
    "spatial_patch_size": 14,
    "temporal_patch_size": 2
  },
  "vision_end_token_id": 151653,
  "vision_start_token_id": 151652,
  "vocab_size": 151936
}`

func TestParseQwenConfig(t *testing.T) {
	cfg, err := Parse([]byte(qwenConfig))
	require.NoError(t, err)

	assert.Equal(t, 1536, cfg.HiddenSize)
	assert.Equal(t, 12, cfg.NumAttentionHeads)
	assert.Equal(t, 2, cfg.NumKeyValueHeads)
	assert.Equal(t, 28, cfg.NumLayers)
	assert.Equal(t, 151936, cfg.VocabSize)
	assert.Equal(t, 1000000.0, cfg.RopeTheta)
	assert.Equal(t, 128, cfg.HeadDim)
	assert.Equal(t, []int{151645}, cfg.EOSTokenIDs)
	assert.True(t, cfg.IsEOS(151645))
	assert.False(t, cfg.IsEOS(151643))
	assert.Equal(t, 151655, cfg.ImageTokenID)
	assert.Equal(t, 14, cfg.Vision.PatchSize)
	assert.Equal(t, 4, cfg.Vision.ReductionRatio())
}

func TestParseConfigEOSList(t *testing.T) {
	cfg, err := Parse([]byte(`{"hidden_size": 64, "num_attention_heads": 4, "num_hidden_layers": 2,
		"vocab_size": 100, "eos_token_id": [1, 2]}`))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, cfg.EOSTokenIDs)
	assert.Equal(t, 4, cfg.NumKeyValueHeads, "defaults to attention heads")
	assert.Equal(t, DefaultImageTokenID, cfg.ImageTokenID)
	assert.Equal(t, 2, cfg.Vision.SpatialMergeSize)
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"hidden_size": `},
		{"zero hidden", `{"num_attention_heads": 4, "num_hidden_layers": 2, "vocab_size": 10}`},
		{"indivisible heads", `{"hidden_size": 10, "num_attention_heads": 4, "num_hidden_layers": 2, "vocab_size": 10}`},
		{"bad kv heads", `{"hidden_size": 64, "num_attention_heads": 4, "num_key_value_heads": 3, "num_hidden_layers": 2, "vocab_size": 10}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeModelDir(t *testing.T, dir string, onnxNames ...string) {
	t.Helper()
	for _, name := range onnxNames {
		writeFile(t, filepath.Join(dir, "onnx", name), "onnx")
	}
	writeFile(t, filepath.Join(dir, ConfigFile), qwenConfig)
	writeFile(t, filepath.Join(dir, TokenizerFile), `{"model": {"vocab": {}}}`)
	writeFile(t, filepath.Join(dir, PreprocessorConfigFile), `{}`)
}

func TestDiscoverPrefersQ4F16(t *testing.T) {
	dir := t.TempDir()
	writeModelDir(t, dir,
		"vision_encoder.onnx", "vision_encoder_q4f16.onnx",
		"embed_tokens_fp16.onnx",
		"decoder_model_merged_q4f16.onnx", "decoder_model_merged_int8.onnx",
	)

	a, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "onnx", "vision_encoder_q4f16.onnx"), a.VisionEncoder)
	assert.Equal(t, filepath.Join(dir, "onnx", "embed_tokens_fp16.onnx"), a.EmbedTokens)
	assert.Equal(t, filepath.Join(dir, "onnx", "decoder_model_merged_q4f16.onnx"), a.Decoder)
	assert.Equal(t, filepath.Join(dir, ConfigFile), a.Config)
}

func TestDiscoverRejectsInt8Only(t *testing.T) {
	dir := t.TempDir()
	writeModelDir(t, dir, "vision_encoder_int8.onnx", "embed_tokens_q4f16.onnx", "decoder_model_merged_q4f16.onnx")

	_, err := Discover(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedQuantization)
	assert.NotErrorIs(t, err, ErrModelFilesMissing)
}

func TestDiscoverMissingAndEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	writeModelDir(t, dir, "vision_encoder_q4f16.onnx", "embed_tokens_q4f16.onnx")
	// Zero-length artifacts count as missing.
	writeFile(t, filepath.Join(dir, "onnx", "decoder_model_merged_q4f16.onnx"), "")
	writeFile(t, filepath.Join(dir, PreprocessorConfigFile), "")

	_, err := Discover(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelFilesMissing)

	var missing *MissingFilesError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{"decoder_model_merged.onnx", PreprocessorConfigFile}, missing.Files)
}

func TestIsUnsupportedVariant(t *testing.T) {
	assert.True(t, IsUnsupportedVariant("onnx/decoder_model_merged_int8.onnx"))
	assert.True(t, IsUnsupportedVariant("vision_encoder_quantized.onnx"))
	assert.False(t, IsUnsupportedVariant("vision_encoder_q4f16.onnx"))
}

func TestVariantFileNames(t *testing.T) {
	assert.Equal(t, []string{"q4f16", "fp16", "", "q4"}, SupportedVariants())
	assert.Equal(t, "decoder_model_merged_q4f16.onnx", ModelFileName(DecoderModel, "q4f16"))
	assert.Equal(t, "embed_tokens.onnx", ModelFileName(EmbedTokensModel, ""))
	assert.Len(t, SubModels(), 3)
}

func TestLoadPreprocessor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PreprocessorConfigFile)
	writeFile(t, path, `{"image_mean": [0.48145466, 0.4578275, 0.40821073],
		"image_std": [0.26862954, 0.26130258, 0.27577711], "patch_size": 14, "merge_size": 2}`)

	p, err := LoadPreprocessor(path)
	require.NoError(t, err)
	assert.Len(t, p.ImageMean, 3)
	assert.Equal(t, 14, p.PatchSize)

	writeFile(t, path, `{"image_mean": [0.5]}`)
	_, err = LoadPreprocessor(path)
	assert.Error(t, err)
}
