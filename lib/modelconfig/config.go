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

// Package modelconfig loads the static architecture parameters of the
// screen model and discovers its artifacts on disk.
package modelconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Qwen2-VL special token ids, used when config.json does not name them.
const (
	DefaultImageTokenID       = 151655
	DefaultVisionStartTokenID = 151652
	DefaultVisionEndTokenID   = 151653
)

// VisionConfig holds the vision tower parameters the patchifier depends on.
type VisionConfig struct {
	PatchSize         int
	TemporalPatchSize int
	SpatialMergeSize  int
	InChannels        int
}

// ReductionRatio is the number of patches the encoder merges into one
// output feature row.
func (v VisionConfig) ReductionRatio() int {
	return v.SpatialMergeSize * v.SpatialMergeSize
}

// ModelConfig holds the architecture parameters read from config.json.
// It is immutable once loaded and safe for concurrent reads.
type ModelConfig struct {
	HiddenSize        int
	NumAttentionHeads int
	NumKeyValueHeads  int
	NumLayers         int
	VocabSize         int
	RopeTheta         float64

	// HeadDim is HiddenSize / NumAttentionHeads.
	HeadDim int

	EOSTokenIDs        []int
	BOSTokenID         int
	ImageTokenID       int
	VisionStartTokenID int
	VisionEndTokenID   int

	Vision VisionConfig
}

// IsEOS reports whether id is one of the end-of-sequence ids.
func (c *ModelConfig) IsEOS(id int) bool {
	for _, eos := range c.EOSTokenIDs {
		if id == eos {
			return true
		}
	}
	return false
}

// Validate checks the derived invariants of the configuration.
func (c *ModelConfig) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	case c.NumKeyValueHeads <= 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("num_attention_heads %d not divisible by num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.NumLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be positive, got %d", c.NumLayers)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.Vision.PatchSize <= 0 || c.Vision.SpatialMergeSize <= 0 || c.Vision.TemporalPatchSize <= 0:
		return fmt.Errorf("invalid vision config %+v", c.Vision)
	}
	return nil
}

// rawConfig mirrors the fields of a HuggingFace Qwen2-VL config.json.
type rawConfig struct {
	HiddenSize         int     `json:"hidden_size"`
	NumAttentionHeads  int     `json:"num_attention_heads"`
	NumKeyValueHeads   int     `json:"num_key_value_heads"`
	NumHiddenLayers    int     `json:"num_hidden_layers"`
	VocabSize          int     `json:"vocab_size"`
	RopeTheta          float64 `json:"rope_theta"`
	EOSTokenID         any     `json:"eos_token_id"` // Can be int or []int
	BOSTokenID         int     `json:"bos_token_id"`
	ImageTokenID       int     `json:"image_token_id"`
	VisionStartTokenID int     `json:"vision_start_token_id"`
	VisionEndTokenID   int     `json:"vision_end_token_id"`

	VisionConfig *struct {
		PatchSize         int `json:"patch_size"`
		SpatialPatchSize  int `json:"spatial_patch_size"`
		TemporalPatchSize int `json:"temporal_patch_size"`
		SpatialMergeSize  int `json:"spatial_merge_size"`
		InChans           int `json:"in_chans"`
		InChannels        int `json:"in_channels"`
	} `json:"vision_config"`
}

// Load reads config.json from a model directory.
func Load(modelDir string) (*ModelConfig, error) {
	return LoadFile(filepath.Join(modelDir, ConfigFile))
}

// LoadFile reads a config.json file.
func LoadFile(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	return Parse(data)
}

// Parse builds a ModelConfig from config.json content.
func Parse(data []byte) (*ModelConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}

	cfg := &ModelConfig{
		HiddenSize:         raw.HiddenSize,
		NumAttentionHeads:  raw.NumAttentionHeads,
		NumKeyValueHeads:   firstNonZero(raw.NumKeyValueHeads, raw.NumAttentionHeads),
		NumLayers:          raw.NumHiddenLayers,
		VocabSize:          raw.VocabSize,
		RopeTheta:          raw.RopeTheta,
		EOSTokenIDs:        parseTokenIDs(raw.EOSTokenID),
		BOSTokenID:         raw.BOSTokenID,
		ImageTokenID:       firstNonZero(raw.ImageTokenID, DefaultImageTokenID),
		VisionStartTokenID: firstNonZero(raw.VisionStartTokenID, DefaultVisionStartTokenID),
		VisionEndTokenID:   firstNonZero(raw.VisionEndTokenID, DefaultVisionEndTokenID),
		Vision: VisionConfig{
			PatchSize:         14,
			TemporalPatchSize: 2,
			SpatialMergeSize:  2,
			InChannels:        3,
		},
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 1000000
	}
	if v := raw.VisionConfig; v != nil {
		cfg.Vision = VisionConfig{
			PatchSize:         firstNonZero(v.PatchSize, v.SpatialPatchSize, 14),
			TemporalPatchSize: firstNonZero(v.TemporalPatchSize, 2),
			SpatialMergeSize:  firstNonZero(v.SpatialMergeSize, 2),
			InChannels:        firstNonZero(v.InChans, v.InChannels, 3),
		}
	}
	if cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	return cfg, nil
}

// parseTokenIDs accepts either a single id or a list of ids.
func parseTokenIDs(v any) []int {
	switch val := v.(type) {
	case float64:
		return []int{int(val)}
	case []any:
		ids := make([]int, 0, len(val))
		for _, item := range val {
			if f, ok := item.(float64); ok {
				ids = append(ids, int(f))
			}
		}
		return ids
	}
	return nil
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
