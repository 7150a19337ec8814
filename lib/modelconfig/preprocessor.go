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
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Preprocessor holds the fields of preprocessor_config.json the pipeline may use.
type Preprocessor struct {
	ImageMean []float32 `json:"image_mean"`
	ImageStd  []float32 `json:"image_std"`
	PatchSize int       `json:"patch_size"`
	MergeSize int       `json:"merge_size"`
}

// LoadPreprocessor reads preprocessor_config.json.
func LoadPreprocessor(path string) (*Preprocessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading preprocessor config: %w", err)
	}
	var p Preprocessor
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing preprocessor config: %w", err)
	}
	if len(p.ImageMean) != 0 && len(p.ImageMean) != 3 || len(p.ImageStd) != 0 && len(p.ImageStd) != 3 {
		return nil, fmt.Errorf("preprocessor config: image_mean and image_std need 3 channels")
	}
	return &p, nil
}
