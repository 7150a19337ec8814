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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact file names.
const (
	ConfigFile             = "config.json"
	TokenizerFile          = "tokenizer.json"
	PreprocessorConfigFile = "preprocessor_config.json"
)

var (
	// ErrModelFilesMissing is returned when a required artifact is absent or empty.
	ErrModelFilesMissing = errors.New("model files missing")

	// ErrUnsupportedQuantization is returned when only artifacts the engine
	// cannot execute are present (INT8 variants rely on ConvInteger).
	ErrUnsupportedQuantization = errors.New("unsupported quantization")
)

// Sub-model base names, as published in onnx-community/Qwen2-VL-2B-Instruct.
const (
	VisionEncoderModel = "vision_encoder"
	EmbedTokensModel   = "embed_tokens"
	DecoderModel       = "decoder_model_merged"
)

// supportedVariants is the search order for each sub-model file.
var supportedVariants = []string{"_q4f16", "_fp16", "", "_q4"}

// unsupportedVariants are quantizations the engine cannot run.
var unsupportedVariants = []string{"_int8", "_uint8", "_quantized"}

// Artifacts lists the resolved paths of every model file.
type Artifacts struct {
	Dir                string
	VisionEncoder      string
	EmbedTokens        string
	Decoder            string
	Config             string
	Tokenizer          string
	PreprocessorConfig string
}

// MissingFilesError lists every required artifact that could not be found.
type MissingFilesError struct {
	Dir   string
	Files []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("model files missing in %s: %s", e.Dir, strings.Join(e.Files, ", "))
}

// Is reports MissingFilesError as an ErrModelFilesMissing.
func (e *MissingFilesError) Is(target error) bool {
	return target == ErrModelFilesMissing
}

// UnsupportedQuantizationError names an artifact the engine cannot execute.
type UnsupportedQuantizationError struct {
	Path string
}

func (e *UnsupportedQuantizationError) Error() string {
	return fmt.Sprintf("unsupported quantization: %s (INT8 models need ConvInteger, use the q4f16 variant)", filepath.Base(e.Path))
}

// Is reports UnsupportedQuantizationError as an ErrUnsupportedQuantization.
func (e *UnsupportedQuantizationError) Is(target error) bool {
	return target == ErrUnsupportedQuantization
}

// Discover resolves every artifact in dir (and its onnx/ subdirectory).
// Files are checked for presence and non-zero length only; nothing is loaded.
func Discover(dir string) (*Artifacts, error) {
	a := &Artifacts{Dir: dir}
	var missing []string

	for _, m := range []struct {
		base string
		dst  *string
	}{
		{VisionEncoderModel, &a.VisionEncoder},
		{EmbedTokensModel, &a.EmbedTokens},
		{DecoderModel, &a.Decoder},
	} {
		path, err := FindModelFile(dir, m.base)
		if err != nil {
			if errors.Is(err, ErrModelFilesMissing) {
				missing = append(missing, m.base+".onnx")
				continue
			}
			return nil, err
		}
		*m.dst = path
	}

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{ConfigFile, &a.Config},
		{TokenizerFile, &a.Tokenizer},
		{PreprocessorConfigFile, &a.PreprocessorConfig},
	} {
		path := filepath.Join(dir, f.name)
		if !nonEmptyFile(path) {
			missing = append(missing, f.name)
			continue
		}
		*f.dst = path
	}

	if len(missing) > 0 {
		return nil, &MissingFilesError{Dir: dir, Files: missing}
	}
	return a, nil
}

// FindModelFile returns the highest-priority supported variant of a
// sub-model. When only unsupported variants exist it returns an
// UnsupportedQuantizationError instead of a missing-file error.
func FindModelFile(dir, base string) (string, error) {
	searchDirs := []string{dir, filepath.Join(dir, "onnx")}

	for _, suffix := range supportedVariants {
		for _, searchDir := range searchDirs {
			path := filepath.Join(searchDir, base+suffix+".onnx")
			if nonEmptyFile(path) {
				return path, nil
			}
		}
	}

	for _, suffix := range unsupportedVariants {
		for _, searchDir := range searchDirs {
			path := filepath.Join(searchDir, base+suffix+".onnx")
			if _, err := os.Stat(path); err == nil {
				return "", &UnsupportedQuantizationError{Path: path}
			}
		}
	}

	return "", fmt.Errorf("%w: %s.onnx", ErrModelFilesMissing, base)
}

// SubModels returns the base names of the three sub-models.
func SubModels() []string {
	return []string{VisionEncoderModel, EmbedTokensModel, DecoderModel}
}

// SupportedVariants returns the quantization variants the engine can run,
// in the order Discover prefers them. The unquantized file is "".
func SupportedVariants() []string {
	out := make([]string, len(supportedVariants))
	for i, s := range supportedVariants {
		out[i] = strings.TrimPrefix(s, "_")
	}
	return out
}

// ModelFileName returns the file name of a sub-model variant.
func ModelFileName(base, variant string) string {
	if variant == "" {
		return base + ".onnx"
	}
	return base + "_" + variant + ".onnx"
}

// IsUnsupportedVariant reports whether a file name carries a quantization
// suffix the engine cannot run.
func IsUnsupportedVariant(name string) bool {
	stem := strings.TrimSuffix(filepath.Base(name), ".onnx")
	for _, suffix := range unsupportedVariants {
		if strings.HasSuffix(stem, suffix) {
			return true
		}
	}
	return false
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
