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
// Package cli provides the model management functions behind the testwings
// command: downloading artifacts, validating a model directory and
// inspecting sub-model signatures.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/gomlx/go-huggingface/hub"
)

// DefaultRepo is the HuggingFace repository the ONNX export is published in.
const DefaultRepo = "onnx-community/Qwen2-VL-2B-Instruct"

// DefaultVariant is the quantization downloaded when none is requested.
const DefaultVariant = "q4f16"

// PullOptions contains options for pulling a model from HuggingFace
type PullOptions struct {
	ModelsDir string
	HFToken   string

	// Variant selects the quantization of the three sub-models. Empty
	// picks the best variant the repo has.
	Variant string

	// Progress, when set, is called before and after each file copy.
	Progress func(downloaded, total int64, filename string)
}

// FileSource lists and fetches the files of a model repository.
type FileSource interface {
	ListFiles() ([]string, error)

	// Download fetches a file and returns its local path.
	Download(name string) (string, error)
}

type hubSource struct {
	repo *hub.Repo
}

// NewHubSource returns a FileSource backed by a HuggingFace repo.
func NewHubSource(repoID, token string) FileSource {
	repo := hub.New(repoID)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	return hubSource{repo: repo}
}

func (s hubSource) ListFiles() ([]string, error) {
	var files []string
	for fileName, err := range s.repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}
	return files, nil
}

func (s hubSource) Download(name string) (string, error) {
	return s.repo.DownloadFile(name)
}

// PullFromHuggingFace downloads the six model artifacts of repoID into
// opts.ModelsDir.
func PullFromHuggingFace(repoID string, opts PullOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if repoID == "" {
		repoID = DefaultRepo
	}
	hfToken := opts.HFToken
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	if opts.Progress == nil {
		opts.Progress = PrintProgress
	}

	fmt.Printf("Pulling from HuggingFace: %s\n", repoID)
	fmt.Printf("Variant: %s\n", variantLabel(opts.Variant))
	fmt.Println()
	fmt.Println("Downloading files...")

	written, err := Pull(ctx, NewHubSource(repoID, hfToken), opts)
	if err != nil {
		return fmt.Errorf("failed to pull model: %w", err)
	}

	fmt.Printf("\n✓ %d files pulled successfully to %s\n", len(written), opts.ModelsDir)
	return nil
}

// Pull selects the artifacts from src and copies them, flattened, into
// opts.ModelsDir. It returns the written paths.
func Pull(ctx context.Context, src FileSource, opts PullOptions) ([]string, error) {
	files, err := src.ListFiles()
	if err != nil {
		return nil, err
	}
	toDownload, err := SelectFiles(files, opts.Variant)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.ModelsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	var written []string
	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		localPath, err := src.Download(fileName)
		if err != nil {
			return written, fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destName := path.Base(fileName)
		destPath := filepath.Join(opts.ModelsDir, destName)
		if opts.Progress != nil {
			opts.Progress(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return written, fmt.Errorf("copying %s: %w", fileName, err)
		}
		if opts.Progress != nil {
			if info, err := os.Stat(destPath); err == nil {
				opts.Progress(info.Size(), info.Size(), destName)
			}
		}
		written = append(written, destPath)
	}
	return written, nil
}

// SelectFiles picks the repo files needed to run the model: one file per
// sub-model (plus its external data file, when the repo has one) and the
// three JSON configs. Variants the engine cannot run are refused.
func SelectFiles(files []string, variant string) ([]string, error) {
	variants := modelconfig.SupportedVariants()
	if variant != "" {
		name := modelconfig.ModelFileName(modelconfig.DecoderModel, variant)
		if modelconfig.IsUnsupportedVariant(name) {
			return nil, &modelconfig.UnsupportedQuantizationError{Path: name}
		}
		if !slices.Contains(variants, variant) {
			return nil, fmt.Errorf("unknown variant %q, valid options: %s", variant, strings.Join(variants, ", "))
		}
		variants = []string{variant}
	}

	byName := make(map[string]string, len(files))
	for _, f := range files {
		base := path.Base(f)
		// Prefer the onnx/ copy when a file is published twice.
		if _, seen := byName[base]; !seen || strings.HasPrefix(f, "onnx/") {
			byName[base] = f
		}
	}

	var selected, missing []string
	for _, model := range modelconfig.SubModels() {
		found := false
		for _, v := range variants {
			name := modelconfig.ModelFileName(model, v)
			if f, ok := byName[name]; ok {
				selected = append(selected, f)
				if data, ok := byName[name+"_data"]; ok {
					selected = append(selected, data)
				}
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, modelconfig.ModelFileName(model, variants[0]))
		}
	}
	for _, name := range []string{modelconfig.ConfigFile, modelconfig.TokenizerFile, modelconfig.PreprocessorConfigFile} {
		if f, ok := byName[name]; ok {
			selected = append(selected, f)
		} else {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return nil, &modelconfig.MissingFilesError{Dir: "repository", Files: missing}
	}
	return selected, nil
}

func variantLabel(v string) string {
	if v == "" {
		return "auto (" + strings.Join(modelconfig.SupportedVariants()[:2], " > ") + " > ...)"
	}
	return v
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	_, err = io.Copy(out, in)
	return err
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// PrintProgress prints download progress to stdout
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := int(float64(barWidth) * float64(downloaded) / float64(total))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}
