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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
)

// FileEntry is one resolved model artifact.
type FileEntry struct {
	Role string
	Path string
	Size int64
}

// CheckReport describes a validated model directory.
type CheckReport struct {
	Dir       string
	Files     []FileEntry
	TotalSize int64

	Config    *modelconfig.ModelConfig
	VocabSize int

	// Warnings are problems that do not prevent loading.
	Warnings []string
}

// CheckModelDir resolves every artifact in dir and parses the JSON configs
// without creating any inference session.
func CheckModelDir(dir string) (*CheckReport, error) {
	a, err := modelconfig.Discover(dir)
	if err != nil {
		return nil, err
	}

	r := &CheckReport{Dir: a.Dir}
	for _, f := range []struct{ role, path string }{
		{"vision encoder", a.VisionEncoder},
		{"embed tokens", a.EmbedTokens},
		{"decoder", a.Decoder},
		{"config", a.Config},
		{"tokenizer", a.Tokenizer},
		{"preprocessor", a.PreprocessorConfig},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			return nil, err
		}
		r.Files = append(r.Files, FileEntry{Role: f.role, Path: f.path, Size: info.Size()})
		r.TotalSize += info.Size()
	}

	r.Config, err = modelconfig.LoadFile(a.Config)
	if err != nil {
		return nil, err
	}
	if _, err := modelconfig.LoadPreprocessor(a.PreprocessorConfig); err != nil {
		return nil, err
	}

	vocab, err := tokenizer.LoadVocabulary(a.Tokenizer)
	if err != nil {
		return nil, err
	}
	r.VocabSize = vocab.Size()

	for _, want := range []struct {
		special tokenizer.SpecialToken
		id      int
	}{
		{tokenizer.ImagePad, r.Config.ImageTokenID},
		{tokenizer.VisionStart, r.Config.VisionStartTokenID},
		{tokenizer.VisionEnd, r.Config.VisionEndTokenID},
	} {
		got, ok := vocab.SpecialID(want.special)
		switch {
		case !ok:
			r.Warnings = append(r.Warnings, fmt.Sprintf("tokenizer has no %s token, config id %d will be used", want.special, want.id))
		case got != want.id:
			r.Warnings = append(r.Warnings, fmt.Sprintf("tokenizer %s id %d differs from config id %d", want.special, got, want.id))
		}
	}
	if r.VocabSize > r.Config.VocabSize {
		r.Warnings = append(r.Warnings, fmt.Sprintf("tokenizer has %d tokens but vocab_size is %d", r.VocabSize, r.Config.VocabSize))
	}
	return r, nil
}

// PrintCheckReport writes a report as a table followed by the model summary.
func PrintCheckReport(w io.Writer, r *CheckReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROLE\tFILE\tSIZE")
	for _, f := range r.Files {
		rel, err := filepath.Rel(r.Dir, f.Path)
		if err != nil {
			rel = f.Path
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Role, rel, FormatBytes(f.Size))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	c := r.Config
	_, _ = fmt.Fprintf(w, "\nTotal size: %s\n", FormatBytes(r.TotalSize))
	_, _ = fmt.Fprintf(w, "Layers: %d, hidden: %d, heads: %d/%d kv, head dim: %d\n",
		c.NumLayers, c.HiddenSize, c.NumAttentionHeads, c.NumKeyValueHeads, c.HeadDim)
	_, _ = fmt.Fprintf(w, "Vocabulary: %d tokens (vocab_size %d)\n", r.VocabSize, c.VocabSize)
	_, _ = fmt.Fprintf(w, "Vision: patch %d, temporal %d, merge %d\n",
		c.Vision.PatchSize, c.Vision.TemporalPatchSize, c.Vision.SpatialMergeSize)
	for _, warning := range r.Warnings {
		_, _ = fmt.Fprintf(w, "Warning: %s\n", warning)
	}
	return nil
}
