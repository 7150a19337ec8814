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
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the prompt token ids sent to the decoder",
	Long: `Assemble the chat prompt for an instruction exactly as analyze does and print
its token ids, its decoded text and the ids of the special tokens. Only
config.json and tokenizer.json are read.

The number of image placeholders follows from the canvas size: one per
feature row the vision encoder produces.`,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)

	promptCmd.Flags().String("instruction", pipelines.DefaultInstruction, "instruction given to the model")
	promptCmd.Flags().Int("features", -1, "number of image placeholders (default: derived from --target-size)")
	promptCmd.Flags().Int("target-size", vision.DefaultTargetSize, "square canvas side used to derive the placeholder count")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	instruction, _ := cmd.Flags().GetString("instruction")
	features, _ := cmd.Flags().GetInt("features")
	targetSize, _ := cmd.Flags().GetInt("target-size")

	dir := viper.GetString("models_dir")
	cfg, err := modelconfig.Load(dir)
	if err != nil {
		return err
	}
	kind, err := tokenizer.ParseKind(viper.GetString("tokenizer"))
	if err != nil {
		return err
	}
	tok, _, err := tokenizer.Load(filepath.Join(dir, modelconfig.TokenizerFile), kind, zap.NewNop(),
		tokenizer.WithSpecialIDs(map[tokenizer.SpecialToken]int{
			tokenizer.ImagePad:    cfg.ImageTokenID,
			tokenizer.VisionStart: cfg.VisionStartTokenID,
			tokenizer.VisionEnd:   cfg.VisionEndTokenID,
		}))
	if err != nil {
		return err
	}

	if features < 0 {
		p, err := vision.NewPatchifier(cfg.Vision, targetSize)
		if err != nil {
			return err
		}
		features = p.Grid().NumPatches() / cfg.Vision.ReductionRatio()
	}

	ids, err := tokenizer.BuildPrompt(tok, instruction, features)
	if err != nil {
		return err
	}

	fmt.Printf("Prompt tokens: %d (%d image placeholders)\n", len(ids), features)
	fmt.Printf("Token ids: %v\n", ids)
	fmt.Printf("Decoded:\n%s\n\n", tok.Decode(ids))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SPECIAL\tID")
	for _, s := range []tokenizer.SpecialToken{
		tokenizer.ChatStart, tokenizer.ChatEnd, tokenizer.VisionStart,
		tokenizer.ImagePad, tokenizer.VisionEnd, tokenizer.EOS,
	} {
		if id, ok := tok.SpecialID(s); ok {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", s, id)
		} else {
			_, _ = fmt.Fprintf(w, "%s\tmissing\n", s)
		}
	}
	return w.Flush()
}
