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

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull [repo]",
	Short: "Download the model files from HuggingFace",
	Long: `Download the three ONNX sub-models and the config, tokenizer and
preprocessor JSON files into the models directory.

Variants (in order of preference when none is given):
  q4f16  - 4-bit weights, fp16 activations (default, smallest that runs)
  fp16   - half precision
  ""     - full precision
  q4     - 4-bit weights, fp32 activations

INT8 variants (int8, uint8, quantized) need the ConvInteger operator and
are refused.

Examples:
  # Pull the default repository
  testwings pull

  # Pull into a custom directory
  testwings pull --models-dir /opt/testwings/models

  # Pull a gated or private fork
  testwings pull --hf-token $HF_TOKEN myorg/Qwen2-VL-2B-Instruct-ONNX`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("variant", cli.DefaultVariant,
		"ONNX variant to download (q4f16, fp16, q4, or empty for the best available)")
	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	variant, _ := cmd.Flags().GetString("variant")
	hfToken, _ := cmd.Flags().GetString("hf-token")

	repoID := cli.DefaultRepo
	if len(args) > 0 {
		repoID = args[0]
	}

	if err := cli.PullFromHuggingFace(repoID, cli.PullOptions{
		ModelsDir: viper.GetString("models_dir"),
		HFToken:   hfToken,
		Variant:   variant,
	}); err != nil {
		return fmt.Errorf("failed to pull %s: %w", repoID, err)
	}
	return nil
}
