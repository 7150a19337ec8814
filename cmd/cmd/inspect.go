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

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/cli"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [model.onnx...]",
	Short: "Show the inputs and outputs of ONNX sub-models",
	Long: `Open ONNX sub-models and list their inputs, grouped as inputs_embeds,
attention_mask, position_ids, past_key_values and other, followed by their
outputs. Dynamic dimensions are shown as "?".

Without arguments, the three sub-models of the models directory are inspected.

Examples:
  testwings inspect
  testwings inspect models/onnx/decoder_model_merged_q4f16.onnx`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		a, err := modelconfig.Discover(viper.GetString("models_dir"))
		if err != nil {
			return err
		}
		paths = []string{a.VisionEncoder, a.EmbedTokens, a.Decoder}
	}

	backend, err := backends.ParseBackendType(viper.GetString("backend"))
	if err != nil {
		return err
	}
	factory, err := backends.GetSessionFactory(backend)
	if err != nil {
		return err
	}
	sessions := backends.NewSessionManager(factory,
		backends.WithSessionThreads(viper.GetInt("threads")),
		backends.WithSessionGPUMode(backends.GPUModeOff))
	defer func() {
		_ = sessions.Close()
	}()

	for i, path := range paths {
		if modelconfig.IsUnsupportedVariant(path) {
			return &modelconfig.UnsupportedQuantizationError{Path: path}
		}
		session, err := sessions.CreateSession(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("=== %s (%s) ===\n", filepath.Base(path), backends.BackendName(factory))
		cli.PrintSignature(os.Stdout, session.InputInfo(), session.OutputInfo())
	}
	return nil
}
