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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	testwings "github.com/ch2ohchohch2oh66/TestWings-sub000"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image> [image...]",
	Short: "Describe the UI elements on screenshots",
	Long: `Run the full pipeline on one or more screenshots and print one ScreenState
JSON document per image.

A failed analysis prints a state with "available": false and a diagnostic,
and the command exits non-zero after processing every image.

Examples:
  # Describe every UI element
  testwings analyze screen.png

  # Ask a specific question and keep the raw model output
  testwings analyze --instruction "Where is the login button?" --raw screen.png

  # Map normalized 0-1000 model coordinates back onto the screenshot
  testwings analyze --coordinates normalized screen.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	defaults := testwings.DefaultConfig()
	f := analyzeCmd.Flags()
	f.String("instruction", pipelines.DefaultInstruction, "instruction given to the model")
	f.Bool("raw", false, "include the raw model output in the JSON")
	f.Bool("compact", false, "print single-line JSON")

	f.Int("target-size", defaults.TargetSize, "square canvas side screenshots are letterboxed into")
	mustBindPFlag("image.target_size", f.Lookup("target-size"))
	f.Bool("normalize", defaults.Normalize, "normalize pixels with the preprocessor mean/std")
	mustBindPFlag("image.normalize", f.Lookup("normalize"))
	f.String("zero-length-cache", string(defaults.ZeroLengthCache), "start decoding from an empty KV cache (auto, on, off)")
	mustBindPFlag("decoder.zero_length_cache", f.Lookup("zero-length-cache"))
	f.Int("max-new-tokens", defaults.MaxNewTokens, "maximum number of generated tokens")
	mustBindPFlag("decoder.max_new_tokens", f.Lookup("max-new-tokens"))
	f.Bool("single-pass", defaults.SinglePass, "decode from a single forward pass instead of generating")
	mustBindPFlag("decoder.single_pass", f.Lookup("single-pass"))
	f.Duration("timeout", defaults.Timeout, "per-image analysis timeout (0 = none)")
	mustBindPFlag("inference.timeout", f.Lookup("timeout"))
	f.String("coordinates", string(defaults.Coordinates), "coordinate space of the model output (image, canvas, normalized)")
	mustBindPFlag("output.coordinates", f.Lookup("coordinates"))
	f.String("metrics-textfile", "", "write Prometheus metrics to this file on exit")
	mustBindPFlag("metrics.textfile", f.Lookup("metrics-textfile"))
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	instruction, _ := cmd.Flags().GetString("instruction")
	raw, _ := cmd.Flags().GetBool("raw")
	compact, _ := cmd.Flags().GetBool("compact")

	config, err := loadConfig()
	if err != nil {
		return err
	}

	ic := testwings.New(config, testwings.WithLogger(logger))
	defer func() {
		_ = ic.Close()
		writeMetrics(logger)
	}()

	if err := waitForLoad(ctx, ic, logger); err != nil {
		return err
	}

	var failed int
	for _, path := range args {
		state := analyzeFile(ctx, ic, path, instruction, logger)
		if !state.Available {
			failed++
		}
		if !raw {
			state.RawText = ""
		}
		if err := printJSON(state, compact); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d analyses failed", failed, len(args))
	}
	return nil
}

func analyzeFile(ctx context.Context, ic *testwings.InferenceContext, path, instruction string, logger *zap.Logger) screen.ScreenState {
	img, err := vision.LoadImage(path)
	if err != nil {
		logger.Warn("Cannot read screenshot", zap.String("path", path), zap.Error(err))
		return screen.Unavailable(fmt.Sprintf("%s: %v", testwings.Kind(err), err))
	}
	return ic.Analyze(ctx, img, instruction)
}

// waitForLoad loads the model and logs progress until it is ready.
func waitForLoad(ctx context.Context, ic *testwings.InferenceContext, logger *zap.Logger) error {
	task, err := ic.Load(ctx)
	if err != nil {
		return err
	}
	for ev := range task.Events() {
		logger.Debug("Load progress",
			zap.String("stage", string(ev.Stage)),
			zap.String("message", ev.Message),
			zap.Float64("progress", ev.Progress),
			zap.Duration("elapsed", ev.Elapsed))
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("loading model from %s: %w", viper.GetString("models_dir"), err)
	}
	return nil
}

func printJSON(v any, compact bool) error {
	var (
		data []byte
		err  error
	)
	if compact {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
