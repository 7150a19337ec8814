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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antflydb/antfly-go/libaf/logging"
	testwings "github.com/ch2ohchohch2oh66/TestWings-sub000"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is reported by --version.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "testwings",
	Short: "On-device screen understanding with Qwen2-VL ONNX models",
	Long: `testwings turns a screenshot and an instruction into a structured list of
UI elements (type, text, bounding box) using a Qwen2-VL model exported as
three ONNX sub-models: vision encoder, token embedding and merged decoder.

Configuration is read from flags, TESTWINGS_* environment variables and an
optional config file (testwings.yaml in the working directory or
$HOME/.testwings).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := testwings.DefaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./testwings.yaml or $HOME/.testwings/testwings.yaml)")

	pf.String("models-dir", defaults.ModelsDir, "directory holding the ONNX sub-models and JSON configs")
	mustBindPFlag("models_dir", pf.Lookup("models-dir"))
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	mustBindPFlag("log.level", pf.Lookup("log-level"))
	pf.String("log-style", "terminal", "log style (terminal, json, logfmt, noop)")
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	pf.String("backend", string(defaults.Backend), "inference backend")
	mustBindPFlag("backend", pf.Lookup("backend"))
	pf.String("gpu", string(defaults.GPU), "GPU mode (auto, cuda, off)")
	mustBindPFlag("gpu", pf.Lookup("gpu"))
	pf.Int("threads", 0, "inference threads (0 = auto)")
	mustBindPFlag("threads", pf.Lookup("threads"))
	pf.String("tokenizer", string(defaults.Tokenizer), "tokenizer implementation (longest-match, huggingface)")
	mustBindPFlag("tokenizer", pf.Lookup("tokenizer"))

	viper.SetDefault("image.target_size", defaults.TargetSize)
	viper.SetDefault("image.normalize", defaults.Normalize)
	viper.SetDefault("decoder.zero_length_cache", string(defaults.ZeroLengthCache))
	viper.SetDefault("decoder.max_new_tokens", defaults.MaxNewTokens)
	viper.SetDefault("decoder.single_pass", defaults.SinglePass)
	viper.SetDefault("inference.timeout", defaults.Timeout)
	viper.SetDefault("cache.ttl", defaults.CacheTTL)
	viper.SetDefault("cache.capacity", defaults.CacheCapacity)
	viper.SetDefault("output.coordinates", string(defaults.Coordinates))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("testwings")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".testwings"))
		}
	}

	viper.SetEnvPrefix("TESTWINGS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: reading config: %v\n", err)
		}
	}
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// loadConfig builds the library configuration from viper.
func loadConfig() (testwings.Config, error) {
	config := testwings.DefaultConfig()
	config.ModelsDir = viper.GetString("models_dir")
	config.GPU = backends.ParseGPUMode(viper.GetString("gpu"))
	config.Threads = viper.GetInt("threads")
	config.TargetSize = viper.GetInt("image.target_size")
	config.Normalize = viper.GetBool("image.normalize")
	config.MaxNewTokens = viper.GetInt("decoder.max_new_tokens")
	config.SinglePass = viper.GetBool("decoder.single_pass")
	config.Timeout = viper.GetDuration("inference.timeout")
	config.CacheTTL = viper.GetDuration("cache.ttl")
	config.CacheCapacity = viper.GetUint64("cache.capacity")

	var err error
	if config.Backend, err = backends.ParseBackendType(viper.GetString("backend")); err != nil {
		return config, err
	}
	if config.Tokenizer, err = tokenizer.ParseKind(viper.GetString("tokenizer")); err != nil {
		return config, err
	}
	if config.ZeroLengthCache, err = testwings.ParseZeroLengthMode(viper.GetString("decoder.zero_length_cache")); err != nil {
		return config, err
	}
	if config.Coordinates, err = screen.ParseCoordinateMode(viper.GetString("output.coordinates")); err != nil {
		return config, err
	}
	if config.Timeout < 0 {
		return config, fmt.Errorf("inference.timeout must not be negative, got %s", config.Timeout)
	}
	return config, nil
}

// writeMetrics dumps the metrics to the configured textfile, if any.
func writeMetrics(logger *zap.Logger) {
	path := viper.GetString("metrics.textfile")
	if path == "" {
		return
	}
	start := time.Now()
	if err := testwings.WriteMetricsTextfile(path); err != nil {
		logger.Warn("Failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("Wrote metrics textfile", zap.String("path", path), zap.Duration("duration", time.Since(start)))
}
