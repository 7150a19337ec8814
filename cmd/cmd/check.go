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

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var checkCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "Validate a model directory",
	Long: `Resolve every model artifact, report which variant was picked and its size,
and parse config.json, tokenizer.json and preprocessor_config.json. No
inference session is created.

Examples:
  testwings check
  testwings check /opt/testwings/models`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	dir := viper.GetString("models_dir")
	if len(args) > 0 {
		dir = args[0]
	}

	report, err := cli.CheckModelDir(dir)
	if err != nil {
		return err
	}
	if err := cli.PrintCheckReport(os.Stdout, report); err != nil {
		return err
	}

	gpu := backends.DetectGPU()
	if gpu.Available {
		fmt.Printf("GPU: %s (driver %s), mode %s\n", gpu.DeviceName, gpu.DriverVer, viper.GetString("gpu"))
	} else {
		fmt.Printf("GPU: none detected, inference runs on CPU\n")
	}
	return nil
}
