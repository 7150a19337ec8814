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
// Command testwings describes the UI on a screenshot using an on-device
// Qwen2-VL model split into ONNX sub-models.
//
// Usage:
//
//	testwings analyze screen.png     # Print the UI elements as JSON
//	testwings pull                   # Download the q4f16 model files
//	testwings check                  # Validate the model directory
//	testwings inspect <model.onnx>   # Show a sub-model's inputs and outputs
//	testwings prompt                 # Show the assembled prompt token ids
package main

import (
	"io"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/cmd/cmd"
	gojson "github.com/goccy/go-json"
)

func init() {
	// Configure the JSON wrapper to use goccy/go-json for performance
	json.SetConfig(json.Config{
		Marshal:   gojson.Marshal,
		Unmarshal: gojson.Unmarshal,
		MarshalString: func(v any) (string, error) {
			data, err := gojson.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		UnmarshalString: func(s string, v any) error {
			return gojson.Unmarshal([]byte(s), v)
		},
		NewEncoder: func(w io.Writer) json.Encoder {
			return gojson.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return gojson.NewDecoder(r)
		},
	})
}

// Set by the release build.
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
