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

package backends

import (
	"fmt"
	"strings"
)

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// GPUInfo contains information about the detected GPU
type GPUInfo struct {
	Available  bool   `json:"available"`
	Type       string `json:"type"` // "cuda", "none"
	DeviceName string `json:"device_name,omitempty"`
	DriverVer  string `json:"driver_version,omitempty"`
}

// ParseBackendType parses a string into BackendType.
// Returns an error for unrecognized values.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "onnx", "":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: onnx)", s)
	}
}

// ParseGPUMode parses a string into GPUMode.
func ParseGPUMode(s string) GPUMode {
	switch strings.ToLower(s) {
	case "cuda", "gpu":
		return GPUModeCuda
	case "off", "cpu":
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}
