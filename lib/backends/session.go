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

// Session represents a low-level inference session that can run tensor computations.
// It handles tensor I/O without knowledge of model semantics; the vision
// encoder, embedding table and decoder are all driven through this interface.
type Session interface {
	// Run executes the session with the given named inputs.
	// Returns named outputs as tensors, in OutputInfo order.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs.
	OutputInfo() []TensorInfo

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor associates a name with tensor data.
// Data holds a flat slice: []float32, []int64, []int32 or []bool.
// Float16 tensors are exchanged as []float32 and converted at the engine boundary.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any
}

// Len returns the number of elements described by Shape.
func (t NamedTensor) Len() int {
	return int(ShapeSize(t.Shape))
}

// Float32s returns the tensor data as []float32, or nil if it holds another type.
func (t NamedTensor) Float32s() []float32 {
	data, _ := t.Data.([]float32)
	return data
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64  // -1 for dynamic dimensions
	DataType DataType // float32, int64, etc.
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// SessionFactory creates sessions from model files.
// Each backend implements this to provide its session creation mechanism.
type SessionFactory interface {
	// CreateSession creates a session from a model file (e.g., ONNX file).
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// Capabilities is optionally implemented by a SessionFactory to describe
// what its engine can represent.
type Capabilities interface {
	// ZeroLengthDims reports whether tensors with a zero-sized dimension
	// (an empty KV cache, for instance) can be passed to a session.
	ZeroLengthDims() bool
}

// SupportsZeroLengthDims reports the factory's zero-length capability.
// Factories that do not implement Capabilities are assumed not to support it.
func SupportsZeroLengthDims(f SessionFactory) bool {
	if c, ok := f.(Capabilities); ok {
		return c.ZeroLengthDims()
	}
	return false
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		NumThreads: 0,
		GPUMode:    GPUModeAuto,
	}
}

// WithSessionThreads sets the number of threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionGPUMode sets the GPU mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// FindTensor returns the tensor with the given name.
func FindTensor(tensors []NamedTensor, name string) (NamedTensor, bool) {
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTensor{}, false
}

// HasInput reports whether the session declares an input with the given name.
func HasInput(s Session, name string) bool {
	for _, info := range s.InputInfo() {
		if info.Name == name {
			return true
		}
	}
	return false
}

// ShapedSession is implemented by sessions that can preallocate outputs of
// known shape instead of leaving allocation to the engine.
type ShapedSession interface {
	RunWithOutputShapes(inputs []NamedTensor, shapes map[string][]int64) ([]NamedTensor, error)
}

// RunShaped runs s with output shape hints when the session supports them.
func RunShaped(s Session, inputs []NamedTensor, shapes map[string][]int64) ([]NamedTensor, error) {
	if ss, ok := s.(ShapedSession); ok && len(shapes) > 0 {
		return ss.RunWithOutputShapes(inputs, shapes)
	}
	return s.Run(inputs)
}
