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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime Requirements:
//   - Set ONNXRUNTIME_ROOT or LD_LIBRARY_PATH so libonnxruntime can be found:
//     export LD_LIBRARY_PATH=/path/to/onnxruntime/lib
//   - For CUDA: export LD_LIBRARY_PATH=/path/to/onnxruntime/lib:/usr/local/cuda/lib64
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
//   - Build with -tags onnx,ORT
type onnxBackend struct {
	gpuMode   GPUMode
	gpuModeMu sync.RWMutex

	cudaEnabled     bool
	cudaEnabledOnce sync.Once

	initializedOnce sync.Once
	initErr         error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if b.useCUDA() {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

func (b *onnxBackend) Available() bool {
	// The build tags ensure this file is only included when ONNX Runtime is linked.
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

// SessionFactory returns a SessionFactory for creating raw ONNX sessions.
func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

// initONNX initializes the ONNX Runtime library.
func (b *onnxBackend) initONNX() error {
	b.initializedOnce.Do(func() {
		if libPath := getOnnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, getOnnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// getOnnxLibraryPath returns the directory containing libonnxruntime from environment.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (or DYLD_LIBRARY_PATH on macOS).
func getOnnxLibraryPath() string {
	platform := runtime.GOOS + "-" + runtime.GOARCH
	libName := getOnnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{filepath.Join(root, platform, "lib"), filepath.Join(root, "lib")} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

// getOnnxLibraryName returns the platform-specific library name.
func getOnnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// SetGPUMode sets the GPU mode for this backend.
// Must be called before any sessions are created to take effect.
func (b *onnxBackend) SetGPUMode(mode GPUMode) {
	b.gpuModeMu.Lock()
	defer b.gpuModeMu.Unlock()
	b.gpuMode = mode
}

// useCUDA determines if CUDA should be used.
func (b *onnxBackend) useCUDA() bool {
	b.cudaEnabledOnce.Do(func() {
		b.gpuModeMu.RLock()
		mode := b.gpuMode
		b.gpuModeMu.RUnlock()
		b.cudaEnabled = ShouldUseGPU(mode)
	})
	return b.cudaEnabled
}

// onnxSessionFactory implements SessionFactory for ONNX Runtime.
type onnxSessionFactory struct {
	backend *onnxBackend
}

// ZeroLengthDims reports false: onnxruntime_go rejects shapes with
// non-positive dimensions when creating tensors.
func (f *onnxSessionFactory) ZeroLengthDims() bool {
	return false
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, engineError("initializing ONNX Runtime", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, engineError("reading model info", err)
	}

	inputNames, inputInfo := tensorInfos(inputs)
	outputNames, outputInfo := tensorInfos(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, engineError("creating session options", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, engineError("setting thread count", err)
		}
	}

	useCUDA := cfg.GPUMode == GPUModeCuda || (cfg.GPUMode == GPUModeAuto && f.backend.useCUDA())
	if useCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				cudaOpts.Destroy()
			} else {
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, engineError(fmt.Sprintf("creating ONNX session for %s", filepath.Base(modelPath)), err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

func tensorInfos(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	result := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		result[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}
	return names, result
}

// onnxDataType converts ONNX data type to our DataType.
func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat16:
		return DataTypeFloat16
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	return s.RunWithOutputShapes(inputs, nil)
}

// RunWithOutputShapes runs the session, preallocating the outputs whose
// shapes are known so float16 results never depend on engine-side allocation.
func (s *onnxSession) RunWithOutputShapes(inputs []NamedTensor, shapes map[string][]int64) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, engineError("running ONNX session", fmt.Errorf("session is closed"))
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Every native value created below is destroyed before returning.
	ortInputs := make([]ort.Value, len(s.inputInfo))
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	defer func() {
		for _, t := range ortInputs {
			if t != nil {
				t.Destroy()
			}
		}
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	for i, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input, info.DataType)
		if err != nil {
			return nil, engineError("creating input tensor "+input.Name, err)
		}
		ortInputs[i] = tensor
	}

	for i, info := range s.outputInfo {
		shape, ok := shapes[info.Name]
		if !ok {
			continue
		}
		tensor, err := allocateOrtTensor(shape, info.DataType)
		if err != nil {
			return nil, engineError("allocating output tensor "+info.Name, err)
		}
		ortOutputs[i] = tensor
	}

	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, engineError("running ONNX session", err)
	}

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		output, err := extractOrtTensor(ortOutput, s.outputInfo[i].Name)
		if err != nil {
			return nil, engineError("extracting output tensor "+s.outputInfo[i].Name, err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			return engineError("destroying ONNX session", err)
		}
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// createOrtTensor creates an ORT tensor from a NamedTensor, converting to the
// declared element type where the representations differ.
func createOrtTensor(input NamedTensor, dt DataType) (ort.Value, error) {
	input, err := CoerceTensor(input, dt)
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		if dt == DataTypeFloat16 {
			return ort.NewCustomDataTensor(shape, EncodeFloat16(data), ort.TensorElementDataTypeFloat16)
		}
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		return ort.NewTensor(shape, data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// allocateOrtTensor creates an empty output tensor of the declared type.
func allocateOrtTensor(shape []int64, dt DataType) (ort.Value, error) {
	s := ort.NewShape(shape...)
	switch dt {
	case DataTypeFloat16:
		return ort.NewCustomDataTensor(s, make([]byte, 2*ShapeSize(shape)), ort.TensorElementDataTypeFloat16)
	case DataTypeInt64:
		return ort.NewEmptyTensor[int64](s)
	case DataTypeInt32:
		return ort.NewEmptyTensor[int32](s)
	default:
		return ort.NewEmptyTensor[float32](s)
	}
}

// extractOrtTensor copies an ORT tensor out of native memory.
func extractOrtTensor(ortTensor ort.Value, name string) (NamedTensor, error) {
	shape := []int64(ortTensor.GetShape())

	switch t := ortTensor.(type) {
	case *ort.Tensor[float32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), t.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), t.GetData()...)}, nil
	case *ort.Tensor[int32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int32(nil), t.GetData()...)}, nil
	case *ort.Tensor[bool]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]bool(nil), t.GetData()...)}, nil
	case *ort.CustomDataTensor:
		data, err := DecodeFloat16(t.GetData())
		if err != nil {
			return NamedTensor{}, err
		}
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", ortTensor)
	}
}
