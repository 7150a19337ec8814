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

package vision

import (
	"context"
	"fmt"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"go.uber.org/zap"
)

// Vision encoder tensor names.
const (
	PixelValuesInput = "pixel_values"
	GridTHWInput     = "grid_thw"
)

// FeatureMatrix holds encoder output of shape [Rows, Dim].
type FeatureMatrix struct {
	Data []float32
	Rows int
	Dim  int
}

// Row returns feature row i.
func (m *FeatureMatrix) Row(i int) []float32 {
	return m.Data[i*m.Dim : (i+1)*m.Dim]
}

// Encoder runs the vision encoder sub-model.
type Encoder struct {
	session   backends.Session
	hidden    int
	ratio     int
	pixelInfo backends.TensorInfo
	gridInfo  *backends.TensorInfo
	logger    *zap.Logger
}

// NewEncoder wraps a vision encoder session. hidden is the decoder hidden
// size the features must match and ratio the number of patches merged into
// one feature row.
func NewEncoder(session backends.Session, hidden, ratio int, logger *zap.Logger) (*Encoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hidden <= 0 || ratio <= 0 {
		return nil, fmt.Errorf("vision encoder: hidden size and reduction ratio must be positive")
	}

	e := &Encoder{session: session, hidden: hidden, ratio: ratio, logger: logger}
	var foundPixels bool
	for _, info := range session.InputInfo() {
		switch {
		case info.Name == GridTHWInput:
			e.gridInfo = &info
		case !foundPixels && (info.Name == PixelValuesInput ||
			info.DataType == backends.DataTypeFloat32 || info.DataType == backends.DataTypeFloat16):
			e.pixelInfo = info
			foundPixels = true
		}
	}
	if !foundPixels {
		return nil, fmt.Errorf("vision encoder: no float input for pixel values")
	}
	if len(session.OutputInfo()) == 0 {
		return nil, fmt.Errorf("vision encoder: session declares no outputs")
	}
	return e, nil
}

// Encode runs the encoder over buf and validates the feature matrix shape.
func (e *Encoder) Encode(ctx context.Context, buf *PatchBuffer, grid ImageGrid) (*FeatureMatrix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf == nil || buf.NumPatches != grid.NumPatches() {
		return nil, fmt.Errorf("%w: patch buffer does not match grid %v",
			backends.ErrShapeValidation, grid.THW())
	}
	if buf.NumPatches%e.ratio != 0 {
		return nil, fmt.Errorf("%w: %d patches are not divisible by reduction ratio %d",
			backends.ErrShapeValidation, buf.NumPatches, e.ratio)
	}

	shape, err := backends.ResolveShape(e.pixelInfo, int64(buf.NumPatches), int64(buf.PatchDim))
	if err != nil {
		return nil, err
	}
	inputs := []backends.NamedTensor{{Name: e.pixelInfo.Name, Shape: shape, Data: buf.Data}}
	if e.gridInfo != nil {
		gridTensor, err := backends.CoerceTensor(backends.NamedTensor{
			Name:  e.gridInfo.Name,
			Shape: []int64{1, 3},
			Data:  grid.THW(),
		}, e.gridInfo.DataType)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, gridTensor)
	}

	rows := buf.NumPatches / e.ratio
	outInfo := e.session.OutputInfo()[0]
	hint := backends.OutputShape(outInfo, int64(rows), int64(e.hidden))
	if len(outInfo.Shape) == 3 {
		hint = backends.OutputShape(outInfo, 1, int64(rows), int64(e.hidden))
	}
	hints := map[string][]int64{}
	if hint != nil {
		hints[outInfo.Name] = hint
	}

	start := time.Now()
	outputs, err := backends.RunShaped(e.session, inputs, hints)
	if err != nil {
		return nil, fmt.Errorf("running vision encoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: vision encoder returned no outputs", backends.ErrShapeValidation)
	}

	out := outputs[0]
	if len(out.Shape) == 3 && out.Shape[0] == 1 {
		out.Shape = out.Shape[1:]
	}
	if err := backends.ExpectShape(out, int64(rows), int64(e.hidden)); err != nil {
		return nil, err
	}
	data := out.Float32s()
	if data == nil {
		return nil, fmt.Errorf("%w: vision features are %T, want float32", backends.ErrShapeValidation, out.Data)
	}

	e.logger.Debug("Encoded image",
		zap.Int("patches", buf.NumPatches),
		zap.Int("features", rows),
		zap.Duration("duration", time.Since(start)))

	return &FeatureMatrix{Data: data, Rows: rows, Dim: e.hidden}, nil
}
