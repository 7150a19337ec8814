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

package screen

import (
	"fmt"
	"strings"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/tokenizer"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/vision"
	"go.uber.org/zap"
)

// CoordinateMode says which space the model reports coordinates in.
type CoordinateMode string

const (
	// CoordinatesImage leaves coordinates untouched.
	CoordinatesImage CoordinateMode = "image"
	// CoordinatesCanvas maps canvas pixels back through the letterbox.
	CoordinatesCanvas CoordinateMode = "canvas"
	// CoordinatesNormalized maps a 0-1000 canvas scale back through the letterbox.
	CoordinatesNormalized CoordinateMode = "normalized"
)

// NormalizedScale is the coordinate range of CoordinatesNormalized.
const NormalizedScale = 1000.0

// ParseCoordinateMode parses a coordinate mode name.
func ParseCoordinateMode(s string) (CoordinateMode, error) {
	switch CoordinateMode(strings.ToLower(s)) {
	case CoordinatesImage, "":
		return CoordinatesImage, nil
	case CoordinatesCanvas:
		return CoordinatesCanvas, nil
	case CoordinatesNormalized:
		return CoordinatesNormalized, nil
	default:
		return "", fmt.Errorf("unknown coordinate mode: %q (valid: image, canvas, normalized)", s)
	}
}

// Interpreter converts generated tokens into a ScreenState.
type Interpreter struct {
	tok    tokenizer.Tokenizer
	mode   CoordinateMode
	logger *zap.Logger
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(tok tokenizer.Tokenizer, mode CoordinateMode, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == "" {
		mode = CoordinatesImage
	}
	return &Interpreter{tok: tok, mode: mode, logger: logger}
}

// Detokenize returns the text of ids.
func (in *Interpreter) Detokenize(ids []int) string {
	if in.tok == nil {
		return ""
	}
	return in.tok.Decode(ids)
}

// Interpret builds a ScreenState from generated text. The returned state is
// always usable. A non-nil error wraps ErrOutputParse and means the text was
// kept as a plain description.
func (in *Interpreter) Interpret(text string, lb vision.Letterbox) (ScreenState, error) {
	state := ScreenState{
		Elements:    []UIElement{},
		Description: text,
		Available:   true,
		RawText:     text,
	}

	js := ExtractJSON(text)
	if js == "" {
		return state, fmt.Errorf("%w: no JSON in model output", ErrOutputParse)
	}
	res, err := ParseUIElements(js)
	if err != nil {
		return state, err
	}
	for _, w := range res.Warnings {
		in.logger.Warn("Dropped UI element", zap.String("reason", w))
	}

	for i := range res.Elements {
		el := &res.Elements[i]
		el.Bounds = in.mapRect(el.Bounds, lb)
		el.Center = el.Bounds.Center()
	}
	state.Elements = res.Elements

	state.Description = res.Description
	if state.Description == "" {
		state.Description = strings.TrimSpace(strings.Replace(text, js, "", 1))
	}
	return state, nil
}

func (in *Interpreter) mapRect(r Rect, lb vision.Letterbox) Rect {
	l, t := in.mapPoint(r.Left, r.Top, lb)
	rt, b := in.mapPoint(r.Right, r.Bottom, lb)
	return Rect{Left: l, Top: t, Right: rt, Bottom: b}
}

func (in *Interpreter) mapPoint(x, y float64, lb vision.Letterbox) (float64, float64) {
	if lb.CanvasSize == 0 {
		return x, y
	}
	switch in.mode {
	case CoordinatesCanvas:
		return lb.ToSource(x, y)
	case CoordinatesNormalized:
		s := float64(lb.CanvasSize) / NormalizedScale
		return lb.ToSource(x*s, y*s)
	default:
		return x, y
	}
}
