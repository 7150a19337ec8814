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

// Package screen turns decoder output into a structured description of the
// UI elements visible in a screenshot.
package screen

import "errors"

// ErrOutputParse is recorded when decoded text holds no usable element JSON.
// It never fails an analysis; the text is kept as a free-form description.
var ErrOutputParse = errors.New("output parse failed")

// Point is a position in source image pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box in source image pixels.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns Right-Left.
func (r Rect) Width() float64 { return r.Right - r.Left }

// Height returns Bottom-Top.
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Center returns the midpoint of r.
func (r Rect) Center() Point {
	return Point{X: (r.Left + r.Right) / 2, Y: (r.Top + r.Bottom) / 2}
}

// normalized returns r with Left <= Right and Top <= Bottom.
func (r Rect) normalized() Rect {
	if r.Left > r.Right {
		r.Left, r.Right = r.Right, r.Left
	}
	if r.Top > r.Bottom {
		r.Top, r.Bottom = r.Bottom, r.Top
	}
	return r
}

// UIElement is one on-screen element recognized by the model.
type UIElement struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Bounds     Rect    `json:"bounds"`
	Center     Point   `json:"center"`
	Confidence float64 `json:"confidence"`
}

// ScreenState is the result handed to callers of an analysis. Failed
// analyses have Available set to false and a Diagnostic.
type ScreenState struct {
	Elements    []UIElement `json:"elements"`
	Description string      `json:"description"`
	Available   bool        `json:"available"`
	Diagnostic  string      `json:"diagnostic,omitempty"`
	RawText     string      `json:"raw_text,omitempty"`
}

// Unavailable returns a failed ScreenState carrying diagnostic.
func Unavailable(diagnostic string) ScreenState {
	return ScreenState{Elements: []UIElement{}, Diagnostic: diagnostic}
}
