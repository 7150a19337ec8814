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
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultConfidence is assigned to elements that carry no score.
const DefaultConfidence = 1.0

var (
	containerKeys   = []string{"elements", "ui_elements", "components", "items"}
	boundsKeys      = []string{"bounds", "bbox", "bbox_2d", "box", "rect", "bounding_box"}
	typeKeys        = []string{"type", "element_type", "class", "role", "kind"}
	textKeys        = []string{"text", "label", "content", "name"}
	confidenceKeys  = []string{"confidence", "score", "probability"}
	descriptionKeys = []string{"description", "summary"}
)

// ParseResult is the outcome of ParseUIElements.
type ParseResult struct {
	Elements    []UIElement
	Description string

	// Warnings lists elements that were dropped.
	Warnings []string
}

// ParseUIElements reads UI elements from model JSON. It accepts an object
// holding an element array, a bare array, or a single element object.
// Elements are located by the first shape that matches: an explicit bounds
// value, center plus width/height, x/y/width/height, or left/top/right/bottom.
// Elements without a shape are dropped with a warning.
func ParseUIElements(jsonText string) (*ParseResult, error) {
	if strings.TrimSpace(jsonText) == "" {
		return nil, fmt.Errorf("%w: empty input", ErrOutputParse)
	}
	var root any
	if err := json.Unmarshal([]byte(jsonText), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputParse, err)
	}

	res := &ParseResult{Elements: []UIElement{}}
	var items []any
	switch v := root.(type) {
	case []any:
		items = v
	case map[string]any:
		res.Description = stringField(v, descriptionKeys)
		if list, ok := containerList(v); ok {
			items = list
		} else if _, ok := elementBounds(v); ok {
			items = []any{v}
		} else {
			return nil, fmt.Errorf("%w: object has no element list", ErrOutputParse)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected JSON %T", ErrOutputParse, root)
	}

	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("element %d is %T, not an object", i, item))
			continue
		}
		el, ok := parseElement(m)
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("element %d has no recognizable bounds", i))
			continue
		}
		res.Elements = append(res.Elements, el)
	}
	return res, nil
}

func containerList(m map[string]any) ([]any, bool) {
	for _, k := range containerKeys {
		if list, ok := m[k].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

func parseElement(m map[string]any) (UIElement, bool) {
	bounds, ok := elementBounds(m)
	if !ok {
		return UIElement{}, false
	}
	typ := stringField(m, typeKeys)
	if typ == "" {
		typ = "unknown"
	}
	confidence := DefaultConfidence
	for _, k := range confidenceKeys {
		if v, ok := number(m[k]); ok {
			confidence = v
			break
		}
	}
	return UIElement{
		Type:       typ,
		Text:       stringField(m, textKeys),
		Bounds:     bounds,
		Center:     bounds.Center(),
		Confidence: confidence,
	}, true
}

// elementBounds tries each supported shape in order.
func elementBounds(m map[string]any) (Rect, bool) {
	for _, k := range boundsKeys {
		if v, ok := m[k]; ok {
			if r, ok := rectValue(v); ok {
				return r, true
			}
		}
	}
	if c, ok := pointValue(m["center"]); ok {
		if w, h, ok := size(m); ok {
			return Rect{Left: c.X - w/2, Top: c.Y - h/2, Right: c.X + w/2, Bottom: c.Y + h/2}, true
		}
	}
	if r, ok := xywh(m); ok {
		return r, true
	}
	return ltrb(m)
}

// rectValue accepts [x1, y1, x2, y2] or an object in any flat shape.
func rectValue(v any) (Rect, bool) {
	switch b := v.(type) {
	case []any:
		if len(b) != 4 {
			return Rect{}, false
		}
		var c [4]float64
		for i, x := range b {
			n, ok := number(x)
			if !ok {
				return Rect{}, false
			}
			c[i] = n
		}
		return Rect{Left: c[0], Top: c[1], Right: c[2], Bottom: c[3]}.normalized(), true
	case map[string]any:
		if r, ok := ltrb(b); ok {
			return r, true
		}
		if r, ok := xywh(b); ok {
			return r, true
		}
		return corners(b)
	default:
		return Rect{}, false
	}
}

func pointValue(v any) (Point, bool) {
	switch p := v.(type) {
	case []any:
		if len(p) != 2 {
			return Point{}, false
		}
		x, okX := number(p[0])
		y, okY := number(p[1])
		return Point{X: x, Y: y}, okX && okY
	case map[string]any:
		x, okX := number(p["x"])
		y, okY := number(p["y"])
		return Point{X: x, Y: y}, okX && okY
	default:
		return Point{}, false
	}
}

func size(m map[string]any) (float64, float64, bool) {
	w, okW := numberField(m, "width", "w")
	h, okH := numberField(m, "height", "h")
	return w, h, okW && okH
}

func xywh(m map[string]any) (Rect, bool) {
	x, okX := number(m["x"])
	y, okY := number(m["y"])
	w, h, okS := size(m)
	if !okX || !okY || !okS {
		return Rect{}, false
	}
	return Rect{Left: x, Top: y, Right: x + w, Bottom: y + h}.normalized(), true
}

func ltrb(m map[string]any) (Rect, bool) {
	l, okL := number(m["left"])
	t, okT := number(m["top"])
	r, okR := number(m["right"])
	b, okB := number(m["bottom"])
	if !okL || !okT || !okR || !okB {
		return Rect{}, false
	}
	return Rect{Left: l, Top: t, Right: r, Bottom: b}.normalized(), true
}

func corners(m map[string]any) (Rect, bool) {
	x1, ok1 := number(m["x1"])
	y1, ok2 := number(m["y1"])
	x2, ok3 := number(m["x2"])
	y2, ok4 := number(m["y2"])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Rect{}, false
	}
	return Rect{Left: x1, Top: y1, Right: x2, Bottom: y2}.normalized(), true
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := number(m[k]); ok {
			return v, true
		}
	}
	return 0, false
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringField(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
