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

// Package vision turns screenshots into the patch tensors the vision encoder
// consumes and runs the encoder to produce image feature rows.
package vision

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"golang.org/x/image/draw"
)

// DefaultTargetSize is the side of the square canvas screenshots are fitted into.
const DefaultTargetSize = 448

// ErrInvalidImage is returned for nil or empty images.
var ErrInvalidImage = errors.New("invalid image")

// ImageGrid describes how an image was cut into patches.
type ImageGrid struct {
	Temporal      int
	Rows          int
	Cols          int
	PatchSize     int
	TemporalDepth int
}

// NumPatches returns Temporal·Rows·Cols.
func (g ImageGrid) NumPatches() int {
	return g.Temporal * g.Rows * g.Cols
}

// THW returns the grid descriptor in the [t, h, w] order the encoder expects.
func (g ImageGrid) THW() []int64 {
	return []int64{int64(g.Temporal), int64(g.Rows), int64(g.Cols)}
}

// PatchBuffer is a patch-major float buffer of shape [NumPatches, PatchDim].
type PatchBuffer struct {
	Data       []float32
	NumPatches int
	PatchDim   int
}

// Patch returns the values of patch i.
func (b *PatchBuffer) Patch(i int) []float32 {
	return b.Data[i*b.PatchDim : (i+1)*b.PatchDim]
}

// Letterbox records how a source image was placed on the canvas.
type Letterbox struct {
	Scale        float64
	OffsetX      int
	OffsetY      int
	SourceWidth  int
	SourceHeight int
	CanvasSize   int
}

// ToSource maps a canvas coordinate back to source image pixels, clamped to
// the source bounds.
func (l Letterbox) ToSource(x, y float64) (float64, float64) {
	if l.Scale <= 0 {
		return x, y
	}
	sx := (x - float64(l.OffsetX)) / l.Scale
	sy := (y - float64(l.OffsetY)) / l.Scale
	return clamp(sx, 0, float64(l.SourceWidth)), clamp(sy, 0, float64(l.SourceHeight))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Patchifier scales screenshots onto a square canvas and serializes them
// into encoder patches.
type Patchifier struct {
	TargetSize    int
	PatchSize     int
	TemporalDepth int
	MergeSize     int
	Channels      int

	// Normalize applies (v - Mean[c]) / Std[c] after rescaling to [0, 1].
	Normalize bool
	Mean      [3]float32
	Std       [3]float32
}

// PatchifierOption configures a Patchifier.
type PatchifierOption func(*Patchifier)

// WithNormalization enables per-channel mean/std normalization.
func WithNormalization(mean, std [3]float32) PatchifierOption {
	return func(p *Patchifier) {
		p.Normalize = true
		p.Mean = mean
		p.Std = std
	}
}

// WithPreprocessor enables normalization with the statistics of a
// preprocessor_config.json. Missing statistics leave normalization off.
func WithPreprocessor(pre *modelconfig.Preprocessor) PatchifierOption {
	return func(p *Patchifier) {
		if pre == nil || len(pre.ImageMean) != 3 || len(pre.ImageStd) != 3 {
			return
		}
		WithNormalization(
			[3]float32{pre.ImageMean[0], pre.ImageMean[1], pre.ImageMean[2]},
			[3]float32{pre.ImageStd[0], pre.ImageStd[1], pre.ImageStd[2]},
		)(p)
	}
}

// NewPatchifier creates a Patchifier for the given vision tower and canvas size.
func NewPatchifier(vc modelconfig.VisionConfig, targetSize int, opts ...PatchifierOption) (*Patchifier, error) {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	p := &Patchifier{
		TargetSize:    targetSize,
		PatchSize:     vc.PatchSize,
		TemporalDepth: vc.TemporalPatchSize,
		MergeSize:     vc.SpatialMergeSize,
		Channels:      vc.InChannels,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the patch geometry.
func (p *Patchifier) Validate() error {
	switch {
	case p.PatchSize <= 0 || p.TemporalDepth <= 0 || p.MergeSize <= 0:
		return fmt.Errorf("patchifier: patch size, temporal depth and merge size must be positive")
	case p.Channels != 3:
		return fmt.Errorf("patchifier: only RGB input is supported, got %d channels", p.Channels)
	case p.TargetSize%(p.PatchSize*p.MergeSize) != 0:
		return fmt.Errorf("patchifier: target size %d is not divisible by %d",
			p.TargetSize, p.PatchSize*p.MergeSize)
	}
	if p.Normalize {
		for c, s := range p.Std {
			if s == 0 {
				return fmt.Errorf("patchifier: zero std for channel %d", c)
			}
		}
	}
	return nil
}

// Grid returns the patch grid for the configured canvas.
func (p *Patchifier) Grid() ImageGrid {
	side := p.TargetSize / p.PatchSize
	return ImageGrid{
		Temporal:      1,
		Rows:          side,
		Cols:          side,
		PatchSize:     p.PatchSize,
		TemporalDepth: p.TemporalDepth,
	}
}

// PatchDim returns C·D·P², the length of one patch.
func (p *Patchifier) PatchDim() int {
	return p.Channels * p.TemporalDepth * p.PatchSize * p.PatchSize
}

// Patchify fits img onto the canvas and returns its patch buffer.
func (p *Patchifier) Patchify(img image.Image) (*PatchBuffer, ImageGrid, Letterbox, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ImageGrid{}, Letterbox{}, ErrInvalidImage
	}
	canvas, lb := p.fit(img)
	grid := p.Grid()
	buf := &PatchBuffer{
		Data:       make([]float32, grid.NumPatches()*p.PatchDim()),
		NumPatches: grid.NumPatches(),
		PatchDim:   p.PatchDim(),
	}
	p.writePatches(canvas, grid, buf)
	return buf, grid, lb, nil
}

// fit scales img to fit the canvas, preserving aspect ratio, and centers it
// on black.
func (p *Patchifier) fit(img image.Image) (*image.RGBA, Letterbox) {
	s := p.TargetSize
	src := img.Bounds()
	sw, sh := src.Dx(), src.Dy()

	scale := math.Min(float64(s)/float64(sw), float64(s)/float64(sh))
	nw := min(s, max(1, int(math.Round(float64(sw)*scale))))
	nh := min(s, max(1, int(math.Round(float64(sh)*scale))))
	offX, offY := (s-nw)/2, (s-nh)/2

	canvas := image.NewRGBA(image.Rect(0, 0, s, s))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	dst := image.Rect(offX, offY, offX+nw, offY+nh)
	if nw == sw && nh == sh {
		draw.Draw(canvas, dst, img, src.Min, draw.Over)
	} else {
		draw.BiLinear.Scale(canvas, dst, img, src, draw.Over, nil)
	}

	return canvas, Letterbox{
		Scale:        scale,
		OffsetX:      offX,
		OffsetY:      offY,
		SourceWidth:  sw,
		SourceHeight: sh,
		CanvasSize:   s,
	}
}

// writePatches serializes the canvas patch by patch. Patches are visited in
// MergeSize×MergeSize blocks so the encoder's spatial merge sees neighbours
// consecutively. Within a patch the layout is [channel][temporal][y][x] and
// every temporal slot repeats slot 0.
func (p *Patchifier) writePatches(canvas *image.RGBA, grid ImageGrid, buf *PatchBuffer) {
	ps, depth, merge := p.PatchSize, p.TemporalDepth, p.MergeSize
	plane := ps * ps
	slab := depth * plane

	idx := 0
	for h := 0; h < grid.Rows; h += merge {
		for w := 0; w < grid.Cols; w += merge {
			for mh := range merge {
				for mw := range merge {
					patch := buf.Patch(idx)
					for py := range ps {
						y := (h+mh)*ps + py
						row := canvas.Pix[y*canvas.Stride:]
						for px := range ps {
							x := (w+mw)*ps + px
							pix := row[x*4 : x*4+3]
							for c := range p.Channels {
								v := float32(pix[c]) / 255
								if p.Normalize {
									v = (v - p.Mean[c]) / p.Std[c]
								}
								off := c*slab + py*ps + px
								for t := range depth {
									patch[off+t*plane] = v
								}
							}
						}
					}
					idx++
				}
			}
		}
	}
}
