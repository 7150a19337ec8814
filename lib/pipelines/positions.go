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

package pipelines

// Positions holds rotary position ids for the temporal, height and width
// axes. Text tokens carry the same value on every axis.
type Positions [3][]int64

// Len returns the number of positions.
func (p Positions) Len() int {
	return len(p[0])
}

// Flatten returns the axes concatenated, shaped [3, 1, Len] in row-major order.
func (p Positions) Flatten() []int64 {
	out := make([]int64, 0, 3*p.Len())
	for _, axis := range p {
		out = append(out, axis...)
	}
	return out
}

// SequentialPositions returns n text positions starting at start.
func SequentialPositions(start int64, n int) Positions {
	var p Positions
	for a := range p {
		p[a] = make([]int64, n)
		for i := range n {
			p[a][i] = start + int64(i)
		}
	}
	return p
}

// MultimodalPositions computes M-RoPE positions for a prompt. Each run of
// image placeholders starts at base, the position after the preceding token;
// placeholder i of the run sits at (base, base+i/cols, base+i%cols) where
// cols is the merged grid width. The token after the run continues at
// base + max(rows, cols). next is the position for the first generated token.
func MultimodalPositions(ids []int, imageTokenID, rows, cols int) (pos Positions, next int64) {
	for a := range pos {
		pos[a] = make([]int64, len(ids))
	}
	if cols <= 0 {
		cols = 1
	}
	span := int64(max(rows, cols))

	var p int64
	for i := 0; i < len(ids); {
		if ids[i] != imageTokenID {
			pos[0][i], pos[1][i], pos[2][i] = p, p, p
			p++
			i++
			continue
		}
		base := p
		j := 0
		for ; i+j < len(ids) && ids[i+j] == imageTokenID; j++ {
			pos[0][i+j] = base
			pos[1][i+j] = base + int64(j/cols)
			pos[2][i+j] = base + int64(j%cols)
		}
		p = base + span
		i += j
	}
	return pos, p
}
