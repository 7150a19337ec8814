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

import "slices"

// Logits holds decoder scores of shape [SeqLen, VocabSize].
type Logits struct {
	Data      []float32
	SeqLen    int
	VocabSize int
}

// Row returns the scores for position i.
func (l *Logits) Row(i int) []float32 {
	return l.Data[i*l.VocabSize : (i+1)*l.VocabSize]
}

// Argmax returns the highest scoring token id at position i. Ties resolve
// to the lowest id.
func (l *Logits) Argmax(i int) int {
	row := l.Row(i)
	best := 0
	for id, v := range row {
		if v > row[best] {
			best = id
		}
	}
	return best
}

// Last returns the highest scoring token id at the final position.
func (l *Logits) Last() int {
	return l.Argmax(l.SeqLen - 1)
}

// DecodeLogits greedily picks the best token at every position, stopping
// before the first end-of-sequence id.
func DecodeLogits(l *Logits, eosIDs []int) []int {
	if l == nil || l.VocabSize == 0 {
		return nil
	}
	ids := make([]int, 0, l.SeqLen)
	for i := range l.SeqLen {
		id := l.Argmax(i)
		if slices.Contains(eosIDs, id) {
			break
		}
		ids = append(ids, id)
	}
	return ids
}
