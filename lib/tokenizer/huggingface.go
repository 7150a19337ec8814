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

package tokenizer

import (
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// HuggingFace adapts a go-huggingface tokenizer to the Tokenizer interface.
// Special ids come from the vocabulary, since the chat and vision markers are
// not among the standard special tokens go-huggingface resolves.
type HuggingFace struct {
	tok   tokenizers.Tokenizer
	vocab *Vocabulary
}

var _ Tokenizer = (*HuggingFace)(nil)

// NewHuggingFace wraps an existing go-huggingface tokenizer.
func NewHuggingFace(tok tokenizers.Tokenizer, vocab *Vocabulary) *HuggingFace {
	return &HuggingFace{tok: tok, vocab: vocab}
}

// LoadHuggingFace loads tokenizer.json with the pure Go HuggingFace tokenizer.
func LoadHuggingFace(path string, vocab *Vocabulary) (*HuggingFace, error) {
	tok, err := hftokenizer.NewFromFile(nil, path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer.json: %w", err)
	}
	return NewHuggingFace(tok, vocab), nil
}

// Encode returns the token ids for text.
func (h *HuggingFace) Encode(text string) []int {
	return h.tok.Encode(text)
}

// Decode returns the text for ids.
func (h *HuggingFace) Decode(ids []int) string {
	return h.tok.Decode(ids)
}

// SpecialID returns the id of a special token.
func (h *HuggingFace) SpecialID(s SpecialToken) (int, bool) {
	return h.vocab.SpecialID(s)
}
