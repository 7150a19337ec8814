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
	"strings"

	"go.uber.org/zap"
)

// LongestMatch is a greedy tokenizer: at every position it takes the longest
// vocabulary entry that matches, falling back to a single character.
// Characters absent from the vocabulary are skipped and logged, so Encode is
// lossy outside the vocabulary. Special tokens are never matched from text.
// It is a stand-in for a full subword tokenizer.
type LongestMatch struct {
	vocab  *Vocabulary
	logger *zap.Logger
}

var _ Tokenizer = (*LongestMatch)(nil)

// NewLongestMatch creates a longest-match tokenizer over vocab.
func NewLongestMatch(vocab *Vocabulary, logger *zap.Logger) *LongestMatch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LongestMatch{vocab: vocab, logger: logger}
}

// Vocabulary returns the underlying vocabulary.
func (t *LongestMatch) Vocabulary() *Vocabulary {
	return t.vocab
}

// Encode returns the token ids for text.
func (t *LongestMatch) Encode(text string) []int {
	if text == "" {
		return nil
	}

	var runes []rune
	if t.vocab.byteLevel {
		runes = toByteLevel(text)
	} else {
		runes = []rune(text)
	}

	ids := make([]int, 0, len(runes)/2+1)
	var skipped int
	for i := 0; i < len(runes); {
		n := min(t.vocab.maxTokenLen, len(runes)-i)
		matched := 0
		for l := n; l >= 1; l-- {
			if id, ok := t.vocab.tokenToID[string(runes[i:i+l])]; ok && !t.vocab.reserved[id] {
				ids = append(ids, id)
				matched = l
				break
			}
		}
		if matched == 0 {
			skipped++
			t.logger.Warn("Skipping character absent from vocabulary",
				zap.String("char", t.displayRune(runes[i])),
				zap.Int("offset", i))
			matched = 1
		}
		i += matched
	}

	if skipped > 0 {
		t.logger.Debug("Encoded text with skipped characters",
			zap.Int("skipped", skipped),
			zap.Int("tokens", len(ids)))
	}
	return ids
}

// Decode concatenates the token strings for ids. Unknown ids decode to "".
func (t *LongestMatch) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if tok, ok := t.vocab.idToToken[id]; ok {
			sb.WriteString(tok)
		}
	}
	if t.vocab.byteLevel {
		return fromByteLevel(sb.String())
	}
	return sb.String()
}

// SpecialID returns the id of a special token.
func (t *LongestMatch) SpecialID(s SpecialToken) (int, bool) {
	return t.vocab.SpecialID(s)
}

func (t *LongestMatch) displayRune(r rune) string {
	if t.vocab.byteLevel {
		if b, ok := byteDecoder[r]; ok {
			return string([]byte{b})
		}
	}
	return string(r)
}
