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
	"strings"

	"go.uber.org/zap"
)

// Kind selects a tokenizer implementation.
type Kind string

const (
	KindLongestMatch Kind = "longest-match"
	KindHuggingFace  Kind = "huggingface"
)

// ParseKind parses a tokenizer kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindLongestMatch, "":
		return KindLongestMatch, nil
	case KindHuggingFace, "hf":
		return KindHuggingFace, nil
	default:
		return "", fmt.Errorf("unknown tokenizer kind: %q (valid: longest-match, huggingface)", s)
	}
}

// Load reads tokenizer.json and returns the tokenizer of the given kind
// together with its vocabulary.
func Load(path string, kind Kind, logger *zap.Logger, opts ...VocabularyOption) (Tokenizer, *Vocabulary, error) {
	vocab, err := LoadVocabulary(path, opts...)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case KindHuggingFace:
		tok, err := LoadHuggingFace(path, vocab)
		if err != nil {
			return nil, nil, err
		}
		return tok, vocab, nil
	default:
		return NewLongestMatch(vocab, logger), vocab, nil
	}
}
