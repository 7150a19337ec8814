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

// Package tokenizer converts between text and token ids for the screen model.
//
// Tokenization is exposed through the Tokenizer interface. LongestMatch is a
// simplified greedy tokenizer over the model vocabulary; HuggingFace wraps a
// full subword tokenizer and can replace it without touching the pipeline.
package tokenizer

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenizerNotLoaded is returned when a prompt is built without a tokenizer.
	ErrTokenizerNotLoaded = errors.New("tokenizer not loaded")

	// ErrMissingSpecialToken is returned when a required special token has no id.
	ErrMissingSpecialToken = errors.New("missing special token")
)

// SpecialToken names a reserved token with a fixed role.
type SpecialToken int

const (
	Pad SpecialToken = iota
	EOS
	BOS
	VisionStart
	VisionEnd
	ImagePad
	ChatStart
	ChatEnd
)

var specialNames = map[SpecialToken]string{
	Pad:         "pad",
	EOS:         "eos",
	BOS:         "bos",
	VisionStart: "vision_start",
	VisionEnd:   "vision_end",
	ImagePad:    "image_pad",
	ChatStart:   "chat_start",
	ChatEnd:     "chat_end",
}

func (s SpecialToken) String() string {
	if name, ok := specialNames[s]; ok {
		return name
	}
	return fmt.Sprintf("special(%d)", int(s))
}

// defaultSpecialContent maps special roles to their Qwen2 token strings.
var defaultSpecialContent = map[SpecialToken]string{
	Pad:         "<|endoftext|>",
	EOS:         "<|im_end|>",
	BOS:         "<|endoftext|>",
	VisionStart: "<|vision_start|>",
	VisionEnd:   "<|vision_end|>",
	ImagePad:    "<|image_pad|>",
	ChatStart:   "<|im_start|>",
	ChatEnd:     "<|im_end|>",
}

// Tokenizer encodes and decodes text.
// Implementations must be safe for concurrent use after construction.
type Tokenizer interface {
	// Encode returns the token ids for text.
	Encode(text string) []int

	// Decode returns the text for a sequence of token ids.
	Decode(ids []int) string

	// SpecialID returns the id of a special token.
	SpecialID(tok SpecialToken) (int, bool)
}

// RequireSpecialID returns the id of a special token or an ErrMissingSpecialToken.
func RequireSpecialID(tok Tokenizer, s SpecialToken) (int, error) {
	if tok == nil {
		return 0, ErrTokenizerNotLoaded
	}
	id, ok := tok.SpecialID(s)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingSpecialToken, s)
	}
	return id, nil
}
