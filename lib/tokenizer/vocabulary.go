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
	"os"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Vocabulary is a bidirectional token-string/id mapping plus the ids of the
// special tokens. It is immutable after loading.
type Vocabulary struct {
	tokenToID map[string]int
	idToToken map[int]string
	special   map[SpecialToken]int

	// reserved ids are only inserted by prompt assembly; Encode never emits them.
	reserved map[int]bool

	// byteLevel vocabularies store tokens in the GPT-2 byte-to-unicode alphabet.
	byteLevel bool

	// maxTokenLen is the longest token, in runes.
	maxTokenLen int
}

// VocabularyOption configures vocabulary loading.
type VocabularyOption func(*vocabOptions)

type vocabOptions struct {
	specialIDs  map[SpecialToken]int
	reservedIDs []int
}

// WithSpecialIDs overrides the ids of special tokens, typically with values
// from the model's config.json.
func WithSpecialIDs(ids map[SpecialToken]int) VocabularyOption {
	return func(o *vocabOptions) {
		for k, v := range ids {
			o.specialIDs[k] = v
		}
	}
}

// withReservedIDs marks extra ids, such as added tokens flagged special, as
// unreachable from text.
func withReservedIDs(ids []int) VocabularyOption {
	return func(o *vocabOptions) {
		o.reservedIDs = append(o.reservedIDs, ids...)
	}
}

// rawTokenizerJSON mirrors the parts of a HuggingFace tokenizer.json we read.
type rawTokenizerJSON struct {
	Model struct {
		Type  string         `json:"type"`
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Decoder *struct {
		Type string `json:"type"`
	} `json:"decoder"`
}

// LoadVocabulary reads a HuggingFace tokenizer.json file.
func LoadVocabulary(path string, opts ...VocabularyOption) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer vocabulary: %w", err)
	}
	return ParseVocabulary(data, opts...)
}

// ParseVocabulary builds a Vocabulary from tokenizer.json content.
func ParseVocabulary(data []byte, opts ...VocabularyOption) (*Vocabulary, error) {
	var raw rawTokenizerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing tokenizer vocabulary: %w", err)
	}
	if len(raw.Model.Vocab) == 0 && len(raw.AddedTokens) == 0 {
		return nil, fmt.Errorf("tokenizer vocabulary is empty")
	}

	tokens := make(map[string]int, len(raw.Model.Vocab)+len(raw.AddedTokens))
	for tok, id := range raw.Model.Vocab {
		tokens[tok] = id
	}
	var reserved []int
	for _, added := range raw.AddedTokens {
		tokens[added.Content] = added.ID
		if added.Special {
			reserved = append(reserved, added.ID)
		}
	}

	byteLevel := raw.Decoder != nil && raw.Decoder.Type == "ByteLevel"
	opts = append([]VocabularyOption{withReservedIDs(reserved)}, opts...)
	return NewVocabulary(tokens, byteLevel, opts...), nil
}

// NewVocabulary builds a Vocabulary from an explicit token map. Special
// token ids are resolved from their well-known strings, then overridden by opts.
// Special ids are reserved: text that spells a special token is encoded as
// ordinary characters.
func NewVocabulary(tokens map[string]int, byteLevel bool, opts ...VocabularyOption) *Vocabulary {
	o := &vocabOptions{specialIDs: make(map[SpecialToken]int)}
	for _, opt := range opts {
		opt(o)
	}

	v := &Vocabulary{
		tokenToID: make(map[string]int, len(tokens)),
		idToToken: make(map[int]string, len(tokens)),
		special:   make(map[SpecialToken]int),
		reserved:  make(map[int]bool),
		byteLevel: byteLevel,
	}
	for tok, id := range tokens {
		v.tokenToID[tok] = id
		v.idToToken[id] = tok
		if n := utf8.RuneCountInString(tok); n > v.maxTokenLen {
			v.maxTokenLen = n
		}
	}
	for s, content := range defaultSpecialContent {
		if id, ok := v.tokenToID[content]; ok {
			v.special[s] = id
		}
	}
	for s, id := range o.specialIDs {
		v.special[s] = id
	}
	for _, id := range v.special {
		v.reserved[id] = true
	}
	for _, id := range o.reservedIDs {
		v.reserved[id] = true
	}
	return v
}

// Size returns the number of tokens in the vocabulary.
func (v *Vocabulary) Size() int {
	return len(v.tokenToID)
}

// ID returns the id of an exact token string.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.tokenToID[token]
	return id, ok
}

// Token returns the token string for an id.
func (v *Vocabulary) Token(id int) (string, bool) {
	tok, ok := v.idToToken[id]
	return tok, ok
}

// SpecialID returns the id of a special token.
func (v *Vocabulary) SpecialID(s SpecialToken) (int, bool) {
	id, ok := v.special[s]
	return id, ok
}

// Reserved reports whether id belongs to a special token.
func (v *Vocabulary) Reserved(id int) bool {
	return v.reserved[id]
}

// ByteLevel reports whether tokens are stored in the byte-level alphabet.
func (v *Vocabulary) ByteLevel() bool {
	return v.byteLevel
}

// byteEncoder and byteDecoder implement the GPT-2 reversible mapping between
// raw bytes and printable runes used by byte-level BPE vocabularies.
var byteEncoder, byteDecoder = buildByteTables()

func buildByteTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)

	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}

// toByteLevel maps text bytes into the byte-level alphabet.
func toByteLevel(text string) []rune {
	out := make([]rune, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = byteEncoder[text[i]]
	}
	return out
}

// fromByteLevel reverses toByteLevel. Runes outside the alphabet are kept as UTF-8.
func fromByteLevel(s string) string {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := byteDecoder[r]; ok {
			buf = append(buf, b)
			continue
		}
		buf = utf8.AppendRune(buf, r)
	}
	return string(buf)
}
