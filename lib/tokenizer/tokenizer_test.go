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
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func plainVocab() *Vocabulary {
	return NewVocabulary(map[string]int{
		"h": 0, "e": 1, "l": 2, "o": 3, " ": 4, "w": 5, "r": 6, "d": 7,
		"he": 8, "hell": 9, "hello": 10, "wor": 11, "world": 12,
		"<|im_start|>": 100, "<|im_end|>": 101, "<|vision_start|>": 102,
		"<|vision_end|>": 103, "<|image_pad|>": 104, "<|endoftext|>": 105,
		"u": 20, "s": 21, "a": 22, "i": 23, "t": 24, "n": 25, "\n": 26,
	}, false)
}

func TestLongestMatchEncode(t *testing.T) {
	tok := NewLongestMatch(plainVocab(), nil)

	assert.Equal(t, []int{10, 4, 12}, tok.Encode("hello world"))
	assert.Equal(t, []int{9, 4, 11}, tok.Encode("hell wor"))
	assert.Nil(t, tok.Encode(""))
}

func TestLongestMatchRoundTrip(t *testing.T) {
	tok := NewLongestMatch(plainVocab(), nil)

	for _, s := range []string{"hello world", "dell", "ow", "world hello", "user\n"} {
		t.Run(s, func(t *testing.T) {
			assert.Equal(t, s, tok.Decode(tok.Encode(s)))
		})
	}
}

func TestLongestMatchSkipsUnknownCharacters(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tok := NewLongestMatch(plainVocab(), zap.New(core))

	ids := tok.Encode("hel?lo")
	assert.Equal(t, []int{8, 2, 2, 3}, ids)
	assert.Equal(t, "hello", tok.Decode(ids))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "?", logs.All()[0].ContextMap()["char"])
}

func TestLongestMatchNeverEmitsSpecialIDs(t *testing.T) {
	tok := NewLongestMatch(plainVocab(), nil)

	for _, s := range []string{"<|image_pad|>", "hello<|im_end|>", "<|im_start|>assistant\n", "<|endoftext|>"} {
		t.Run(s, func(t *testing.T) {
			ids := tok.Encode(s)
			for _, special := range []int{100, 101, 102, 103, 104, 105} {
				assert.NotContains(t, ids, special)
			}
		})
	}

	bl := NewLongestMatch(byteLevelVocab(), nil)
	ids := bl.Encode("<|im_end|>")
	assert.NotContains(t, ids, 302)
	assert.Len(t, ids, len("<|im_end|>"))
	assert.Equal(t, "<|im_end|>", bl.Decode(ids))
}

func TestLongestMatchDecodeUnknownID(t *testing.T) {
	tok := NewLongestMatch(plainVocab(), nil)
	assert.Equal(t, "hello", tok.Decode([]int{10, 9999}))
	assert.Equal(t, "", tok.Decode([]int{-1}))
}

func byteLevelVocab() *Vocabulary {
	tokens := make(map[string]int)
	for b := 0; b < 256; b++ {
		tokens[string(byteEncoder[b])] = b
	}
	// "Ġ" is the byte-level rune for a space.
	tokens["Ġworld"] = 300
	tokens["hello"] = 301
	tokens["<|im_end|>"] = 302
	return NewVocabulary(tokens, true)
}

func TestByteLevelRoundTrip(t *testing.T) {
	tok := NewLongestMatch(byteLevelVocab(), nil)

	ids := tok.Encode("hello world")
	assert.Equal(t, []int{301, 300}, ids)
	assert.Equal(t, "hello world", tok.Decode(ids))

	for _, s := range []string{"按钮 OK", "tab\there", "emoji 🙂", "<|im_end|>"} {
		t.Run(s, func(t *testing.T) {
			assert.Equal(t, s, tok.Decode(tok.Encode(s)))
		})
	}
}

func TestByteTablesAreBijective(t *testing.T) {
	seen := make(map[rune]bool, 256)
	for b := 0; b < 256; b++ {
		r := byteEncoder[b]
		assert.False(t, seen[r], "rune %q mapped twice", r)
		seen[r] = true
		assert.Equal(t, byte(b), byteDecoder[r])
	}
	assert.Equal(t, 'Ġ', byteEncoder[' '])
	assert.Equal(t, 'A', byteEncoder['A'])
}

func TestSpecialIDs(t *testing.T) {
	v := plainVocab()
	id, ok := v.SpecialID(ImagePad)
	require.True(t, ok)
	assert.Equal(t, 104, id)

	id, ok = v.SpecialID(EOS)
	require.True(t, ok)
	assert.Equal(t, 101, id)

	overridden := NewVocabulary(map[string]int{"a": 1}, false, WithSpecialIDs(map[SpecialToken]int{ImagePad: 151655}))
	id, ok = overridden.SpecialID(ImagePad)
	require.True(t, ok)
	assert.Equal(t, 151655, id)

	_, ok = overridden.SpecialID(ChatStart)
	assert.False(t, ok)
}

func TestParseVocabulary(t *testing.T) {
	data := []byte(`{
		"added_tokens": [
			{"id": 151643, "content": "<|endoftext|>", "special": true},
			{"id": 151655, "content": "<|image_pad|>", "special": true},
			{"id": 151700, "content": "<tool>", "special": false}
		],
		"decoder": {"type": "ByteLevel"},
		"model": {"type": "BPE", "vocab": {"a": 64, "Ġa": 264}}
	}`)

	v, err := ParseVocabulary(data)
	require.NoError(t, err)
	assert.True(t, v.ByteLevel())
	assert.Equal(t, 5, v.Size())
	assert.True(t, v.Reserved(151643))
	assert.True(t, v.Reserved(151655))
	assert.False(t, v.Reserved(151700))
	assert.False(t, v.Reserved(264))

	id, ok := v.ID("Ġa")
	require.True(t, ok)
	assert.Equal(t, 264, id)

	tok, ok := v.Token(151655)
	require.True(t, ok)
	assert.Equal(t, "<|image_pad|>", tok)

	_, err = ParseVocabulary([]byte(`{"model": {"vocab": {}}}`))
	assert.Error(t, err)
}

func TestLoadLongestMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"vocab": {"x": 1, "y": 2}}}`), 0o644))

	tok, vocab, err := Load(path, KindLongestMatch, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, vocab.Size())
	assert.Equal(t, []int{1, 2}, tok.Encode("xy"))

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.json"), KindLongestMatch, nil)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("HF")
	require.NoError(t, err)
	assert.Equal(t, KindHuggingFace, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindLongestMatch, k)

	_, err = ParseKind("wordpiece")
	assert.Error(t, err)
}

type fakeHFTokenizer struct{}

func (fakeHFTokenizer) Encode(text string) []int { return []int{len(text)} }
func (fakeHFTokenizer) Decode(ids []int) string  { return "decoded" }
func (fakeHFTokenizer) SpecialTokenID(api.SpecialToken) (int, error) {
	return 0, nil
}

func TestHuggingFaceAdapter(t *testing.T) {
	tok := NewHuggingFace(fakeHFTokenizer{}, plainVocab())

	assert.Equal(t, []int{3}, tok.Encode("abc"))
	assert.Equal(t, "decoded", tok.Decode([]int{1}))

	id, ok := tok.SpecialID(VisionStart)
	require.True(t, ok)
	assert.Equal(t, 102, id)
}
