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

// Chat template around the image and the instruction:
//
//	<|im_start|>user\n<|vision_start|><|image_pad|>...<|vision_end|>{instruction}<|im_end|>\n<|im_start|>assistant\n
const (
	userTurn      = "user\n"
	turnSeparator = "\n"
	assistantTurn = "assistant\n"
)

// BuildPrompt assembles the full prompt token sequence in order:
// chat-start markers, vision-start, featureCount image placeholders,
// vision-end, the encoded instruction, then the chat-end markers.
// Special ids are inserted raw and never round-tripped through Encode.
func BuildPrompt(tok Tokenizer, instruction string, featureCount int) ([]int, error) {
	if tok == nil {
		return nil, ErrTokenizerNotLoaded
	}

	ids := make(map[SpecialToken]int, 5)
	for _, s := range []SpecialToken{ChatStart, ChatEnd, VisionStart, VisionEnd, ImagePad} {
		id, err := RequireSpecialID(tok, s)
		if err != nil {
			return nil, err
		}
		ids[s] = id
	}

	user := tok.Encode(userTurn)
	text := tok.Encode(instruction)
	sep := tok.Encode(turnSeparator)
	assistant := tok.Encode(assistantTurn)

	seq := make([]int, 0, featureCount+len(user)+len(text)+len(sep)+len(assistant)+6)
	seq = append(seq, ids[ChatStart])
	seq = append(seq, user...)
	seq = append(seq, ids[VisionStart])
	for range featureCount {
		seq = append(seq, ids[ImagePad])
	}
	seq = append(seq, ids[VisionEnd])
	seq = append(seq, text...)
	seq = append(seq, ids[ChatEnd])
	seq = append(seq, sep...)
	seq = append(seq, ids[ChatStart])
	seq = append(seq, assistant...)
	return seq, nil
}
