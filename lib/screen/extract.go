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

import "strings"

// ExtractJSON returns the first balanced JSON object embedded in text,
// falling back to the first balanced array when no object exists, or "" when
// there is neither. Brackets inside string literals are ignored.
func ExtractJSON(text string) string {
	if obj := firstBalanced(text, '{', '}'); obj != "" {
		return obj
	}
	return firstBalanced(text, '[', ']')
}

// firstBalanced finds the first span starting at opening that closes at depth
// zero. An unterminated candidate is skipped in favour of the next one.
func firstBalanced(text string, opening, closing byte) string {
	for from := 0; from < len(text); {
		i := strings.IndexByte(text[from:], opening)
		if i < 0 {
			return ""
		}
		start := from + i
		if end := matchClose(text, start, opening, closing); end >= 0 {
			return text[start : end+1]
		}
		from = start + 1
	}
	return ""
}

func matchClose(text string, start int, opening, closing byte) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
