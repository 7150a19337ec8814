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
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
)

// Input groups of a decoder signature, in display order.
const (
	GroupInputsEmbeds  = "inputs_embeds"
	GroupAttentionMask = "attention_mask"
	GroupPositionIDs   = "position_ids"
	GroupPastKeyValues = "past_key_values"
	GroupOther         = "other"
)

// InputGroup is a named set of session inputs.
type InputGroup struct {
	Name   string
	Inputs []backends.TensorInfo
}

// GroupInputs sorts session inputs into the groups the decoder protocol
// cares about. Empty groups are omitted.
func GroupInputs(infos []backends.TensorInfo) []InputGroup {
	order := []string{GroupInputsEmbeds, GroupAttentionMask, GroupPositionIDs, GroupPastKeyValues, GroupOther}
	byGroup := make(map[string][]backends.TensorInfo, len(order))
	for _, info := range infos {
		g := inputGroup(info.Name)
		byGroup[g] = append(byGroup[g], info)
	}

	var groups []InputGroup
	for _, name := range order {
		if len(byGroup[name]) > 0 {
			groups = append(groups, InputGroup{Name: name, Inputs: byGroup[name]})
		}
	}
	return groups
}

func inputGroup(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "inputs_embeds"):
		return GroupInputsEmbeds
	case strings.Contains(lower, "attention_mask"):
		return GroupAttentionMask
	case strings.Contains(lower, "position_ids"):
		return GroupPositionIDs
	case strings.Contains(lower, "past_key_values"), strings.HasPrefix(lower, "past_key"), strings.HasPrefix(lower, "past_value"):
		return GroupPastKeyValues
	default:
		return GroupOther
	}
}

// FormatShape renders a shape with dynamic dimensions shown as "?".
func FormatShape(shape []int64) string {
	dims := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			dims[i] = "?"
		} else {
			dims[i] = fmt.Sprint(d)
		}
	}
	return "[" + strings.Join(dims, ", ") + "]"
}

// PrintSignature writes the grouped inputs and the outputs of a session.
func PrintSignature(w io.Writer, inputs, outputs []backends.TensorInfo) {
	_, _ = fmt.Fprintf(w, "Inputs: %d\n", len(inputs))
	for _, g := range GroupInputs(inputs) {
		_, _ = fmt.Fprintf(w, "\n[%s] %d\n", g.Name, len(g.Inputs))
		for _, in := range g.Inputs {
			_, _ = fmt.Fprintf(w, "  %s: %s %s\n", in.Name, in.DataType, FormatShape(in.Shape))
		}
	}

	_, _ = fmt.Fprintf(w, "\nOutputs: %d\n", len(outputs))
	for _, out := range outputs {
		_, _ = fmt.Fprintf(w, "  %s: %s %s\n", out.Name, out.DataType, FormatShape(out.Shape))
	}
}
