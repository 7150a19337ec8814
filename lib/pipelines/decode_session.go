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

package pipelines

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/modelconfig"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"go.uber.org/zap"
)

// DecodeState is the lifecycle state of a DecodeSession.
type DecodeState int

const (
	DecodeCreated DecodeState = iota
	DecodeReady
	DecodeStepped
	DecodeClosed
)

func (s DecodeState) String() string {
	switch s {
	case DecodeCreated:
		return "CREATED"
	case DecodeReady:
		return "READY"
	case DecodeStepped:
		return "STEPPED"
	case DecodeClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("DecodeState(%d)", int(s))
	}
}

// DecodeOptions configures a DecodeSession.
type DecodeOptions struct {
	// ZeroLengthCache starts from an empty cache. Engines that reject
	// zero-sized dimensions start from one zeroed slot that stays masked.
	ZeroLengthCache bool

	Logger *zap.Logger
}

// kvLayer names the cache tensors of one decoder layer.
type kvLayer struct {
	keyIn, valueIn   backends.TensorInfo
	keyOut, valueOut int // output indexes
}

// DecodeSession owns the key/value cache of one generation and runs the
// decoder step by step. It is not safe for concurrent use.
type DecodeSession struct {
	session backends.Session
	cfg     *modelconfig.ModelConfig
	opts    DecodeOptions
	logger  *zap.Logger

	embedsInfo backends.TensorInfo
	maskInfo   *backends.TensorInfo
	posInfo    *backends.TensorInfo
	logitsOut  int
	layers     []kvLayer

	state    DecodeState
	cacheLen int
	mask     []int64
	keys     [][]float32
	values   [][]float32
}

// NewDecodeSession prepares a decode session over the merged decoder.
func NewDecodeSession(session backends.Session, cfg *modelconfig.ModelConfig, opts DecodeOptions) (*DecodeSession, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DecodeSession{session: session, cfg: cfg, opts: opts, logger: logger}

	var embeds bool
	keyIn := map[int]backends.TensorInfo{}
	valueIn := map[int]backends.TensorInfo{}
	for _, info := range session.InputInfo() {
		switch info.Name {
		case InputsEmbedsInput:
			d.embedsInfo = info
			embeds = true
			continue
		case AttentionMaskInput:
			d.maskInfo = &info
			continue
		case PositionIDsInput:
			d.posInfo = &info
			continue
		}
		if layer, isValue, ok := parseCacheInput(info.Name); ok {
			if isValue {
				valueIn[layer] = info
			} else {
				keyIn[layer] = info
			}
		}
	}
	if !embeds {
		if _, err := DetectStrategy(session); err != nil {
			return nil, err
		}
	}

	numLayers := len(keyIn)
	if numLayers == 0 || len(valueIn) != numLayers {
		return nil, fmt.Errorf("decoder declares %d key and %d value cache inputs", len(keyIn), len(valueIn))
	}
	if cfg.NumLayers > 0 && cfg.NumLayers != numLayers {
		return nil, fmt.Errorf("decoder has %d cache layers, config declares %d", numLayers, cfg.NumLayers)
	}
	d.layers = make([]kvLayer, numLayers)
	for i := range numLayers {
		k, okK := keyIn[i]
		v, okV := valueIn[i]
		if !okK || !okV {
			return nil, fmt.Errorf("decoder is missing cache inputs for layer %d", i)
		}
		d.layers[i] = kvLayer{keyIn: k, valueIn: v}
	}
	if err := d.mapOutputs(); err != nil {
		return nil, err
	}
	return d, nil
}

// parseCacheInput recognizes past_key_values.{i}.key/value and
// past_key_in{i}/past_value_in{i}.
func parseCacheInput(name string) (layer int, isValue, ok bool) {
	if rest, found := strings.CutPrefix(name, "past_key_values."); found {
		idx, kind, found := strings.Cut(rest, ".")
		if !found || (kind != "key" && kind != "value") {
			return 0, false, false
		}
		n, err := strconv.Atoi(idx)
		return n, kind == "value", err == nil
	}
	for prefix, value := range map[string]bool{"past_key_in": false, "past_value_in": true} {
		if rest, found := strings.CutPrefix(name, prefix); found {
			n, err := strconv.Atoi(rest)
			return n, value, err == nil
		}
	}
	return 0, false, false
}

// mapOutputs finds logits and the present cache outputs, by name when they
// follow the present.{i}.key convention and by position otherwise.
func (d *DecodeSession) mapOutputs() error {
	outputs := d.session.OutputInfo()
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name
	}
	d.logitsOut = max(0, slices.Index(names, LogitsOutput))

	byName := true
	for i := range d.layers {
		k := slices.Index(names, presentName(d.layers[i].keyIn.Name))
		v := slices.Index(names, presentName(d.layers[i].valueIn.Name))
		if k < 0 || v < 0 {
			byName = false
			break
		}
		d.layers[i].keyOut, d.layers[i].valueOut = k, v
	}
	if byName {
		return nil
	}

	var rest []int
	for i := range outputs {
		if i != d.logitsOut {
			rest = append(rest, i)
		}
	}
	if len(rest) < 2*len(d.layers) {
		return fmt.Errorf("decoder declares %d cache outputs for %d layers", len(rest), len(d.layers))
	}
	for i := range d.layers {
		d.layers[i].keyOut, d.layers[i].valueOut = rest[2*i], rest[2*i+1]
	}
	return nil
}

func presentName(input string) string {
	return strings.Replace(input, "past_key_values.", "present.", 1)
}

// State returns the lifecycle state.
func (d *DecodeSession) State() DecodeState { return d.state }

// CacheLen returns the number of cached positions, including a masked
// placeholder slot when the engine needs one.
func (d *DecodeSession) CacheLen() int { return d.cacheLen }

// NumLayers returns the number of cached decoder layers.
func (d *DecodeSession) NumLayers() int { return len(d.layers) }

// Reset allocates the initial cache and makes the session READY.
func (d *DecodeSession) Reset() error {
	if d.state == DecodeClosed {
		return fmt.Errorf("%w: reset after close", ErrSessionState)
	}
	d.keys = make([][]float32, len(d.layers))
	d.values = make([][]float32, len(d.layers))
	if d.opts.ZeroLengthCache {
		d.cacheLen = 0
		d.mask = []int64{}
	} else {
		slot := d.cfg.NumKeyValueHeads * d.cfg.HeadDim
		for i := range d.layers {
			d.keys[i] = make([]float32, slot)
			d.values[i] = make([]float32, slot)
		}
		d.cacheLen = 1
		d.mask = []int64{0}
	}
	d.state = DecodeReady
	return nil
}

// Step runs the decoder over emb with the given positions and appends the
// new keys and values to the cache.
func (d *DecodeSession) Step(ctx context.Context, emb *FusedEmbedding, pos Positions) (*screen.Logits, error) {
	if d.state != DecodeReady && d.state != DecodeStepped {
		return nil, fmt.Errorf("%w: step in state %s", ErrSessionState, d.state)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if emb == nil || emb.SeqLen == 0 {
		return nil, fmt.Errorf("%w: empty embedding", backends.ErrShapeValidation)
	}

	embedLen := emb.SeqLen
	mask := make([]int64, 0, d.cacheLen+embedLen)
	mask = append(mask, d.mask...)
	for range embedLen {
		mask = append(mask, 1)
	}
	if len(mask) != d.cacheLen+embedLen {
		return nil, fmt.Errorf("%w: attention mask length %d, want %d",
			backends.ErrShapeValidation, len(mask), d.cacheLen+embedLen)
	}
	if pos.Len() != embedLen {
		return nil, fmt.Errorf("%w: %d position ids for %d embeddings",
			backends.ErrShapeValidation, pos.Len(), embedLen)
	}

	inputs, err := d.buildInputs(emb, mask, pos)
	if err != nil {
		return nil, err
	}

	kvHeads, headDim := int64(d.cfg.NumKeyValueHeads), int64(d.cfg.HeadDim)
	total := int64(d.cacheLen + embedLen)
	outputs := d.session.OutputInfo()
	hints := make(map[string][]int64, 1+2*len(d.layers))
	if h := backends.OutputShape(outputs[d.logitsOut], 1, int64(embedLen), int64(d.cfg.VocabSize)); h != nil && d.cfg.VocabSize > 0 {
		hints[outputs[d.logitsOut].Name] = h
	}
	for _, l := range d.layers {
		for _, idx := range []int{l.keyOut, l.valueOut} {
			if h := backends.OutputShape(outputs[idx], 1, kvHeads, total, headDim); h != nil {
				hints[outputs[idx].Name] = h
			}
		}
	}

	results, err := backends.RunShaped(d.session, inputs, hints)
	if err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}
	if len(results) != len(outputs) {
		return nil, fmt.Errorf("%w: decoder returned %d outputs, declares %d",
			backends.ErrShapeValidation, len(results), len(outputs))
	}

	logits, err := d.readLogits(results[d.logitsOut], embedLen)
	if err != nil {
		return nil, err
	}

	keys := make([][]float32, len(d.layers))
	values := make([][]float32, len(d.layers))
	for i, l := range d.layers {
		if keys[i], err = readCache(results[l.keyOut], kvHeads, total, headDim); err != nil {
			return nil, err
		}
		if values[i], err = readCache(results[l.valueOut], kvHeads, total, headDim); err != nil {
			return nil, err
		}
	}

	d.keys, d.values = keys, values
	d.mask = mask
	d.cacheLen = int(total)
	d.state = DecodeStepped

	d.logger.Debug("Decoder step",
		zap.Int("embedLen", embedLen),
		zap.Int("cacheLen", d.cacheLen))
	return logits, nil
}

func (d *DecodeSession) buildInputs(emb *FusedEmbedding, mask []int64, pos Positions) ([]backends.NamedTensor, error) {
	embedLen := int64(emb.SeqLen)

	shape, err := backends.ResolveShape(d.embedsInfo, 1, embedLen, int64(emb.Hidden))
	if err != nil {
		return nil, err
	}
	inputs := []backends.NamedTensor{{Name: d.embedsInfo.Name, Shape: shape, Data: emb.Data}}

	if d.maskInfo != nil {
		shape, err := backends.ResolveShape(*d.maskInfo, 1, int64(len(mask)))
		if err != nil {
			return nil, err
		}
		t, err := backends.CoerceTensor(backends.NamedTensor{Name: d.maskInfo.Name, Shape: shape, Data: mask}, d.maskInfo.DataType)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, t)
	}

	if d.posInfo != nil {
		var t backends.NamedTensor
		if len(d.posInfo.Shape) == 2 {
			shape, err := backends.ResolveShape(*d.posInfo, 1, embedLen)
			if err != nil {
				return nil, err
			}
			t = backends.NamedTensor{Name: d.posInfo.Name, Shape: shape, Data: slices.Clone(pos[0])}
		} else {
			shape, err := backends.ResolveShape(*d.posInfo, 3, 1, embedLen)
			if err != nil {
				return nil, err
			}
			t = backends.NamedTensor{Name: d.posInfo.Name, Shape: shape, Data: pos.Flatten()}
		}
		t, err := backends.CoerceTensor(t, d.posInfo.DataType)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, t)
	}

	kvHeads, headDim, cacheLen := int64(d.cfg.NumKeyValueHeads), int64(d.cfg.HeadDim), int64(d.cacheLen)
	for i, l := range d.layers {
		for _, kv := range []struct {
			info backends.TensorInfo
			data []float32
		}{{l.keyIn, d.keys[i]}, {l.valueIn, d.values[i]}} {
			shape, err := backends.ResolveShape(kv.info, 1, kvHeads, cacheLen, headDim)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, backends.NamedTensor{Name: kv.info.Name, Shape: shape, Data: kv.data})
		}
	}
	return inputs, nil
}

// readLogits accepts logits for every position or for the last one only.
func (d *DecodeSession) readLogits(out backends.NamedTensor, embedLen int) (*screen.Logits, error) {
	if err := backends.ExpectShape(out, 1, -1, -1); err != nil {
		return nil, err
	}
	seq, vocab := int(out.Shape[1]), int(out.Shape[2])
	if seq != embedLen && seq != 1 {
		return nil, fmt.Errorf("%w: logits cover %d positions, want %d or 1",
			backends.ErrShapeValidation, seq, embedLen)
	}
	if d.cfg.VocabSize > 0 && vocab != d.cfg.VocabSize {
		return nil, fmt.Errorf("%w: logits vocab %d, config declares %d",
			backends.ErrShapeValidation, vocab, d.cfg.VocabSize)
	}
	data := out.Float32s()
	if data == nil {
		return nil, fmt.Errorf("%w: logits are %T, want float32", backends.ErrShapeValidation, out.Data)
	}
	return &screen.Logits{Data: data, SeqLen: seq, VocabSize: vocab}, nil
}

func readCache(out backends.NamedTensor, kvHeads, total, headDim int64) ([]float32, error) {
	if err := backends.ExpectShape(out, 1, kvHeads, total, headDim); err != nil {
		return nil, err
	}
	data := out.Float32s()
	if data == nil {
		return nil, fmt.Errorf("%w: %s is %T, want float32", backends.ErrShapeValidation, out.Name, out.Data)
	}
	return data, nil
}

// Close releases the cache. It is safe to call more than once.
func (d *DecodeSession) Close() error {
	d.keys, d.values, d.mask = nil, nil, nil
	d.cacheLen = 0
	d.state = DecodeClosed
	return nil
}
