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
package testwings

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/screen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAnalyzer struct {
	calls atomic.Int64
	gate  chan struct{}
	err   error
}

func (a *countingAnalyzer) Run(_ context.Context, _ image.Image, instruction string) (*pipelines.ScreenResult, error) {
	a.calls.Add(1)
	if a.gate != nil {
		<-a.gate
	}
	if a.err != nil {
		return nil, a.err
	}
	return &pipelines.ScreenResult{
		State: screen.ScreenState{Elements: []screen.UIElement{}, Description: instruction, Available: true},
		Text:  instruction,
	}, nil
}

func solidImage(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCachedAnalyzerHitsAndMisses(t *testing.T) {
	rc := NewResultCache(time.Minute, 0, nil)
	defer rc.Close()

	inner := &countingAnalyzer{}
	cached := rc.WrapAnalyzer(inner, "model")
	ctx := context.Background()
	red := solidImage(color.RGBA{255, 0, 0, 255})
	blue := solidImage(color.RGBA{0, 0, 255, 255})

	first, err := cached.Run(ctx, red, "describe")
	require.NoError(t, err)
	second, err := cached.Run(ctx, red, "describe")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())

	_, err = cached.Run(ctx, red, "other")
	require.NoError(t, err)
	_, err = cached.Run(ctx, blue, "describe")
	require.NoError(t, err)
	assert.Equal(t, int64(3), inner.calls.Load())

	stats := cached.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
	assert.Equal(t, 3, rc.Len())
}

func TestCachedAnalyzerModelKey(t *testing.T) {
	rc := NewResultCache(time.Minute, 0, nil)
	defer rc.Close()

	inner := &countingAnalyzer{}
	img := solidImage(color.RGBA{0, 255, 0, 255})

	_, err := rc.WrapAnalyzer(inner, "a").Run(context.Background(), img, "describe")
	require.NoError(t, err)
	_, err = rc.WrapAnalyzer(inner, "b").Run(context.Background(), img, "describe")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestCachedAnalyzerSkipsErrors(t *testing.T) {
	rc := NewResultCache(time.Minute, 0, nil)
	defer rc.Close()

	inner := &countingAnalyzer{err: errors.New("engine failed")}
	cached := rc.WrapAnalyzer(inner, "model")
	img := solidImage(color.RGBA{1, 2, 3, 255})

	for range 2 {
		_, err := cached.Run(context.Background(), img, "describe")
		require.Error(t, err)
	}
	assert.Equal(t, int64(2), inner.calls.Load())
	assert.Equal(t, 0, rc.Len())
}

func TestCachedAnalyzerSingleflight(t *testing.T) {
	rc := NewResultCache(time.Minute, 0, nil)
	defer rc.Close()

	inner := &countingAnalyzer{gate: make(chan struct{})}
	cached := rc.WrapAnalyzer(inner, "model")
	img := solidImage(color.RGBA{9, 9, 9, 255})

	var wg sync.WaitGroup
	results := make([]*pipelines.ScreenResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cached.Run(context.Background(), img, "describe")
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Let the other callers join the in-flight call before it completes.
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0], res)
	}
	assert.Equal(t, int64(1), inner.calls.Load())
}

type elementAnalyzer struct{}

func (elementAnalyzer) Run(context.Context, image.Image, string) (*pipelines.ScreenResult, error) {
	return &pipelines.ScreenResult{
		State: screen.ScreenState{
			Elements:  []screen.UIElement{{Type: "button", Text: "OK", Confidence: 1}},
			Available: true,
		},
		TokenIDs: []int{1, 2},
	}, nil
}

func TestCachedAnalyzerResultsAreIndependent(t *testing.T) {
	rc := NewResultCache(time.Minute, 0, nil)
	defer rc.Close()

	cached := rc.WrapAnalyzer(elementAnalyzer{}, "model")
	img := solidImage(color.RGBA{7, 7, 7, 255})

	first, err := cached.Run(context.Background(), img, "describe")
	require.NoError(t, err)
	first.State.Elements[0].Text = "changed"
	first.TokenIDs[0] = 99

	second, err := cached.Run(context.Background(), img, "describe")
	require.NoError(t, err)
	assert.Equal(t, "OK", second.State.Elements[0].Text)
	assert.Equal(t, []int{1, 2}, second.TokenIDs)

	second.State.Elements[0].Text = "again"
	third, err := cached.Run(context.Background(), img, "describe")
	require.NoError(t, err)
	assert.Equal(t, "OK", third.State.Elements[0].Text)
}

func TestCacheKeyDependsOnContent(t *testing.T) {
	c := NewCachedAnalyzer(&countingAnalyzer{}, "model", nil, nil)
	red := solidImage(color.RGBA{255, 0, 0, 255})

	assert.Equal(t, c.cacheKey(red, "p"), c.cacheKey(solidImage(color.RGBA{255, 0, 0, 255}), "p"))
	assert.NotEqual(t, c.cacheKey(red, "p"), c.cacheKey(red, "q"))
	assert.NotEqual(t, c.cacheKey(red, "p"), c.cacheKey(solidImage(color.RGBA{0, 0, 0, 255}), "p"))
}
