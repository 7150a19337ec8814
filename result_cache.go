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
	"encoding/binary"
	"image"
	"image/jpeg"
	"sync/atomic"
	"time"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/pipelines"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ResultCacheTTL is the default TTL for cached analysis results
const ResultCacheTTL = 5 * time.Minute

// Analyzer runs one screen analysis.
type Analyzer interface {
	Run(ctx context.Context, img image.Image, instruction string) (*pipelines.ScreenResult, error)
}

// CachedAnalyzer wraps an analyzer with caching support
type CachedAnalyzer struct {
	analyzer Analyzer
	model    string
	cache    *ttlcache.Cache[string, *pipelines.ScreenResult]
	sfGroup  *singleflight.Group
	logger   *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedAnalyzer wraps an analyzer with caching. model must identify
// everything besides the image and instruction that changes the result.
func NewCachedAnalyzer(
	analyzer Analyzer,
	model string,
	cache *ttlcache.Cache[string, *pipelines.ScreenResult],
	logger *zap.Logger,
) *CachedAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedAnalyzer{
		analyzer: analyzer,
		model:    model,
		cache:    cache,
		sfGroup:  &singleflight.Group{},
		logger:   logger,
	}
}

// Run analyzes a screenshot, serving repeated image/instruction pairs from
// the cache. Failed analyses are not cached. Every caller gets its own copy
// of the result.
func (c *CachedAnalyzer) Run(ctx context.Context, img image.Image, instruction string) (*pipelines.ScreenResult, error) {
	key := c.cacheKey(img, instruction)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("analysis")
		c.logger.Debug("Analysis cache hit", zap.String("model", c.model))
		return item.Value().Clone(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("analysis")

		start := time.Now()
		res, err := c.analyzer.Run(ctx, img, instruction)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, res, ttlcache.DefaultTTL)

		c.logger.Debug("Analysis completed and cached",
			zap.String("model", c.model),
			zap.Int("elements", len(res.State.Elements)),
			zap.Duration("duration", time.Since(start)))

		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for analysis request", zap.String("model", c.model))
	}

	return result.(*pipelines.ScreenResult).Clone(), nil
}

// cacheKey hashes model + instruction + image bounds + image content
func (c *CachedAnalyzer) cacheKey(img image.Image, instruction string) string {
	h := xxhash.New()

	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")

	_, _ = h.WriteString("p:")
	_, _ = h.WriteString(instruction)
	_, _ = h.WriteString("|")

	bounds := img.Bounds()
	var dimBuf [16]byte
	binary.BigEndian.PutUint32(dimBuf[0:4], uint32(bounds.Min.X))
	binary.BigEndian.PutUint32(dimBuf[4:8], uint32(bounds.Min.Y))
	binary.BigEndian.PutUint32(dimBuf[8:12], uint32(bounds.Max.X))
	binary.BigEndian.PutUint32(dimBuf[12:16], uint32(bounds.Max.Y))
	_, _ = h.Write(dimBuf[:])

	var imgHashBuf [8]byte
	binary.BigEndian.PutUint64(imgHashBuf[:], hashImage(img))
	_, _ = h.Write(imgHashBuf[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// hashImage hashes the JPEG encoding of an image, which captures the
// visual content without iterating every pixel.
func hashImage(img image.Image) uint64 {
	h := xxhash.New()

	encoder := jpeg.Options{Quality: 50}
	if err := jpeg.Encode(h, img, &encoder); err != nil {
		// Fallback: hash dimensions only
		bounds := img.Bounds()
		var buf [16]byte
		binary.BigEndian.PutUint32(buf[0:4], uint32(bounds.Dx()))
		binary.BigEndian.PutUint32(buf[4:8], uint32(bounds.Dy()))
		_, _ = h.Write(buf[:])
	}

	return h.Sum64()
}

// Stats returns cache statistics for this analyzer
func (c *CachedAnalyzer) Stats() AnalyzerCacheStats {
	return AnalyzerCacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// AnalyzerCacheStats holds cache statistics for an analyzer
type AnalyzerCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// ResultCache owns the TTL cache shared by cached analyzers
type ResultCache struct {
	cache  *ttlcache.Cache[string, *pipelines.ScreenResult]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewResultCache creates a result cache. A zero ttl uses ResultCacheTTL and
// a zero capacity leaves the cache unbounded.
func NewResultCache(ttl time.Duration, capacity uint64, logger *zap.Logger) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = ResultCacheTTL
	}

	opts := []ttlcache.Option[string, *pipelines.ScreenResult]{
		ttlcache.WithTTL[string, *pipelines.ScreenResult](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *pipelines.ScreenResult](capacity))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	rc := &ResultCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	go rc.logStats(ctx)

	return rc
}

// WrapAnalyzer wraps an analyzer with caching
func (rc *ResultCache) WrapAnalyzer(analyzer Analyzer, model string) *CachedAnalyzer {
	return NewCachedAnalyzer(analyzer, model, rc.cache, rc.logger.Named("analysis"))
}

// Len returns the number of cached results.
func (rc *ResultCache) Len() int {
	return rc.cache.Len()
}

// Close stops the cache
func (rc *ResultCache) Close() {
	rc.cancel()
	rc.cache.Stop()
}

func (rc *ResultCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := rc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				rc.logger.Info("Result cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", rc.cache.Len()))
			}
		}
	}
}
