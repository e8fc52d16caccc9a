/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package optimizer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OptikR/OptikR-sub004/dictionary"
	"github.com/OptikR/OptikR-sub004/pipeline"
)

func frame(regionID pipeline.RegionId, pixels []byte) pipeline.Frame {
	return pipeline.Frame{RegionID: regionID, Width: 4, Height: 4, Pixels: pixels, Format: pipeline.PixelFormatGray8}
}

func TestFrameSkipDetectsIdenticalFramesAfterDefaultThreshold(t *testing.T) {
	fs := NewFrameSkip(DefaultFrameSkipConfig())
	pixels := make([]byte, 16)

	// The default MinSkipFrames is 3: a frame is only skipped once the
	// stream has been similar for 3 consecutive frames, so frames 1-3 must
	// still pass through before frame 4 is skipped.
	var decisions []pipeline.Decision
	for i := 0; i < 4; i++ {
		decisions = append(decisions, fs.Post(pipeline.CaptureItem{Frame: frame(1, pixels)}))
	}
	for i, d := range decisions[:3] {
		ci := d.Item.(pipeline.CaptureItem)
		assert.False(t, ci.SkipDownstream, "frame %d must pass through before the default threshold is reached", i+1)
	}
	ci4 := decisions[3].Item.(pipeline.CaptureItem)
	assert.True(t, ci4.SkipDownstream, "the 4th consecutive identical frame must be skipped once MinSkipFrames(3) is reached")

	stats := fs.GetStats().(FrameSkipStats)
	assert.Equal(t, uint64(1), stats.Skipped)
}

func TestFrameSkipMinSkipFramesOverrideSkipsImmediately(t *testing.T) {
	cfg := DefaultFrameSkipConfig()
	cfg.MinSkipFrames = 1
	fs := NewFrameSkip(cfg)
	pixels := make([]byte, 16)

	d1 := fs.Post(pipeline.CaptureItem{Frame: frame(1, pixels)})
	ci1 := d1.Item.(pipeline.CaptureItem)
	assert.False(t, ci1.SkipDownstream, "first frame has nothing to compare against")

	d2 := fs.Post(pipeline.CaptureItem{Frame: frame(1, pixels)})
	ci2 := d2.Item.(pipeline.CaptureItem)
	assert.True(t, ci2.SkipDownstream, "with MinSkipFrames=1 the first repeated frame must be skipped")

	stats := fs.GetStats().(FrameSkipStats)
	assert.Equal(t, uint64(1), stats.Skipped)
}

func TestFrameSkipForcesThroughAfterMaxConsecutive(t *testing.T) {
	cfg := DefaultFrameSkipConfig()
	cfg.MinSkipFrames = 1
	cfg.MaxConsecutiveSkips = 2
	fs := NewFrameSkip(cfg)
	pixels := make([]byte, 16)

	fs.Post(pipeline.CaptureItem{Frame: frame(1, pixels)})
	skips := 0
	var lastDecision pipeline.Decision
	for i := 0; i < 5; i++ {
		lastDecision = fs.Post(pipeline.CaptureItem{Frame: frame(1, pixels)})
		ci := lastDecision.Item.(pipeline.CaptureItem)
		if ci.SkipDownstream {
			skips++
		}
	}
	assert.LessOrEqual(t, skips, 4, "forced-through frames must interrupt the skip streak")
	stats := fs.GetStats().(FrameSkipStats)
	assert.Greater(t, stats.Forced, uint64(0))
}

func TestFrameSkipDifferentPixelsNotSkipped(t *testing.T) {
	fs := NewFrameSkip(DefaultFrameSkipConfig())
	a := make([]byte, 16)
	b := make([]byte, 16)
	b[0] = 0xFF

	fs.Post(pipeline.CaptureItem{Frame: frame(1, a)})
	d := fs.Post(pipeline.CaptureItem{Frame: frame(1, b)})
	ci := d.Item.(pipeline.CaptureItem)
	assert.False(t, ci.SkipDownstream)
}

func TestTranslationCacheHitsOnlyWhenAllBlocksCached(t *testing.T) {
	pair := pipeline.NewLanguagePair("en", "ja")
	c := NewTranslationCache(DefaultTranslationCacheConfig(), pair)

	blocks := []pipeline.TextBlock{{Text: "hello", FrameID: 1}}
	decision := c.Pre(blocks)
	assert.Equal(t, pipeline.DecisionContinue, decision.Kind, "empty cache must miss")

	c.Remember([]pipeline.TranslatedBlock{
		{TextBlock: blocks[0], Translated: "konnichiwa", TransConfidence: 0.9, TransEngine: "engineA", Source: pipeline.SourceEngine},
	})

	decision = c.Pre(blocks)
	require.Equal(t, pipeline.DecisionSkip, decision.Kind)
	out := decision.Item.([]pipeline.TranslatedBlock)
	require.Len(t, out, 1)
	assert.Equal(t, "konnichiwa", out[0].Translated)
	assert.Equal(t, pipeline.SourceCache, out[0].Source)
}

func TestTranslationCachePartialMissFallsThrough(t *testing.T) {
	pair := pipeline.NewLanguagePair("en", "ja")
	c := NewTranslationCache(DefaultTranslationCacheConfig(), pair)
	c.Remember([]pipeline.TranslatedBlock{
		{TextBlock: pipeline.TextBlock{Text: "hello"}, Translated: "konnichiwa", Source: pipeline.SourceEngine},
	})

	blocks := []pipeline.TextBlock{{Text: "hello"}, {Text: "world"}}
	decision := c.Pre(blocks)
	assert.Equal(t, pipeline.DecisionContinue, decision.Kind)
}

func TestTextValidatorRejectsLowConfidenceAndNoise(t *testing.T) {
	v := NewTextValidator(DefaultTextValidatorConfig())
	blocks := []pipeline.TextBlock{
		{Text: "Hello world", Confidence: 0.9},
		{Text: "x", Confidence: 0.9},
		{Text: "...", Confidence: 0.95},
		{Text: "ok", Confidence: 0.1},
	}
	decision := v.Post(blocks)
	kept := decision.Item.([]pipeline.TextBlock)
	require.Len(t, kept, 1)
	assert.Equal(t, "Hello world", kept[0].Text)
}

func TestTextBlockMergerJoinsSameRowAdjacentBlocks(t *testing.T) {
	m := NewTextBlockMerger(DefaultTextBlockMergerConfig())
	blocks := []pipeline.TextBlock{
		{Text: "Hello", Bounds: pipeline.Rect{X: 0, Y: 0, W: 40, H: 10}, Confidence: 0.9},
		{Text: "World", Bounds: pipeline.Rect{X: 45, Y: 1, W: 40, H: 10}, Confidence: 0.8},
		{Text: "Unrelated", Bounds: pipeline.Rect{X: 0, Y: 200, W: 40, H: 10}, Confidence: 0.9},
	}
	decision := m.Post(blocks)
	out := decision.Item.([]pipeline.TextBlock)
	require.Len(t, out, 2)
	assert.Equal(t, "Hello World", out[0].Text)
}

func TestTextBlockMergerIsIdempotent(t *testing.T) {
	m := NewTextBlockMerger(DefaultTextBlockMergerConfig())
	blocks := []pipeline.TextBlock{
		{Text: "Hello", Bounds: pipeline.Rect{X: 0, Y: 0, W: 40, H: 10}, Confidence: 0.9},
		{Text: "World", Bounds: pipeline.Rect{X: 45, Y: 1, W: 40, H: 10}, Confidence: 0.8},
	}
	once := m.Post(blocks).Item.([]pipeline.TextBlock)
	twice := m.Post(once).Item.([]pipeline.TextBlock)
	assert.Equal(t, once, twice)
}

func TestPriorityQueuePromotesStarvedBlockAfterAgingBound(t *testing.T) {
	cfg := PriorityQueueConfig{AgingBound: 2}
	pq := NewPriorityQueue(cfg)

	big := pipeline.TextBlock{Text: "big", Bounds: pipeline.Rect{W: 100, H: 100}, Confidence: 1.0}
	small := pipeline.TextBlock{Text: "small", Bounds: pipeline.Rect{W: 1, H: 1}, Confidence: 1.0}
	batch := []pipeline.TextBlock{small, big}

	var last []pipeline.TextBlock
	for i := 0; i < 3; i++ {
		last = pq.Pre(batch).Item.([]pipeline.TextBlock)
	}
	assert.Equal(t, "small", last[0].Text, "small must eventually be promoted to the front")
}

type stubEngine struct {
	name string
	fail bool
}

func (s *stubEngine) Init(map[string]interface{}) error { return nil }
func (s *stubEngine) Cleanup() error                    { return nil }
func (s *stubEngine) Translate(_ context.Context, text, source, target string) (string, float64, error) {
	if s.fail {
		return "", 0, fmt.Errorf("stub engine failure")
	}
	return fmt.Sprintf("[%s:%s->%s]%s", s.name, source, target, text), 0.9, nil
}

func TestTranslationChainRoutesThroughPivotAndLearns(t *testing.T) {
	router := pipeline.NewTranslationRouter(nil)
	router.RegisterEngine("jaEn", &stubEngine{name: "jaEn"})
	router.RegisterEngine("enFr", &stubEngine{name: "enFr"})
	router.SetMapping(pipeline.NewLanguagePair("ja", "en"), "jaEn")
	router.SetMapping(pipeline.NewLanguagePair("en", "fr"), "enFr")

	dictOpts := dictionary.DefaultOptions(t.TempDir())
	dictOpts.LearnThreshold = 0.5 // chained confidence compounds below the single-hop default
	dict := dictionary.New(dictOpts, nil)
	pair := pipeline.NewLanguagePair("ja", "fr")
	chain := NewTranslationChain(TranslationChainConfig{
		Pivots:    map[pipeline.LanguagePair]string{pair: "en"},
		LearnHops: true,
	}, router, dict, nil)

	out, conf, engine, err := chain.Translate(context.Background(), "konnichiwa", pair)
	require.NoError(t, err)
	assert.Contains(t, out, "enFr")
	assert.Greater(t, conf, 0.0)
	assert.Less(t, conf, 1.0)
	assert.Equal(t, "chain:jaEn+enFr", engine)

	_, found := dict.Lookup(pair, "konnichiwa")
	assert.True(t, found, "final hop result must be learned")

	stats := chain.Stats()
	assert.Equal(t, uint64(1), stats.Chained)
}
