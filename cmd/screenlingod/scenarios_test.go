/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OptikR/OptikR-sub004/dictionary"
	"github.com/OptikR/OptikR-sub004/optimizer"
	"github.com/OptikR/OptikR-sub004/pipeline"
)

// fixedCapture always returns a frame with the given (constant) pixel
// content, so Frame Skip sees byte-identical frames across calls.
type fixedCapture struct{ pixels []byte }

func (c *fixedCapture) Init(map[string]interface{}) error { return nil }
func (c *fixedCapture) Capture(_ context.Context, region pipeline.Region) (pipeline.Frame, error) {
	return pipeline.Frame{RegionID: region.ID, Width: 4, Height: 4, Pixels: c.pixels, Format: pipeline.PixelFormatGray8}, nil
}
func (c *fixedCapture) Cleanup() error { return nil }

// textOCR always reports one TextBlock with the given text and confidence.
type textOCR struct {
	text       string
	confidence float64
	calls      int64
}

func (o *textOCR) Init(map[string]interface{}) error { return nil }
func (o *textOCR) Extract(_ context.Context, frame pipeline.Frame) ([]pipeline.TextBlock, error) {
	atomic.AddInt64(&o.calls, 1)
	return []pipeline.TextBlock{{FrameID: frame.FrameID, Text: o.text, Confidence: o.confidence}}, nil
}
func (o *textOCR) SupportedLanguages() []string { return []string{"en"} }
func (o *textOCR) Cleanup() error               { return nil }

// countingTranslator returns a fixed translation and counts invocations.
type countingTranslator struct {
	translation string
	confidence  float64
	calls       int64
}

func (tr *countingTranslator) Init(map[string]interface{}) error { return nil }
func (tr *countingTranslator) Translate(_ context.Context, text, source, target string) (string, float64, error) {
	atomic.AddInt64(&tr.calls, 1)
	return tr.translation, tr.confidence, nil
}
func (tr *countingTranslator) Cleanup() error { return nil }

// pairValidatingTranslator only succeeds for the exact source/target pair it
// was built for, so a test can force the router to fail on a pair no single
// engine covers directly and exercise the Translation Chain fallback.
type pairValidatingTranslator struct {
	source, target string
	translation    string
	confidence     float64
}

func (tr *pairValidatingTranslator) Init(map[string]interface{}) error { return nil }
func (tr *pairValidatingTranslator) Translate(_ context.Context, text, source, target string) (string, float64, error) {
	if source != tr.source || target != tr.target {
		return "", 0, fmt.Errorf("engine only serves %s->%s, got %s->%s", tr.source, tr.target, source, target)
	}
	return tr.translation, tr.confidence, nil
}
func (tr *pairValidatingTranslator) Cleanup() error { return nil }

// recordingOverlay records every batch it is asked to render.
type recordingOverlay struct {
	mu     sync.Mutex
	frames [][]pipeline.TranslatedBlock
}

func (o *recordingOverlay) Render(_ context.Context, blocks []pipeline.TranslatedBlock) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := append([]pipeline.TranslatedBlock(nil), blocks...)
	o.frames = append(o.frames, cp)
	return true
}

func (o *recordingOverlay) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// buildScenarioPipeline wires a Pipeline directly against the given stub
// backends, bypassing Registry discovery entirely, so scenario tests can
// control every collaborator's behavior precisely.
func buildScenarioPipeline(t *testing.T, regionCfgs []pipeline.RegionConfig, cb pipeline.CaptureBackend, ocrByRegion map[pipeline.RegionId]regionOCR, translator pipeline.TranslationBackend, dict *dictionary.SmartDictionary, pair pipeline.LanguagePair, overlay pipeline.OverlayRenderer, frameSkipCfg *optimizer.FrameSkipConfig) *pipeline.Pipeline {
	t.Helper()
	log := zap.NewNop().Sugar()

	cfg := pipeline.Config{Mode: pipeline.ModeSequential, Regions: regionCfgs}
	pl, err := pipeline.NewPipeline(cfg, pipeline.NewRegistry(log), log)
	require.NoError(t, err)

	sched := pl.Scheduler()
	sched.Capture = pipeline.NewStage(pipeline.StageCapture, captureStagePrimary(cb), 0, nil, true, log)
	if frameSkipCfg != nil {
		sched.Capture.AddPostHook("frame_skip", optimizer.NewFrameSkip(*frameSkipCfg))
	}

	sched.OCR = pipeline.NewStage(pipeline.StageOCR, ocrStagePrimary(ocrByRegion), 0, nil, true, log)

	router := pl.Router()
	router.RegisterEngine("stub", translator)
	router.SetDefault("stub")
	cache := optimizer.NewTranslationCache(optimizer.DefaultTranslationCacheConfig(), pair)
	sched.Translate = pipeline.NewStage(pipeline.StageTranslate, translateStagePrimary(router, dict, cache, nil, pair, true), 0, nil, true, log)
	sched.Translate.AddPreHook("translation_cache", cache)

	sched.Overlay = pipeline.NewStage(pipeline.StageOverlay, overlayStagePrimary(overlay), 0, nil, true, log)

	return pl
}

// TestScenarioCachePathHitsTranslationCacheAfterFirstFrame is S1: the
// first frame invokes the translation engine; every subsequent frame with
// identical text hits the Translation Cache, and the dictionary ends with
// exactly one learned entry.
func TestScenarioCachePathHitsTranslationCacheAfterFirstFrame(t *testing.T) {
	pair := pipeline.NewLanguagePair("en", "de")
	translator := &countingTranslator{translation: "Hallo", confidence: 0.95}
	ocr := &textOCR{text: "Hello", confidence: 0.95}
	capture := &fixedCapture{pixels: []byte{1, 2, 3, 4}}
	overlay := &recordingOverlay{}

	dict := dictionary.New(dictionary.DefaultOptions(t.TempDir()), nil)

	regionCfgs := []pipeline.RegionConfig{{W: 8, H: 8, FPS: 120}}
	pl := buildScenarioPipeline(t, regionCfgs, capture, map[pipeline.RegionId]regionOCR{0: {backend: ocr, engineName: "stub_ocr"}}, translator, dict, pair, overlay, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pl.Start(ctx))
	time.Sleep(300 * time.Millisecond)
	cancel()
	require.NoError(t, pl.Stop())

	assert.GreaterOrEqual(t, overlay.count(), 2, "must process more than one frame in the run window")
	assert.Equal(t, int64(1), atomic.LoadInt64(&translator.calls), "only the first frame should reach the translation engine")

	entry, found := dict.Lookup(pair, "Hello")
	require.True(t, found)
	assert.Equal(t, "Hallo", entry.Translation)
	assert.GreaterOrEqual(t, entry.Confidence, 0.95)
	assert.Equal(t, 1, dict.Count(pair))
}

// TestScenarioFrameSkipSuppressesUnchangedFrames is S2: with Frame Skip
// enabled against an unchanging capture source and min_skip_frames=1 (S2's
// explicit non-default override, so a single repeated frame is enough to
// start skipping), OCR and Translate are each invoked exactly once while
// Overlay still receives output for every scheduled frame (the reused
// translation).
func TestScenarioFrameSkipSuppressesUnchangedFrames(t *testing.T) {
	pair := pipeline.NewLanguagePair("en", "de")
	translator := &countingTranslator{translation: "Hallo", confidence: 0.95}
	ocr := &textOCR{text: "Hello", confidence: 0.95}
	capture := &fixedCapture{pixels: []byte{9, 9, 9, 9}}
	overlay := &recordingOverlay{}

	dict := dictionary.New(dictionary.DefaultOptions(t.TempDir()), nil)

	regionCfgs := []pipeline.RegionConfig{{W: 8, H: 8, FPS: 120}}
	frameSkipCfg := optimizer.DefaultFrameSkipConfig()
	frameSkipCfg.MinSkipFrames = 1
	pl := buildScenarioPipeline(t, regionCfgs, capture, map[pipeline.RegionId]regionOCR{0: {backend: ocr, engineName: "stub_ocr"}}, translator, dict, pair, overlay, &frameSkipCfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pl.Start(ctx))
	time.Sleep(150 * time.Millisecond)
	cancel()
	require.NoError(t, pl.Stop())

	assert.Equal(t, int64(1), atomic.LoadInt64(&ocr.calls), "frame skip must suppress all but the first OCR call")
	assert.Equal(t, int64(1), atomic.LoadInt64(&translator.calls), "frame skip must suppress all but the first translate call")
}

// TestScenarioTranslationChainRoutesThroughPivotAndLearns is S3: a
// ja->de pair with chain_mapping "ja->en->de" and no engine covering ja->de
// directly routes through the ja->en and en->de stub engines, learns all
// three dictionary entries, and tags the final TranslatedBlock
// chain-final.
func TestScenarioTranslationChainRoutesThroughPivotAndLearns(t *testing.T) {
	pair := pipeline.NewLanguagePair("ja", "de")
	ocr := &textOCR{text: "こんにちは", confidence: 0.95}
	capture := &fixedCapture{pixels: []byte{3, 3, 3, 3}}
	overlay := &recordingOverlay{}
	dict := dictionary.New(dictionary.DefaultOptions(t.TempDir()), nil)

	log := zap.NewNop().Sugar()
	regionCfgs := []pipeline.RegionConfig{{W: 8, H: 8, FPS: 30}}
	cfg := pipeline.Config{Mode: pipeline.ModeSequential, Regions: regionCfgs}
	pl, err := pipeline.NewPipeline(cfg, pipeline.NewRegistry(log), log)
	require.NoError(t, err)

	sched := pl.Scheduler()
	sched.Capture = pipeline.NewStage(pipeline.StageCapture, captureStagePrimary(capture), 0, nil, true, log)
	sched.OCR = pipeline.NewStage(pipeline.StageOCR, ocrStagePrimary(map[pipeline.RegionId]regionOCR{0: {backend: ocr, engineName: "stub_ocr"}}), 0, nil, true, log)

	router := pl.Router()
	jaEn := &pairValidatingTranslator{source: "ja", target: "en", translation: "Hello", confidence: 0.95}
	enDe := &pairValidatingTranslator{source: "en", target: "de", translation: "Hallo", confidence: 0.95}
	router.RegisterEngine("ja_en", jaEn)
	router.RegisterEngine("en_de", enDe)
	router.SetMapping(pipeline.NewLanguagePair("ja", "en"), "ja_en")
	router.SetMapping(pipeline.NewLanguagePair("en", "de"), "en_de")
	router.SetDefault("ja_en")

	chain := optimizer.NewTranslationChain(optimizer.TranslationChainConfig{
		Pivots:    map[pipeline.LanguagePair]string{pair: "en"},
		LearnHops: true,
	}, router, dict, log)

	cache := optimizer.NewTranslationCache(optimizer.DefaultTranslationCacheConfig(), pair)
	sched.Translate = pipeline.NewStage(pipeline.StageTranslate, translateStagePrimary(router, dict, cache, chain, pair, true), 0, nil, true, log)
	sched.Translate.AddPreHook("translation_cache", cache)

	sched.Overlay = pipeline.NewStage(pipeline.StageOverlay, overlayStagePrimary(overlay), 0, nil, true, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pl.Start(ctx))
	time.Sleep(80 * time.Millisecond)
	cancel()
	require.NoError(t, pl.Stop())

	require.Greater(t, overlay.count(), 0)

	jaEnPair := pipeline.NewLanguagePair("ja", "en")
	enDePair := pipeline.NewLanguagePair("en", "de")

	entryJaEn, found := dict.Lookup(jaEnPair, "こんにちは")
	require.True(t, found)
	assert.Equal(t, "Hello", entryJaEn.Translation)

	entryEnDe, found := dict.Lookup(enDePair, "Hello")
	require.True(t, found)
	assert.Equal(t, "Hallo", entryEnDe.Translation)

	entryFinal, found := dict.Lookup(pair, "こんにちは")
	require.True(t, found)
	assert.Equal(t, "Hallo", entryFinal.Translation)

	var sawChainFinal bool
	for i, frame := range overlay.frames {
		for _, b := range frame {
			if b.Text == "こんにちは" {
				if i == 0 {
					assert.Equal(t, pipeline.SourceChainFinal, b.Source)
					sawChainFinal = true
				} else {
					assert.Equal(t, pipeline.SourceDictionary, b.Source, "later frames are served from the learned ja->de entry")
				}
			}
		}
	}
	assert.True(t, sawChainFinal, "at least one TranslatedBlock must be tagged chain-final")
}

// TestScenarioRegionOCREngineOverrideTagsBlocksCorrectly is S6: a region
// with an OCR engine override must have every TextBlock it produces
// tagged with that engine id, never the other region's default.
func TestScenarioRegionOCREngineOverrideTagsBlocksCorrectly(t *testing.T) {
	pair := pipeline.NewLanguagePair("en", "de")
	translator := &countingTranslator{translation: "Hallo", confidence: 0.95}
	overlay := &recordingOverlay{}
	dict := dictionary.New(dictionary.DefaultOptions(t.TempDir()), nil)

	regionCfgs := []pipeline.RegionConfig{
		{W: 8, H: 8, FPS: 30, OCREngine: "paddle_ocr"},
		{W: 8, H: 8, FPS: 30},
	}
	capture := &fixedCapture{pixels: []byte{5, 5, 5, 5}}

	ocrA := &textOCR{text: "Hello A", confidence: 0.95}
	ocrB := &textOCR{text: "Hello B", confidence: 0.95}
	byRegion := map[pipeline.RegionId]regionOCR{
		0: {backend: ocrA, engineName: "paddle_ocr"},
		1: {backend: ocrB, engineName: "easy_ocr"},
	}

	pl := buildScenarioPipeline(t, regionCfgs, capture, byRegion, translator, dict, pair, overlay, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pl.Start(ctx))
	time.Sleep(150 * time.Millisecond)
	cancel()
	require.NoError(t, pl.Stop())

	require.Greater(t, overlay.count(), 0)
	for _, frame := range overlay.frames {
		for _, b := range frame {
			if b.Text == "Hello A" {
				assert.Equal(t, "paddle_ocr", b.OCREngine)
			}
			if b.Text == "Hello B" {
				assert.Equal(t, "easy_ocr", b.OCREngine)
			}
		}
	}
}
