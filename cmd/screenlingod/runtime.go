/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/OptikR/OptikR-sub004/backend"
	"github.com/OptikR/OptikR-sub004/dictionary"
	"github.com/OptikR/OptikR-sub004/optimizer"
	"github.com/OptikR/OptikR-sub004/pipeline"
)

// defaultPair is used when a configuration file leaves
// translation.source_language/target_language unset, so `run`/`validate`
// stay usable against the built-in stub backends without any TOML at all.
var defaultPair = pipeline.NewLanguagePair("en", "ja")

// runtime holds everything main.go's run/validate handlers need once a
// configuration file has been loaded and wired into a Pipeline.
type runtime struct {
	pipeline *pipeline.Pipeline
	runID    string
	dict     *dictionary.SmartDictionary
}

func loadConfig(path string) (*pipeline.LoadedConfig, error) {
	loaded, err := pipeline.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return loaded, nil
}

// buildRuntime loads configuration, constructs the dictionary, registry,
// and Pipeline, and wires the built-in stub plugins plus the §4.5
// optimizer hooks onto the Scheduler's stages before handing back a
// runtime ready for Start.
func buildRuntime(path string, log *zap.SugaredLogger) (*runtime, error) {
	loaded, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	pair := loaded.DefaultPair
	if pair.Source == "" || pair.Target == "" {
		pair = defaultPair
	}

	dict, err := buildDictionary(path, loaded, log)
	if err != nil {
		return nil, fmt.Errorf("build dictionary: %w", err)
	}

	registry := pipeline.NewRegistry(log, loaded.PluginDirs...)
	if len(loaded.PluginDirs) > 0 {
		if _, errs := registry.Discover(); len(errs) > 0 {
			for _, e := range errs {
				log.Warnw("plugin discovery error", "error", e)
			}
		}
	}

	pl, err := pipeline.NewPipeline(loaded.Config, registry, log)
	if err != nil {
		return nil, fmt.Errorf("construct pipeline: %w", err)
	}

	if err := wireStages(pl, registry, loaded, dict, pair, log); err != nil {
		return nil, fmt.Errorf("wire stages: %w", err)
	}

	return &runtime{pipeline: pl, runID: loaded.RunID, dict: dict}, nil
}

// buildDictionary constructs and loads the SmartDictionary from a
// directory alongside the configuration file, applying the
// dictionary.* settings LoadConfig decoded.
func buildDictionary(configPath string, loaded *pipeline.LoadedConfig, log *zap.SugaredLogger) (*dictionary.SmartDictionary, error) {
	dir := filepath.Join(filepath.Dir(configPath), "dictionaries")
	opts := dictionary.DefaultOptions(dir)
	if loaded.DictMinConf > 0 {
		opts.LearnThreshold = loaded.DictMinConf
	}
	if loaded.DictAutosaveN > 0 {
		opts.AutosaveEveryNLearns = loaded.DictAutosaveN
	}
	opts.Unlimited = loaded.DictUnlimited
	opts.MaxEntries = loaded.DictMaxEntries

	dict := dictionary.New(opts, log)
	if err := dict.LoadAll(); err != nil {
		return nil, err
	}
	return dict, nil
}

// wireStages assigns backend-wrapped PrimaryFuncs and optimizer hooks onto
// the scheduler's Capture, OCR, Translate and Overlay stages (§3, §4.5);
// Preprocess and Validate are left nil. It prefers a registry-loaded
// plugin named after the configured engine and falling back to the
// deterministic backend stubs so the pipeline always has something to run.
func wireStages(pl *pipeline.Pipeline, registry *pipeline.Registry, loaded *pipeline.LoadedConfig, dict *dictionary.SmartDictionary, pair pipeline.LanguagePair, log *zap.SugaredLogger) error {
	sched := pl.Scheduler()
	breakerOpts := pipeline.DefaultBreakerOptions()

	captureBackend := resolveCaptureBackend(registry, log)
	captureBreaker := pipeline.NewBreaker("capture", breakerOpts)
	sched.Capture = pipeline.NewStage(pipeline.StageCapture, captureStagePrimary(captureBackend), 0, captureBreaker, true, log)
	sched.Capture.AddPostHook("frame_skip", optimizer.NewFrameSkip(optimizer.DefaultFrameSkipConfig()))
	sched.Capture.SetRestartPolicy(pipeline.DefaultRestartPolicy())
	pl.AttachBreaker(pipeline.StageCapture, captureBreaker)

	ocrByRegion := resolveOCRBackendsByRegion(registry, pl.Regions(), loaded.DefaultOCREngine, log)
	ocrBreaker := pipeline.NewBreaker("ocr", breakerOpts)
	sched.OCR = pipeline.NewStage(pipeline.StageOCR, ocrStagePrimary(ocrByRegion), 0, ocrBreaker, true, log)
	sched.OCR.AddPostHook("text_validator", optimizer.NewTextValidator(optimizer.DefaultTextValidatorConfig()))
	sched.OCR.AddPostHook("text_block_merger", optimizer.NewTextBlockMerger(optimizer.DefaultTextBlockMergerConfig()))
	sched.OCR.SetRestartPolicy(pipeline.DefaultRestartPolicy())
	pl.AttachBreaker(pipeline.StageOCR, ocrBreaker)

	router := pl.Router()
	registerTranslationEngines(router, registry, loaded, log)
	translateCache := optimizer.NewTranslationCache(optimizer.DefaultTranslationCacheConfig(), pair)
	var chain *optimizer.TranslationChain
	if len(loaded.ChainPivots) > 0 {
		chain = optimizer.NewTranslationChain(optimizer.TranslationChainConfig{
			Pivots:    loaded.ChainPivots,
			LearnHops: true,
		}, router, dict, log)
	}
	translateBreaker := pipeline.NewBreaker("translate", breakerOpts)
	sched.Translate = pipeline.NewStage(pipeline.StageTranslate,
		translateStagePrimary(router, dict, translateCache, chain, pair, loaded.DictAutoLearn), 0, translateBreaker, false, log)
	sched.Translate.AddPreHook("translation_cache", translateCache)
	sched.Translate.SetRestartPolicy(pipeline.DefaultRestartPolicy())
	pl.AttachBreaker(pipeline.StageTranslate, translateBreaker)

	sched.AddGlobalHook("priority_queue", optimizer.NewPriorityQueue(optimizer.DefaultPriorityQueueConfig()))

	overlayBackend := resolveOverlayBackend(registry, log)
	overlayBreaker := pipeline.NewBreaker("overlay", breakerOpts)
	sched.Overlay = pipeline.NewStage(pipeline.StageOverlay, overlayStagePrimary(overlayBackend), 0, overlayBreaker, true, log)
	sched.Overlay.SetRestartPolicy(pipeline.DefaultRestartPolicy())
	pl.AttachBreaker(pipeline.StageOverlay, overlayBreaker)

	return nil
}

func resolveCaptureBackend(registry *pipeline.Registry, log *zap.SugaredLogger) pipeline.CaptureBackend {
	if inst := findInstance(registry, pipeline.KindCapture); inst != nil {
		if cb, ok := inst.Backend.(pipeline.CaptureBackend); ok {
			return cb
		}
	}
	cb := &backend.SyntheticCapture{}
	if err := cb.Init(nil); err != nil {
		log.Warnw("synthetic capture init failed", "error", err)
	}
	return cb
}

func resolveOCRBackend(registry *pipeline.Registry, engineName string, log *zap.SugaredLogger) pipeline.OCRBackend {
	if engineName != "" {
		if inst, ok := registry.Instance(engineName); ok {
			if ob, ok := inst.Backend.(pipeline.OCRBackend); ok {
				return ob
			}
		}
	}
	if inst := findInstance(registry, pipeline.KindOCR); inst != nil {
		if ob, ok := inst.Backend.(pipeline.OCRBackend); ok {
			return ob
		}
	}
	ob := &backend.EchoOCR{}
	if err := ob.Init(nil); err != nil {
		log.Warnw("echo OCR init failed", "error", err)
	}
	return ob
}

// regionOCR pairs a resolved backend with the engine name it was resolved
// under, so ocrStagePrimary can tag every TextBlock with the engine that
// actually produced it (§4.8) even when the backend itself doesn't know
// its configured name (e.g. the shared echo_ocr stub).
type regionOCR struct {
	backend    pipeline.OCRBackend
	engineName string
}

// resolveOCRBackendsByRegion resolves one OCR backend per enabled region,
// honoring each Region's OCREngine override (§4.8) and falling back to
// defaultEngine (or the built-in echo_ocr stub) when a region declares
// none. Engines are resolved once at wiring time and looked up by
// RegionId on the hot path.
func resolveOCRBackendsByRegion(registry *pipeline.Registry, regions *pipeline.RegionSet, defaultEngine string, log *zap.SugaredLogger) map[pipeline.RegionId]regionOCR {
	resolved := make(map[string]pipeline.OCRBackend)
	byRegion := make(map[pipeline.RegionId]regionOCR)
	for _, region := range regions.All() {
		engineName := region.OCREngine
		if engineName == "" {
			engineName = defaultEngine
		}
		ob, ok := resolved[engineName]
		if !ok {
			ob = resolveOCRBackend(registry, engineName, log)
			resolved[engineName] = ob
		}
		name := engineName
		if name == "" {
			name = "echo_ocr"
		}
		byRegion[region.ID] = regionOCR{backend: ob, engineName: name}
	}
	return byRegion
}

// resolveOverlayBackend always returns the built-in logging overlay: §6's
// plugin kind sum type has no "overlay" variant, since rendering is treated
// as a fixed collaborator rather than a swappable plugin kind.
func resolveOverlayBackend(registry *pipeline.Registry, log *zap.SugaredLogger) pipeline.OverlayRenderer {
	return backend.NewLogOverlay(log)
}

// registerTranslationEngines loads every discovered translation plugin onto
// the router, plus the always-available uppercase_translator fallback, and
// applies the configured engine_mapping/default.
func registerTranslationEngines(router *pipeline.TranslationRouter, registry *pipeline.Registry, loaded *pipeline.LoadedConfig, log *zap.SugaredLogger) {
	fallback := &backend.UppercaseTranslator{}
	_ = fallback.Init(nil)
	router.RegisterEngine("uppercase_translator", fallback)

	for _, inst := range loadAllOfKind(registry, pipeline.KindTranslation) {
		if tb, ok := inst.Backend.(pipeline.TranslationBackend); ok {
			router.RegisterEngine(inst.Descriptor.Name, tb)
		}
	}

	for pair, name := range loaded.EngineMapping {
		router.SetMapping(pair, name)
	}
	if loaded.DefaultEngine != "" {
		router.SetDefault(loaded.DefaultEngine)
	} else {
		router.SetDefault("uppercase_translator")
	}
}

// findInstance loads (if not already loaded) and returns the first
// discovered plugin of the given kind, or nil if none is discovered.
func findInstance(registry *pipeline.Registry, kind pipeline.PluginKind) *pipeline.PluginInstance {
	insts := loadAllOfKind(registry, kind)
	if len(insts) == 0 {
		return nil
	}
	return insts[0]
}

func loadAllOfKind(registry *pipeline.Registry, kind pipeline.PluginKind) []*pipeline.PluginInstance {
	var out []*pipeline.PluginInstance
	for _, name := range registry.DiscoveredNames(kind) {
		inst, ok := registry.Instance(name)
		if !ok {
			var err error
			inst, err = registry.Load(name, nil)
			if err != nil {
				continue
			}
		}
		out = append(out, inst)
	}
	return out
}

func captureStagePrimary(cb pipeline.CaptureBackend) pipeline.PrimaryFunc {
	return func(ctx context.Context, item interface{}) (interface{}, error) {
		region, ok := item.(pipeline.Region)
		if !ok {
			return nil, fmt.Errorf("capture stage: unexpected item type %T", item)
		}
		frame, err := cb.Capture(ctx, region)
		if err != nil {
			return nil, err
		}
		return pipeline.CaptureItem{Frame: frame}, nil
	}
}

// ocrStagePrimary dispatches each Frame to the OCR backend resolved for its
// RegionID, then stamps the resulting TextBlocks with that region's engine
// name so an override (§4.8) is visible on the output regardless of what
// the backend itself reports.
func ocrStagePrimary(byRegion map[pipeline.RegionId]regionOCR) pipeline.PrimaryFunc {
	return func(ctx context.Context, item interface{}) (interface{}, error) {
		frame, ok := item.(pipeline.Frame)
		if !ok {
			return nil, fmt.Errorf("OCR stage: unexpected item type %T", item)
		}
		resolved, ok := byRegion[frame.RegionID]
		if !ok {
			return nil, fmt.Errorf("OCR stage: no engine resolved for region %d", frame.RegionID)
		}
		blocks, err := resolved.backend.Extract(ctx, frame)
		if err != nil {
			return nil, err
		}
		for i := range blocks {
			blocks[i].OCREngine = resolved.engineName
		}
		return blocks, nil
	}
}

// translateStagePrimary consults the dictionary ahead of the router (a
// learned translation never costs an engine call), learns the engine's
// result when auto-learn is on, and hands every batch to cache.Remember.
// translateStagePrimary builds the Translate stage's primary: a dictionary
// lookup, then the router's direct engine, then (when chain is non-nil and
// a pivot is configured for pair) the Translation Chain as a last resort for
// pairs no single registered engine covers directly (§4.5, S3). chain may be
// nil, in which case uncovered pairs simply drop the block, matching the
// pre-chain behavior.
func translateStagePrimary(router *pipeline.TranslationRouter, dict *dictionary.SmartDictionary, cache *optimizer.TranslationCache, chain *optimizer.TranslationChain, pair pipeline.LanguagePair, autoLearn bool) pipeline.PrimaryFunc {
	return func(ctx context.Context, item interface{}) (interface{}, error) {
		blocks, ok := item.([]pipeline.TextBlock)
		if !ok {
			return nil, fmt.Errorf("translate stage: unexpected item type %T", item)
		}
		out := make([]pipeline.TranslatedBlock, 0, len(blocks))
		for _, b := range blocks {
			if entry, found := dict.Lookup(pair, b.Text); found {
				out = append(out, pipeline.TranslatedBlock{
					TextBlock:       b,
					Translated:      entry.Translation,
					TransConfidence: entry.Confidence,
					TransEngine:     entry.SourceEngine,
					Source:          pipeline.SourceDictionary,
				})
				continue
			}

			translation, confidence, engine, err := router.Translate(ctx, b.Text, pair)
			if err != nil {
				if chain == nil {
					continue
				}
				if _, chainable := chain.Pivot(pair); !chainable {
					continue
				}
				chained, chainedConf, chainEngine, chainErr := chain.Translate(ctx, b.Text, pair)
				if chainErr != nil {
					continue
				}
				out = append(out, pipeline.TranslatedBlock{
					TextBlock:       b,
					Translated:      chained,
					TransConfidence: chainedConf,
					TransEngine:     chainEngine,
					Source:          pipeline.SourceChainFinal,
				})
				continue
			}
			if autoLearn && dict.Learn(pair, b.Text, translation, confidence, engine) {
				_ = dict.MaybeAutosave(pair)
			}
			out = append(out, pipeline.TranslatedBlock{
				TextBlock:       b,
				Translated:      translation,
				TransConfidence: confidence,
				TransEngine:     engine,
				Source:          pipeline.SourceEngine,
			})
		}
		cache.Remember(out)
		return out, nil
	}
}

func overlayStagePrimary(or pipeline.OverlayRenderer) pipeline.PrimaryFunc {
	return func(ctx context.Context, item interface{}) (interface{}, error) {
		blocks, ok := item.([]pipeline.TranslatedBlock)
		if !ok {
			return nil, fmt.Errorf("overlay stage: unexpected item type %T", item)
		}
		if !or.Render(ctx, blocks) {
			return nil, fmt.Errorf("overlay render reported failure")
		}
		return blocks, nil
	}
}
