/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

// Region is a configured capture region: a rectangle on one monitor, plus
// per-region engine overrides for OCR and translation.
type Region struct {
	ID              RegionId
	Monitor         int
	Rect            Rect
	DisplayName     string
	Enabled         bool
	OCREngine       string // overrides the default OCR plugin when non-empty
	TranslationName string // overrides the default translation plugin when non-empty
	FPS             int
}

// RegionConfig is the TOML-decodable shape for a single `[[regions]]` entry.
type RegionConfig struct {
	Monitor     int    `toml:"monitor"`
	X           int    `toml:"x"`
	Y           int    `toml:"y"`
	W           int    `toml:"w"`
	H           int    `toml:"h"`
	DisplayName string `toml:"display_name"`
	Enabled     *bool  `toml:"enabled"`
	OCREngine   string `toml:"ocr_engine"`
	Translation string `toml:"translation_engine"`
	FPS         int    `toml:"fps"`
}

// ToRegion validates and converts a RegionConfig into a Region carrying the
// given id. Invalid rectangles (zero or negative extents) produce a
// ConfigurationError.
func (rc RegionConfig) ToRegion(id RegionId) (Region, error) {
	if rc.W <= 0 || rc.H <= 0 {
		return Region{}, newConfigErr("region %d: rectangle must have positive width and height", id)
	}
	enabled := true
	if rc.Enabled != nil {
		enabled = *rc.Enabled
	}
	fps := rc.FPS
	if fps <= 0 {
		fps = 10
	} else if err := validateFPS(fps); err != nil {
		return Region{}, newConfigErr("region %d: %s", id, err)
	}
	return Region{
		ID:              id,
		Monitor:         rc.Monitor,
		Rect:            Rect{X: rc.X, Y: rc.Y, W: rc.W, H: rc.H},
		DisplayName:     rc.DisplayName,
		Enabled:         enabled,
		OCREngine:       rc.OCREngine,
		TranslationName: rc.Translation,
		FPS:             fps,
	}, nil
}

// RegionSet holds the runtime set of configured Regions, indexed by id and
// preserving declaration order for Sequential mode's round-robin
// interleaving.
type RegionSet struct {
	ordered []Region
	byID    map[RegionId]*Region
}

// NewRegionSet builds a RegionSet from the decoded TOML region configs.
func NewRegionSet(configs []RegionConfig) (*RegionSet, error) {
	rs := &RegionSet{byID: make(map[RegionId]*Region, len(configs))}
	for i, rc := range configs {
		region, err := rc.ToRegion(RegionId(i))
		if err != nil {
			return nil, err
		}
		rs.ordered = append(rs.ordered, region)
	}
	for i := range rs.ordered {
		rs.byID[rs.ordered[i].ID] = &rs.ordered[i]
	}
	return rs, nil
}

// All returns the regions in declaration order.
func (rs *RegionSet) All() []Region {
	return rs.ordered
}

// Enabled returns only the regions with Enabled == true, in declaration
// order.
func (rs *RegionSet) Enabled() []Region {
	out := make([]Region, 0, len(rs.ordered))
	for _, r := range rs.ordered {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Get looks up a region by id.
func (rs *RegionSet) Get(id RegionId) (Region, bool) {
	r, ok := rs.byID[id]
	if !ok {
		return Region{}, false
	}
	return *r, true
}

// OCREngineFor returns the per-region OCR engine override, or fallback if
// the region has none configured.
func (rs *RegionSet) OCREngineFor(id RegionId, fallback string) string {
	if r, ok := rs.byID[id]; ok && r.OCREngine != "" {
		return r.OCREngine
	}
	return fallback
}

// TranslationEngineFor returns the per-region translation engine override,
// or fallback if the region has none configured.
func (rs *RegionSet) TranslationEngineFor(id RegionId, fallback string) string {
	if r, ok := rs.byID[id]; ok && r.TranslationName != "" {
		return r.TranslationName
	}
	return fallback
}
