/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package dictionary

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// schemaVersion is the on-disk file format version (§6). Bump and add a
// migration if the entry or header shape ever changes.
const schemaVersion = 1

// fileHeader is the metadata block written first in every pair file.
type fileHeader struct {
	SchemaVersion int                   `json:"schema_version"`
	Pair          pipeline.LanguagePair `json:"pair"`
	Created       time.Time             `json:"created"`
	Modified      time.Time             `json:"modified"`
	EntryCount    int                   `json:"entry_count"`
}

// fileRecord is the header plus the full entry sequence, serialized as a
// single JSON document and zstd-compressed on disk (§6).
type fileRecord struct {
	Header  fileHeader `json:"header"`
	Entries []Entry    `json:"entries"`
}

func pairFileName(pair pipeline.LanguagePair) string {
	src := strings.ReplaceAll(pair.Source, "/", "_")
	tgt := strings.ReplaceAll(pair.Target, "/", "_")
	return fmt.Sprintf("%s-%s.dict.zst", src, tgt)
}

func (d *SmartDictionary) pathFor(pair pipeline.LanguagePair) string {
	return filepath.Join(d.opts.Dir, pairFileName(pair))
}

// Save atomically writes pair's in-memory entries to disk: encode to JSON,
// compress with zstd, then write-to-temp-and-rename via renameio so a
// concurrent reader (or a crash mid-write) never observes a partial file
// (§6, §8 property: atomic persistence).
func (d *SmartDictionary) Save(pair pipeline.LanguagePair) error {
	ps := d.storeFor(pair)

	ps.mu.Lock()
	entries := make([]Entry, 0, len(ps.entries))
	for _, e := range ps.entries {
		entries = append(entries, *e)
	}
	header := fileHeader{
		SchemaVersion: schemaVersion,
		Pair:          pair,
		Created:       ps.created,
		Modified:      ps.modified,
		EntryCount:    len(entries),
	}
	ps.mu.Unlock()

	if err := os.MkdirAll(d.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("dictionary: create dir: %w", err)
	}

	t, err := renameio.NewPendingFile(d.pathFor(pair), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("dictionary: open temp file: %w", err)
	}
	defer t.Cleanup()

	zw, err := zstd.NewWriter(t)
	if err != nil {
		return fmt.Errorf("dictionary: open zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	if err := enc.Encode(fileRecord{Header: header, Entries: entries}); err != nil {
		zw.Close()
		return fmt.Errorf("dictionary: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("dictionary: close zstd writer: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("dictionary: atomic replace: %w", err)
	}

	ps.mu.Lock()
	ps.learnsSinceSave = 0
	ps.mu.Unlock()
	d.log.Debugw("dictionary saved", "pair", pair, "entries", len(entries))
	return nil
}

// Load reads pair's file from disk into memory, replacing any in-memory
// state for that pair. A missing file is not an error: a never-learned pair
// simply starts empty.
func (d *SmartDictionary) Load(pair pipeline.LanguagePair) error {
	rec, err := d.readFile(d.pathFor(pair))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	ps := newPairStore(d.opts.LRUSize)
	ps.created = rec.Header.Created
	ps.modified = rec.Header.Modified
	for i := range rec.Entries {
		e := rec.Entries[i]
		ps.entries[e.SourceText] = &e
	}

	d.mu.Lock()
	d.pairs[pair] = ps
	d.mu.Unlock()
	return nil
}

// LoadAll scans the configured directory for pair files and loads each one.
// Unparseable filenames are skipped with a warning rather than failing the
// whole load (§5: don't fail fast on individually-bad inputs).
func (d *SmartDictionary) LoadAll() error {
	entries, err := os.ReadDir(d.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("dictionary: read dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".dict.zst") {
			continue
		}
		rec, err := d.readFile(filepath.Join(d.opts.Dir, de.Name()))
		if err != nil {
			d.log.Warnw("dictionary: skipping unreadable pair file", "file", de.Name(), "error", err)
			continue
		}
		ps := newPairStore(d.opts.LRUSize)
		ps.created = rec.Header.Created
		ps.modified = rec.Header.Modified
		for i := range rec.Entries {
			e := rec.Entries[i]
			ps.entries[e.SourceText] = &e
		}
		d.mu.Lock()
		d.pairs[rec.Header.Pair] = ps
		d.mu.Unlock()
	}
	return nil
}

// SaveAll saves every pair currently held in memory.
func (d *SmartDictionary) SaveAll() error {
	for _, pair := range d.Pairs() {
		if err := d.Save(pair); err != nil {
			return err
		}
	}
	return nil
}

func (d *SmartDictionary) readFile(path string) (*fileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("dictionary: open zstd reader: %w", err)
	}
	defer zr.Close()

	var rec fileRecord
	if err := json.NewDecoder(zr).Decode(&rec); err != nil && err != io.EOF {
		return nil, fmt.Errorf("dictionary: decode: %w", err)
	}
	return &rec, nil
}

// Export serializes pair's current entries to a portable JSON document
// (uncompressed, for interchange outside the runtime's own storage format).
func (d *SmartDictionary) Export(pair pipeline.LanguagePair) ([]byte, error) {
	ps := d.storeFor(pair)
	ps.mu.Lock()
	entries := make([]Entry, 0, len(ps.entries))
	for _, e := range ps.entries {
		entries = append(entries, *e)
	}
	header := fileHeader{SchemaVersion: schemaVersion, Pair: pair, Created: ps.created, Modified: ps.modified, EntryCount: len(entries)}
	ps.mu.Unlock()

	return json.MarshalIndent(fileRecord{Header: header, Entries: entries}, "", "  ")
}

// Import loads a previously-Export-ed document into pair's store. ImportMode
// selects the conflict strategy (§4.4): Replace discards the current
// in-memory state first; Merge keeps, per conflicting source_text, the
// higher-confidence entry and sums use counts. Import is idempotent: running
// it twice with the same document yields the same end state (§8 property 6).
func (d *SmartDictionary) Import(pair pipeline.LanguagePair, data []byte, mode ImportMode) error {
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("dictionary: import decode: %w", err)
	}

	ps := d.storeFor(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if mode == ImportReplace {
		ps.entries = make(map[string]*Entry, len(rec.Entries))
		ps.lru.Purge()
		for i := range rec.Entries {
			e := rec.Entries[i]
			ps.entries[e.SourceText] = &e
		}
		ps.modified = time.Now()
		return nil
	}

	for i := range rec.Entries {
		incoming := rec.Entries[i]
		existing, ok := ps.entries[incoming.SourceText]
		if !ok {
			e := incoming
			ps.entries[incoming.SourceText] = &e
			continue
		}
		if incoming.Confidence > existing.Confidence {
			existing.Translation = incoming.Translation
			existing.Confidence = incoming.Confidence
			existing.SourceEngine = incoming.SourceEngine
		}
		existing.UseCount += incoming.UseCount
		if incoming.LastUsedAt.After(existing.LastUsedAt) {
			existing.LastUsedAt = incoming.LastUsedAt
		}
		ps.lru.Remove(incoming.SourceText)
	}
	ps.modified = time.Now()
	return nil
}
