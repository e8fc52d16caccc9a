/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const testConfig = `
[pipeline]
mode = "sequential"
fps = 30

[[regions]]
monitor = 0
x = 0
y = 0
w = 32
h = 32
fps = 30

[translation]
source_language = "en"
target_language = "ja"

[dictionary]
auto_learn = true
min_confidence = 0.5
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "screenlingod.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunValidateAcceptsAWellFormedConfig(t *testing.T) {
	logger = zap.NewNop().Sugar()
	configPath = writeTestConfig(t)
	defer func() { configPath = "" }()

	if err := runValidate(&cobra.Command{}, nil); err != nil {
		t.Fatalf("runValidate failed: %v", err)
	}
}

func TestRunValidateRejectsMissingFile(t *testing.T) {
	logger = zap.NewNop().Sugar()
	configPath = filepath.Join(t.TempDir(), "missing.toml")
	defer func() { configPath = "" }()

	if err := runValidate(&cobra.Command{}, nil); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBuildRuntimeWiresAllStagesAgainstBuiltinBackends(t *testing.T) {
	path := writeTestConfig(t)
	rt, err := buildRuntime(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("buildRuntime failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.pipeline.Start(ctx); err != nil {
		t.Fatalf("pipeline failed to start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := rt.pipeline.Stop(); err != nil {
		t.Fatalf("pipeline failed to stop: %v", err)
	}
	if err := rt.dict.SaveAll(); err != nil {
		t.Fatalf("dictionary save failed: %v", err)
	}
}
