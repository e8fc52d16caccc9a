/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

func TestSyntheticCaptureRepeatsUntilAdvanced(t *testing.T) {
	c := &SyntheticCapture{}
	require.NoError(t, c.Init(map[string]interface{}{"width": 8, "height": 8}))

	region := pipeline.Region{ID: 1}
	f1, err := c.Capture(context.Background(), region)
	require.NoError(t, err)
	f2, err := c.Capture(context.Background(), region)
	require.NoError(t, err)
	assert.Equal(t, f1.Pixels, f2.Pixels, "capture must be deterministic between Advance calls")

	c.Advance()
	f3, err := c.Capture(context.Background(), region)
	require.NoError(t, err)
	assert.NotEqual(t, f1.Pixels, f3.Pixels, "Advance must change captured content")
}

func TestEchoOCRReturnsOneFullFrameBlock(t *testing.T) {
	e := &EchoOCR{}
	require.NoError(t, e.Init(map[string]interface{}{"text": "konnichiwa"}))
	blocks, err := e.Extract(context.Background(), pipeline.Frame{Width: 10, Height: 20})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "konnichiwa", blocks[0].Text)
	assert.Equal(t, pipeline.Rect{W: 10, H: 20}, blocks[0].Bounds)
}

func TestUppercaseTranslatorIsDeterministic(t *testing.T) {
	u := &UppercaseTranslator{}
	require.NoError(t, u.Init(nil))
	out, conf, err := u.Translate(context.Background(), "hello", "en", "ja")
	require.NoError(t, err)
	assert.Equal(t, "[ja] HELLO", out)
	assert.Greater(t, conf, 0.0)
}

func TestLogOverlayRendersWithoutPanicOnNilLogger(t *testing.T) {
	o := &LogOverlay{}
	require.NoError(t, o.Init(nil))
	ok := o.Render(context.Background(), []pipeline.TranslatedBlock{
		{TextBlock: pipeline.TextBlock{Text: "hi"}, Translated: "HI"},
	})
	assert.True(t, ok)
}
