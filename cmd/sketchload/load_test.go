package main

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyPNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 6, 4))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SKETCH_LOG_LEVEL", "error")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestLoadCmd(t *testing.T) {
	out, err := runCmd(t, "load", "--repeat", "2", "--width", "3", "--height", "2", "--precision", "exactly", tinyPNG(t))
	require.NoError(t, err)

	assert.Contains(t, out, "3x2 (source 6x4 image/png) from MEMORY")
	assert.Contains(t, out, "from MEMORY_CACHE")
	assert.Contains(t, out, "applied: Resize(3x2,EXACTLY,CENTER_CROP)")
	assert.Contains(t, out, "requests: 2")
}

func TestLoadCmd_Failures(t *testing.T) {
	out, err := runCmd(t, "load", "gopher://nowhere")
	require.Error(t, err)
	assert.Contains(t, out, "gopher://nowhere:")

	_, err = runCmd(t, "load", "--depth", "deep", tinyPNG(t))
	assert.ErrorContains(t, err, "unknown depth")
}

func TestClearCmd_NoCacheDir(t *testing.T) {
	out, err := runCmd(t, "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "no cache directory configured")
}
