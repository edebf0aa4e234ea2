/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/upload"
)

func testImage(w, h int) image.Image {
	im := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x ^ y), A: 255})
		}
	}
	return im
}

func writePNG(t *testing.T, im image.Image) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, im))
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0600))
	return p
}

func TestNormalizeSmallImageIsPNG(t *testing.T) {
	n := &Normalizer{TempDir: t.TempDir()}
	src := writePNG(t, testImage(100, 80))

	res, err := n.Normalize(context.Background(), src, profile.FileConstraints{})
	require.NoError(t, err)
	defer os.Remove(res.Path)

	assert.Equal(t, "image/png", res.MIME)
	assert.Equal(t, "png", res.Ext)
	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 80, res.Height)

	raw, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	_, format, err := image.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestNormalizeLargeImageIsJPEG(t *testing.T) {
	n := &Normalizer{TempDir: t.TempDir()}
	src := writePNG(t, testImage(800, 700)) // above the lossless pixel cap

	res, err := n.Normalize(context.Background(), src, profile.FileConstraints{})
	require.NoError(t, err)
	defer os.Remove(res.Path)

	assert.Equal(t, "image/jpeg", res.MIME)
	assert.Equal(t, "jpg", res.Ext)
}

func TestNormalizeStripsMetadata(t *testing.T) {
	// A JPEG with an EXIF APP1 block re-encodes without one.
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(20, 20), nil))
	raw := buf.Bytes()
	exifBlock := append([]byte{0xff, 0xe1, 0x00, 0x0c}, []byte("Exif\x00\x00test")...)
	withExif := append(append([]byte{}, raw[:2]...), append(exifBlock, raw[2:]...)...)

	p := filepath.Join(t.TempDir(), "in.jpg")
	require.NoError(t, os.WriteFile(p, withExif, 0600))

	n := &Normalizer{TempDir: t.TempDir()}
	res, err := n.Normalize(context.Background(), p, profile.FileConstraints{})
	require.NoError(t, err)
	defer os.Remove(res.Path)

	out, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "Exif\x00\x00")
}

func TestNormalizeRejectsDeclaredOversize(t *testing.T) {
	n := &Normalizer{TempDir: t.TempDir()}
	src := writePNG(t, testImage(64, 64))

	_, err := n.Normalize(context.Background(), src, profile.FileConstraints{MaxWidth: 32, MaxHeight: 32})
	require.Error(t, err)
	assert.Equal(t, upload.KindNormalizationFailed, upload.KindOf(err))
}

func TestNormalizeGarbageInput(t *testing.T) {
	p := filepath.Join(t.TempDir(), "junk.png")
	require.NoError(t, os.WriteFile(p, []byte("not an image at all"), 0600))

	n := &Normalizer{TempDir: t.TempDir()}
	_, err := n.Normalize(context.Background(), p, profile.FileConstraints{})
	assert.Equal(t, upload.KindNormalizationFailed, upload.KindOf(err))
}

// Normalizing an already-normalized PNG must be byte-stable, so repeat
// uploads of the same canonical file hash identically.
func TestNormalizePNGIdempotent(t *testing.T) {
	n := &Normalizer{TempDir: t.TempDir()}
	src := writePNG(t, testImage(120, 90))

	first, err := n.Normalize(context.Background(), src, profile.FileConstraints{})
	require.NoError(t, err)
	defer os.Remove(first.Path)

	second, err := n.Normalize(context.Background(), first.Path, profile.FileConstraints{})
	require.NoError(t, err)
	defer os.Remove(second.Path)

	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRotateSwapsDimensions(t *testing.T) {
	im := rotate(testImage(30, 10), 90)
	b := im.Bounds()
	assert.Equal(t, 10, b.Dx())
	assert.Equal(t, 30, b.Dy())
}

func TestFlipHorizontal(t *testing.T) {
	im := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	im.Set(0, 0, color.NRGBA{R: 255, A: 255})
	im.Set(1, 0, color.NRGBA{B: 255, A: 255})

	out := flip(im, FlipHorizontal)
	r, _, _, _ := out.At(0, 0).RGBA()
	assert.Zero(t, r)
	r, _, _, _ = out.At(1, 0).RGBA()
	assert.NotZero(t, r)
}

func TestResizePreservesAspect(t *testing.T) {
	out := Resize(testImage(400, 200), 100, 100)
	b := out.Bounds()
	assert.Equal(t, 100, b.Dx())
	assert.Equal(t, 50, b.Dy())
}

func TestResizeNoUpscale(t *testing.T) {
	im := testImage(40, 40)
	out := Resize(im, 100, 100)
	assert.Equal(t, im.Bounds(), out.Bounds())
}

func TestEncodeConversionKeepsPNGFamily(t *testing.T) {
	src := writePNG(t, testImage(200, 200))
	data, ext, err := EncodeConversion(src, 64, 64)
	require.NoError(t, err)
	assert.Equal(t, "png", ext)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 64, cfg.Height)
}
