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

// Package imaging re-encodes accepted images into a canonical format.
// The re-encode is the metadata strip: the output carries no EXIF, XMP
// or ICC payloads. EXIF orientation is honored before it is dropped,
// so a rotated phone photo stays upright.
package imaging

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"

	_ "image/gif"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"

	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/upload"
)

// losslessMaxPixels is the pixel count up to which the canonical
// format is lossless PNG; larger images re-encode to JPEG.
const losslessMaxPixels = 512 * 512

// jpegQuality is fixed so that normalization is deterministic.
const jpegQuality = 85

// Normalized describes the canonical re-encode of one image.
type Normalized struct {
	Path   string // fresh temporary file holding the normalized bytes
	Width  int
	Height int
	MIME   string // image/png or image/jpeg
	Ext    string // png or jpg
}

// FlipDirection indicates how flip mirrors an image.
type FlipDirection int

const (
	FlipVertical FlipDirection = 1 << iota
	FlipHorizontal
)

// Normalizer re-encodes images within a profile's bounds.
type Normalizer struct {
	// TempDir receives normalized files; empty means os.TempDir.
	TempDir string
}

// Normalize decodes the image at srcPath within cs's bounds, applies
// the EXIF orientation, strips metadata by re-encoding into the
// canonical format, and writes the result to a fresh temp file.
func (n *Normalizer) Normalize(ctx context.Context, srcPath string, cs profile.FileConstraints) (*Normalized, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}

	// Bounded decode: check declared dimensions before allocating.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}
	if (cs.MaxWidth > 0 && cfg.Width > cs.MaxWidth) || (cs.MaxHeight > 0 && cfg.Height > cs.MaxHeight) {
		return nil, upload.Ef(upload.KindNormalizationFailed, "declared %dx%d exceeds bounds", cfg.Width, cfg.Height)
	}

	im, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}

	angle, flipMode := exifOrientation(raw)
	im = flip(rotate(im, angle), flipMode)

	out, err := os.CreateTemp(n.TempDir, "normalized-*")
	if err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}
	success := false
	defer func() {
		if !success {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	b := im.Bounds()
	res := &Normalized{Path: out.Name(), Width: b.Dx(), Height: b.Dy()}
	if b.Dx()*b.Dy() <= losslessMaxPixels {
		res.MIME, res.Ext = "image/png", "png"
		err = png.Encode(out, im)
	} else {
		res.MIME, res.Ext = "image/jpeg", "jpg"
		err = jpeg.Encode(out, im, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}
	if err := out.Close(); err != nil {
		return nil, upload.E(upload.KindNormalizationFailed, err)
	}
	success = true
	return res, nil
}

// exifOrientation maps the EXIF Orientation tag of raw onto a rotation
// angle and flip direction. Absent or invalid EXIF means no change.
func exifOrientation(raw []byte) (angle int, flipMode FlipDirection) {
	ex, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0, 0
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return 0, 0
	}
	orient, err := tag.Int(0)
	if err != nil {
		return 0, 0
	}
	switch orient {
	case 2:
		flipMode = FlipHorizontal
	case 3:
		angle = 180
	case 4:
		angle = 180
		flipMode = FlipHorizontal
	case 5:
		angle = -90
		flipMode = FlipHorizontal
	case 6:
		angle = -90
	case 7:
		angle = 90
		flipMode = FlipHorizontal
	case 8:
		angle = 90
	}
	return angle, flipMode
}

func rotate(im image.Image, angle int) image.Image {
	var rotated *image.NRGBA
	// trigonometric (i.e. counter clock-wise)
	switch angle {
	case 90:
		newH, newW := im.Bounds().Dx(), im.Bounds().Dy()
		rotated = image.NewNRGBA(image.Rect(0, 0, newW, newH))
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				rotated.Set(x, y, im.At(newH-1-y, x))
			}
		}
	case -90:
		newH, newW := im.Bounds().Dx(), im.Bounds().Dy()
		rotated = image.NewNRGBA(image.Rect(0, 0, newW, newH))
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				rotated.Set(x, y, im.At(y, newW-1-x))
			}
		}
	case 180, -180:
		newW, newH := im.Bounds().Dx(), im.Bounds().Dy()
		rotated = image.NewNRGBA(image.Rect(0, 0, newW, newH))
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				rotated.Set(x, y, im.At(newW-1-x, newH-1-y))
			}
		}
	default:
		return im
	}
	return rotated
}

func flip(im image.Image, dir FlipDirection) image.Image {
	if dir == 0 {
		return im
	}
	b := im.Bounds()
	flipped := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			sx, sy := x, y
			if dir&FlipHorizontal != 0 {
				sx = b.Dx() - 1 - x
			}
			if dir&FlipVertical != 0 {
				sy = b.Dy() - 1 - y
			}
			flipped.Set(x, y, im.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return flipped
}
