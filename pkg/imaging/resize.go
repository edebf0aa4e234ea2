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
	"image"
	"image/jpeg"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
)

// Resize scales im to fit within maxW x maxH, preserving the aspect
// ratio. Images already within bounds are returned unchanged.
func Resize(im image.Image, maxW, maxH int) image.Image {
	b := im.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return im
	}
	// Scale by the tighter constraint.
	nw, nh := maxW, h*maxW/w
	if nh > maxH {
		nw, nh = w*maxH/h, maxH
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), im, b, xdraw.Over, nil)
	return dst
}

// EncodeConversion resizes the normalized image at srcPath to fit
// maxW x maxH and returns the encoded derived artifact in the same
// format family as the source (png stays png, everything else jpeg).
func EncodeConversion(srcPath string, maxW, maxH int) ([]byte, string, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, "", err
	}
	im, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	im = Resize(im, maxW, maxH)

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, im); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "png", nil
	}
	if err := jpeg.Encode(&buf, im, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "jpg", nil
}
