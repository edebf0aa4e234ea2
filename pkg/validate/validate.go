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

// Package validate runs the ordered admission checks over a raw upload
// already sitting in quarantine: size, sniffed MIME, extension, magic
// signature, polyglot guard, suspicious-payload scan, and image
// dimension bounds.
//
// The checks run in that exact order and the first failure wins. The
// file is always addressed by its quarantine path; client-supplied
// bytes or names are never trusted.
package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"sluice.dev/pkg/magic"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/upload"
)

const (
	headerLen  = 512
	payloadLen = 64 << 10
)

// Context carries the request metadata the validator needs for
// logging. The raw filename never reaches the log; only its hash does.
type Context struct {
	ProfileID     string
	CorrelationID string
	Filename      string
	IsImage       bool
}

// Validator performs the admission checks. The zero value is not
// usable; construct with New.
type Validator struct {
	security *zap.Logger

	mu    sync.Mutex
	rxMap map[string]*regexp.Regexp // pattern -> compiled, nil if invalid
}

// New returns a Validator writing rejections to the security log.
func New(log *zap.Logger) *Validator {
	return &Validator{
		security: log.Named("security"),
		rxMap:    make(map[string]*regexp.Regexp),
	}
}

// Validate checks the file at path against cs. It returns nil on
// acceptance or an upload.Error carrying the rejection kind.
func (v *Validator) Validate(path string, cs profile.FileConstraints, vctx Context) error {
	if err := v.validate(path, cs, vctx); err != nil {
		v.logRejection(err, vctx)
		return err
	}
	return nil
}

func (v *Validator) validate(path string, cs profile.FileConstraints, vctx Context) error {
	fi, err := os.Stat(path)
	if err != nil {
		return upload.Ef(upload.KindStorageWriteFailed, "stat quarantined file: %w", err)
	}

	// 1. Size.
	if cs.MaxSizeBytes > 0 && fi.Size() > cs.MaxSizeBytes {
		return upload.Ef(upload.KindOversize, "size %d exceeds %d", fi.Size(), cs.MaxSizeBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return upload.Ef(upload.KindStorageWriteFailed, "open quarantined file: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, headerLen)
	n, err := io.ReadFull(f, hdr)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return upload.Ef(upload.KindStorageWriteFailed, "read header: %w", err)
	}
	hdr = hdr[:n]

	// 2. Real MIME, sniffed from bytes, never caller-claimed.
	realMIME := magic.MIMETypeSniff(hdr)
	if len(cs.AllowedMIMEs) > 0 && !cs.AllowedMIMEs[realMIME] {
		return upload.Ef(upload.KindMimeNotAllowed, "sniffed %q", realMIME)
	}

	// 3. Extension.
	if len(cs.AllowedExtensions) > 0 && !magic.HasExtension(vctx.Filename, cs.AllowedExtensions) {
		return upload.Ef(upload.KindExtensionNotAllowed, "extension of uploaded file not allowed")
	}

	// 4. Magic signature allowlist over the hex of the first 512 bytes.
	if cs.EnforceStrictMagicBytes && len(cs.AllowedSignatures) > 0 {
		hexHdr := hex.EncodeToString(hdr)
		matched := false
		for _, sig := range cs.AllowedSignatures {
			if strings.HasPrefix(hexHdr, strings.ToLower(sig.HexPrefix)) {
				matched = true
				break
			}
		}
		if !matched {
			return upload.E(upload.KindSignatureMismatch, nil)
		}
	}

	// 5. Polyglot guard.
	if cs.PreventPolyglotFiles && isPolyglot(hdr) {
		return upload.E(upload.KindPolyglotDetected, nil)
	}

	// 6. Suspicious payloads over the first 64 KiB.
	if len(cs.SuspiciousPatterns) > 0 {
		payload := make([]byte, payloadLen)
		pn, _ := f.ReadAt(payload, 0)
		payload = payload[:pn]
		for _, pat := range cs.SuspiciousPatterns {
			rx := v.compiled(pat)
			if rx == nil {
				continue
			}
			if rx.Match(payload) {
				return upload.Ef(upload.KindSuspiciousPayload, "pattern %q", pat)
			}
		}
	}

	// 7. Image dimensions and decompression-bomb ratio.
	if vctx.IsImage {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return upload.Ef(upload.KindStorageWriteFailed, "seek: %w", err)
		}
		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return upload.Ef(upload.KindDimensionsOutOfBounds, "undecodable image: %w", err)
		}
		w, h := cfg.Width, cfg.Height
		if cs.MaxPixelRatio > 0 {
			long := w
			if h > long {
				long = h
			}
			if long > 0 && float64(w)*float64(h)/float64(long) > cs.MaxPixelRatio {
				return upload.Ef(upload.KindSuspiciousRatio, "declared %dx%d", w, h)
			}
		}
		if (cs.MinWidth > 0 && w < cs.MinWidth) || (cs.MinHeight > 0 && h < cs.MinHeight) ||
			(cs.MaxWidth > 0 && w > cs.MaxWidth) || (cs.MaxHeight > 0 && h > cs.MaxHeight) {
			return upload.Ef(upload.KindDimensionsOutOfBounds, "declared %dx%d", w, h)
		}
	}

	return nil
}

var (
	pdfMarker = []byte("%PDF")
	zipMarker = []byte("PK\x03\x04")
	phpMarker = []byte("<?")
)

// isPolyglot reports whether hdr carries both executable-script and
// container markers, the classic PDF/ZIP + PHP smuggle.
func isPolyglot(hdr []byte) bool {
	if !bytes.Contains(hdr, phpMarker) {
		return false
	}
	return bytes.Contains(hdr, pdfMarker) || bytes.Contains(hdr, zipMarker)
}

// compiled returns the cached compiled pattern, or nil if the pattern
// is invalid. Invalid patterns are skipped, logged once.
func (v *Validator) compiled(pat string) *regexp.Regexp {
	v.mu.Lock()
	defer v.mu.Unlock()
	rx, seen := v.rxMap[pat]
	if seen {
		return rx
	}
	rx, err := regexp.Compile(pat)
	if err != nil {
		v.security.Warn("skipping invalid suspicious-payload pattern",
			zap.String("pattern", pat), zap.Error(err))
		rx = nil
	}
	v.rxMap[pat] = rx
	return rx
}

func (v *Validator) logRejection(err error, vctx Context) {
	v.security.Warn("upload rejected",
		zap.String("reason", string(upload.KindOf(err))),
		zap.String("filename_sha256", hashFilename(vctx.Filename)),
		zap.String("profile", vctx.ProfileID),
		zap.String("correlation", vctx.CorrelationID),
	)
}

func hashFilename(name string) string {
	sum := sha256.Sum256([]byte(filepath.Base(name)))
	return hex.EncodeToString(sum[:])
}
