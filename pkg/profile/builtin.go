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

package profile

import "sluice.dev/pkg/layout"

// DefaultSuspiciousPatterns are matched against the first 64 KiB of
// every upload whose profile doesn't override them.
var DefaultSuspiciousPatterns = []string{
	`(?i)<\?php`,
	`(?i)<script[\s>]`,
	`(?i)eval\s*\(`,
	`(?i)base64_decode\s*\(`,
	`(?i)<%\s*@`,
}

var (
	pngSig  = Signature{HexPrefix: "89504e47", Label: "png"}
	jpegSig = Signature{HexPrefix: "ffd8ff", Label: "jpeg"}
	gifSig  = Signature{HexPrefix: "474946383", Label: "gif"}
	webpSig = Signature{HexPrefix: "52494646", Label: "riff-webp"}
	pdfSig  = Signature{HexPrefix: "25504446", Label: "pdf"}
	zipSig  = Signature{HexPrefix: "504b0304", Label: "zip"}
	derSig  = Signature{HexPrefix: "3082", Label: "pkcs12-der"}
)

// Builtin returns the standard profile set. A configuration document
// may override or extend it; see Load.
func Builtin() []*Profile {
	return []*Profile{
		{
			ID:           "avatar_image",
			Kind:         KindImage,
			Processing:   ProcessImagePipeline,
			Scan:         ScanRequired,
			Serving:      ServePublic,
			PathCategory: layout.Avatars,
			SingleFile:   true,
			RequiresImageNormalization: true,
			Conversions: []Conversion{
				{Name: "thumb", Width: 64, Height: 64},
				{Name: "medium", Width: 256, Height: 256},
				{Name: "large", Width: 512, Height: 512},
			},
			Constraints: FileConstraints{
				MaxSizeBytes:      5 << 20,
				AllowedMIMEs:      mimes("image/png", "image/jpeg", "image/webp"),
				AllowedExtensions: exts("png", "jpg", "jpeg", "webp"),
				AllowedSignatures: []Signature{pngSig, jpegSig, webpSig},
				EnforceStrictMagicBytes: true,
				PreventPolyglotFiles:    true,
				MinWidth:                16,
				MinHeight:               16,
				MaxWidth:                8192,
				MaxHeight:               8192,
				MaxPixelRatio:           8192,
				SuspiciousPatterns:      DefaultSuspiciousPatterns,
			},
			UsesQuarantine:     true,
			QuarantineTTLHours: 24,
			FailedTTLHours:     48,
			Collection:         "avatars",
		},
		{
			ID:           "gallery_image",
			Kind:         KindImage,
			Processing:   ProcessImagePipeline,
			Scan:         ScanOptional,
			Serving:      ServeControllerSigned,
			PathCategory: layout.Images,
			RequiresImageNormalization: true,
			Conversions: []Conversion{
				{Name: "thumb", Width: 160, Height: 160},
				{Name: "large", Width: 1600, Height: 1600},
			},
			Constraints: FileConstraints{
				MaxSizeBytes:      20 << 20,
				AllowedMIMEs:      mimes("image/png", "image/jpeg", "image/webp", "image/gif"),
				AllowedExtensions: exts("png", "jpg", "jpeg", "webp", "gif"),
				AllowedSignatures: []Signature{pngSig, jpegSig, webpSig, gifSig},
				EnforceStrictMagicBytes: true,
				PreventPolyglotFiles:    true,
				MaxWidth:                16384,
				MaxHeight:               16384,
				MaxPixelRatio:           16384,
				SuspiciousPatterns:      DefaultSuspiciousPatterns,
			},
			UsesQuarantine:     true,
			QuarantineTTLHours: 24,
			FailedTTLHours:     48,
			Collection:         "images",
		},
		{
			ID:           "document_pdf",
			Kind:         KindDocument,
			Processing:   ProcessNone,
			Scan:         ScanRequired,
			Serving:      ServePrivateSigned,
			PathCategory: layout.Documents,
			Constraints: FileConstraints{
				MaxSizeBytes:      50 << 20,
				AllowedMIMEs:      mimes("application/pdf"),
				AllowedExtensions: exts("pdf"),
				AllowedSignatures: []Signature{pdfSig},
				EnforceStrictMagicBytes: true,
				PreventPolyglotFiles:    true,
				SuspiciousPatterns:      DefaultSuspiciousPatterns,
			},
			UsesQuarantine:     true,
			QuarantineTTLHours: 24,
			FailedTTLHours:     48,
			Collection:         "documents",
		},
		{
			ID:           "spreadsheet_xlsx",
			Kind:         KindSpreadsheet,
			Processing:   ProcessNone,
			Scan:         ScanRequired,
			Serving:      ServePrivateSigned,
			PathCategory: layout.Spreadsheets,
			Constraints: FileConstraints{
				MaxSizeBytes:      25 << 20,
				AllowedMIMEs:      mimes("application/zip", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
				AllowedExtensions: exts("xlsx"),
				AllowedSignatures: []Signature{zipSig},
				EnforceStrictMagicBytes: true,
				SuspiciousPatterns:      DefaultSuspiciousPatterns,
			},
			UsesQuarantine:     true,
			QuarantineTTLHours: 24,
			FailedTTLHours:     48,
			Collection:         "spreadsheets",
		},
		{
			ID:           "import_csv",
			Kind:         KindImport,
			Processing:   ProcessNone,
			Scan:         ScanOptional,
			Serving:      ServeForbidden,
			PathCategory: layout.Imports,
			Constraints: FileConstraints{
				MaxSizeBytes:      100 << 20,
				AllowedMIMEs:      mimes("text/plain", "text/csv"),
				AllowedExtensions: exts("csv"),
				// CSV has no magic number; admission relies on MIME
				// sniffing plus the suspicious-payload scan.
				SuspiciousPatterns: DefaultSuspiciousPatterns,
			},
			UsesQuarantine:     true,
			QuarantineTTLHours: 24,
			FailedTTLHours:     48,
			Collection:         "imports",
		},
		{
			ID:           "certificate_p12",
			Kind:         KindSecret,
			Processing:   ProcessNone,
			Scan:         ScanDisabled,
			Serving:      ServeForbidden,
			PathCategory: layout.Secrets,
			SingleFile:   true,
			Constraints: FileConstraints{
				MaxSizeBytes:      1 << 20,
				AllowedMIMEs:      mimes("application/x-pkcs12", "application/octet-stream"),
				AllowedExtensions: exts("p12", "pfx"),
				AllowedSignatures: []Signature{derSig},
				EnforceStrictMagicBytes: true,
			},
			UsesQuarantine:     true,
			QuarantineTTLHours: 1,
			FailedTTLHours:     1,
			Collection:         "certificates",
		},
	}
}

func mimes(ss ...string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func exts(ss ...string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
