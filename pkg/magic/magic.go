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

// Package magic implements MIME type sniffing of data based on the
// well-known "magic" number prefixes in the file.
package magic

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

type prefixEntry struct {
	prefix []byte
	mtype  string
}

// usable source: http://www.garykessler.net/library/file_sigs.html
// mime types: http://www.iana.org/assignments/media-types/media-types.xhtml
var prefixTable = []prefixEntry{
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
	{[]byte("\xff\xd8\xff\xe2"), "image/jpeg"},
	{[]byte("\xff\xd8\xff\xe1"), "image/jpeg"},
	{[]byte("\xff\xd8\xff\xe0"), "image/jpeg"},
	{[]byte("\xff\xd8\xff\xdb"), "image/jpeg"},
	{[]byte{137, 'P', 'N', 'G', '\r', '\n', 26, 10}, "image/png"},
	{[]byte{0x49, 0x49, 0x2A, 0}, "image/tiff"},
	{[]byte{0x4D, 0x4D, 0, 0x2A}, "image/tiff"},
	{[]byte("RIFF"), "image/webp"}, // further checked below
	{[]byte("%PDF"), "application/pdf"},
	{[]byte("PK\x03\x04"), "application/zip"}, // also xlsx, docx, odt
	{[]byte{0x1F, 0x8B, 0x08}, "application/gzip"},
	{[]byte{0xD0, 0xCF, 0x11, 0xE0}, "application/vnd.ms-office"},
	{[]byte{0x30, 0x82}, "application/x-pkcs12"}, // DER SEQUENCE, long form
	{[]byte("-----BEGIN "), "application/x-pem-file"},
}

// MIMEType returns the MIME type from the data in the provided header
// of the data. It returns the empty string if the MIME type can't be
// determined from the magic prefix table.
func MIMEType(hdr []byte) string {
	hlen := len(hdr)
	for _, pte := range prefixTable {
		plen := len(pte.prefix)
		if hlen > plen && bytes.Equal(hdr[:plen], pte.prefix) {
			if pte.mtype == "image/webp" {
				// RIFF is a container; require the WEBP fourcc.
				if hlen >= 12 && bytes.Equal(hdr[8:12], []byte("WEBP")) {
					return "image/webp"
				}
				continue
			}
			return pte.mtype
		}
	}
	return ""
}

// MIMETypeSniff sniffs hdr with the prefix table first and falls back
// to net/http content detection, with any optional parameters
// (charset and the like) removed.
func MIMETypeSniff(hdr []byte) string {
	if mt := MIMEType(hdr); mt != "" {
		return mt
	}
	mt := http.DetectContentType(hdr)
	mt, _, _ = strings.Cut(mt, ";")
	return strings.TrimSpace(mt)
}

// MIMETypeFromReader takes a reader, sniffs the beginning of it,
// and returns the MIME type if sniffed, else the empty string. It
// returns a new reader which still has the consumed bytes.
func MIMETypeFromReader(r io.Reader) (mime string, reader io.Reader) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, io.LimitReader(r, 1024))
	mime = MIMETypeSniff(buf.Bytes())
	if err != nil {
		return mime, io.MultiReader(&buf, errReader{err})
	}
	return mime, io.MultiReader(&buf, r)
}

// errReader is an io.Reader which just returns err.
type errReader struct{ err error }

func (er errReader) Read([]byte) (int, error) { return 0, er.err }

// HasExtension reports whether the file extension of filename is among
// extensions. It is a case-insensitive lookup.
func HasExtension(filename string, extensions map[string]bool) bool {
	e := filepath.Ext(filename)
	if !strings.HasPrefix(e, ".") {
		return false
	}
	return extensions[strings.ToLower(e[1:])]
}

// MIMETypeByExtension calls mime.TypeByExtension, and removes optional
// parameters, to keep only the type and subtype.
func MIMETypeByExtension(ext string) string {
	mimeParts := strings.SplitN(mime.TypeByExtension(ext), ";", 2)
	return strings.TrimSpace(mimeParts[0])
}
