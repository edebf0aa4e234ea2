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

package upload

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of upload failures. Callers receive a
// Kind plus a correlation id; never a stack trace or a raw path.
type Kind string

const (
	// Validation kinds.
	KindProfileNotFound       Kind = "profile_not_found"
	KindInvalidOwnerID        Kind = "invalid_owner_id"
	KindOwnerRequired         Kind = "owner_required"
	KindOversize              Kind = "oversize"
	KindMimeNotAllowed        Kind = "mime_not_allowed"
	KindExtensionNotAllowed   Kind = "extension_not_allowed"
	KindSignatureMismatch     Kind = "signature_mismatch"
	KindPolyglotDetected      Kind = "polyglot_detected"
	KindSuspiciousPayload     Kind = "suspicious_payload"
	KindDimensionsOutOfBounds Kind = "dimensions_out_of_bounds"
	KindSuspiciousRatio       Kind = "suspicious_ratio"
	KindRateLimited           Kind = "rate_limited"

	// Security kinds.
	KindVirusDetected      Kind = "virus_detected"
	KindScanFailed         Kind = "scan_failed"
	KindYaraRulesIntegrity Kind = "yara_rules_integrity"

	// Pipeline kinds.
	KindNormalizationFailed Kind = "normalization_failed"
	KindQuarantineIntegrity Kind = "quarantine_integrity"
	KindUploadTimeout       Kind = "upload_timeout"
	KindStorageWriteFailed  Kind = "storage_write_failed"
	KindAttachFailed        Kind = "attach_failed"

	// Operational, never fatal to the upload.
	KindDeletePreviousFailed Kind = "delete_previous_failed"
	KindConversionWarning    Kind = "conversion_warning"
)

// Error is a tagged upload failure.
type Error struct {
	Kind        Kind
	Correlation string

	// Scanner and Signatures are set for VirusDetected/ScanFailed.
	Scanner    string
	Signatures []string

	err error
}

// E returns an Error of the given kind wrapping err (which may be nil).
func E(kind Kind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

// Ef returns an Error of the given kind wrapping a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("upload: %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("upload: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// WithCorrelation returns a copy of e carrying the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.Correlation = id
	return &cp
}

// KindOf returns the Kind of err, or the empty Kind when err is not an
// upload Error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsKind reports whether err is an upload Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether an error of this kind must short-circuit the
// upload, leave no partial media record, and reject the quarantine
// token. Operational kinds are the only non-fatal ones.
func (k Kind) Fatal() bool {
	switch k {
	case KindDeletePreviousFailed, KindConversionWarning:
		return false
	}
	return true
}
