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

// Package owner normalizes caller-supplied owner identifiers according
// to the configured identifier kind. Normalization is purely
// validate-and-cast; no I/O.
package owner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Mode selects how owner identifiers are validated.
type Mode string

const (
	ModeInt       Mode = "int"
	ModeUUID      Mode = "uuid"
	ModeULID      Mode = "ulid"
	ModeStringAny Mode = "string-any"
)

// ErrInvalidOwnerID is returned when the supplied identifier does not
// conform to the configured mode.
var ErrInvalidOwnerID = errors.New("owner: invalid owner id")

// ParseMode returns the Mode for s, defaulting to int for the empty
// string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeInt, nil
	case ModeInt, ModeUUID, ModeULID, ModeStringAny:
		return Mode(s), nil
	}
	return "", fmt.Errorf("owner: unknown owner_id.mode %q", s)
}

var (
	intRx  = regexp.MustCompile(`^[0-9]+$`)
	uuidRx = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	// Crockford base32: digits and letters minus I, L, O, U.
	ulidRx = regexp.MustCompile(`^[0-7][0-9A-HJKMNP-TV-Z]{25}$`)
)

// Normalizer validates and casts owner identifiers.
type Normalizer struct {
	mode Mode
}

// New returns a Normalizer for the given mode.
func New(mode Mode) *Normalizer {
	return &Normalizer{mode: mode}
}

// Normalize coerces v into a canonical string owner id.
//
// In int mode, integer values and integer-looking strings are
// accepted; floats are rejected even when integer-valued, as are
// negatives and non-numeric strings.
func (n *Normalizer) Normalize(v interface{}) (string, error) {
	switch n.mode {
	case ModeInt:
		return normalizeInt(v)
	case ModeUUID:
		s, ok := v.(string)
		if !ok || !uuidRx.MatchString(s) {
			return "", ErrInvalidOwnerID
		}
		return s, nil
	case ModeULID:
		s, ok := v.(string)
		if !ok {
			return "", ErrInvalidOwnerID
		}
		up := strings.ToUpper(s)
		if !ulidRx.MatchString(up) {
			return "", ErrInvalidOwnerID
		}
		return up, nil
	case ModeStringAny:
		s, ok := v.(string)
		if !ok {
			return "", ErrInvalidOwnerID
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrInvalidOwnerID
		}
		return s, nil
	}
	return "", fmt.Errorf("owner: unknown mode %q", n.mode)
}

func normalizeInt(v interface{}) (string, error) {
	switch x := v.(type) {
	case int:
		if x < 0 {
			return "", ErrInvalidOwnerID
		}
		return fmt.Sprintf("%d", x), nil
	case int64:
		if x < 0 {
			return "", ErrInvalidOwnerID
		}
		return fmt.Sprintf("%d", x), nil
	case uint, uint64, uint32:
		return fmt.Sprintf("%d", x), nil
	case string:
		if !intRx.MatchString(x) {
			return "", ErrInvalidOwnerID
		}
		u, err := strconv.ParseUint(x, 10, 64)
		if err != nil {
			return "", ErrInvalidOwnerID
		}
		return strconv.FormatUint(u, 10), nil
	case float32, float64:
		// Floats are never owner ids, even when integer-valued.
		return "", ErrInvalidOwnerID
	}
	return "", ErrInvalidOwnerID
}
