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

// Package profile defines upload profiles, the admission and
// processing policy for each class of uploads, and the process-wide
// registry resolving profile ids.
package profile

import (
	"errors"
	"fmt"

	"sluice.dev/pkg/layout"
)

// Kind classifies what a profile admits.
type Kind string

const (
	KindImage       Kind = "image"
	KindDocument    Kind = "document"
	KindSpreadsheet Kind = "spreadsheet"
	KindImport      Kind = "import"
	KindSecret      Kind = "secret"
)

// ProcessingMode selects post-admission processing.
type ProcessingMode string

const (
	ProcessImagePipeline ProcessingMode = "image-pipeline"
	ProcessNone          ProcessingMode = "none"
)

// ScanMode selects how scanner failures are treated.
type ScanMode string

const (
	ScanRequired ScanMode = "required"
	ScanOptional ScanMode = "optional"
	ScanDisabled ScanMode = "disabled"
)

// ServingMode describes how accepted artifacts may be served. The
// ingestion engine records it; serving itself is out of scope.
type ServingMode string

const (
	ServeControllerSigned ServingMode = "controller-signed"
	ServePrivateSigned    ServingMode = "private-signed"
	ServePublic           ServingMode = "public"
	ServeForbidden        ServingMode = "forbidden"
)

// Signature is one allowed magic-byte prefix, as lowercase hex.
type Signature struct {
	HexPrefix string
	Label     string
}

// FileConstraints bound what a profile admits.
type FileConstraints struct {
	MaxSizeBytes      int64
	AllowedMIMEs      map[string]bool
	AllowedExtensions map[string]bool

	// AllowedSignatures is ordered; the first prefix match wins.
	AllowedSignatures []Signature

	EnforceStrictMagicBytes bool
	PreventPolyglotFiles    bool

	// Image bounds. Zero means unconstrained.
	MinWidth, MinHeight int
	MaxWidth, MaxHeight int

	// MaxPixelRatio blocks decompression bombs: reject when
	// w*h/max(w,h) exceeds it.
	MaxPixelRatio float64

	// SuspiciousPatterns are regexes matched against the first 64 KiB.
	SuspiciousPatterns []string
}

// Conversion is a named derived artifact with target dimensions.
type Conversion struct {
	Name   string
	Width  int
	Height int
}

// Profile is a named admission and processing policy. Profiles are
// immutable after registry construction.
type Profile struct {
	ID           string
	Kind         Kind
	Processing   ProcessingMode
	Scan         ScanMode
	Serving      ServingMode
	PathCategory layout.Category

	SingleFile                 bool
	RequiresImageNormalization bool

	Conversions []Conversion
	Constraints FileConstraints

	UsesQuarantine     bool
	QuarantineTTLHours int
	FailedTTLHours     int

	Collection string
	Disk       string // empty means the registry default
}

// ErrProfileNotFound is returned by Registry.Get for unknown ids.
var ErrProfileNotFound = errors.New("profile: not found")

// Registry is a process-wide immutable mapping from profile id to
// Profile. Construction happens at startup; mutation afterwards is
// prohibited, so it is safe to share without locking.
type Registry struct {
	byID        map[string]*Profile
	defaultDisk string
}

// NewRegistry builds a Registry from profiles. The registry copies the
// slice but not the profiles; callers must not mutate them afterwards.
func NewRegistry(profiles []*Profile, defaultDisk string) (*Registry, error) {
	if defaultDisk == "" {
		return nil, errors.New("profile: default disk required")
	}
	byID := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		if p.ID == "" {
			return nil, errors.New("profile: profile with empty id")
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("profile: duplicate profile id %q", p.ID)
		}
		byID[p.ID] = p
	}
	return &Registry{byID: byID, defaultDisk: defaultDisk}, nil
}

// Get returns the profile for id, or ErrProfileNotFound.
func (r *Registry) Get(id string) (*Profile, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("profile: %q: %w", id, ErrProfileNotFound)
	}
	return p, nil
}

// EffectiveDisk resolves the disk for p: its own, or the registry
// default.
func (r *Registry) EffectiveDisk(p *Profile) string {
	if p.Disk != "" {
		return p.Disk
	}
	return r.defaultDisk
}

// ConversionSizes returns p's conversion-dimension table keyed by
// conversion name.
func (r *Registry) ConversionSizes(p *Profile) map[string]Conversion {
	out := make(map[string]Conversion, len(p.Conversions))
	for _, c := range p.Conversions {
		out[c.Name] = c
	}
	return out
}

// ConversionNames returns p's conversion names in declaration order.
func (p *Profile) ConversionNames() []string {
	names := make([]string, len(p.Conversions))
	for i, c := range p.Conversions {
		names[i] = c.Name
	}
	return names
}
