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

// Package media persists metadata records for stored artifacts and
// attaches accepted files to their owning model. A record is the unit
// other components key on: conversions complete against it, cleanup
// triggers from it, and supersession chains through it.
package media

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups that match no record.
var ErrNotFound = errors.New("media: record not found")

// Custom property keys carried on every record written by the pipeline.
const (
	PropTenantID         = "tenant_id"
	PropProfileID        = "profile_id"
	PropUploadUUID       = "upload_uuid"
	PropVersion          = "version"
	PropQuarantineID     = "quarantine_id"
	PropCorrelationID    = "correlation_id"
	PropOriginalFilename = "original_filename"
	PropHeaders          = "headers"
	PropChecksum         = "checksum"
)

// Record is one stored artifact's metadata row.
type Record struct {
	ID         int64
	Key        string // stable external identifier (uuid)
	ModelType  string
	ModelID    string
	Collection string
	Disk       string
	Directory  string // tenant-aware base directory on the disk
	FileName   string
	MIME       string
	Size       int64

	// CustomProperties carries pipeline provenance: tenant id, upload
	// uuid, version, quarantine id, correlation id, original filename.
	CustomProperties map[string]string

	// GeneratedConversions maps conversion name to completion. Names
	// are inserted as placeholders (false) at attach time.
	GeneratedConversions map[string]bool

	ResponsiveImages []string

	Superseded bool
	CreatedAt  time.Time
}

// Property returns a custom property, or "" when absent.
func (r *Record) Property(key string) string {
	if r.CustomProperties == nil {
		return ""
	}
	return r.CustomProperties[key]
}

// TenantID returns the owning tenant recorded at attach time.
func (r *Record) TenantID() string { return r.Property(PropTenantID) }

// UploadUUID returns the upload's stable identifier.
func (r *Record) UploadUUID() string { return r.Property(PropUploadUUID) }

// Path returns the record's full object path on its disk.
func (r *Record) Path() string {
	if r.Directory == "" {
		return r.FileName
	}
	return r.Directory + "/" + r.FileName
}

// PendingConversions returns the names of conversions not yet
// generated, in no particular order.
func (r *Record) PendingConversions() []string {
	var pending []string
	for name, done := range r.GeneratedConversions {
		if !done {
			pending = append(pending, name)
		}
	}
	return pending
}

// ConversionsComplete reports whether every expected conversion exists.
func (r *Record) ConversionsComplete() bool {
	for _, done := range r.GeneratedConversions {
		if !done {
			return false
		}
	}
	return true
}

// Store persists media records.
type Store interface {
	// Create inserts rec and fills in its ID and CreatedAt.
	Create(ctx context.Context, rec *Record) error

	// CreateReplacing inserts rec and supersedes every other current
	// record for the same model and collection in one transaction, so
	// a single-file collection never holds two current records. It
	// returns the newest record it superseded, or nil.
	CreateReplacing(ctx context.Context, rec *Record) (*Record, error)

	// ByID returns the record with the given row id.
	ByID(ctx context.Context, id int64) (*Record, error)

	// ByUploadUUID returns the record whose upload_uuid property
	// matches uuid, or ErrNotFound.
	ByUploadUUID(ctx context.Context, uuid string) (*Record, error)

	// Current returns the newest non-superseded record for the model
	// and collection, or ErrNotFound.
	Current(ctx context.Context, modelType, modelID, collection string) (*Record, error)

	// MarkConversionGenerated flips one conversion placeholder to done
	// and reports whether all of the record's conversions are now
	// complete.
	MarkConversionGenerated(ctx context.Context, id int64, name string) (allDone bool, err error)

	// MarkSuperseded flags the record as replaced by a newer upload.
	MarkSuperseded(ctx context.Context, id int64) error

	// Delete removes the record row. Artifact deletion is the cleanup
	// scheduler's job, not the store's.
	Delete(ctx context.Context, id int64) error

	Close() error
}
