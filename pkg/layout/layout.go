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

// Package layout generates the deterministic tenant-first storage
// paths for accepted uploads.
//
// Every path starts with tenants/{tenantId}/ so that a disk can never
// hold a blob whose owning tenant isn't readable from its path.
package layout

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// Category selects the path template for a profile.
type Category string

const (
	Avatars      Category = "avatars"
	Images       Category = "images"
	Documents    Category = "documents"
	Spreadsheets Category = "spreadsheets"
	Imports      Category = "imports"
	Secrets      Category = "secrets"
	Other        Category = "other"
)

// ErrOwnerRequired is returned for categories whose template embeds
// the owner id (avatars) when none was supplied.
var ErrOwnerRequired = errors.New("layout: owner id required for this path category")

// Request carries the inputs of PathFor. Zero-value fields get
// defaults: UniqueID a fresh UUID v4, Version (avatars only) the
// current unix timestamp.
type Request struct {
	Category Category
	TenantID string
	OwnerID  string
	Ext      string // without leading dot
	Version  string
	UniqueID string
	Date     time.Time // zero means time.Now
}

// PathFor returns the relative path within the disk for req.
// For identical, fully-specified inputs it is a pure function.
func PathFor(req Request) (string, error) {
	if req.TenantID == "" {
		return "", errors.New("layout: tenant id required")
	}
	uid := req.UniqueID
	if uid == "" {
		uid = uuid.NewString()
	}
	date := req.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	yyyy, mm := date.Format("2006"), date.Format("01")
	t := req.TenantID

	switch req.Category {
	case Avatars:
		if req.OwnerID == "" {
			return "", ErrOwnerRequired
		}
		version := req.Version
		if version == "" {
			version = fmt.Sprintf("%d", date.Unix())
		}
		return path.Join("tenants", t, "users", req.OwnerID, "avatars", uid, "v"+version+"."+req.Ext), nil
	case Images:
		return path.Join("tenants", t, "media", "images", yyyy, mm, uid+"."+req.Ext), nil
	case Documents:
		return path.Join("tenants", t, "documents", yyyy, mm, uid+".pdf"), nil
	case Spreadsheets:
		return path.Join("tenants", t, "spreadsheets", yyyy, mm, uid+".xlsx"), nil
	case Imports:
		return path.Join("tenants", t, "imports", yyyy, mm, uid+".csv"), nil
	case Secrets:
		return path.Join("tenants", t, "secrets", "certificates", uid+".p12"), nil
	case Other:
		return path.Join("tenants", t, "uploads", yyyy, mm, uid+"."+req.Ext), nil
	}
	return "", fmt.Errorf("layout: unknown path category %q", req.Category)
}

// BaseDirectory returns the directory holding the blob at p.
func BaseDirectory(p string) string {
	return path.Dir(p)
}

// ConversionsDirectory returns the conversions/ directory for the blob
// at p.
func ConversionsDirectory(p string) string {
	return path.Join(path.Dir(p), "conversions")
}

// ResponsiveImagesDirectory returns the responsive-images/ directory
// for the blob at p.
func ResponsiveImagesDirectory(p string) string {
	return path.Join(path.Dir(p), "responsive-images")
}
