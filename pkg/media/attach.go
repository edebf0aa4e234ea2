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

package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"sluice.dev/pkg/storage"
	"sluice.dev/pkg/upload"
)

// AttachRequest carries everything needed to attach one accepted file.
type AttachRequest struct {
	TenantID  string
	ProfileID string

	ModelType  string
	ModelID    string
	Collection string

	Disk      string
	Directory string // tenant-aware base directory, from layout

	SrcPath          string // local file holding the bytes to store
	OriginalFilename string
	MIME             string
	Ext              string
	Size             int64
	Checksum         string

	// FileName is the on-disk object name. Empty means a generated
	// {profile}-{hash}-{rand}.{ext} name.
	FileName string

	UploadUUID    string
	Version       string // checksum of the stored bytes
	QuarantineID  string
	CorrelationID string
	Headers       string

	// SingleFile supersedes the collection's current record.
	SingleFile bool

	// Conversions become unfinished placeholders on the new record.
	Conversions []string
}

// Attacher stores accepted bytes and their metadata record. The blob
// write happens first; a metadata failure rolls the blob back so the
// disk never holds an orphan the store does not know about.
type Attacher struct {
	Store   Store
	Storage storage.Storage
	Log     *zap.Logger
}

// Attach writes the blob, creates the record, and supersedes the
// previous record for single-file collections. It returns the new
// record and, when one was superseded, the previous record.
func (a *Attacher) Attach(ctx context.Context, req AttachRequest) (*Record, *Record, error) {
	name := req.FileName
	if name == "" {
		name = FileName(req.ProfileID, req.Checksum, req.Ext)
	}
	objPath := path.Join(req.Directory, name)

	f, err := os.Open(req.SrcPath)
	if err != nil {
		return nil, nil, upload.E(upload.KindAttachFailed, err)
	}
	written, err := a.Storage.WriteStream(ctx, req.Disk, objPath, f)
	f.Close()
	if err != nil {
		return nil, nil, upload.E(upload.KindStorageWriteFailed, err)
	}

	conversions := make(map[string]bool, len(req.Conversions))
	for _, c := range req.Conversions {
		conversions[c] = false
	}
	rec := &Record{
		ModelType:  req.ModelType,
		ModelID:    req.ModelID,
		Collection: req.Collection,
		Disk:       req.Disk,
		Directory:  req.Directory,
		FileName:   name,
		MIME:       req.MIME,
		Size:       written,
		CustomProperties: map[string]string{
			PropTenantID:         req.TenantID,
			PropProfileID:        req.ProfileID,
			PropUploadUUID:       req.UploadUUID,
			PropVersion:          req.Version,
			PropCorrelationID:    req.CorrelationID,
			PropOriginalFilename: req.OriginalFilename,
			PropChecksum:         req.Checksum,
		},
		GeneratedConversions: conversions,
	}
	if req.QuarantineID != "" {
		rec.CustomProperties[PropQuarantineID] = req.QuarantineID
	}
	if req.Headers != "" {
		rec.CustomProperties[PropHeaders] = req.Headers
	}

	// Single-file collections supersede the previous record in the
	// same transaction that inserts the new one.
	var previous *Record
	if req.SingleFile {
		previous, err = a.Store.CreateReplacing(ctx, rec)
	} else {
		err = a.Store.Create(ctx, rec)
	}
	if err != nil {
		a.rollback(ctx, req.Disk, objPath)
		return nil, nil, upload.E(upload.KindAttachFailed, err)
	}

	a.Log.Info("media_attached",
		zap.Int64("media_id", rec.ID),
		zap.String("tenant_id", req.TenantID),
		zap.String("profile_id", req.ProfileID),
		zap.String("disk", req.Disk),
		zap.String("path", objPath),
		zap.Int64("size", written),
		zap.String("correlation_id", req.CorrelationID))
	return rec, previous, nil
}

func (a *Attacher) rollback(ctx context.Context, disk, objPath string) {
	if err := a.Storage.DeleteIfExists(ctx, disk, objPath); err != nil {
		a.Log.Warn("attach_rollback_failed",
			zap.String("disk", disk), zap.String("path", objPath), zap.Error(err))
	}
}

var (
	nonKebab = regexp.MustCompile(`[^a-z0-9]+`)
	extOK    = regexp.MustCompile(`^[a-z0-9]{1,10}$`)
)

// FileName derives the stored object name from the profile, the content
// checksum, and the extension. The original client filename never
// reaches the disk.
func FileName(profileID, checksum, ext string) string {
	profile := strings.Trim(nonKebab.ReplaceAllString(strings.ToLower(profileID), "-"), "-")
	if profile == "" {
		profile = "file"
	}
	if len(profile) > 40 {
		profile = profile[:40]
	}

	hash := strings.ToLower(checksum)
	if len(hash) >= 12 {
		hash = hash[:12]
	} else {
		hash = randHex(16)
	}

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !extOK.MatchString(ext) {
		ext = "bin"
	}
	return profile + "-" + hash + "-" + randHex(4) + "." + ext
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("media: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
