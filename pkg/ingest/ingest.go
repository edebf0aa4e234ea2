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

// Package ingest is the upload orchestrator: it drives one upload
// through admission, quarantine, scanning, normalization, placement,
// and attachment, in that order. Every fatal failure rejects the
// quarantine token and leaves no partial media record.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go4.org/syncutil"

	"sluice.dev/pkg/cleanup"
	"sluice.dev/pkg/events"
	"sluice.dev/pkg/imaging"
	"sluice.dev/pkg/layout"
	"sluice.dev/pkg/magic"
	"sluice.dev/pkg/media"
	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/owner"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/quarantine"
	"sluice.dev/pkg/scan"
	"sluice.dev/pkg/upload"
	"sluice.dev/pkg/validate"
)

// DefaultSoftTimeout bounds one upload end to end.
const DefaultSoftTimeout = 60 * time.Second

// Request is one upload call.
type Request struct {
	ProfileID string
	Actor     upload.Actor
	Tenant    upload.TenantContext // empty falls back to the actor's tenant

	// OwnerID is the raw owner value from the caller; the engine
	// normalizes it per the configured owner-id mode.
	OwnerID interface{}

	File     io.Reader
	Filename string // client-claimed, used for extension checks and logs only

	// CorrelationID defaults to a fresh UUID.
	CorrelationID string
}

// Replacement is the result of Replace: the new upload plus the
// superseded media record, when one existed.
type Replacement struct {
	New      *upload.Result
	Previous *media.Record
}

// Engine wires the pipeline stages together.
type Engine struct {
	Registry   *profile.Registry
	Owner      *owner.Normalizer
	Validator  *validate.Validator
	Quarantine *quarantine.Store
	Scanner    *scan.Coordinator
	Normalizer *imaging.Normalizer
	Attacher   *media.Attacher
	Cleanup    *cleanup.Scheduler
	Events     events.Bus
	Log        *zap.Logger
	Metrics    *metrics.Counters

	// Limiter rate-limits uploads per actor; nil disables limiting.
	Limiter *ActorLimiter

	// Gate bounds concurrent uploads; nil means unbounded.
	Gate *syncutil.Gate

	// SoftTimeout bounds one upload; zero means DefaultSoftTimeout.
	SoftTimeout time.Duration
}

// Upload runs the pipeline for one file and returns the stored result.
func (e *Engine) Upload(ctx context.Context, req Request) (*upload.Result, error) {
	res, _, err := e.upload(ctx, req)
	return res, err
}

// Replace runs Upload and, when a previous record was superseded,
// hands its artifacts to the cleanup scheduler with the previous media
// as the trigger. Cleanup failures are logged, never fatal.
func (e *Engine) Replace(ctx context.Context, req Request) (*Replacement, error) {
	res, prev, err := e.upload(ctx, req)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		rm := cleanup.ReplacedMedia{
			ID:                 prev.ID,
			Disk:               prev.Disk,
			Directory:          prev.Directory,
			PendingConversions: prev.PendingConversions(),
		}
		if cerr := e.Cleanup.ScheduleMedia(ctx, rm, []int64{res.ID}); cerr != nil {
			e.Log.Warn("delete_previous_failed",
				zap.Int64("previous_media_id", prev.ID),
				zap.String("correlation_id", res.CorrelationID),
				zap.Error(cerr))
		}
	}
	return &Replacement{New: res, Previous: prev}, nil
}

func (e *Engine) upload(ctx context.Context, req Request) (*upload.Result, *media.Record, error) {
	// 1. Resolve profile, correlation, owner, tenant.
	p, err := e.Registry.Get(req.ProfileID)
	if err != nil {
		return nil, nil, upload.E(upload.KindProfileNotFound, err)
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}

	ownerID, err := e.resolveOwner(p, req.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	tenant := req.Tenant.TenantID
	if tenant == "" {
		tenant = req.Actor.TenantID
	}
	if tenant == "" {
		return nil, nil, upload.Ef(upload.KindAttachFailed, "no tenant for upload %s", correlation)
	}

	if e.Limiter != nil && !e.Limiter.Allow(req.Actor.ID) {
		e.Metrics.UploadsRejected.WithLabelValues(string(upload.KindRateLimited)).Inc()
		return nil, nil, upload.Ef(upload.KindRateLimited, "actor %s over rate limit", req.Actor.ID).WithCorrelation(correlation)
	}

	if e.Gate != nil {
		e.Gate.Start()
		defer e.Gate.Done()
	}
	timeout := e.SoftTimeout
	if timeout <= 0 {
		timeout = DefaultSoftTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Open the started log.
	e.Log.Info("upload_started",
		zap.String("profile_id", p.ID),
		zap.String("actor_id", req.Actor.ID),
		zap.String("tenant_id", tenant),
		zap.String("owner_id", ownerID),
		zap.String("correlation_id", correlation))

	// 3. Quarantine the stream.
	token, err := e.Quarantine.Ingest(ctx, req.File, p, correlation)
	if err != nil {
		return nil, nil, e.timeoutKind(ctx, err, correlation)
	}

	res, prev, err := e.admit(ctx, p, token, tenant, ownerID, correlation, req)
	if err != nil {
		e.fail(token, err, correlation)
		return nil, nil, err
	}
	return res, prev, nil
}

// admit runs steps 4-10 against an already-quarantined token.
func (e *Engine) admit(ctx context.Context, p *profile.Profile, token *quarantine.Token, tenant, ownerID, correlation string, req Request) (*upload.Result, *media.Record, error) {
	blobPath := e.Quarantine.BlobPath(token)

	// 4. Validate the bytes on disk in quarantine.
	vctx := validate.Context{
		ProfileID:     p.ID,
		CorrelationID: correlation,
		Filename:      req.Filename,
		IsImage:       p.Kind == profile.KindImage,
	}
	if err := e.Validator.Validate(blobPath, p.Constraints, vctx); err != nil {
		return nil, nil, e.timeoutKind(ctx, err, correlation)
	}

	// 5. Scan.
	if err := e.Scanner.Scan(ctx, blobPath, p.Scan, correlation); err != nil {
		return nil, nil, e.timeoutKind(ctx, err, correlation)
	}
	if err := e.Quarantine.MarkScanned(token); err != nil {
		e.Log.Warn("quarantine_state_update_failed",
			zap.String("correlation_id", correlation), zap.Error(err))
	}

	// 6. Re-verify the quarantined bytes against the ingress hash
	// before consuming them: a blob mutated while scanners ran must
	// never reach storage.
	if err := e.Quarantine.Verify(token); err != nil {
		return nil, nil, e.timeoutKind(ctx, err, correlation)
	}

	// 7. Normalize images; the normalized file replaces the working file.
	working := blobPath
	mime, ext := e.sniff(blobPath, req.Filename)
	checksum := token.Hash
	if p.RequiresImageNormalization {
		norm, err := e.Normalizer.Normalize(ctx, blobPath, p.Constraints)
		if err != nil {
			return nil, nil, e.timeoutKind(ctx, err, correlation)
		}
		defer os.Remove(norm.Path)
		working, mime, ext = norm.Path, norm.MIME, norm.Ext
		if checksum, err = fileSHA256(norm.Path); err != nil {
			return nil, nil, upload.E(upload.KindNormalizationFailed, err)
		}
	}

	// 8. Compute the target path.
	objPath, err := layout.PathFor(layout.Request{
		Category: p.PathCategory,
		TenantID: tenant,
		OwnerID:  ownerID,
		Ext:      ext,
	})
	if err == layout.ErrOwnerRequired {
		return nil, nil, upload.E(upload.KindOwnerRequired, err)
	}
	if err != nil {
		return nil, nil, upload.E(upload.KindStorageWriteFailed, err)
	}

	// 9. Store the bytes and persist the record in one attach.
	headers, err := json.Marshal(map[string]string{
		"ACL":                "private",
		"ContentType":        mime,
		"ContentDisposition": `inline; filename="` + media.FileName(p.ID, checksum, ext) + `"`,
	})
	if err != nil {
		return nil, nil, upload.E(upload.KindAttachFailed, err)
	}
	size, err := fileSize(working)
	if err != nil {
		return nil, nil, upload.E(upload.KindAttachFailed, err)
	}
	rec, prev, err := e.Attacher.Attach(ctx, media.AttachRequest{
		TenantID:         tenant,
		ProfileID:        p.ID,
		ModelType:        "user",
		ModelID:          ownerID,
		Collection:       p.Collection,
		Disk:             e.Registry.EffectiveDisk(p),
		Directory:        layout.BaseDirectory(objPath),
		SrcPath:          working,
		OriginalFilename: req.Filename,
		MIME:             mime,
		Ext:              ext,
		Size:             size,
		Checksum:         checksum,
		FileName:         path.Base(objPath),
		UploadUUID:       correlation,
		Version:          checksum,
		QuarantineID:     token.ID,
		CorrelationID:    correlation,
		Headers:          string(headers),
		SingleFile:       p.SingleFile,
		Conversions:      conversionNames(p),
	})
	if err != nil {
		return nil, nil, e.timeoutKind(ctx, err, correlation)
	}

	// 10. Accept and drop the quarantine copy, then emit the event.
	if err := e.Quarantine.Accept(token); err != nil {
		e.Log.Warn("quarantine_accept_failed",
			zap.String("correlation_id", correlation), zap.Error(err))
	}
	if err := e.Quarantine.Remove(token); err != nil {
		e.Log.Warn("quarantine_remove_failed",
			zap.String("correlation_id", correlation), zap.Error(err))
	}

	e.dispatch(ctx, p, rec, prev, ownerID, checksum)
	e.Metrics.UploadsStored.Inc()
	e.Log.Info("upload_stored",
		zap.Int64("media_id", rec.ID),
		zap.String("tenant_id", tenant),
		zap.String("path", rec.Path()),
		zap.String("correlation_id", correlation))

	return &upload.Result{
		ID:            rec.ID,
		TenantID:      tenant,
		ProfileID:     p.ID,
		Disk:          rec.Disk,
		Path:          rec.Path(),
		MIME:          mime,
		Size:          rec.Size,
		Checksum:      checksum,
		Status:        upload.StatusStored,
		CorrelationID: correlation,
	}, prev, nil
}

// dispatch emits the domain event for a committed upload. Events fire
// after the record exists, never before.
func (e *Engine) dispatch(ctx context.Context, p *profile.Profile, rec, prev *media.Record, ownerID, checksum string) {
	replaced := prev != nil
	var oldID int64
	if replaced {
		oldID = prev.ID
	}
	if p.PathCategory == layout.Avatars {
		e.Events.Dispatch(ctx, events.AvatarUpdated{
			UserID:     ownerID,
			NewMediaID: rec.ID,
			OldMediaID: oldID,
			Version:    checksum,
			Collection: p.Collection,
			Replaced:   replaced,
		})
		return
	}
	e.Events.Dispatch(ctx, events.MediaStored{
		OwnerID:    ownerID,
		NewMediaID: rec.ID,
		OldMediaID: oldID,
		Version:    checksum,
		Collection: p.Collection,
		Replaced:   replaced,
	})
}

// fail rejects the token and logs the terminal failure. The bytes are
// deleted; no media record exists for the correlation id.
func (e *Engine) fail(token *quarantine.Token, err error, correlation string) {
	kind := upload.KindOf(err)
	if rerr := e.Quarantine.Reject(token); rerr != nil {
		e.Log.Warn("quarantine_reject_failed",
			zap.String("correlation_id", correlation), zap.Error(rerr))
	}
	e.Metrics.UploadsRejected.WithLabelValues(string(kind)).Inc()
	e.Log.Warn("validation_failed",
		zap.String("kind", string(kind)),
		zap.String("correlation_id", correlation))
}

func (e *Engine) resolveOwner(p *profile.Profile, raw interface{}) (string, error) {
	required := p.PathCategory == layout.Avatars
	if raw == nil {
		if required {
			return "", upload.Ef(upload.KindOwnerRequired, "profile %s requires an owner id", p.ID)
		}
		return "", nil
	}
	id, err := e.Owner.Normalize(raw)
	if err != nil {
		return "", upload.E(upload.KindInvalidOwnerID, err)
	}
	return id, nil
}

// extByMIME maps the sniffed types the builtin profiles admit onto
// canonical extensions.
var extByMIME = map[string]string{
	"image/png":            "png",
	"image/jpeg":           "jpg",
	"image/gif":            "gif",
	"image/webp":           "webp",
	"application/pdf":      "pdf",
	"text/csv":             "csv",
	"application/x-pkcs12": "p12",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
}

// sniff returns the real MIME of the file at p and the extension to
// store under, preferring the sniffed type over the claimed filename.
func (e *Engine) sniff(p, filename string) (mime, ext string) {
	f, err := os.Open(p)
	if err != nil {
		return "application/octet-stream", "bin"
	}
	defer f.Close()
	mime, _ = magic.MIMETypeFromReader(f)
	if mime == "" {
		mime = "application/octet-stream"
	}
	if ext, ok := extByMIME[mime]; ok {
		return mime, ext
	}
	if i := strings.LastIndex(filename, "."); i >= 0 && i < len(filename)-1 {
		return mime, strings.ToLower(filename[i+1:])
	}
	return mime, "bin"
}

// timeoutKind maps context expiry onto UploadTimeout and attaches the
// correlation id to pipeline errors.
func (e *Engine) timeoutKind(ctx context.Context, err error, correlation string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return upload.Ef(upload.KindUploadTimeout, "upload exceeded soft timeout").WithCorrelation(correlation)
	}
	var ue *upload.Error
	if errors.As(err, &ue) {
		return ue.WithCorrelation(correlation)
	}
	return upload.E(upload.KindStorageWriteFailed, err).WithCorrelation(correlation)
}

func conversionNames(p *profile.Profile) []string {
	if p.Processing != profile.ProcessImagePipeline {
		return nil
	}
	return p.ConversionNames()
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSize(p string) (int64, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
