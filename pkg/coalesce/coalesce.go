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

// Package coalesce collapses duplicate post-processing work. A burst of
// avatar replacements for the same owner yields one processing job, run
// against whichever upload is latest when the job executes; earlier
// uploads report superseded.
package coalesce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sluice.dev/pkg/events"
	"sluice.dev/pkg/media"
	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/sorted"
	"sluice.dev/pkg/upload"
)

// DefaultEnqueueTTL bounds how long an enqueued flag suppresses new
// jobs before it is considered stale.
const DefaultEnqueueTTL = 10 * time.Minute

// ProcessingStatus is the answer to a status query for one upload.
type ProcessingStatus string

const (
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusSuperseded ProcessingStatus = "superseded"
	StatusFailed     ProcessingStatus = "failed"
)

// Latest is the newest upload recorded for one (tenant, owner) key.
// Version is the upload's checksum, carried for observability only;
// ordering goes by media id and receipt time, never by the checksum.
type Latest struct {
	TenantID   string    `json:"tenant_id"`
	OwnerID    string    `json:"owner_id"`
	MediaID    int64     `json:"media_id"`
	UploadUUID string    `json:"upload_uuid"`
	Version    string    `json:"version,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type enqueued struct {
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TenantResolver supplies tenant fallbacks for owners whose media
// record carries no tenant id.
type TenantResolver interface {
	// TenantsOf returns the owner's tenants, current first.
	TenantsOf(ctx context.Context, ownerID string) ([]string, error)
}

// Coordinator coalesces processing requests per (tenant, owner).
type Coordinator struct {
	kv       sorted.KeyValue
	jobs     events.JobBus
	store    media.Store
	proc     Processor
	tenants  TenantResolver // optional
	log      *zap.Logger
	metrics  *metrics.Counters
	queueTTL time.Duration

	mu  sync.Mutex // serializes read-modify-write on kv keys
	now func() time.Time
}

// Processor runs the actual conversion work for the latest media of a
// key. It is invoked from queue workers only.
type Processor interface {
	Process(ctx context.Context, latest Latest) error
}

// NewCoordinator returns a Coordinator persisting its keys in kv and
// dispatching processing jobs on jobs.
func NewCoordinator(kv sorted.KeyValue, jobs events.JobBus, store media.Store, proc Processor, tenants TenantResolver, log *zap.Logger, counters *metrics.Counters) *Coordinator {
	return &Coordinator{
		kv:       kv,
		jobs:     jobs,
		store:    store,
		proc:     proc,
		tenants:  tenants,
		log:      log,
		metrics:  counters,
		queueTTL: DefaultEnqueueTTL,
		now:      time.Now,
	}
}

func latestKey(tenant, owner string) string   { return "latest:" + tenant + ":" + owner }
func enqueuedKey(tenant, owner string) string { return "enqueued:" + tenant + ":" + owner }

// OnAvatarUpdated is the AvatarUpdated listener: resolve the tenant,
// remember the upload as latest, and enqueue one processing job.
func (c *Coordinator) OnAvatarUpdated(ctx context.Context, ev events.AvatarUpdated, tc upload.TenantContext) {
	rec, err := c.store.ByID(ctx, ev.NewMediaID)
	if err != nil {
		c.log.Warn("media_record_missing",
			zap.Int64("media_id", ev.NewMediaID), zap.Error(err))
		return
	}

	tenant := c.resolveTenant(ctx, rec.TenantID(), tc, ev.UserID)
	if tenant == "" {
		c.log.Warn("missing_tenant",
			zap.String("owner_id", ev.UserID),
			zap.Int64("media_id", ev.NewMediaID))
		return
	}

	if err := c.RememberLatest(ctx, Latest{
		TenantID:   tenant,
		OwnerID:    ev.UserID,
		MediaID:    ev.NewMediaID,
		UploadUUID: rec.UploadUUID(),
		Version:    rec.Property(media.PropVersion),
	}); err != nil {
		c.log.Error("remember_latest_failed", zap.Error(err))
		return
	}
	if err := c.EnqueueOnce(ctx, tenant, ev.UserID); err != nil {
		c.log.Error("enqueue_failed", zap.Error(err))
	}
}

func (c *Coordinator) resolveTenant(ctx context.Context, recordTenant string, tc upload.TenantContext, ownerID string) string {
	if recordTenant != "" {
		return recordTenant
	}
	if tc.TenantID != "" {
		return tc.TenantID
	}
	if c.tenants != nil {
		if ts, err := c.tenants.TenantsOf(ctx, ownerID); err == nil && len(ts) > 0 {
			return ts[0]
		}
	}
	return ""
}

// RememberLatest overwrites the (tenant, owner) slot when l is newer
// than the stored value. Older uploads lose the slot and become
// superseded.
func (c *Coordinator) RememberLatest(ctx context.Context, l Latest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = c.now().UTC()
	}
	key := latestKey(l.TenantID, l.OwnerID)
	if raw, err := c.kv.Get(key); err == nil {
		var cur Latest
		if err := json.Unmarshal([]byte(raw), &cur); err == nil && newer(cur, l) {
			return nil // stored value already newer; set-if-newer
		}
	} else if err != sorted.ErrNotFound {
		return err
	}

	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return c.kv.Set(key, string(raw))
}

// newer reports whether a supersedes b. Media ids are assigned by the
// store in commit order, so the higher id is the newer upload; receipt
// time breaks ties across stores.
func newer(a, b Latest) bool {
	if a.MediaID != b.MediaID {
		return a.MediaID > b.MediaID
	}
	return a.ReceivedAt.After(b.ReceivedAt)
}

// EnqueueOnce dispatches one processing job per (tenant, owner) unless
// one is already queued and fresh. Duplicate requests are coalesced.
func (c *Coordinator) EnqueueOnce(ctx context.Context, tenant, owner string) error {
	fresh, err := c.claimEnqueue(tenant, owner)
	if err != nil {
		return err
	}
	if !fresh {
		c.metrics.JobsCoalesced.Inc()
		c.log.Debug("job_coalesced",
			zap.String("tenant_id", tenant), zap.String("owner_id", owner))
		return nil
	}
	// Dispatch outside the lock: a synchronous job bus runs the job
	// inline, and the job takes the lock itself.
	return c.jobs.Dispatch(ctx, &processJob{c: c, tenant: tenant, owner: owner}, 0)
}

// claimEnqueue sets the enqueued flag and reports whether this caller
// won the claim.
func (c *Coordinator) claimEnqueue(tenant, owner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	key := enqueuedKey(tenant, owner)
	if raw, err := c.kv.Get(key); err == nil {
		var e enqueued
		if err := json.Unmarshal([]byte(raw), &e); err == nil && now.Before(e.ExpiresAt) {
			return false, nil
		}
	} else if err != sorted.ErrNotFound {
		return false, err
	}

	raw, err := json.Marshal(enqueued{At: now, ExpiresAt: now.Add(c.queueTTL)})
	if err != nil {
		return false, err
	}
	if err := c.kv.Set(key, string(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// processJob runs conversion processing for whatever upload is latest
// at execution time.
type processJob struct {
	c      *Coordinator
	tenant string
	owner  string
}

func (j *processJob) JobName() string { return "media.process" }

func (j *processJob) Run(ctx context.Context) error {
	c := j.c

	c.mu.Lock()
	raw, err := c.kv.Get(latestKey(j.tenant, j.owner))
	// Clear the enqueued flag before processing: a request arriving
	// during processing must get a fresh job.
	if derr := c.kv.Delete(enqueuedKey(j.tenant, j.owner)); derr != nil && err == nil {
		err = derr
	}
	c.mu.Unlock()

	if err == sorted.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var latest Latest
	if err := json.Unmarshal([]byte(raw), &latest); err != nil {
		return fmt.Errorf("coalesce: latest %s/%s: %w", j.tenant, j.owner, err)
	}
	return c.proc.Process(ctx, latest)
}

// Status reports the processing state of the upload identified by
// uploadUUID: superseded when a newer upload holds the latest slot,
// completed when every conversion exists, processing otherwise, and
// failed when no record is found.
func (c *Coordinator) Status(ctx context.Context, uploadUUID string) ProcessingStatus {
	rec, err := c.store.ByUploadUUID(ctx, uploadUUID)
	if err != nil {
		return StatusFailed
	}
	if rec.Superseded {
		return StatusSuperseded
	}
	latest, err := c.LatestFor(rec.TenantID(), rec.ModelID)
	if err == nil && latest != nil && latest.UploadUUID != "" && latest.UploadUUID != uploadUUID {
		return StatusSuperseded
	}
	if rec.ConversionsComplete() {
		return StatusCompleted
	}
	return StatusProcessing
}

// LatestFor returns the latest recorded upload for (tenant, owner), or
// nil when none is recorded.
func (c *Coordinator) LatestFor(tenant, owner string) (*Latest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := c.kv.Get(latestKey(tenant, owner))
	if err == sorted.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Latest
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, err
	}
	return &l, nil
}
