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

// Package cleanup defers deletion of superseded artifacts until their
// trigger media's conversions have completed, so a replaced avatar's
// files stay on disk while anything may still reference them. Entries
// persist in a sorted key-value store and survive restarts; a ceiling
// age forces release when completion events are lost.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sluice.dev/pkg/layout"
	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/sorted"
	"sluice.dev/pkg/storage"
)

const (
	// DefaultMaxAgeHours is the ceiling after which an entry is
	// released even if conversion events never arrived.
	DefaultMaxAgeHours = 48

	// DefaultChunkSize bounds how many entries one purge pass releases.
	DefaultChunkSize = 100

	entryPrefix = "cleanup:"
)

// Artifact is one directory slated for deletion, tagged with the media
// row it belonged to so preservation checks can match it.
type Artifact struct {
	Dir     string `json:"dir"`
	MediaID int64  `json:"media_id"`
}

// Entry is the persisted cleanup state for one trigger media.
type Entry struct {
	TriggerMediaID      int64                 `json:"trigger_media_id"`
	ArtifactsByDisk     map[string][]Artifact `json:"artifacts_by_disk"`
	PreserveMediaIDs    []int64               `json:"preserve_media_ids,omitempty"`
	ExpectedConversions []string              `json:"expected_conversions,omitempty"`
	PendingConversions  []string              `json:"pending_conversions,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	ExpiresAt           time.Time             `json:"expires_at"`
}

func (e *Entry) preserved(id int64) bool {
	for _, p := range e.PreserveMediaIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Scheduler persists and releases cleanup entries.
type Scheduler struct {
	kv      sorted.KeyValue
	storage storage.Storage
	log     *zap.Logger
	metrics *metrics.Counters

	// MaxAgeHours is the forced-release ceiling; zero means
	// DefaultMaxAgeHours.
	MaxAgeHours int

	// mu serializes read-modify-write of entries: two queue workers
	// completing conversions of the same trigger media must not lose
	// either removal.
	mu  sync.Mutex
	now func() time.Time
}

// NewScheduler returns a Scheduler persisting entries in kv and
// deleting artifacts through st.
func NewScheduler(kv sorted.KeyValue, st storage.Storage, log *zap.Logger, counters *metrics.Counters) *Scheduler {
	return &Scheduler{kv: kv, storage: st, log: log, metrics: counters, now: time.Now}
}

func entryKey(mediaID int64) string {
	// Zero-padded so Find over the prefix iterates in id order.
	return fmt.Sprintf("%s%020d", entryPrefix, mediaID)
}

func (s *Scheduler) maxAge() time.Duration {
	h := s.MaxAgeHours
	if h <= 0 {
		h = DefaultMaxAgeHours
	}
	return time.Duration(h) * time.Hour
}

// Schedule records a cleanup entry for triggerMediaID. pending lists
// the trigger media's conversions still awaited; with none pending the
// artifacts are released immediately.
func (s *Scheduler) Schedule(ctx context.Context, triggerMediaID int64, artifactsByDisk map[string][]Artifact, preserve []int64, pending []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	e := &Entry{
		TriggerMediaID:      triggerMediaID,
		ArtifactsByDisk:     artifactsByDisk,
		PreserveMediaIDs:    preserve,
		ExpectedConversions: append([]string(nil), pending...),
		PendingConversions:  append([]string(nil), pending...),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.maxAge()),
	}
	if len(e.PendingConversions) == 0 {
		s.release(ctx, e, false)
		return nil
	}
	return s.put(e)
}

// ScheduleMedia is Schedule for the common case: the superseded record
// itself names its disk, directory, and pending conversions.
func (s *Scheduler) ScheduleMedia(ctx context.Context, rec ReplacedMedia, preserve []int64) error {
	dir := rec.Directory
	artifacts := map[string][]Artifact{
		rec.Disk: {{Dir: dir, MediaID: rec.ID}},
	}
	return s.Schedule(ctx, rec.ID, artifacts, preserve, rec.PendingConversions)
}

// ReplacedMedia is the slice of a media record the scheduler needs.
type ReplacedMedia struct {
	ID                 int64
	Disk               string
	Directory          string
	PendingConversions []string
}

// HandleConversionEvent records that conversion name completed for the
// trigger media. The entry releases once its pending set drains.
func (s *Scheduler) HandleConversionEvent(ctx context.Context, triggerMediaID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(triggerMediaID)
	if err == sorted.ErrNotFound {
		return nil // no cleanup waiting on this media
	}
	if err != nil {
		return err
	}

	remaining := e.PendingConversions[:0]
	for _, p := range e.PendingConversions {
		if p != name {
			remaining = append(remaining, p)
		}
	}
	e.PendingConversions = remaining

	if len(e.PendingConversions) == 0 {
		s.release(ctx, e, false)
		return s.kv.Delete(entryKey(triggerMediaID))
	}
	return s.put(e)
}

// FlushExpired force-releases the entry for triggerMediaID regardless
// of pending conversions. Absent entries are a no-op.
func (s *Scheduler) FlushExpired(ctx context.Context, triggerMediaID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(triggerMediaID)
	if err == sorted.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	s.release(ctx, e, true)
	return s.kv.Delete(entryKey(triggerMediaID))
}

// PurgeExpired releases up to chunkSize entries older than maxAgeHours
// (zero means the scheduler's ceiling) and returns how many it
// released.
func (s *Scheduler) PurgeExpired(ctx context.Context, maxAgeHours, chunkSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	cutoff := s.now().UTC().Add(-s.maxAge())
	if maxAgeHours > 0 {
		cutoff = s.now().UTC().Add(-time.Duration(maxAgeHours) * time.Hour)
	}

	var expired []*Entry
	it := s.kv.Find(entryPrefix, entryPrefix+"\xff")
	for it.Next() {
		var e Entry
		if err := json.Unmarshal([]byte(it.Value()), &e); err != nil {
			s.log.Warn("cleanup_entry_corrupt", zap.String("key", it.Key()), zap.Error(err))
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			expired = append(expired, &e)
			if len(expired) >= chunkSize {
				break
			}
		}
	}
	if err := it.Close(); err != nil {
		return 0, err
	}

	for _, e := range expired {
		s.release(ctx, e, true)
		if err := s.kv.Delete(entryKey(e.TriggerMediaID)); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Pending returns the entry for triggerMediaID, or nil when none is
// waiting.
func (s *Scheduler) Pending(triggerMediaID int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(triggerMediaID)
	if err == sorted.ErrNotFound {
		return nil, nil
	}
	return e, err
}

// release deletes the entry's artifacts. Deletions are best-effort:
// failures are logged and the remaining artifacts still get attempted.
func (s *Scheduler) release(ctx context.Context, e *Entry, forced bool) {
	for disk, artifacts := range e.ArtifactsByDisk {
		for _, a := range artifacts {
			if e.preserved(a.MediaID) {
				continue
			}
			blob := a.Dir + "/"
			for _, dir := range []string{
				layout.ConversionsDirectory(blob),
				layout.ResponsiveImagesDirectory(blob),
				a.Dir,
			} {
				if err := s.storage.DeleteDir(ctx, disk, dir); err != nil {
					s.log.Warn("cleanup_delete_failed",
						zap.Int64("trigger_media_id", e.TriggerMediaID),
						zap.String("disk", disk),
						zap.String("dir", dir),
						zap.Error(err))
				}
			}
		}
	}
	if forced {
		s.metrics.CleanupsForced.Inc()
	} else {
		s.metrics.CleanupsReleased.Inc()
	}
	s.log.Info("cleanup_released",
		zap.Int64("trigger_media_id", e.TriggerMediaID),
		zap.Bool("forced", forced))
}

func (s *Scheduler) get(triggerMediaID int64) (*Entry, error) {
	raw, err := s.kv.Get(entryKey(triggerMediaID))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("cleanup: entry %d: %w", triggerMediaID, err)
	}
	return &e, nil
}

func (s *Scheduler) put(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.kv.Set(entryKey(e.TriggerMediaID), string(raw))
}
