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

// Package quarantine holds raw uploads in an isolated disk area
// between ingress and acceptance. Each entry is a blob plus a sidecar
// with the ingress hash, creation time, TTL and state.
//
// The sidecar doubles as a lock: it is created with O_EXCL, so two
// concurrent ingests with the same correlation id cannot both win.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/upload"
)

// State is the lifecycle state recorded in the sidecar.
type State string

const (
	StatePending  State = "pending"
	StateScanned  State = "scanned"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// ErrIntegrity is returned when the bytes read back do not hash to the
// hash recorded at ingress.
var ErrIntegrity = errors.New("quarantine: blob hash mismatch")

// Token identifies one quarantined artifact.
type Token struct {
	ID             string
	Disk           string
	Path           string // relative path of the blob within the disk
	Hash           string // sha256 hex of the bytes at ingress
	SidecarPresent bool
	CreatedAt      time.Time
	TTLHours       int
	State          State
}

type sidecar struct {
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at"`
	TTLHours  int    `json:"ttl_hours"`
	State     State  `json:"state"`
	ProfileID string `json:"profile_id"`
}

// Store is a quarantine area on local disk.
type Store struct {
	disk    string // disk name, for token bookkeeping
	root    string // absolute directory backing the disk
	log     *zap.Logger
	metrics *metrics.Counters
	now     func() time.Time
}

// NewStore returns a Store for the quarantine disk backed by root.
// counters must be non-nil.
func NewStore(disk, root string, log *zap.Logger, counters *metrics.Counters) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "quarantine"), 0700); err != nil {
		return nil, err
	}
	return &Store{disk: disk, root: root, log: log.Named("quarantine"), metrics: counters, now: time.Now}, nil
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.root, "quarantine", id+".bin")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.root, "quarantine", id+".meta")
}

// BlobPath returns the absolute on-disk path of t's blob, for
// validators and scanners that address files by path.
func (s *Store) BlobPath(t *Token) string {
	return s.blobPath(t.ID)
}

// Ingest streams r into quarantine under correlationID, hashing it in
// the same pass, and writes the sidecar.
func (s *Store) Ingest(ctx context.Context, r io.Reader, p *profile.Profile, correlationID string) (*Token, error) {
	if correlationID == "" || strings.ContainsAny(correlationID, "/\\.") {
		return nil, fmt.Errorf("quarantine: invalid correlation id %q", correlationID)
	}

	now := s.now().UTC()
	ttl := p.QuarantineTTLHours
	if ttl <= 0 {
		ttl = 24
	}

	// Sidecar first, create-exclusive: it is the per-token lock.
	mf, err := os.OpenFile(s.metaPath(correlationID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("quarantine: sidecar for %s: %w", correlationID, err)
	}

	blob := s.blobPath(correlationID)
	tmp, err := os.CreateTemp(filepath.Dir(blob), correlationID+".tmp")
	if err != nil {
		mf.Close()
		os.Remove(s.metaPath(correlationID))
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			os.Remove(tmp.Name())
			os.Remove(s.metaPath(correlationID))
		}
	}()

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		mf.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		tmp.Close()
		mf.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		mf.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		mf.Close()
		return nil, err
	}
	if err := os.Rename(tmp.Name(), blob); err != nil {
		mf.Close()
		return nil, err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	sc := sidecar{
		Hash:      sum,
		CreatedAt: now.Format(time.RFC3339),
		TTLHours:  ttl,
		State:     StatePending,
		ProfileID: p.ID,
	}
	enc, err := json.Marshal(sc)
	if err != nil {
		mf.Close()
		return nil, err
	}
	if _, err := mf.Write(enc); err != nil {
		mf.Close()
		return nil, err
	}
	if err := mf.Close(); err != nil {
		return nil, err
	}

	success = true
	s.log.Debug("quarantined",
		zap.String("correlation", correlationID),
		zap.Int64("size", written),
		zap.String("profile", p.ID))
	return &Token{
		ID:             correlationID,
		Disk:           s.disk,
		Path:           "quarantine/" + correlationID + ".bin",
		Hash:           sum,
		SidecarPresent: true,
		CreatedAt:      now,
		TTLHours:       ttl,
		State:          StatePending,
	}, nil
}

// Read verifies the blob against the ingress hash and returns a reader
// over it. A mutated blob fails with ErrIntegrity wrapped in the
// QuarantineIntegrity kind.
func (s *Store) Read(t *Token) (io.ReadCloser, error) {
	if err := s.Verify(t); err != nil {
		return nil, err
	}
	return os.Open(s.blobPath(t.ID))
}

// Verify recomputes the blob's hash and compares it with the hash
// recorded at ingress.
func (s *Store) Verify(t *Token) error {
	f, err := os.Open(s.blobPath(t.ID))
	if err != nil {
		return upload.E(upload.KindQuarantineIntegrity, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return upload.E(upload.KindQuarantineIntegrity, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != t.Hash {
		return upload.E(upload.KindQuarantineIntegrity, ErrIntegrity)
	}
	return nil
}

// MarkScanned records that scanners accepted the blob.
func (s *Store) MarkScanned(t *Token) error {
	return s.setState(t, StateScanned)
}

// Accept marks t accepted. It is an idempotent marker; the blob stays
// on disk until Remove.
func (s *Store) Accept(t *Token) error {
	if t.State == StateAccepted {
		return nil
	}
	return s.setState(t, StateAccepted)
}

// Reject deletes the blob and sidecar. The bytes are gone afterwards.
func (s *Store) Reject(t *Token) error {
	t.State = StateRejected
	var firstErr error
	if err := os.Remove(s.blobPath(t.ID)); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(s.metaPath(t.ID)); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Remove deletes an accepted entry's blob and sidecar.
func (s *Store) Remove(t *Token) error {
	return s.Reject(t)
}

func (s *Store) setState(t *Token, st State) error {
	sc, err := s.readSidecar(t.ID)
	if err != nil {
		return err
	}
	sc.State = st
	enc, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(t.ID), enc, 0600); err != nil {
		return err
	}
	t.State = st
	return nil
}

func (s *Store) readSidecar(id string) (*sidecar, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("quarantine: corrupt sidecar for %s: %w", id, err)
	}
	return &sc, nil
}

// PruneStale removes entries older than their sidecar TTL (or
// fallbackTTLHours when the sidecar carries none) and returns how many
// entries were removed.
func (s *Store) PruneStale(fallbackTTLHours int) (int, error) {
	metas, err := filepath.Glob(filepath.Join(s.root, "quarantine", "*.meta"))
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for _, mp := range metas {
		id := strings.TrimSuffix(filepath.Base(mp), ".meta")
		sc, err := s.readSidecar(id)
		if err != nil {
			s.log.Warn("unreadable sidecar", zap.String("correlation", id), zap.Error(err))
			continue
		}
		created, err := time.Parse(time.RFC3339, sc.CreatedAt)
		if err != nil {
			s.log.Warn("sidecar with bad created_at", zap.String("correlation", id), zap.Error(err))
			continue
		}
		ttl := sc.TTLHours
		if ttl <= 0 {
			ttl = fallbackTTLHours
		}
		if now.Sub(created) <= time.Duration(ttl)*time.Hour {
			continue
		}
		if err := os.Remove(s.blobPath(id)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("prune: removing blob", zap.String("correlation", id), zap.Error(err))
			continue
		}
		if err := os.Remove(mp); err != nil && !os.IsNotExist(err) {
			s.log.Warn("prune: removing sidecar", zap.String("correlation", id), zap.Error(err))
			continue
		}
		removed++
		s.metrics.QuarantinePruned.Inc()
		s.log.Info("pruned expired quarantine entry", zap.String("correlation", id))
	}
	return removed, nil
}

// CleanupOrphanedSidecars removes sidecars without a blob and blobs
// without a sidecar, returning how many leftovers were removed.
func (s *Store) CleanupOrphanedSidecars() (int, error) {
	dir := filepath.Join(s.root, "quarantine")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".meta"):
			id := strings.TrimSuffix(name, ".meta")
			if _, err := os.Stat(s.blobPath(id)); os.IsNotExist(err) {
				if os.Remove(filepath.Join(dir, name)) == nil {
					removed++
				}
			}
		case strings.HasSuffix(name, ".bin"):
			id := strings.TrimSuffix(name, ".bin")
			if _, err := os.Stat(s.metaPath(id)); os.IsNotExist(err) {
				if os.Remove(filepath.Join(dir, name)) == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}
