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

package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/upload"
)

func avatarProfile() *profile.Profile {
	for _, p := range profile.Builtin() {
		if p.ID == "avatar_image" {
			return p
		}
	}
	panic("no avatar_image")
}

func newStore(t *testing.T) *Store {
	s, err := NewStore("quarantine", t.TempDir(), zaptest.NewLogger(t), metrics.NewNopCounters())
	require.NoError(t, err)
	return s
}

func TestIngestAndRead(t *testing.T) {
	s := newStore(t)
	body := "raw avatar bytes"

	tok, err := s.Ingest(context.Background(), strings.NewReader(body), avatarProfile(), "c0ffee42")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), tok.Hash)
	assert.Equal(t, StatePending, tok.State)
	assert.Equal(t, "quarantine/c0ffee42.bin", tok.Path)
	assert.True(t, tok.SidecarPresent)

	rc, err := s.Read(tok)
	require.NoError(t, err)
	back, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, string(back))
}

func TestReadDetectsMutation(t *testing.T) {
	s := newStore(t)
	tok, err := s.Ingest(context.Background(), strings.NewReader("original"), avatarProfile(), "mutant1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.BlobPath(tok), []byte("tampered"), 0600))

	_, err = s.Read(tok)
	assert.Equal(t, upload.KindQuarantineIntegrity, upload.KindOf(err))
}

func TestIngestDuplicateCorrelationFails(t *testing.T) {
	s := newStore(t)
	_, err := s.Ingest(context.Background(), strings.NewReader("a"), avatarProfile(), "dup1")
	require.NoError(t, err)
	_, err = s.Ingest(context.Background(), strings.NewReader("b"), avatarProfile(), "dup1")
	assert.Error(t, err)
}

func TestAcceptIsIdempotent(t *testing.T) {
	s := newStore(t)
	tok, err := s.Ingest(context.Background(), strings.NewReader("a"), avatarProfile(), "acc1")
	require.NoError(t, err)

	require.NoError(t, s.Accept(tok))
	assert.Equal(t, StateAccepted, tok.State)
	require.NoError(t, s.Accept(tok))

	sc, err := s.readSidecar(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, sc.State)
}

func TestRejectRemovesBlobAndSidecar(t *testing.T) {
	s := newStore(t)
	tok, err := s.Ingest(context.Background(), strings.NewReader("bad"), avatarProfile(), "rej1")
	require.NoError(t, err)

	require.NoError(t, s.Reject(tok))
	_, err = os.Stat(s.blobPath(tok.ID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.metaPath(tok.ID))
	assert.True(t, os.IsNotExist(err))

	// Rejecting again is fine.
	require.NoError(t, s.Reject(tok))
}

func TestPruneStale(t *testing.T) {
	s := newStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	_, err := s.Ingest(context.Background(), strings.NewReader("old"), avatarProfile(), "old1")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := s.Ingest(context.Background(), strings.NewReader("new"), avatarProfile(), "new1")
	require.NoError(t, err)

	// Avatar profile TTL is 24h; jump past it for the old entry only.
	s.now = func() time.Time { return base.Add(25 * time.Hour) }
	removed, err := s.PruneStale(24)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.QuarantinePruned))

	_, err = os.Stat(s.blobPath("old1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.blobPath(fresh.ID))
	assert.NoError(t, err)
}

func TestCleanupOrphanedSidecars(t *testing.T) {
	s := newStore(t)
	tok, err := s.Ingest(context.Background(), strings.NewReader("x"), avatarProfile(), "pair1")
	require.NoError(t, err)

	// Orphan sidecar: blob gone.
	require.NoError(t, os.Remove(s.blobPath(tok.ID)))
	// Orphan blob: no sidecar.
	require.NoError(t, os.WriteFile(s.blobPath("lonely"), []byte("y"), 0600))

	removed, err := s.CleanupOrphanedSidecars()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := os.ReadDir(s.root + "/quarantine")
	require.NoError(t, err)
	assert.Empty(t, left)
}
