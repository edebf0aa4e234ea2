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

package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sluice.dev/pkg/cleanup"
	"sluice.dev/pkg/events"
	"sluice.dev/pkg/imaging"
	"sluice.dev/pkg/media"
	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/owner"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/quarantine"
	"sluice.dev/pkg/scan"
	"sluice.dev/pkg/sorted"
	"sluice.dev/pkg/storage/localdisk"
	"sluice.dev/pkg/upload"
	"sluice.dev/pkg/validate"
)

type stubScanner struct {
	name string
	res  scan.Result
}

func (s *stubScanner) Name() string                                   { return s.name }
func (s *stubScanner) Scan(ctx context.Context, p string) scan.Result { return s.res }

// tamperScanner rewrites the file it is asked to scan and reports it
// clean, standing in for anything that mutates a quarantined blob
// while the pipeline is mid-flight.
type tamperScanner struct {
	data []byte
}

func (tamperScanner) Name() string { return "clamav" }

func (s tamperScanner) Scan(ctx context.Context, p string) scan.Result {
	if err := os.WriteFile(p, s.data, 0600); err != nil {
		return scan.Result{Verdict: scan.VerdictError, Err: err}
	}
	return scan.Result{Verdict: scan.VerdictClean}
}

type testEnv struct {
	engine *Engine
	store  *media.SQLiteStore
	disk   *localdisk.DiskStorage
	bus    *events.MemoryBus
	quar   *quarantine.Store
	sched  *cleanup.Scheduler
	qdir   string
}

func newEnv(t *testing.T, av scan.Scanner) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	reg, err := profile.NewRegistry(profile.Builtin(), "media")
	require.NoError(t, err)

	counters := metrics.NewNopCounters()
	qdir := t.TempDir()
	quar, err := quarantine.NewStore("quarantine", qdir, log, counters)
	require.NoError(t, err)

	disk, err := localdisk.New(t.TempDir())
	require.NoError(t, err)

	store, err := media.NewSQLiteStore(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kv := sorted.NewMemoryKeyValue()
	t.Cleanup(func() { kv.Close() })
	sched := cleanup.NewScheduler(kv, disk, log, counters)
	bus := events.NewMemoryBus(log)

	if av == nil {
		av = &stubScanner{name: "clamav", res: scan.Result{Verdict: scan.VerdictClean}}
	}

	engine := &Engine{
		Registry:   reg,
		Owner:      owner.New(owner.ModeInt),
		Validator:  validate.New(log),
		Quarantine: quar,
		Scanner:    scan.NewCoordinator(av, nil, nil, log, counters),
		Normalizer: &imaging.Normalizer{TempDir: t.TempDir()},
		Attacher:   &media.Attacher{Store: store, Storage: disk, Log: log},
		Cleanup:    sched,
		Events:     bus,
		Log:        log,
		Metrics:    counters,
	}
	return &testEnv{engine: engine, store: store, disk: disk, bus: bus, quar: quar, sched: sched, qdir: qdir}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	im := image.NewNRGBA(image.Rect(0, 0, w, h))
	im.Set(0, 0, color.NRGBA{R: 9, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, im))
	return buf.Bytes()
}

func avatarRequest(body []byte) Request {
	return Request{
		ProfileID: "avatar_image",
		Actor:     upload.Actor{ID: "actor-1", TenantID: "t1"},
		OwnerID:   7,
		File:      bytes.NewReader(body),
		Filename:  "me.png",
	}
}

func TestUploadAvatarHappyPath(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	res, err := env.engine.Upload(ctx, avatarRequest(pngBytes(t, 100, 100)))
	require.NoError(t, err)

	assert.Equal(t, upload.StatusStored, res.Status)
	assert.True(t, strings.HasPrefix(res.Path, "tenants/t1/users/7/avatars/"), res.Path)
	assert.Equal(t, "image/png", res.MIME)
	assert.NotEmpty(t, res.Checksum)
	assert.NotEmpty(t, res.CorrelationID)

	ok, err := env.disk.Exists(ctx, "media", res.Path)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := env.store.ByUploadUUID(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.TenantID())
	assert.Equal(t, res.Checksum, rec.Property(media.PropVersion))
	assert.ElementsMatch(t, []string{"thumb", "medium", "large"}, rec.PendingConversions())
	assert.Contains(t, rec.Property(media.PropHeaders), `"ACL":"private"`)

	evs := env.bus.Dispatched()
	require.Len(t, evs, 1)
	up, ok2 := evs[0].(events.AvatarUpdated)
	require.True(t, ok2)
	assert.Equal(t, "7", up.UserID)
	assert.Equal(t, rec.ID, up.NewMediaID)
	assert.False(t, up.Replaced)

	// Quarantine area is emptied after acceptance.
	matches, err := filepath.Glob(filepath.Join(env.qdir, "quarantine", "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestUploadRejectsPolyglotDocument(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	body := []byte("%PDF-1.4\n<?php system($_GET['c']); ?>\n%%EOF")
	_, err := env.engine.Upload(ctx, Request{
		ProfileID: "document_pdf",
		Actor:     upload.Actor{ID: "a", TenantID: "t1"},
		File:      bytes.NewReader(body),
		Filename:  "report.pdf",
	})
	require.Error(t, err)
	assert.Equal(t, upload.KindPolyglotDetected, upload.KindOf(err))

	assertNoResidue(t, env, err)
}

func TestUploadRejectsInfectedFile(t *testing.T) {
	av := &stubScanner{name: "clamav", res: scan.Result{
		Verdict:    scan.VerdictInfected,
		Signatures: []string{"Eicar-Test-Signature"},
	}}
	env := newEnv(t, av)

	_, err := env.engine.Upload(context.Background(), avatarRequest(pngBytes(t, 64, 64)))
	require.Error(t, err)
	assert.Equal(t, upload.KindVirusDetected, upload.KindOf(err))

	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"Eicar-Test-Signature"}, ue.Signatures)

	assertNoResidue(t, env, err)
}

func TestUploadRejectsSuspiciousPayload(t *testing.T) {
	env := newEnv(t, nil)

	body := append(pngBytes(t, 32, 32), []byte("<?php eval($_POST['x']); ?>")...)
	_, err := env.engine.Upload(context.Background(), avatarRequest(body))
	require.Error(t, err)
	assert.Equal(t, upload.KindSuspiciousPayload, upload.KindOf(err))
	assertNoResidue(t, env, err)
}

// A tiny PNG whose header declares huge dimensions is rejected before
// any pixels are decoded.
func TestUploadRejectsDecompressionBomb(t *testing.T) {
	env := newEnv(t, nil)

	_, err := env.engine.Upload(context.Background(), avatarRequest(bombPNG()))
	require.Error(t, err)
	assert.Equal(t, upload.KindSuspiciousRatio, upload.KindOf(err))
	assertNoResidue(t, env, err)
}

// A blob that changes between ingress and attachment must be rejected:
// the stored bytes would no longer match the recorded checksum.
func TestUploadRejectsTamperedQuarantineBlob(t *testing.T) {
	env := newEnv(t, tamperScanner{data: pngBytes(t, 48, 48)})

	_, err := env.engine.Upload(context.Background(), avatarRequest(pngBytes(t, 64, 64)))
	require.Error(t, err)
	assert.Equal(t, upload.KindQuarantineIntegrity, upload.KindOf(err))
	assertNoResidue(t, env, err)
}

func TestUploadOwnerRules(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	req := avatarRequest(pngBytes(t, 64, 64))
	req.OwnerID = nil
	_, err := env.engine.Upload(ctx, req)
	assert.Equal(t, upload.KindOwnerRequired, upload.KindOf(err))

	req = avatarRequest(pngBytes(t, 64, 64))
	req.OwnerID = "12.5"
	_, err = env.engine.Upload(ctx, req)
	assert.Equal(t, upload.KindInvalidOwnerID, upload.KindOf(err))
}

func TestUploadUnknownProfile(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.engine.Upload(context.Background(), Request{ProfileID: "nope"})
	assert.Equal(t, upload.KindProfileNotFound, upload.KindOf(err))
}

func TestUploadRateLimited(t *testing.T) {
	env := newEnv(t, nil)
	env.engine.Limiter = NewActorLimiter(1, time.Hour)
	ctx := context.Background()

	_, err := env.engine.Upload(ctx, avatarRequest(pngBytes(t, 64, 64)))
	require.NoError(t, err)

	_, err = env.engine.Upload(ctx, avatarRequest(pngBytes(t, 64, 64)))
	assert.Equal(t, upload.KindRateLimited, upload.KindOf(err))
}

func TestReplaceSupersedesAndSchedulesCleanup(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	first, err := env.engine.Upload(ctx, avatarRequest(pngBytes(t, 100, 100)))
	require.NoError(t, err)
	firstRec, err := env.store.ByUploadUUID(ctx, first.CorrelationID)
	require.NoError(t, err)

	rep, err := env.engine.Replace(ctx, avatarRequest(pngBytes(t, 120, 120)))
	require.NoError(t, err)
	require.NotNil(t, rep.Previous)
	assert.Equal(t, firstRec.ID, rep.Previous.ID)

	// Only one non-superseded record per single-file owner.
	cur, err := env.store.Current(ctx, "user", "7", "avatars")
	require.NoError(t, err)
	assert.Equal(t, rep.New.ID, cur.ID)

	old, err := env.store.ByID(ctx, firstRec.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	// The previous media had unfinished conversions, so its artifacts
	// wait on the cleanup scheduler instead of being deleted now.
	entry, err := env.sched.Pending(firstRec.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.ElementsMatch(t, []string{"thumb", "medium", "large"}, entry.PendingConversions)
	ok, err := env.disk.Exists(ctx, "media", first.Path)
	require.NoError(t, err)
	assert.True(t, ok)

	evs := env.bus.Dispatched()
	require.Len(t, evs, 2)
	up := evs[1].(events.AvatarUpdated)
	assert.True(t, up.Replaced)
	assert.Equal(t, firstRec.ID, up.OldMediaID)
}

// assertNoResidue checks the §4.H failure contract: no media row for
// the correlation id and no bytes left in quarantine.
func assertNoResidue(t *testing.T, env *testEnv, err error) {
	t.Helper()
	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	if ue.Correlation != "" {
		_, lerr := env.store.ByUploadUUID(context.Background(), ue.Correlation)
		assert.ErrorIs(t, lerr, media.ErrNotFound)
	}
	matches, gerr := filepath.Glob(filepath.Join(env.qdir, "quarantine", "*"))
	require.NoError(t, gerr)
	assert.Empty(t, matches)
}

// bombPNG fabricates a syntactically valid PNG header declaring
// 50000x50000 pixels.
func bombPNG() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})

	ihdr := make([]byte, 13)
	ihdr[0], ihdr[1], ihdr[2], ihdr[3] = 0x00, 0x00, 0xc3, 0x50 // width 50000
	ihdr[4], ihdr[5], ihdr[6], ihdr[7] = 0x00, 0x00, 0xc3, 0x50 // height 50000
	ihdr[8] = 8 // bit depth
	ihdr[9] = 2 // truecolor

	var chunk bytes.Buffer
	chunk.Write([]byte{0, 0, 0, 13})
	chunk.WriteString("IHDR")
	chunk.Write(ihdr)
	crc := crc32.ChecksumIEEE(append([]byte("IHDR"), ihdr...))
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	chunk.Write(crcb[:])

	buf.Write(chunk.Bytes())
	return buf.Bytes()
}
