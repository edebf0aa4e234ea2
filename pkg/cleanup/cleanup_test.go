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

package cleanup

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/sorted"
	"sluice.dev/pkg/storage/localdisk"
)

func seed(t *testing.T, disk *localdisk.DiskStorage, diskName, dir string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []string{
		dir + "/v1.png",
		dir + "/conversions/thumb.png",
		dir + "/responsive-images/v1-800.png",
	} {
		_, err := disk.WriteStream(ctx, diskName, p, strings.NewReader("x"))
		require.NoError(t, err)
	}
}

func scheduler(t *testing.T) (*Scheduler, *localdisk.DiskStorage) {
	t.Helper()
	disk, err := localdisk.New(t.TempDir())
	require.NoError(t, err)
	kv := sorted.NewMemoryKeyValue()
	t.Cleanup(func() { kv.Close() })
	return NewScheduler(kv, disk, zaptest.NewLogger(t), metrics.NewNopCounters()), disk
}

func TestScheduleWithoutPendingReleasesImmediately(t *testing.T) {
	s, disk := scheduler(t)
	ctx := context.Background()
	dir := "tenants/t1/users/7/avatars/old"
	seed(t, disk, "media", dir)

	require.NoError(t, s.ScheduleMedia(ctx, ReplacedMedia{ID: 10, Disk: "media", Directory: dir}, nil))

	ok, err := disk.Exists(ctx, "media", dir+"/v1.png")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := s.Pending(10)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestReleaseWaitsForConversions(t *testing.T) {
	s, disk := scheduler(t)
	ctx := context.Background()
	dir := "tenants/t1/users/7/avatars/old"
	seed(t, disk, "media", dir)

	rec := ReplacedMedia{ID: 11, Disk: "media", Directory: dir, PendingConversions: []string{"thumb", "medium"}}
	require.NoError(t, s.ScheduleMedia(ctx, rec, nil))

	// Still pending: nothing deleted yet.
	ok, err := disk.Exists(ctx, "media", dir+"/v1.png")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.HandleConversionEvent(ctx, 11, "thumb"))
	ok, _ = disk.Exists(ctx, "media", dir+"/v1.png")
	assert.True(t, ok)

	require.NoError(t, s.HandleConversionEvent(ctx, 11, "medium"))
	ok, _ = disk.Exists(ctx, "media", dir+"/v1.png")
	assert.False(t, ok)
	ok, _ = disk.Exists(ctx, "media", dir+"/conversions/thumb.png")
	assert.False(t, ok)
}

// Queue workers finishing different conversions of the same trigger
// media race on the entry; no completion may be lost, or the artifacts
// leak until the forced purge.
func TestConcurrentConversionEventsDrainEntry(t *testing.T) {
	s, disk := scheduler(t)
	ctx := context.Background()
	dir := "tenants/t1/users/7/avatars/old"
	seed(t, disk, "media", dir)

	pending := []string{"thumb", "medium", "large"}
	rec := ReplacedMedia{ID: 40, Disk: "media", Directory: dir, PendingConversions: pending}
	require.NoError(t, s.ScheduleMedia(ctx, rec, nil))

	var wg sync.WaitGroup
	for _, name := range pending {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, s.HandleConversionEvent(ctx, 40, name))
		}(name)
	}
	wg.Wait()

	e, err := s.Pending(40)
	require.NoError(t, err)
	assert.Nil(t, e)
	ok, _ := disk.Exists(ctx, "media", dir+"/v1.png")
	assert.False(t, ok)
}

func TestConversionEventForUnknownMediaIsNoop(t *testing.T) {
	s, _ := scheduler(t)
	assert.NoError(t, s.HandleConversionEvent(context.Background(), 999, "thumb"))
}

func TestPreservedMediaIsNotDeleted(t *testing.T) {
	s, disk := scheduler(t)
	ctx := context.Background()
	dir := "tenants/t1/users/7/avatars/keep"
	seed(t, disk, "media", dir)

	artifacts := map[string][]Artifact{"media": {{Dir: dir, MediaID: 20}}}
	require.NoError(t, s.Schedule(ctx, 20, artifacts, []int64{20}, nil))

	ok, err := disk.Exists(ctx, "media", dir+"/v1.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlushExpiredForcesRelease(t *testing.T) {
	s, disk := scheduler(t)
	ctx := context.Background()
	dir := "tenants/t1/users/7/avatars/old"
	seed(t, disk, "media", dir)

	rec := ReplacedMedia{ID: 30, Disk: "media", Directory: dir, PendingConversions: []string{"thumb"}}
	require.NoError(t, s.ScheduleMedia(ctx, rec, nil))
	require.NoError(t, s.FlushExpired(ctx, 30))

	ok, _ := disk.Exists(ctx, "media", dir+"/v1.png")
	assert.False(t, ok)

	e, err := s.Pending(30)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestPurgeExpiredHonorsCutoffAndChunk(t *testing.T) {
	s, disk := scheduler(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old1, old2, fresh := "tenants/t1/a", "tenants/t1/b", "tenants/t1/c"
	for _, dir := range []string{old1, old2, fresh} {
		seed(t, disk, "media", dir)
	}
	require.NoError(t, s.ScheduleMedia(ctx, ReplacedMedia{ID: 1, Disk: "media", Directory: old1, PendingConversions: []string{"x"}}, nil))
	require.NoError(t, s.ScheduleMedia(ctx, ReplacedMedia{ID: 2, Disk: "media", Directory: old2, PendingConversions: []string{"x"}}, nil))

	s.now = func() time.Time { return base.Add(72 * time.Hour) }
	require.NoError(t, s.ScheduleMedia(ctx, ReplacedMedia{ID: 3, Disk: "media", Directory: fresh, PendingConversions: []string{"x"}}, nil))

	n, err := s.PurgeExpired(ctx, 48, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.PurgeExpired(ctx, 48, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The fresh entry is untouched.
	e, err := s.Pending(3)
	require.NoError(t, err)
	require.NotNil(t, e)
	ok, _ := disk.Exists(ctx, "media", fresh+"/v1.png")
	assert.True(t, ok)
}
