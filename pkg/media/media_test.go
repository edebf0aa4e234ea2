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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sluice.dev/pkg/storage/localdisk"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(uploadUUID string) *Record {
	return &Record{
		ModelType:  "user",
		ModelID:    "42",
		Collection: "avatar",
		Disk:       "media",
		Directory:  "tenants/t1/users/42/avatars/abc",
		FileName:   "avatar-image-deadbeef0123-11aa22bb.png",
		MIME:       "image/png",
		Size:       1234,
		CustomProperties: map[string]string{
			PropTenantID:   "t1",
			PropUploadUUID: uploadUUID,
		},
		GeneratedConversions: map[string]bool{"thumb": false, "medium": false},
	}
}

func TestStoreCreateAndLookups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := sample("u-1")
	require.NoError(t, s.Create(ctx, rec))
	assert.NotZero(t, rec.ID)
	assert.NotEmpty(t, rec.Key)
	assert.False(t, rec.CreatedAt.IsZero())

	byID, err := s.ByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", byID.TenantID())
	assert.Equal(t, "image/png", byID.MIME)
	assert.ElementsMatch(t, []string{"thumb", "medium"}, byID.PendingConversions())

	byUUID, err := s.ByUploadUUID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byUUID.ID)

	_, err = s.ByUploadUUID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCurrentSkipsSuperseded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := sample("u-1")
	require.NoError(t, s.Create(ctx, first))
	second := sample("u-2")
	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, s.MarkSuperseded(ctx, first.ID))

	cur, err := s.Current(ctx, "user", "42", "avatar")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)

	require.NoError(t, s.MarkSuperseded(ctx, second.ID))
	_, err = s.Current(ctx, "user", "42", "avatar")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMarkConversionGenerated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := sample("u-1")
	require.NoError(t, s.Create(ctx, rec))

	done, err := s.MarkConversionGenerated(ctx, rec.ID, "thumb")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = s.MarkConversionGenerated(ctx, rec.ID, "medium")
	require.NoError(t, err)
	assert.True(t, done)

	_, err = s.MarkConversionGenerated(ctx, rec.ID, "banner")
	assert.Error(t, err)
}

func TestStoreDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := sample("u-1")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err := s.ByID(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateReplacingSupersedesCurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := sample("u-1")
	require.NoError(t, s.Create(ctx, first))

	second := sample("u-2")
	prev, err := s.CreateReplacing(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first.ID, prev.ID)
	assert.True(t, prev.Superseded)

	cur, err := s.Current(ctx, "user", "42", "avatar")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)

	// No previous record is a nil return, not an error.
	other := sample("u-3")
	other.ModelID = "43"
	prev, err = s.CreateReplacing(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

// Concurrent single-file attaches for the same owner must leave
// exactly one current record: supersede and insert commit together.
func TestConcurrentSingleFileAttachesKeepOneCurrent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	disk, err := localdisk.New(t.TempDir())
	require.NoError(t, err)
	a := &Attacher{Store: s, Storage: disk, Log: zaptest.NewLogger(t)}

	srcDir := t.TempDir()
	const workers = 8
	srcs := make([]string, workers)
	for i := range srcs {
		srcs[i] = filepath.Join(srcDir, fmt.Sprintf("src-%d.png", i))
		require.NoError(t, os.WriteFile(srcs[i], []byte("png-bytes"), 0600))
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := a.Attach(ctx, AttachRequest{
				TenantID:   "t1",
				ProfileID:  "avatar_image",
				ModelType:  "user",
				ModelID:    "42",
				Collection: "avatar",
				Disk:       "media",
				Directory:  fmt.Sprintf("tenants/t1/users/42/avatars/v%d", i),
				SrcPath:    srcs[i],
				MIME:       "image/png",
				Ext:        "png",
				Checksum:   fmt.Sprintf("%016x", i),
				UploadUUID: fmt.Sprintf("u-%d", i),
				SingleFile: true,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var current int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media WHERE model_type = 'user' AND model_id = '42' AND collection = 'avatar' AND superseded = 0`).
		Scan(&current))
	assert.Equal(t, 1, current)
}

func TestFileName(t *testing.T) {
	name := FileName("Avatar Image!", "deadbeefcafe0123", "PNG")
	assert.Regexp(t, regexp.MustCompile(`^avatar-image-deadbeefcafe-[0-9a-f]{8}\.png$`), name)

	// Bad extension falls back to bin, short checksum to random hex.
	name = FileName("p", "abc", "../../etc/passwd")
	assert.Regexp(t, regexp.MustCompile(`^p-[0-9a-f]{32}-[0-9a-f]{8}\.bin$`), name)
}

func TestAttachAndSupersede(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	root := t.TempDir()
	disk, err := localdisk.New(root)
	require.NoError(t, err)

	a := &Attacher{Store: s, Storage: disk, Log: zaptest.NewLogger(t)}

	src := filepath.Join(t.TempDir(), "src.png")
	require.NoError(t, os.WriteFile(src, []byte("png-bytes"), 0600))

	req := AttachRequest{
		TenantID:   "t1",
		ProfileID:  "avatar_image",
		ModelType:  "user",
		ModelID:    "42",
		Collection: "avatar",
		Disk:       "media",
		Directory:  "tenants/t1/users/42/avatars/v1",
		SrcPath:    src,
		MIME:       "image/png",
		Ext:        "png",
		Checksum:   "0123456789abcdef",
		UploadUUID: "u-1",
		SingleFile: true,
		Conversions: []string{
			"thumb", "medium",
		},
	}
	rec, prev, err := a.Attach(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, int64(len("png-bytes")), rec.Size)

	ok, err := disk.Exists(ctx, "media", rec.Path())
	require.NoError(t, err)
	assert.True(t, ok)

	// Second attach supersedes the first.
	req.UploadUUID = "u-2"
	req.Directory = "tenants/t1/users/42/avatars/v2"
	rec2, prev, err := a.Attach(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, rec.ID, prev.ID)
	assert.True(t, prev.Superseded)

	cur, err := s.Current(ctx, "user", "42", "avatar")
	require.NoError(t, err)
	assert.Equal(t, rec2.ID, cur.ID)
}
