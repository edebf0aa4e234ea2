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

// Package localdisk implements the storage.Storage interface on local
// disk, with one directory per named disk under a common root.
package localdisk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sluice.dev/pkg/storage"
)

// DiskStorage stores blobs in the local filesystem, one subdirectory
// per disk name under Root.
type DiskStorage struct {
	root string
}

// New returns a DiskStorage rooted at root, creating it if necessary.
func New(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("localdisk: root %q is not a directory", root)
	}
	return &DiskStorage{root: root}, nil
}

// abs resolves (disk, rel) to an absolute path, refusing paths that
// would escape the disk's directory.
func (ds *DiskStorage) abs(disk, rel string) (string, error) {
	if disk == "" {
		return "", fmt.Errorf("localdisk: empty disk name")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("localdisk: invalid path %q", rel)
	}
	return filepath.Join(ds.root, disk, clean), nil
}

func (ds *DiskStorage) WriteStream(ctx context.Context, disk, path string, r io.Reader) (int64, error) {
	full, err := ds.abs(disk, path)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(full)+".tmp")
	if err != nil {
		return 0, err
	}
	success := false // set true later
	defer func() {
		if !success {
			os.Remove(tempFile.Name())
		}
	}()

	written, err := io.Copy(tempFile, r)
	if err != nil {
		tempFile.Close()
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		tempFile.Close()
		return 0, err
	}
	if err = tempFile.Sync(); err != nil {
		tempFile.Close()
		return 0, err
	}
	if err = tempFile.Close(); err != nil {
		return 0, err
	}
	stat, err := os.Lstat(tempFile.Name())
	if err != nil {
		return 0, err
	}
	if stat.Size() != written {
		return 0, fmt.Errorf("localdisk: temp file %q size %d didn't match written size %d", tempFile.Name(), stat.Size(), written)
	}
	if err = os.Rename(tempFile.Name(), full); err != nil {
		return 0, err
	}
	success = true
	return written, nil
}

func (ds *DiskStorage) Open(ctx context.Context, disk, path string) (io.ReadCloser, error) {
	full, err := ds.abs(disk, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (ds *DiskStorage) DeleteIfExists(ctx context.Context, disk, path string) error {
	full, err := ds.abs(disk, path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (ds *DiskStorage) DeleteDir(ctx context.Context, disk, dir string) error {
	full, err := ds.abs(disk, dir)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

func (ds *DiskStorage) Size(ctx context.Context, disk, path string) (int64, error) {
	full, err := ds.abs(disk, path)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return 0, storage.ErrNotExist
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (ds *DiskStorage) Exists(ctx context.Context, disk, path string) (bool, error) {
	_, err := ds.Size(ctx, disk, path)
	if err == storage.ErrNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TemporaryURL is not supported on local disk; signed local serving is
// the HTTP layer's concern.
func (ds *DiskStorage) TemporaryURL(ctx context.Context, disk, path string, ttl time.Duration) (string, error) {
	return "", storage.ErrUnsupported
}

var _ storage.Storage = (*DiskStorage)(nil)
