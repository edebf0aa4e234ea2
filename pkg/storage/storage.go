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

// Package storage defines the blob storage interface the ingestion
// engine consumes, and a local-disk implementation of it.
//
// A Storage addresses blobs by (disk, path), where disk is a named
// storage area and path is a relative slash-separated path within it.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotExist is returned by Size for paths that have no blob.
	ErrNotExist = errors.New("storage: blob does not exist")

	// ErrUnsupported is returned by backends that cannot implement
	// an optional operation, such as TemporaryURL on local disk.
	ErrUnsupported = errors.New("storage: operation not supported")
)

// Storage is the blob store consumed by the upload pipeline.
//
// Implementations must be safe for concurrent use. WriteStream must be
// atomic: a reader must never observe a partially written blob at path.
type Storage interface {
	// WriteStream writes r to (disk, path) and returns the number of
	// bytes written. The write is atomic (temp file + rename).
	WriteStream(ctx context.Context, disk, path string, r io.Reader) (int64, error)

	// Open returns the blob at (disk, path) for reading, or
	// ErrNotExist.
	Open(ctx context.Context, disk, path string) (io.ReadCloser, error)

	// DeleteIfExists removes the blob at (disk, path). Deleting an
	// absent blob is not an error.
	DeleteIfExists(ctx context.Context, disk, path string) error

	// DeleteDir removes the directory at (disk, dir) and everything
	// under it. Deleting an absent directory is not an error.
	DeleteDir(ctx context.Context, disk, dir string) error

	// Size returns the byte size of the blob at (disk, path), or
	// ErrNotExist.
	Size(ctx context.Context, disk, path string) (int64, error)

	// Exists reports whether a blob exists at (disk, path).
	Exists(ctx context.Context, disk, path string) (bool, error)

	// TemporaryURL returns a signed URL for (disk, path) valid for
	// ttl, or ErrUnsupported.
	TemporaryURL(ctx context.Context, disk, path string, ttl time.Duration) (string, error)
}
