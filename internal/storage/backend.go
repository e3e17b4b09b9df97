// Package storage implements the content store: opaque, immutable payloads
// addressed by content id, written through pluggable byte backends (memory,
// local filesystem, SQLite, AWS S3, Google Cloud Storage, Azure Blob).
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a content id has no stored payload.
	ErrNotFound = errors.New("storage: content not found")
	// ErrFull is returned when a backend's capacity limit would be exceeded.
	ErrFull = errors.New("storage: capacity exceeded")
)

// Backend stores immutable blobs by id. All methods must be safe for
// concurrent use. A blob is never rewritten; ids are unique per write.
type Backend interface {
	// Put stores the bytes read from r under id and returns the number of
	// bytes written. size is a hint and may be -1 when unknown.
	Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error)

	// Get opens the blob for reading starting at offset. length < 0 reads to
	// the end. The caller must close the returned reader.
	Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether the blob is stored.
	Exists(ctx context.Context, id string) (bool, error)

	// HealthCheck verifies the backend is operational.
	HealthCheck(ctx context.Context) error
}

// Composer is implemented by backends that can concatenate stored blobs
// without streaming them through the process.
type Composer interface {
	// Compose writes the concatenation of srcs, in order, to dst and returns
	// its size. The sources are left in place.
	Compose(ctx context.Context, dst string, srcs []string) (int64, error)
}
