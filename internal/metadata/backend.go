package metadata

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by backends and the Store when a record is absent.
	ErrNotFound = errors.New("metadata: record not found")
	// ErrConflict is returned when a conditional write loses a race or a
	// create-only write finds an existing record.
	ErrConflict = errors.New("metadata: revision conflict")
	// ErrNotEmpty is returned when deleting a bucket that still holds versions.
	ErrNotEmpty = errors.New("metadata: bucket not empty")
)

// AnyRevision makes Put and Delete unconditional.
const AnyRevision int64 = -1

// Key addresses a record. Records within a partition are ordered by the byte
// order of Sort.
type Key struct {
	Partition string
	Sort      string
}

// Item is a stored record. Revision starts at 1 and increases on every write.
type Item struct {
	Key      Key
	Value    []byte
	Revision int64
}

// Backend is the record store the metadata Store is built on. Every
// implementation must honor the revision preconditions atomically:
//
//	expect == AnyRevision  write unconditionally
//	expect == 0            create only; ErrConflict if the record exists
//	expect  > 0            compare-and-swap; ErrConflict unless the stored
//	                       revision equals expect
type Backend interface {
	io.Closer

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Get returns the record at key or ErrNotFound.
	Get(ctx context.Context, key Key) (*Item, error)

	// Put writes value at key and returns the new revision.
	Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error)

	// Delete removes the record at key. ErrNotFound if it does not exist.
	Delete(ctx context.Context, key Key, expect int64) error

	// List returns up to limit records of partition whose Sort starts with
	// prefix and is strictly greater than startAfter, in ascending Sort order.
	// limit <= 0 means no limit.
	List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error)
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix, or "" when no such bound exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// listStart returns the inclusive lower bound for a List call.
func listStart(prefix, startAfter string) string {
	if startAfter >= prefix {
		return startAfter
	}
	return prefix
}
