// Package metadata implements the metadata store: buckets and their
// configuration documents, object versions, multipart uploads and parts, and
// the user directory, layered over a pluggable record Backend.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bleepstore/bleepcore/internal/keylock"
)

// maxCASRetries bounds read-modify-write loops that lose compare-and-swap
// races against writers in other processes.
const maxCASRetries = 32

// Store is the metadata store. All mutations of a single (bucket, key) are
// serialized in-process by a per-key lock and across processes by backend
// revisions, which makes them linearizable.
type Store struct {
	backend Backend
	now     func() time.Time

	// gates: object and upload writers hold the shared side, DeleteBucket the exclusive side.
	gates *keylock.Table
	// configs serializes bucket configuration writers.
	configs *keylock.Table
	// keys serializes mutations of one object key.
	keys *keylock.Table
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and version ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store over the given backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		gates:   keylock.New(),
		configs: keylock.New(),
		keys:    keylock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying record backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

func decode[T any](item *Item) (*T, error) {
	var v T
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding record %s/%q: %w", item.Key.Partition, item.Key.Sort, err)
	}
	return &v, nil
}

// --- Buckets ---

// CreateBucket stores a new bucket record. It returns ErrConflict if a bucket
// with the same name exists.
func (s *Store) CreateBucket(ctx context.Context, b *BucketRecord) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	data, err := encode(b)
	if err != nil {
		return err
	}
	rev, err := s.backend.Put(ctx, bucketKey(b.Name), data, 0)
	if err != nil {
		return err
	}
	b.Revision = rev
	return nil
}

// GetBucket returns the bucket record or ErrNotFound.
func (s *Store) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	item, err := s.backend.Get(ctx, bucketKey(name))
	if err != nil {
		return nil, err
	}
	b, err := decode[BucketRecord](item)
	if err != nil {
		return nil, err
	}
	b.Revision = item.Revision
	return b, nil
}

// ListBuckets returns every bucket ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]*BucketRecord, error) {
	items, err := s.backend.List(ctx, partBuckets, "", "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	out := make([]*BucketRecord, 0, len(items))
	for i := range items {
		b, err := decode[BucketRecord](&items[i])
		if err != nil {
			return nil, err
		}
		b.Revision = items[i].Revision
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateBucket applies fn to the current bucket record and stores the result
// with compare-and-swap, retrying when another writer got there first. fn may
// run more than once and must not have side effects beyond the record.
func (s *Store) UpdateBucket(ctx context.Context, name string, fn func(*BucketRecord) error) (*BucketRecord, error) {
	unlock := s.configs.Lock(name)
	defer unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := s.GetBucket(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := fn(b); err != nil {
			return nil, err
		}
		data, err := encode(b)
		if err != nil {
			return nil, err
		}
		rev, err := s.backend.Put(ctx, bucketKey(name), data, b.Revision)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating bucket %s: %w", name, err)
		}
		b.Revision = rev
		return b, nil
	}
	return nil, fmt.Errorf("updating bucket %s: %w", name, ErrConflict)
}

// DeleteBucket removes an empty bucket. It returns ErrNotEmpty while any
// object version, delete marker or multipart upload remains and ErrNotFound
// if the bucket does not exist.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	unlock := s.gates.Lock(name)
	defer unlock()

	if _, err := s.GetBucket(ctx, name); err != nil {
		return err
	}
	has, err := s.HasObjects(ctx, name)
	if err != nil {
		return err
	}
	if has {
		return ErrNotEmpty
	}
	uploads, err := s.backend.List(ctx, uploadsPartition(name), "", "", 1)
	if err != nil {
		return fmt.Errorf("checking bucket uploads: %w", err)
	}
	if len(uploads) > 0 {
		return ErrNotEmpty
	}
	if err := s.backend.Delete(ctx, bucketKey(name), AnyRevision); err != nil {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	return nil
}

// HasObjects reports whether any version or delete marker exists in bucket.
func (s *Store) HasObjects(ctx context.Context, bucket string) (bool, error) {
	items, err := s.backend.List(ctx, objectsPartition(bucket), "", "", 1)
	if err != nil {
		return false, fmt.Errorf("checking bucket contents: %w", err)
	}
	return len(items) > 0, nil
}

// BucketUsage sums stored versions and in-progress multipart parts.
func (s *Store) BucketUsage(ctx context.Context, bucket string) (*Usage, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	u := &Usage{}
	items, err := s.backend.List(ctx, objectsPartition(bucket), "", "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	for i := range items {
		v, err := decode[ObjectVersion](&items[i])
		if err != nil {
			return nil, err
		}
		if v.IsDeleteMarker {
			continue
		}
		u.Objects++
		u.Bytes += v.Size
	}

	uploads, err := s.ListUploads(ctx, bucket, "", "", "", 0)
	if err != nil {
		return nil, err
	}
	for _, up := range uploads {
		u.Uploads++
		parts, err := s.ListParts(ctx, up.UploadID, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			u.PartBytes += p.Size
		}
	}
	u.Bytes += u.PartBytes
	return u, nil
}
