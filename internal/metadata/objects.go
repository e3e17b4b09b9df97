package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/uid"
)

// listBatch is the page size used when scanning a partition.
const listBatch = 512

// DeleteResult describes the outcome of deleting the current version of a key.
type DeleteResult struct {
	// VersionID is the id of the delete marker created, if any.
	VersionID string
	// DeleteMarker is true when a delete marker was created.
	DeleteMarker bool
}

// ValidateKey rejects object keys the store cannot represent.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if len(key) > 1024 {
		return fmt.Errorf("object key longer than 1024 bytes")
	}
	if strings.Contains(key, keySep) {
		return fmt.Errorf("object key contains NUL")
	}
	return nil
}

func (s *Store) lockKey(bucket, key string) func() {
	release := s.gates.RLock(bucket)
	unlock := s.keys.Lock(bucket + "/" + key)
	return func() {
		unlock()
		release()
	}
}

func decodeVersion(item *Item) (*ObjectVersion, error) {
	v, err := decode[ObjectVersion](item)
	if err != nil {
		return nil, err
	}
	v.Revision = item.Revision
	return v, nil
}

func sortKeyFor(v *ObjectVersion) (Key, error) {
	seq, err := uid.ParseSequence(v.Sequence)
	if err != nil {
		return Key{}, fmt.Errorf("version %s/%s@%s has invalid sequence %q: %w", v.Bucket, v.Key, v.VersionID, v.Sequence, err)
	}
	return versionKey(v.Bucket, v.Key, uid.InvertedSequence(seq)), nil
}

// ListKeyVersions returns every version of key, newest first.
func (s *Store) ListKeyVersions(ctx context.Context, bucket, key string) ([]*ObjectVersion, error) {
	items, err := s.backend.List(ctx, objectsPartition(bucket), key+keySep, "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s/%s: %w", bucket, key, err)
	}
	out := make([]*ObjectVersion, 0, len(items))
	for i := range items {
		v, err := decodeVersion(&items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetObjectVersion returns the given version of key. An empty versionID
// selects the current version, which may be a delete marker. ErrNotFound if
// no such version exists.
func (s *Store) GetObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error) {
	versions, err := s.ListKeyVersions(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return pickVersion(versions, versionID)
}

func pickVersion(versions []*ObjectVersion, versionID string) (*ObjectVersion, error) {
	if versionID == "" {
		if len(versions) == 0 {
			return nil, ErrNotFound
		}
		return versions[0], nil
	}
	for _, v := range versions {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// CommitObject makes v the current version of its key. The version id is
// assigned from the bucket's versioning state: a fresh sequence when
// versioning is enabled, "null" otherwise, in which case any existing null
// version is replaced. Replaced versions are returned so the caller can
// release their content.
func (s *Store) CommitObject(ctx context.Context, v *ObjectVersion) ([]*ObjectVersion, error) {
	if err := ValidateKey(v.Key); err != nil {
		return nil, err
	}
	unlock := s.lockKey(v.Bucket, v.Key)
	defer unlock()

	b, err := s.GetBucket(ctx, v.Bucket)
	if err != nil {
		return nil, err
	}
	return s.commitLocked(ctx, b.Versioning, v)
}

func (s *Store) commitLocked(ctx context.Context, state VersioningState, v *ObjectVersion) ([]*ObjectVersion, error) {
	now := s.now().UTC()
	seq := uid.SequenceAt(now)
	v.Sequence = seq.String()
	if v.LastModified.IsZero() {
		v.LastModified = now
	}

	var replaced []*ObjectVersion
	if state == VersioningEnabled {
		v.VersionID = seq.String()
	} else {
		v.VersionID = NullVersionID
		versions, err := s.ListKeyVersions(ctx, v.Bucket, v.Key)
		if err != nil {
			return nil, err
		}
		for _, old := range versions {
			if old.VersionID == NullVersionID {
				replaced = append(replaced, old)
			}
		}
	}

	data, err := encode(v)
	if err != nil {
		return nil, err
	}
	rev, err := s.backend.Put(ctx, versionKey(v.Bucket, v.Key, uid.InvertedSequence(seq)), data, 0)
	if err != nil {
		return nil, fmt.Errorf("writing version %s/%s: %w", v.Bucket, v.Key, err)
	}
	v.Revision = rev

	for _, old := range replaced {
		k, err := sortKeyFor(old)
		if err != nil {
			return replaced, err
		}
		if err := s.backend.Delete(ctx, k, AnyRevision); err != nil && !errors.Is(err, ErrNotFound) {
			return replaced, fmt.Errorf("removing replaced null version of %s/%s: %w", v.Bucket, v.Key, err)
		}
	}
	return replaced, nil
}

// DeleteCurrent deletes key without naming a version. On unversioned buckets
// the null version is removed. On versioning-enabled buckets a delete marker
// becomes the current version. On suspended buckets the null version is
// replaced by a null delete marker. Removed versions are returned.
func (s *Store) DeleteCurrent(ctx context.Context, bucket, key string, owner acl.Owner) (*DeleteResult, []*ObjectVersion, error) {
	unlock := s.lockKey(bucket, key)
	defer unlock()

	b, err := s.GetBucket(ctx, bucket)
	if err != nil {
		return nil, nil, err
	}

	if b.Versioning == Unversioned {
		versions, err := s.ListKeyVersions(ctx, bucket, key)
		if err != nil {
			return nil, nil, err
		}
		var removed []*ObjectVersion
		for _, v := range versions {
			if err := s.deleteVersionLocked(ctx, v); err != nil {
				return nil, removed, err
			}
			removed = append(removed, v)
		}
		return &DeleteResult{}, removed, nil
	}

	marker := &ObjectVersion{
		Bucket:         bucket,
		Key:            key,
		IsDeleteMarker: true,
		Owner:          owner,
	}
	replaced, err := s.commitLocked(ctx, b.Versioning, marker)
	if err != nil {
		return nil, replaced, err
	}
	return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, replaced, nil
}

// DeleteObjectVersion permanently removes one version (or delete marker) and
// returns it. ErrNotFound if it does not exist.
func (s *Store) DeleteObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error) {
	unlock := s.lockKey(bucket, key)
	defer unlock()

	versions, err := s.ListKeyVersions(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	v, err := pickVersion(versions, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.deleteVersionLocked(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) deleteVersionLocked(ctx context.Context, v *ObjectVersion) error {
	k, err := sortKeyFor(v)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, k, AnyRevision); err != nil {
		return fmt.Errorf("deleting version %s/%s@%s: %w", v.Bucket, v.Key, v.VersionID, err)
	}
	return nil
}

// UpdateObjectVersion applies fn to a version (current when versionID is
// empty) and stores it with compare-and-swap.
func (s *Store) UpdateObjectVersion(ctx context.Context, bucket, key, versionID string, fn func(*ObjectVersion) error) (*ObjectVersion, error) {
	unlock := s.lockKey(bucket, key)
	defer unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := s.GetObjectVersion(ctx, bucket, key, versionID)
		if err != nil {
			return nil, err
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		k, err := sortKeyFor(v)
		if err != nil {
			return nil, err
		}
		data, err := encode(v)
		if err != nil {
			return nil, err
		}
		rev, err := s.backend.Put(ctx, k, data, v.Revision)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating version %s/%s: %w", bucket, key, err)
		}
		v.Revision = rev
		return v, nil
	}
	return nil, fmt.Errorf("updating version %s/%s: %w", bucket, key, ErrConflict)
}

// PutObjectVersion writes v verbatim, keeping its version id and sequence.
// It is used to restore exported metadata.
func (s *Store) PutObjectVersion(ctx context.Context, v *ObjectVersion) error {
	k, err := sortKeyFor(v)
	if err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	rev, err := s.backend.Put(ctx, k, data, AnyRevision)
	if err != nil {
		return fmt.Errorf("writing version %s/%s: %w", v.Bucket, v.Key, err)
	}
	v.Revision = rev
	return nil
}

// ListVersionsPage returns up to limit versions whose key starts with prefix,
// ordered by key and then newest first, strictly after the position
// (keyMarker, versionMarker). An empty versionMarker skips every version of
// keyMarker. ErrNotFound if versionMarker names no version of keyMarker.
func (s *Store) ListVersionsPage(ctx context.Context, bucket, prefix, keyMarker, versionMarker string, limit int) ([]*ObjectVersion, error) {
	startAfter := ""
	if keyMarker != "" {
		startAfter = keyMarker + keySep + afterAllVersions
		if versionMarker != "" {
			versions, err := s.ListKeyVersions(ctx, bucket, keyMarker)
			if err != nil {
				return nil, err
			}
			v, err := pickVersion(versions, versionMarker)
			if err != nil {
				return nil, err
			}
			k, err := sortKeyFor(v)
			if err != nil {
				return nil, err
			}
			startAfter = k.Sort
		}
	}

	items, err := s.backend.List(ctx, objectsPartition(bucket), prefix, startAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", bucket, err)
	}
	out := make([]*ObjectVersion, 0, len(items))
	for i := range items {
		v, err := decodeVersion(&items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListLatestPage returns the current version (possibly a delete marker) of up
// to limit keys that start with prefix and sort strictly after afterKey.
func (s *Store) ListLatestPage(ctx context.Context, bucket, prefix, afterKey string, limit int) ([]*ObjectVersion, error) {
	cursor := ""
	if afterKey != "" {
		cursor = afterKey + keySep + afterAllVersions
	}
	var out []*ObjectVersion
	lastKey := ""
	for {
		items, err := s.backend.List(ctx, objectsPartition(bucket), prefix, cursor, listBatch)
		if err != nil {
			return nil, fmt.Errorf("listing objects of %s: %w", bucket, err)
		}
		for i := range items {
			key, _, err := splitVersionSort(items[i].Key.Sort)
			if err != nil {
				return nil, err
			}
			if len(out) > 0 && key == lastKey {
				continue
			}
			v, err := decodeVersion(&items[i])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			lastKey = key
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if len(items) < listBatch {
			return out, nil
		}
		cursor = items[len(items)-1].Key.Sort
	}
}
