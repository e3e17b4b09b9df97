package metadata

import (
	"context"
	"errors"
	"fmt"
)

// afterAllUploads sorts after every upload id (uuid text) of a key.
const afterAllUploads = "~"

// CreateUpload stores a new multipart upload record. It returns ErrNotFound
// if the bucket does not exist.
func (s *Store) CreateUpload(ctx context.Context, u *MultipartUploadRecord) error {
	if err := ValidateKey(u.Key); err != nil {
		return err
	}
	release := s.gates.RLock(u.Bucket)
	defer release()

	if _, err := s.GetBucket(ctx, u.Bucket); err != nil {
		return err
	}
	if u.Initiated.IsZero() {
		u.Initiated = s.now().UTC()
	}
	data, err := encode(u)
	if err != nil {
		return err
	}
	rev, err := s.backend.Put(ctx, uploadKey(u.Bucket, u.Key, u.UploadID), data, 0)
	if err != nil {
		return fmt.Errorf("creating upload %s: %w", u.UploadID, err)
	}
	u.Revision = rev
	return nil
}

// GetUpload returns the upload record or ErrNotFound.
func (s *Store) GetUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	item, err := s.backend.Get(ctx, uploadKey(bucket, key, uploadID))
	if err != nil {
		return nil, err
	}
	u, err := decode[MultipartUploadRecord](item)
	if err != nil {
		return nil, err
	}
	u.Revision = item.Revision
	return u, nil
}

// DeleteUpload removes the upload record. Parts are removed separately with
// DeleteParts.
func (s *Store) DeleteUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.backend.Delete(ctx, uploadKey(bucket, key, uploadID), AnyRevision)
}

// ListUploads returns up to limit uploads whose key starts with prefix,
// ordered by key and upload id, strictly after (keyMarker, uploadIDMarker).
func (s *Store) ListUploads(ctx context.Context, bucket, prefix, keyMarker, uploadIDMarker string, limit int) ([]*MultipartUploadRecord, error) {
	startAfter := ""
	if keyMarker != "" {
		startAfter = keyMarker + keySep + afterAllUploads
		if uploadIDMarker != "" {
			startAfter = keyMarker + keySep + uploadIDMarker
		}
	}
	items, err := s.backend.List(ctx, uploadsPartition(bucket), prefix, startAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("listing uploads of %s: %w", bucket, err)
	}
	out := make([]*MultipartUploadRecord, 0, len(items))
	for i := range items {
		u, err := decode[MultipartUploadRecord](&items[i])
		if err != nil {
			return nil, err
		}
		u.Revision = items[i].Revision
		out = append(out, u)
	}
	return out, nil
}

// PutPart stores a part, replacing any part with the same number. The
// replaced part is returned so its content can be released.
func (s *Store) PutPart(ctx context.Context, p *PartRecord) (*PartRecord, error) {
	k := partKey(p.UploadID, p.PartNumber)
	data, err := encode(p)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var prev *PartRecord
		expect := int64(0)
		item, err := s.backend.Get(ctx, k)
		switch {
		case err == nil:
			prev, err = decode[PartRecord](item)
			if err != nil {
				return nil, err
			}
			expect = item.Revision
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		rev, err := s.backend.Put(ctx, k, data, expect)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("writing part %d of %s: %w", p.PartNumber, p.UploadID, err)
		}
		p.Revision = rev
		return prev, nil
	}
	return nil, fmt.Errorf("writing part %d of %s: %w", p.PartNumber, p.UploadID, ErrConflict)
}

// GetPart returns one part or ErrNotFound.
func (s *Store) GetPart(ctx context.Context, uploadID string, partNumber int) (*PartRecord, error) {
	item, err := s.backend.Get(ctx, partKey(uploadID, partNumber))
	if err != nil {
		return nil, err
	}
	p, err := decode[PartRecord](item)
	if err != nil {
		return nil, err
	}
	p.Revision = item.Revision
	return p, nil
}

// ListParts returns up to limit parts numbered above afterPart, in ascending
// part number order.
func (s *Store) ListParts(ctx context.Context, uploadID string, afterPart, limit int) ([]*PartRecord, error) {
	items, err := s.backend.List(ctx, partsPartition(uploadID), "", partSort(afterPart), limit)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %s: %w", uploadID, err)
	}
	out := make([]*PartRecord, 0, len(items))
	for i := range items {
		p, err := decode[PartRecord](&items[i])
		if err != nil {
			return nil, err
		}
		if _, err := parsePartSort(items[i].Key.Sort); err != nil {
			return nil, fmt.Errorf("malformed part key %q: %w", items[i].Key.Sort, err)
		}
		p.Revision = items[i].Revision
		out = append(out, p)
	}
	return out, nil
}

// DeleteParts removes every part of an upload and returns them.
func (s *Store) DeleteParts(ctx context.Context, uploadID string) ([]*PartRecord, error) {
	parts, err := s.ListParts(ctx, uploadID, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if err := s.backend.Delete(ctx, partKey(uploadID, p.PartNumber), AnyRevision); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("deleting part %d of %s: %w", p.PartNumber, uploadID, err)
		}
	}
	return parts, nil
}
