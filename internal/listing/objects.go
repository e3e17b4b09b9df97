package listing

import (
	"context"
	"time"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// Object is one entry of an object listing.
type Object struct {
	Key          string
	LastModified time.Time
	ETag         string
	Size         int64
	StorageClass string
	// Owner is nil when the listing does not fetch owners.
	Owner *acl.Owner
}

func objectFrom(v *metadata.ObjectVersion, withOwner bool) Object {
	o := Object{
		Key:          v.Key,
		LastModified: v.LastModified,
		ETag:         v.ETag,
		Size:         v.Size,
		StorageClass: v.StorageClass,
	}
	if withOwner {
		owner := v.Owner
		o.Owner = &owner
	}
	return o
}

// ObjectsV1Params are the arguments of ListObjectsV1.
type ObjectsV1Params struct {
	Prefix    string
	Delimiter string
	Marker    string
	MaxKeys   int
}

// ObjectsV1Result is one page of ListObjectsV1.
type ObjectsV1Result struct {
	Objects        []Object
	CommonPrefixes []string
	IsTruncated    bool
	// NextMarker is the last key or common prefix of a truncated page.
	NextMarker string
}

// ObjectsV2Params are the arguments of ListObjectsV2. A non-empty
// ContinuationToken takes precedence over StartAfter.
type ObjectsV2Params struct {
	Prefix            string
	Delimiter         string
	ContinuationToken string
	StartAfter        string
	MaxKeys           int
	FetchOwner        bool
}

// ObjectsV2Result is one page of ListObjectsV2.
type ObjectsV2Result struct {
	Objects               []Object
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
	// KeyCount counts both keys and common prefixes.
	KeyCount int
}

// scanLatest feeds the current version of every key after the collector's
// marker through c, passing emitted objects to emit. Delete markers are
// skipped without counting.
func (e *Engine) scanLatest(ctx context.Context, bucket string, c *collector, emit func(*metadata.ObjectVersion)) error {
	if c.max == 0 {
		return nil
	}
	cursor := c.marker
	for {
		page, err := e.meta.ListLatestPage(ctx, bucket, c.prefix, cursor, scanBatch)
		if err != nil {
			return err
		}
		for _, v := range page {
			cursor = v.Key
			if v.IsDeleteMarker {
				continue
			}
			switch c.admit(v.Key) {
			case emitKey:
				emit(v)
			case stop:
				return nil
			}
		}
		if len(page) < scanBatch {
			return nil
		}
	}
}

// ListObjectsV1 returns one page of the current objects of bucket.
func (e *Engine) ListObjectsV1(ctx context.Context, bucket string, p ObjectsV1Params) (*ObjectsV1Result, error) {
	c := &collector{prefix: p.Prefix, delimiter: p.Delimiter, marker: p.Marker, max: p.MaxKeys}
	res := &ObjectsV1Result{}
	err := e.scanLatest(ctx, bucket, c, func(v *metadata.ObjectVersion) {
		res.Objects = append(res.Objects, objectFrom(v, true))
	})
	if err != nil {
		return nil, err
	}
	res.CommonPrefixes = c.prefixes
	res.IsTruncated = c.truncated
	if c.truncated {
		res.NextMarker = c.last
	}
	return res, nil
}

// ListObjectsV2 returns one page of the current objects of bucket.
func (e *Engine) ListObjectsV2(ctx context.Context, bucket string, p ObjectsV2Params) (*ObjectsV2Result, error) {
	start := p.StartAfter
	if p.ContinuationToken != "" {
		var err error
		if start, err = DecodeToken(p.ContinuationToken); err != nil {
			return nil, err
		}
	}

	c := &collector{prefix: p.Prefix, delimiter: p.Delimiter, marker: start, max: p.MaxKeys}
	res := &ObjectsV2Result{}
	err := e.scanLatest(ctx, bucket, c, func(v *metadata.ObjectVersion) {
		res.Objects = append(res.Objects, objectFrom(v, p.FetchOwner))
	})
	if err != nil {
		return nil, err
	}
	res.CommonPrefixes = c.prefixes
	res.IsTruncated = c.truncated
	res.KeyCount = c.count
	if c.truncated {
		res.NextContinuationToken = EncodeToken(c.last)
	}
	return res, nil
}
