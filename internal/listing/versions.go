package listing

import (
	"context"
	"errors"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// Version is one entry of a version listing: an object version or a delete
// marker.
type Version struct {
	Object
	VersionID      string
	IsLatest       bool
	IsDeleteMarker bool
}

// VersionsParams are the arguments of ListObjectVersions.
type VersionsParams struct {
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// VersionsResult is one page of ListObjectVersions.
type VersionsResult struct {
	Versions            []Version
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// ListObjectVersions returns one page of every version and delete marker of
// bucket, ordered by key and newest first within a key.
func (e *Engine) ListObjectVersions(ctx context.Context, bucket string, p VersionsParams) (*VersionsResult, error) {
	if p.VersionIDMarker != "" && p.KeyMarker == "" {
		return nil, s3err.ErrInvalidArgument.
			WithMessage("A version-id marker cannot be specified without a key marker.").
			WithExtra("ArgumentName", "version-id-marker").
			WithExtra("ArgumentValue", p.VersionIDMarker)
	}

	c := &collector{prefix: p.Prefix, delimiter: p.Delimiter, marker: p.KeyMarker, max: p.MaxKeys}
	res := &VersionsResult{}
	if c.max == 0 {
		return res, nil
	}

	keyMarker, versionMarker := p.KeyMarker, p.VersionIDMarker
	// Resuming inside a key means its newest version was already listed.
	lastKey := ""
	if versionMarker != "" {
		lastKey = keyMarker
	}
	lastVersion := ""
	first := true

scan:
	for {
		page, err := e.meta.ListVersionsPage(ctx, bucket, c.prefix, keyMarker, versionMarker, scanBatch)
		if first && errors.Is(err, metadata.ErrNotFound) {
			return nil, s3err.ErrInvalidArgument.
				WithMessage("Invalid version id specified").
				WithExtra("ArgumentName", "version-id-marker").
				WithExtra("ArgumentValue", p.VersionIDMarker)
		}
		if err != nil {
			return nil, err
		}
		first = false

		for _, v := range page {
			latest := v.Key != lastKey
			lastKey = v.Key
			keyMarker, versionMarker = v.Key, v.VersionID

			switch c.admit(v.Key) {
			case emitKey:
				res.Versions = append(res.Versions, Version{
					Object:         objectFrom(v, true),
					VersionID:      v.VersionID,
					IsLatest:       latest,
					IsDeleteMarker: v.IsDeleteMarker,
				})
				lastVersion = v.VersionID
			case emitPrefix:
				lastVersion = ""
			case stop:
				break scan
			}
		}
		if len(page) < scanBatch {
			break
		}
	}

	res.CommonPrefixes = c.prefixes
	res.IsTruncated = c.truncated
	if c.truncated {
		res.NextKeyMarker = c.last
		res.NextVersionIDMarker = lastVersion
	}
	return res, nil
}
