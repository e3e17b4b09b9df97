package service

import (
	"context"
	"strconv"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/listing"
)

func listConditions(prefix, delimiter string, maxKeys int) map[string]string {
	return map[string]string{
		access.KeyPrefix:    prefix,
		access.KeyDelimiter: delimiter,
		access.KeyMaxKeys:   strconv.Itoa(maxKeys),
	}
}

// ListObjectsV1 returns one page of a bucket's current objects.
func (s *Service) ListObjectsV1(ctx context.Context, p auth.Principal, bucket string, params listing.ObjectsV1Params) (_ *listing.ObjectsV1Result, err error) {
	defer observe("ListObjects", time.Now(), &err)
	conds := listConditions(params.Prefix, params.Delimiter, params.MaxKeys)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.ListBucket, conds); err != nil {
		return nil, err
	}
	res, err := s.listing.ListObjectsV1(ctx, bucket, params)
	return res, s3err.Internal(err)
}

// ListObjectsV2 returns one page of a bucket's current objects.
func (s *Service) ListObjectsV2(ctx context.Context, p auth.Principal, bucket string, params listing.ObjectsV2Params) (_ *listing.ObjectsV2Result, err error) {
	defer observe("ListObjectsV2", time.Now(), &err)
	conds := listConditions(params.Prefix, params.Delimiter, params.MaxKeys)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.ListBucket, conds); err != nil {
		return nil, err
	}
	res, err := s.listing.ListObjectsV2(ctx, bucket, params)
	return res, s3err.Internal(err)
}

// ListObjectVersions returns one page of a bucket's versions and delete
// markers.
func (s *Service) ListObjectVersions(ctx context.Context, p auth.Principal, bucket string, params listing.VersionsParams) (_ *listing.VersionsResult, err error) {
	defer observe("ListObjectVersions", time.Now(), &err)
	conds := listConditions(params.Prefix, params.Delimiter, params.MaxKeys)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.ListBucketVersions, conds); err != nil {
		return nil, err
	}
	res, err := s.listing.ListObjectVersions(ctx, bucket, params)
	return res, s3err.Internal(err)
}

// ListMultipartUploads returns one page of a bucket's in-progress uploads.
func (s *Service) ListMultipartUploads(ctx context.Context, p auth.Principal, bucket string, params listing.UploadsParams) (_ *listing.UploadsResult, err error) {
	defer observe("ListMultipartUploads", time.Now(), &err)
	conds := listConditions(params.Prefix, params.Delimiter, params.MaxUploads)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.ListBucketMultipartUploads, conds); err != nil {
		return nil, err
	}
	res, err := s.listing.ListMultipartUploads(ctx, bucket, params)
	return res, s3err.Internal(err)
}
