package service

import (
	"context"
	"errors"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/metrics"
)

// CreateBucketInput describes a new bucket.
type CreateBucketInput struct {
	Bucket string
	// LocationConstraint must be empty or the engine's region.
	LocationConstraint string
	ACL                ACLInput
}

// CreateBucket creates a bucket owned by the caller. Re-creating a bucket the
// caller already owns succeeds in us-east-1 and keeps the first ACL; other
// regions answer BucketAlreadyOwnedByYou.
func (s *Service) CreateBucket(ctx context.Context, p auth.Principal, in CreateBucketInput) (_ *metadata.BucketRecord, err error) {
	defer observe("CreateBucket", time.Now(), &err)

	if err := s.access.Authorize(&access.Request{Principal: p, Action: access.CreateBucket}); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(in.Bucket); err != nil {
		return nil, err
	}
	if in.LocationConstraint != "" && in.LocationConstraint != s.region {
		return nil, s3err.ErrInvalidLocationConstraint.WithExtra("LocationConstraint", in.LocationConstraint)
	}
	owner := p.Owner()
	a, err := s.resolveACL(ctx, in.ACL, owner, owner)
	if err != nil {
		return nil, err
	}

	if existing, err := s.existingBucket(ctx, p, in.Bucket); existing != nil || err != nil {
		return existing, err
	}
	if err := s.checkBucketQuota(ctx, p); err != nil {
		return nil, err
	}

	rec := &metadata.BucketRecord{
		Name:   in.Bucket,
		Region: s.region,
		Owner:  owner,
		ACL:    a,
	}
	if err := s.meta.CreateBucket(ctx, rec); err != nil {
		if errors.Is(err, metadata.ErrConflict) {
			// Lost a creation race; answer as if the bucket had existed.
			if existing, err := s.existingBucket(ctx, p, in.Bucket); existing != nil || err != nil {
				return existing, err
			}
		}
		return nil, s3err.Internal(err)
	}
	metrics.BucketsTotal.Inc()
	s.logger.Info("Bucket created", "bucket", in.Bucket, "owner", owner.ID)
	return rec, nil
}

func (s *Service) existingBucket(ctx context.Context, p auth.Principal, name string) (*metadata.BucketRecord, error) {
	b, err := s.meta.GetBucket(ctx, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s3err.Internal(err)
	}
	if b.Owner.ID != p.ID {
		return nil, s3err.ErrBucketAlreadyExists.WithExtra("BucketName", name)
	}
	if s.region != "us-east-1" {
		return nil, s3err.ErrBucketAlreadyOwnedByYou.WithExtra("BucketName", name)
	}
	return b, nil
}

func (s *Service) checkBucketQuota(ctx context.Context, p auth.Principal) error {
	if s.maxBuckets <= 0 {
		return nil
	}
	all, err := s.meta.ListBuckets(ctx)
	if err != nil {
		return s3err.Internal(err)
	}
	n := 0
	for _, b := range all {
		if b.Owner.ID == p.ID {
			n++
		}
	}
	if n >= s.maxBuckets {
		return s3err.ErrTooManyBuckets
	}
	return nil
}

// DeleteBucket aborts the leftover multipart uploads of an empty bucket and
// removes it. An upload that could not be aborted keeps the bucket in place.
func (s *Service) DeleteBucket(ctx context.Context, p auth.Principal, bucket string) (err error) {
	defer observe("DeleteBucket", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.DeleteBucket, nil); err != nil {
		return err
	}
	has, err := s.meta.HasObjects(ctx, bucket)
	if err != nil {
		return s3err.Internal(err)
	}
	if has {
		return s3err.ErrBucketNotEmpty.WithExtra("BucketName", bucket)
	}

	uploads, err := s.meta.ListUploads(ctx, bucket, "", "", "", 0)
	if err != nil {
		return s3err.Internal(err)
	}
	for _, u := range uploads {
		if err := s.uploads.Abort(ctx, bucket, u.Key, u.UploadID); err != nil && !errors.Is(err, s3err.ErrNoSuchUpload) {
			s.logger.Warn("Failed to abort leftover upload", "bucket", bucket, "upload_id", u.UploadID, "error", err)
		}
	}

	switch err := s.meta.DeleteBucket(ctx, bucket); {
	case errors.Is(err, metadata.ErrNotFound):
		return s3err.ErrNoSuchBucket.WithExtra("BucketName", bucket)
	case errors.Is(err, metadata.ErrNotEmpty):
		return s3err.ErrBucketNotEmpty.WithExtra("BucketName", bucket)
	case err != nil:
		return s3err.Internal(err)
	}
	metrics.BucketsTotal.Dec()
	s.access.Forget(bucket)
	s.logger.Info("Bucket deleted", "bucket", bucket, "aborted_uploads", len(uploads))
	return nil
}

// BucketInfo is the answer to HeadBucket.
type BucketInfo struct {
	Bucket *metadata.BucketRecord
	Usage  *metadata.Usage
}

// HeadBucket checks that the bucket exists and is readable by the caller and
// reports its usage.
func (s *Service) HeadBucket(ctx context.Context, p auth.Principal, bucket string) (_ *BucketInfo, err error) {
	defer observe("HeadBucket", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.ListBucket, nil)
	if err != nil {
		return nil, err
	}
	usage, err := s.meta.BucketUsage(ctx, bucket)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return &BucketInfo{Bucket: b, Usage: usage}, nil
}

// ListBuckets returns the caller's buckets ordered by name.
func (s *Service) ListBuckets(ctx context.Context, p auth.Principal) (_ []*metadata.BucketRecord, err error) {
	defer observe("ListBuckets", time.Now(), &err)
	if p.IsAnonymous() {
		return nil, s3err.ErrAccessDenied
	}
	all, err := s.meta.ListBuckets(ctx)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	out := make([]*metadata.BucketRecord, 0, len(all))
	for _, b := range all {
		if b.Owner.ID == p.ID {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetBucketLocation returns the bucket's region.
func (s *Service) GetBucketLocation(ctx context.Context, p auth.Principal, bucket string) (_ string, err error) {
	defer observe("GetBucketLocation", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetBucketLocation, nil)
	if err != nil {
		return "", err
	}
	return b.Region, nil
}
