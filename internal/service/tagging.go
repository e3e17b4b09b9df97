package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

const (
	maxObjectTags  = 10
	maxBucketTags  = 50
	maxTagKeyLen   = 128
	maxTagValueLen = 256
)

func validateTags(tags []metadata.Tag, limit int) error {
	if len(tags) > limit {
		if limit == maxObjectTags {
			return s3err.ErrTooManyTags
		}
		return s3err.ErrInvalidTag.WithMessage("Bucket tag count cannot be greater than %d", limit)
	}
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		switch {
		case t.Key == "" || utf8.RuneCountInString(t.Key) > maxTagKeyLen:
			return s3err.ErrInvalidTag.WithMessage("The TagKey you have provided is invalid")
		case utf8.RuneCountInString(t.Value) > maxTagValueLen:
			return s3err.ErrInvalidTag.WithMessage("The TagValue you have provided is invalid")
		case strings.HasPrefix(strings.ToLower(t.Key), "aws:"):
			return s3err.ErrInvalidTag.WithMessage("Your TagKey cannot be prefixed with aws:")
		case seen[t.Key]:
			return s3err.ErrInvalidTag.WithMessage("Cannot provide multiple Tags with the same key")
		}
		seen[t.Key] = true
	}
	return nil
}

func tagMap(tags []metadata.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}

func cloneTags(tags []metadata.Tag) []metadata.Tag {
	if len(tags) == 0 {
		return nil
	}
	return append([]metadata.Tag(nil), tags...)
}

// TaggingOutput is the tag set of a version.
type TaggingOutput struct {
	VersionID string
	Tags      []metadata.Tag
}

// GetObjectTagging returns a version's tags.
func (s *Service) GetObjectTagging(ctx context.Context, p auth.Principal, bucket, key, versionID string) (_ *TaggingOutput, err error) {
	defer observe("GetObjectTagging", time.Now(), &err)
	action := access.GetObjectTagging
	if versionID != "" {
		action = access.GetObjectVersionTagging
	}
	_, v, err := s.authorizedObject(ctx, p, bucket, key, versionID, action, nil)
	if err != nil {
		return nil, err
	}
	return &TaggingOutput{VersionID: v.VersionID, Tags: cloneTags(v.Tags)}, nil
}

// PutObjectTagging replaces a version's tags.
func (s *Service) PutObjectTagging(ctx context.Context, p auth.Principal, bucket, key, versionID string, tags []metadata.Tag) (_ string, err error) {
	defer observe("PutObjectTagging", time.Now(), &err)
	action := access.PutObjectTagging
	if versionID != "" {
		action = access.PutObjectVersionTagging
	}
	_, v, err := s.authorizedObjectTags(ctx, p, bucket, key, versionID, action, nil, tagMap(tags))
	if err != nil {
		return "", err
	}
	if err := validateTags(tags, maxObjectTags); err != nil {
		return "", err
	}
	err = s.updateVersion(ctx, v, func(cur *metadata.ObjectVersion) error {
		cur.Tags = cloneTags(tags)
		return nil
	})
	return v.VersionID, err
}

// DeleteObjectTagging removes a version's tags.
func (s *Service) DeleteObjectTagging(ctx context.Context, p auth.Principal, bucket, key, versionID string) (_ string, err error) {
	defer observe("DeleteObjectTagging", time.Now(), &err)
	action := access.DeleteObjectTagging
	if versionID != "" {
		action = access.DeleteObjectVersionTagging
	}
	_, v, err := s.authorizedObject(ctx, p, bucket, key, versionID, action, nil)
	if err != nil {
		return "", err
	}
	err = s.updateVersion(ctx, v, func(cur *metadata.ObjectVersion) error {
		cur.Tags = nil
		return nil
	})
	return v.VersionID, err
}

// GetBucketTagging returns the bucket's tags, or NoSuchTagSet.
func (s *Service) GetBucketTagging(ctx context.Context, p auth.Principal, bucket string) (_ []metadata.Tag, err error) {
	defer observe("GetBucketTagging", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetBucketTagging, nil)
	if err != nil {
		return nil, err
	}
	if len(b.Tags) == 0 {
		return nil, s3err.ErrNoSuchTagSet.WithExtra("BucketName", bucket)
	}
	return cloneTags(b.Tags), nil
}

// PutBucketTagging replaces the bucket's tags.
func (s *Service) PutBucketTagging(ctx context.Context, p auth.Principal, bucket string, tags []metadata.Tag) (err error) {
	defer observe("PutBucketTagging", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketTagging, nil); err != nil {
		return err
	}
	if err := validateTags(tags, maxBucketTags); err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Tags = cloneTags(tags)
		return nil
	})
	return err
}

// DeleteBucketTagging removes the bucket's tags.
func (s *Service) DeleteBucketTagging(ctx context.Context, p auth.Principal, bucket string) (err error) {
	defer observe("DeleteBucketTagging", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketTagging, nil); err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Tags = nil
		return nil
	})
	return err
}
