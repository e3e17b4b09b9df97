package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/listing"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/multipart"
	"github.com/bleepstore/bleepcore/internal/storage"
)

// CreateMultipartUploadInput starts an upload. The attributes, ACL and tags
// are those of the object Complete will produce.
type CreateMultipartUploadInput struct {
	Bucket     string
	Key        string
	Attributes ObjectAttributes
	ACL        ACLInput
	Tags       []metadata.Tag
}

// CreateMultipartUpload starts an upload and returns it with its id.
func (s *Service) CreateMultipartUpload(ctx context.Context, p auth.Principal, in CreateMultipartUploadInput) (_ *metadata.MultipartUploadRecord, err error) {
	defer observe("CreateMultipartUpload", time.Now(), &err)
	conds := map[string]string{}
	if in.ACL.Canned != "" {
		conds[access.KeyACL] = in.ACL.Canned
	}
	if in.Attributes.StorageClass != "" {
		conds[access.KeyStorageClass] = in.Attributes.StorageClass
	}
	b, err := s.bucket(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	req := &access.Request{
		Principal:   p,
		Action:      access.PutObject,
		Bucket:      b,
		Key:         in.Key,
		Conditions:  conds,
		RequestTags: tagMap(in.Tags),
	}
	if err := s.access.Authorize(req); err != nil {
		return nil, err
	}
	if err := validateKey(in.Key); err != nil {
		return nil, err
	}
	if err := validateStorageClass(in.Attributes.StorageClass); err != nil {
		return nil, err
	}
	if err := validateTags(in.Tags, maxObjectTags); err != nil {
		return nil, err
	}
	owner := p.Owner()
	a, err := s.resolveACL(ctx, in.ACL, owner, b.Owner)
	if err != nil {
		return nil, err
	}

	var attrs metadata.ObjectVersion
	in.Attributes.apply(&attrs)
	u := &metadata.MultipartUploadRecord{
		Bucket:             in.Bucket,
		Key:                in.Key,
		Initiator:          owner,
		Owner:              owner,
		ContentType:        attrs.ContentType,
		ContentEncoding:    attrs.ContentEncoding,
		ContentDisposition: attrs.ContentDisposition,
		CacheControl:       attrs.CacheControl,
		UserMetadata:       attrs.UserMetadata,
		StorageClass:       attrs.StorageClass,
		ACL:                a,
		Tags:               cloneTags(in.Tags),
	}
	if err := s.uploads.Create(ctx, u); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3err.ErrNoSuchBucket.WithExtra("BucketName", in.Bucket)
		}
		return nil, s3err.Internal(err)
	}
	return u, nil
}

// authorizedUpload authorizes an action on an upload and returns it.
func (s *Service) authorizedUpload(ctx context.Context, p auth.Principal, bucket, key, uploadID string, action access.Action) (*metadata.BucketRecord, *metadata.MultipartUploadRecord, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, nil, err
	}
	if err := s.access.Authorize(&access.Request{Principal: p, Action: action, Bucket: b, Key: key}); err != nil {
		return nil, nil, err
	}
	u, err := s.uploads.Get(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, nil, err
	}
	return b, u, nil
}

// UploadPartInput is one part of an upload.
type UploadPartInput struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Body       io.Reader
	// Size is the declared length, or -1 when unknown.
	Size       int64
	ContentMD5 string
}

// UploadPart stores a part, replacing an earlier part with the same number.
func (s *Service) UploadPart(ctx context.Context, p auth.Principal, in UploadPartInput) (_ *metadata.PartRecord, err error) {
	defer observe("UploadPart", time.Now(), &err)
	if _, _, err := s.authorizedUpload(ctx, p, in.Bucket, in.Key, in.UploadID, access.PutObject); err != nil {
		return nil, err
	}
	if err := s.checkSize(in.Size); err != nil {
		return nil, err
	}
	return s.uploads.UploadPart(ctx, in.Bucket, in.Key, in.UploadID, in.PartNumber, in.Body, in.Size, in.ContentMD5)
}

// UploadPartCopyInput fills a part from an existing object.
type UploadPartCopyInput struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int

	SourceBucket        string
	SourceKey           string
	SourceVersionID     string
	SourcePreconditions Preconditions
	// SourceRange is an x-amz-copy-source-range value ("bytes=a-b"); empty
	// copies the whole source.
	SourceRange string
}

// UploadPartCopy stores a byte range of a source version as a part.
func (s *Service) UploadPartCopy(ctx context.Context, p auth.Principal, in UploadPartCopyInput) (_ *metadata.PartRecord, err error) {
	defer observe("UploadPartCopy", time.Now(), &err)
	srcAction := access.GetObject
	if in.SourceVersionID != "" {
		srcAction = access.GetObjectVersion
	}
	_, src, err := s.authorizedObject(ctx, p, in.SourceBucket, in.SourceKey, in.SourceVersionID, srcAction, nil)
	if err != nil {
		return nil, err
	}
	if err := in.SourcePreconditions.check(src.ETag, src.LastModified, false); err != nil {
		return nil, err
	}
	if _, _, err := s.authorizedUpload(ctx, p, in.Bucket, in.Key, in.UploadID, access.PutObject); err != nil {
		return nil, err
	}
	if err := s.uploads.ValidatePartNumber(in.PartNumber); err != nil {
		return nil, err
	}

	var span *storage.Span
	if in.SourceRange != "" {
		r := storage.ParseRange(in.SourceRange)
		if r == nil || r.Suffix || r.End < 0 {
			return nil, s3err.ErrInvalidArgument.
				WithMessage("The x-amz-copy-source-range value must be of the form bytes=first-last where first and last are the zero-based offsets of the first and last bytes to copy").
				WithExtra("ArgumentName", "x-amz-copy-source-range").
				WithExtra("ArgumentValue", in.SourceRange)
		}
		sp, err := r.Resolve(src.Size)
		if err != nil || sp.End != r.End {
			return nil, s3err.ErrInvalidRange.WithExtra("RangeRequested", in.SourceRange)
		}
		span = &sp
	}
	size := src.Size
	if span != nil {
		size = span.Length()
	}

	var body io.Reader = http.NoBody
	if src.ContentID != "" && size > 0 {
		rc, err := s.content.OpenRead(ctx, src.ContentID, span)
		if err != nil {
			return nil, s3err.Internal(err)
		}
		defer rc.Close()
		body = rc
	}
	return s.uploads.UploadPart(ctx, in.Bucket, in.Key, in.UploadID, in.PartNumber, body, size, "")
}

// CompleteMultipartUpload assembles the listed parts into the upload's
// object.
func (s *Service) CompleteMultipartUpload(ctx context.Context, p auth.Principal, bucket, key, uploadID string, parts []multipart.CompletedPart) (_ *PutObjectOutput, err error) {
	defer observe("CompleteMultipartUpload", time.Now(), &err)
	b, _, err := s.authorizedUpload(ctx, p, bucket, key, uploadID, access.PutObject)
	if err != nil {
		return nil, err
	}
	v, err := s.uploads.Complete(ctx, bucket, key, uploadID, parts)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Multipart object stored", "bucket", bucket, "key", key, "version_id", v.VersionID, "parts", v.PartCount)
	return s.putOutput(b, v), nil
}

// AbortMultipartUpload ends an upload and releases its parts.
func (s *Service) AbortMultipartUpload(ctx context.Context, p auth.Principal, bucket, key, uploadID string) (err error) {
	defer observe("AbortMultipartUpload", time.Now(), &err)
	if _, _, err := s.authorizedUpload(ctx, p, bucket, key, uploadID, access.AbortMultipartUpload); err != nil {
		return err
	}
	return s.uploads.Abort(ctx, bucket, key, uploadID)
}

// ListPartsOutput is one page of an upload's parts.
type ListPartsOutput struct {
	*listing.PartsResult
	Upload *metadata.MultipartUploadRecord
}

// ListParts returns one page of an upload's parts.
func (s *Service) ListParts(ctx context.Context, p auth.Principal, bucket, key, uploadID string, params listing.PartsParams) (_ *ListPartsOutput, err error) {
	defer observe("ListParts", time.Now(), &err)
	_, u, err := s.authorizedUpload(ctx, p, bucket, key, uploadID, access.ListMultipartUploadParts)
	if err != nil {
		return nil, err
	}
	res, err := s.listing.ListParts(ctx, uploadID, params)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return &ListPartsOutput{PartsResult: res, Upload: u}, nil
}
