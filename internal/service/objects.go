package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/lifecycle"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/storage"
)

const maxDeleteObjects = 1000

var storageClasses = map[string]bool{
	"STANDARD":            true,
	"REDUCED_REDUNDANCY":  true,
	"STANDARD_IA":         true,
	"ONEZONE_IA":          true,
	"INTELLIGENT_TIERING": true,
	"GLACIER":             true,
	"GLACIER_IR":          true,
	"DEEP_ARCHIVE":        true,
}

func validateStorageClass(class string) error {
	if class != "" && !storageClasses[class] {
		return s3err.ErrInvalidStorageClass.WithExtra("StorageClassRequested", class)
	}
	return nil
}

// authorizedObject loads a version and authorizes an object-level action on
// it. A missing version is only reported after the caller passed the
// bucket-level check, so denied callers cannot discover which keys exist.
func (s *Service) authorizedObject(ctx context.Context, p auth.Principal, bucket, key, versionID string, action access.Action, conds map[string]string) (*metadata.BucketRecord, *metadata.ObjectVersion, error) {
	return s.authorizedObjectTags(ctx, p, bucket, key, versionID, action, conds, nil)
}

func (s *Service) authorizedObjectTags(ctx context.Context, p auth.Principal, bucket, key, versionID string, action access.Action, conds, requestTags map[string]string) (*metadata.BucketRecord, *metadata.ObjectVersion, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.meta.GetObjectVersion(ctx, bucket, key, versionID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, nil, s3err.Internal(err)
	}
	found := err == nil

	if versionID != "" {
		conds = maps.Clone(conds)
		if conds == nil {
			conds = map[string]string{}
		}
		conds[access.KeyVersionID] = versionID
	}
	req := &access.Request{
		Principal:   p,
		Action:      action,
		Bucket:      b,
		Key:         key,
		Conditions:  conds,
		RequestTags: requestTags,
	}
	if found && !v.IsDeleteMarker {
		req.Object = v
	}
	if err := s.access.Authorize(req); err != nil {
		return nil, nil, err
	}

	switch {
	case !found && versionID != "":
		return nil, nil, s3err.ErrNoSuchVersion.WithExtra("Key", key).WithExtra("VersionId", versionID)
	case !found:
		return nil, nil, s3err.ErrNoSuchKey.WithExtra("Key", key)
	case v.IsDeleteMarker && versionID != "":
		return nil, nil, s3err.ErrMethodNotAllowed.WithExtra("DeleteMarker", "true").WithExtra("VersionId", v.VersionID)
	case v.IsDeleteMarker:
		return nil, nil, s3err.ErrNoSuchKey.WithExtra("Key", key).WithExtra("DeleteMarker", "true")
	}
	return b, v, nil
}

// updateVersion edits exactly the version v names.
func (s *Service) updateVersion(ctx context.Context, v *metadata.ObjectVersion, fn func(*metadata.ObjectVersion) error) error {
	_, err := s.meta.UpdateObjectVersion(ctx, v.Bucket, v.Key, v.VersionID, fn)
	if errors.Is(err, metadata.ErrNotFound) {
		return s3err.ErrNoSuchKey.WithExtra("Key", v.Key)
	}
	return s3err.Internal(err)
}

// ObjectAttributes are the stored headers of a new object.
type ObjectAttributes struct {
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	CacheControl       string
	UserMetadata       map[string]string
	StorageClass       string
}

func (a ObjectAttributes) apply(v *metadata.ObjectVersion) {
	v.ContentType = a.ContentType
	if v.ContentType == "" {
		v.ContentType = "binary/octet-stream"
	}
	v.ContentEncoding = a.ContentEncoding
	v.ContentDisposition = a.ContentDisposition
	v.CacheControl = a.CacheControl
	v.UserMetadata = maps.Clone(a.UserMetadata)
	v.StorageClass = a.StorageClass
	if v.StorageClass == "" {
		v.StorageClass = "STANDARD"
	}
}

func attributesOf(v *metadata.ObjectVersion) ObjectAttributes {
	return ObjectAttributes{
		ContentType:        v.ContentType,
		ContentEncoding:    v.ContentEncoding,
		ContentDisposition: v.ContentDisposition,
		CacheControl:       v.CacheControl,
		UserMetadata:       maps.Clone(v.UserMetadata),
		StorageClass:       v.StorageClass,
	}
}

// PutObjectInput is a single-request upload.
type PutObjectInput struct {
	Bucket string
	Key    string
	Body   io.Reader
	// Size is the declared length, or -1 when unknown.
	Size       int64
	ContentMD5 string
	Attributes ObjectAttributes
	ACL        ACLInput
	Tags       []metadata.Tag
}

// PutObjectOutput describes the stored version.
type PutObjectOutput struct {
	// VersionID is empty for unversioned buckets.
	VersionID string
	ETag      string
	Size      int64
	// Expiration is the x-amz-expiration value when a lifecycle rule will
	// expire the object.
	Expiration string
}

// PutObject stores a new version of a key.
func (s *Service) PutObject(ctx context.Context, p auth.Principal, in PutObjectInput) (_ *PutObjectOutput, err error) {
	defer observe("PutObject", time.Now(), &err)

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
	if err := s.checkSize(in.Size); err != nil {
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

	content, err := s.store(ctx, in.Body, in.Size, in.ContentMD5)
	if err != nil {
		return nil, err
	}
	v := &metadata.ObjectVersion{
		Bucket:    in.Bucket,
		Key:       in.Key,
		Size:      content.Size,
		ETag:      content.ETag,
		Owner:     owner,
		ACL:       a,
		Tags:      cloneTags(in.Tags),
		ContentID: content.ID,
	}
	in.Attributes.apply(v)
	if err := s.commit(ctx, v); err != nil {
		return nil, err
	}
	s.logger.Debug("Object stored", "bucket", in.Bucket, "key", in.Key, "version_id", v.VersionID, "size", v.Size)
	return s.putOutput(b, v), nil
}

func (s *Service) checkSize(size int64) error {
	if s.maxObjectSize > 0 && size > s.maxObjectSize {
		return s3err.ErrEntityTooLarge.
			WithExtra("ProposedSize", fmt.Sprint(size)).
			WithExtra("MaxSizeAllowed", fmt.Sprint(s.maxObjectSize))
	}
	return nil
}

// store streams body into the content store and checks its digest and size.
func (s *Service) store(ctx context.Context, body io.Reader, size int64, contentMD5 string) (storage.Content, error) {
	if body == nil {
		body = http.NoBody
	}
	if s.maxObjectSize > 0 {
		body = io.LimitReader(body, s.maxObjectSize+1)
	}
	content, err := s.content.Put(ctx, body, size)
	if err != nil {
		return storage.Content{}, s3err.Internal(err)
	}
	release := func() { s.content.Release(context.WithoutCancel(ctx), content.ID) }
	if err := s.checkSize(content.Size); err != nil {
		release()
		return storage.Content{}, err
	}
	if err := storage.VerifyDigest(contentMD5, content.MD5); err != nil {
		release()
		return storage.Content{}, err
	}
	return content, nil
}

// commit makes v current and releases the content of replaced versions. On
// failure v's own content is released.
func (s *Service) commit(ctx context.Context, v *metadata.ObjectVersion) error {
	replaced, err := s.meta.CommitObject(ctx, v)
	if err != nil {
		s.content.Release(context.WithoutCancel(ctx), v.ContentID)
		if errors.Is(err, metadata.ErrNotFound) {
			return s3err.ErrNoSuchBucket.WithExtra("BucketName", v.Bucket)
		}
		return s3err.Internal(err)
	}
	s.release(ctx, replaced)
	return nil
}

func (s *Service) release(ctx context.Context, versions []*metadata.ObjectVersion) {
	for _, old := range versions {
		s.content.Release(context.WithoutCancel(ctx), old.ContentID)
	}
}

func (s *Service) putOutput(b *metadata.BucketRecord, v *metadata.ObjectVersion) *PutObjectOutput {
	out := &PutObjectOutput{ETag: v.ETag, Size: v.Size, Expiration: s.expiration(b, v)}
	if b.Versioning != metadata.Unversioned {
		out.VersionID = v.VersionID
	}
	return out
}

// expiration renders the x-amz-expiration value for v under b's lifecycle
// configuration.
func (s *Service) expiration(b *metadata.BucketRecord, v *metadata.ObjectVersion) string {
	if len(b.Lifecycle) == 0 {
		return ""
	}
	c, err := lifecycle.Parse(b.Lifecycle)
	if err != nil {
		s.logger.Warn("Stored lifecycle configuration is unreadable", "bucket", b.Name, "error", err)
		return ""
	}
	at, ruleID, ok := c.Expiry(v, s.day)
	if !ok {
		return ""
	}
	return fmt.Sprintf(`expiry-date="%s", rule-id="%s"`, at.UTC().Format(http.TimeFormat), ruleID)
}

// GetObjectInput selects a version and optionally a byte range of it.
type GetObjectInput struct {
	Bucket    string
	Key       string
	VersionID string
	// Range is a Range header value. Malformed values are ignored.
	Range         string
	Preconditions Preconditions
}

// GetObjectOutput is a version and, for GetObject, its content.
type GetObjectOutput struct {
	Object *metadata.ObjectVersion
	// Body is nil for HeadObject. The caller must close it.
	Body          io.ReadCloser
	ContentLength int64
	// ContentRange is set when a range was served.
	ContentRange string
	Expiration   string
}

// GetObject opens a version for reading.
func (s *Service) GetObject(ctx context.Context, p auth.Principal, in GetObjectInput) (_ *GetObjectOutput, err error) {
	defer observe("GetObject", time.Now(), &err)
	out, span, err := s.readVersion(ctx, p, in)
	if err != nil {
		return nil, err
	}
	if out.Object.ContentID == "" {
		out.Body = http.NoBody
		return out, nil
	}
	body, err := s.content.OpenRead(ctx, out.Object.ContentID, span)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	out.Body = body
	return out, nil
}

// HeadObject returns a version's attributes without its content.
func (s *Service) HeadObject(ctx context.Context, p auth.Principal, in GetObjectInput) (_ *GetObjectOutput, err error) {
	defer observe("HeadObject", time.Now(), &err)
	out, _, err := s.readVersion(ctx, p, in)
	return out, err
}

func (s *Service) readVersion(ctx context.Context, p auth.Principal, in GetObjectInput) (*GetObjectOutput, *storage.Span, error) {
	action := access.GetObject
	if in.VersionID != "" {
		action = access.GetObjectVersion
	}
	b, v, err := s.authorizedObject(ctx, p, in.Bucket, in.Key, in.VersionID, action, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := in.Preconditions.check(v.ETag, v.LastModified, true); err != nil {
		return nil, nil, err
	}

	out := &GetObjectOutput{Object: v, ContentLength: v.Size, Expiration: s.expiration(b, v)}
	r := storage.ParseRange(in.Range)
	if r == nil {
		return out, nil, nil
	}
	span, err := r.Resolve(v.Size)
	if err != nil {
		return nil, nil, err
	}
	out.ContentLength = span.Length()
	out.ContentRange = span.ContentRange(v.Size)
	return out, &span, nil
}

// DeleteObjectOutput describes the outcome of a delete.
type DeleteObjectOutput struct {
	// VersionID is the removed version, or the delete marker created.
	VersionID    string
	DeleteMarker bool
}

// DeleteObject deletes a key or one version of it. Deleting a missing key
// or version succeeds.
func (s *Service) DeleteObject(ctx context.Context, p auth.Principal, bucket, key, versionID string) (_ *DeleteObjectOutput, err error) {
	defer observe("DeleteObject", time.Now(), &err)
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.deleteObject(ctx, p, b, key, versionID)
}

func (s *Service) deleteObject(ctx context.Context, p auth.Principal, b *metadata.BucketRecord, key, versionID string) (*DeleteObjectOutput, error) {
	req := &access.Request{Principal: p, Action: access.DeleteObject, Bucket: b, Key: key}
	if versionID != "" {
		req.Action = access.DeleteObjectVersion
		req.Conditions = map[string]string{access.KeyVersionID: versionID}
	}
	if v, err := s.meta.GetObjectVersion(ctx, b.Name, key, versionID); err == nil && !v.IsDeleteMarker {
		req.Object = v
	} else if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.Internal(err)
	}
	if err := s.access.Authorize(req); err != nil {
		return nil, err
	}

	if versionID != "" {
		removed, err := s.meta.DeleteObjectVersion(ctx, b.Name, key, versionID)
		if errors.Is(err, metadata.ErrNotFound) {
			return &DeleteObjectOutput{VersionID: versionID}, nil
		}
		if err != nil {
			return nil, s3err.Internal(err)
		}
		s.content.Release(context.WithoutCancel(ctx), removed.ContentID)
		return &DeleteObjectOutput{VersionID: versionID, DeleteMarker: removed.IsDeleteMarker}, nil
	}

	res, removed, err := s.meta.DeleteCurrent(ctx, b.Name, key, p.Owner())
	s.release(ctx, removed)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchBucket.WithExtra("BucketName", b.Name)
	}
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return &DeleteObjectOutput{VersionID: res.VersionID, DeleteMarker: res.DeleteMarker}, nil
}

// ObjectIdentifier names one entry of a batch delete.
type ObjectIdentifier struct {
	Key       string
	VersionID string
}

// DeletedObject is a successful batch delete entry.
type DeletedObject struct {
	Key                   string
	VersionID             string
	DeleteMarker          bool
	DeleteMarkerVersionID string
}

// DeleteError is a failed batch delete entry.
type DeleteError struct {
	Key       string
	VersionID string
	Code      string
	Message   string
}

// DeleteObjectsOutput holds per-key results in request order.
type DeleteObjectsOutput struct {
	Deleted []DeletedObject
	Errors  []DeleteError
}

// DeleteObjects deletes up to 1000 keys. Each key is authorized and deleted
// on its own; failures are reported per key. Quiet omits successes.
func (s *Service) DeleteObjects(ctx context.Context, p auth.Principal, bucket string, objects []ObjectIdentifier, quiet bool) (_ *DeleteObjectsOutput, err error) {
	defer observe("DeleteObjects", time.Now(), &err)
	if len(objects) == 0 || len(objects) > maxDeleteObjects {
		return nil, s3err.ErrMalformedXML.WithMessage("The request must contain between 1 and %d objects", maxDeleteObjects)
	}
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	out := &DeleteObjectsOutput{}
	for _, o := range objects {
		res, err := s.deleteObject(ctx, p, b, o.Key, o.VersionID)
		if err != nil {
			var s3e *s3err.S3Error
			if !errors.As(err, &s3e) {
				s3e = s3err.ErrInternalError
			}
			out.Errors = append(out.Errors, DeleteError{Key: o.Key, VersionID: o.VersionID, Code: s3e.Code, Message: s3e.Message})
			continue
		}
		if quiet {
			continue
		}
		d := DeletedObject{Key: o.Key, VersionID: o.VersionID, DeleteMarker: res.DeleteMarker}
		if o.VersionID == "" && res.DeleteMarker {
			d.DeleteMarkerVersionID = res.VersionID
		}
		out.Deleted = append(out.Deleted, d)
	}
	return out, nil
}
