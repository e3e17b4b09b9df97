package service

import (
	"context"
	"net/http"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/storage"
)

// Directive values of x-amz-metadata-directive and x-amz-tagging-directive.
const (
	DirectiveCopy    = "COPY"
	DirectiveReplace = "REPLACE"
)

func checkDirective(name, value string) (string, error) {
	switch value {
	case "":
		return DirectiveCopy, nil
	case DirectiveCopy, DirectiveReplace:
		return value, nil
	}
	return "", s3err.ErrInvalidArgument.
		WithMessage("Unknown %s.", name).
		WithExtra("ArgumentName", name).
		WithExtra("ArgumentValue", value)
}

// CopyObjectInput copies a source version to a destination key.
type CopyObjectInput struct {
	SourceBucket        string
	SourceKey           string
	SourceVersionID     string
	SourcePreconditions Preconditions

	Bucket string
	Key    string
	// MetadataDirective is COPY (the default) or REPLACE. With REPLACE the
	// destination takes Attributes; with COPY only Attributes.StorageClass
	// is honored.
	MetadataDirective string
	// TaggingDirective is COPY (the default) or REPLACE, which takes Tags.
	TaggingDirective string
	Attributes       ObjectAttributes
	Tags             []metadata.Tag
	ACL              ACLInput
}

// CopyObjectOutput describes the new version.
type CopyObjectOutput struct {
	VersionID       string
	SourceVersionID string
	ETag            string
	LastModified    time.Time
	Expiration      string
}

// CopyObject copies an object's content and, depending on the directives,
// its metadata and tags. Copying a key onto itself must change something.
func (s *Service) CopyObject(ctx context.Context, p auth.Principal, in CopyObjectInput) (_ *CopyObjectOutput, err error) {
	defer observe("CopyObject", time.Now(), &err)

	metaDirective, err := checkDirective("x-amz-metadata-directive", in.MetadataDirective)
	if err != nil {
		return nil, err
	}
	tagDirective, err := checkDirective("x-amz-tagging-directive", in.TaggingDirective)
	if err != nil {
		return nil, err
	}

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

	tags := src.Tags
	if tagDirective == DirectiveReplace {
		tags = in.Tags
	}
	copySource := in.SourceBucket + "/" + in.SourceKey
	if in.SourceVersionID != "" {
		copySource += "?versionId=" + in.SourceVersionID
	}
	conds := map[string]string{
		access.KeyCopySource:        copySource,
		access.KeyMetadataDirective: metaDirective,
	}
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
		RequestTags: tagMap(tags),
	}
	if err := s.access.Authorize(req); err != nil {
		return nil, err
	}

	if err := validateKey(in.Key); err != nil {
		return nil, err
	}
	if in.SourceBucket == in.Bucket && in.SourceKey == in.Key &&
		metaDirective == DirectiveCopy && tagDirective == DirectiveCopy &&
		(in.Attributes.StorageClass == "" || in.Attributes.StorageClass == src.StorageClass) &&
		!in.ACL.isSet() {
		return nil, s3err.ErrInvalidRequest.WithMessage("This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata, storage class, website redirect location or encryption attributes.")
	}
	if err := validateStorageClass(in.Attributes.StorageClass); err != nil {
		return nil, err
	}
	if err := validateTags(tags, maxObjectTags); err != nil {
		return nil, err
	}
	if err := s.checkSize(src.Size); err != nil {
		return nil, err
	}
	owner := p.Owner()
	a, err := s.resolveACL(ctx, in.ACL, owner, b.Owner)
	if err != nil {
		return nil, err
	}

	content, err := s.copyContent(ctx, src)
	if err != nil {
		return nil, err
	}
	attrs := attributesOf(src)
	if metaDirective == DirectiveReplace {
		attrs = in.Attributes
	}
	if in.Attributes.StorageClass != "" {
		attrs.StorageClass = in.Attributes.StorageClass
	}
	v := &metadata.ObjectVersion{
		Bucket:    in.Bucket,
		Key:       in.Key,
		Size:      content.Size,
		ETag:      content.ETag,
		Owner:     owner,
		ACL:       a,
		Tags:      cloneTags(tags),
		ContentID: content.ID,
	}
	attrs.apply(v)
	if err := s.commit(ctx, v); err != nil {
		return nil, err
	}

	put := s.putOutput(b, v)
	out := &CopyObjectOutput{
		VersionID:    put.VersionID,
		ETag:         v.ETag,
		LastModified: v.LastModified,
		Expiration:   put.Expiration,
	}
	if src.VersionID != metadata.NullVersionID || in.SourceVersionID != "" {
		out.SourceVersionID = src.VersionID
	}
	return out, nil
}

// copyContent duplicates a version's payload under a new content id.
func (s *Service) copyContent(ctx context.Context, src *metadata.ObjectVersion) (storage.Content, error) {
	if src.ContentID == "" {
		content, err := s.content.Put(ctx, http.NoBody, 0)
		return content, s3err.Internal(err)
	}
	r, err := s.content.OpenRead(ctx, src.ContentID, nil)
	if err != nil {
		return storage.Content{}, s3err.Internal(err)
	}
	defer r.Close()
	content, err := s.content.Put(ctx, r, src.Size)
	if err != nil {
		return storage.Content{}, s3err.Internal(err)
	}
	return content, nil
}
