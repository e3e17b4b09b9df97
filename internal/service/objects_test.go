package service

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/auth"
	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/listing"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

func contentMD5(data string) string {
	sum := md5.Sum([]byte(data))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestPutGetObject(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")

	out, err := f.svc.PutObject(ctx, alice, PutObjectInput{
		Bucket:     "data",
		Key:        "greeting.txt",
		Body:       strings.NewReader("hello world"),
		Size:       11,
		ContentMD5: contentMD5("hello world"),
		Attributes: ObjectAttributes{ContentType: "text/plain", UserMetadata: map[string]string{"color": "blue"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `"5eb63bbbe01eeed093cb22bb8f5acdc3"`, out.ETag)
	assert.Empty(t, out.VersionID)

	got, err := f.get(t, alice, GetObjectInput{Bucket: "data", Key: "greeting.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	head, err := f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "greeting.txt"})
	require.NoError(t, err)
	assert.Nil(t, head.Body)
	assert.Equal(t, int64(11), head.ContentLength)
	assert.Equal(t, "text/plain", head.Object.ContentType)
	assert.Equal(t, "STANDARD", head.Object.StorageClass)
	assert.Equal(t, map[string]string{"color": "blue"}, head.Object.UserMetadata)

	_, err = f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "missing"})
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
	_, err = f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "nope", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
}

func TestPutObjectOverwriteReleasesContent(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "first version")
	f.put(t, "data", "k", "second")

	got, err := f.get(t, alice, GetObjectInput{Bucket: "data", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "second", got)
	assert.Equal(t, int64(len("second")), f.blobs.Size())
}

func TestPutObjectValidation(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxObjectSize: 8})
	ctx := context.Background()
	f.bucket(t, "data", "")

	tooMany := make([]metadata.Tag, 11)
	for i := range tooMany {
		tooMany[i] = metadata.Tag{Key: fmt.Sprintf("k%d", i), Value: "v"}
	}
	tests := []struct {
		name string
		in   PutObjectInput
		want error
	}{
		{"bad digest", PutObjectInput{Key: "k", Body: strings.NewReader("abc"), Size: 3, ContentMD5: contentMD5("xyz")}, s3err.ErrBadDigest},
		{"invalid digest", PutObjectInput{Key: "k", Body: strings.NewReader("abc"), Size: 3, ContentMD5: "not-base64"}, s3err.ErrInvalidDigest},
		{"declared too large", PutObjectInput{Key: "k", Body: strings.NewReader("abc"), Size: 9}, s3err.ErrEntityTooLarge},
		{"streamed too large", PutObjectInput{Key: "k", Body: strings.NewReader("0123456789"), Size: -1}, s3err.ErrEntityTooLarge},
		{"too many tags", PutObjectInput{Key: "k", Body: strings.NewReader("a"), Size: 1, Tags: tooMany}, s3err.ErrTooManyTags},
		{"duplicate tags", PutObjectInput{Key: "k", Body: strings.NewReader("a"), Size: 1, Tags: []metadata.Tag{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}}}, s3err.ErrInvalidTag},
		{"long tag key", PutObjectInput{Key: "k", Body: strings.NewReader("a"), Size: 1, Tags: []metadata.Tag{{Key: strings.Repeat("k", 129), Value: "v"}}}, s3err.ErrInvalidTag},
		{"long tag value", PutObjectInput{Key: "k", Body: strings.NewReader("a"), Size: 1, Tags: []metadata.Tag{{Key: "k", Value: strings.Repeat("v", 257)}}}, s3err.ErrInvalidTag},
		{"storage class", PutObjectInput{Key: "k", Body: strings.NewReader("a"), Size: 1, Attributes: ObjectAttributes{StorageClass: "COLD"}}, s3err.ErrInvalidStorageClass},
		{"key too long", PutObjectInput{Key: strings.Repeat("k", 1025), Body: strings.NewReader("a"), Size: 1}, s3err.ErrKeyTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Bucket = "data"
			_, err := f.svc.PutObject(ctx, alice, tt.in)
			assert.ErrorIs(t, err, tt.want)
			_, err = f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "data", Key: tt.in.Key})
			assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
		})
	}
	assert.Zero(t, f.blobs.Size())
}

func TestGetObjectRange(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "hello world")

	tests := []struct {
		rng          string
		want         string
		contentRange string
	}{
		{"bytes=0-4", "hello", "bytes 0-4/11"},
		{"bytes=6-", "world", "bytes 6-10/11"},
		{"bytes=-5", "world", "bytes 6-10/11"},
		{"bytes=4-100", "o world", "bytes 4-10/11"},
		{"bytes=x-y", "hello world", ""},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			out, err := f.svc.GetObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k", Range: tt.rng})
			require.NoError(t, err)
			defer out.Body.Close()
			buf := new(strings.Builder)
			_, err = io.Copy(buf, out.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.String())
			assert.Equal(t, int64(len(tt.want)), out.ContentLength)
			assert.Equal(t, tt.contentRange, out.ContentRange)
		})
	}

	_, err := f.svc.GetObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k", Range: "bytes=20-"})
	assert.ErrorIs(t, err, s3err.ErrInvalidRange)
}

func TestGetObjectPreconditions(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	etag := f.put(t, "data", "k", "payload").ETag
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		pre  Preconditions
		want error
	}{
		{"if-match", Preconditions{IfMatch: etag}, nil},
		{"if-match star", Preconditions{IfMatch: "*"}, nil},
		{"if-match mismatch", Preconditions{IfMatch: `"other"`}, s3err.ErrPreconditionFailed},
		{"if-none-match", Preconditions{IfNoneMatch: etag}, s3err.ErrNotModified},
		{"if-none-match other", Preconditions{IfNoneMatch: `"a", "b"`}, nil},
		{"modified since past", Preconditions{IfModifiedSince: past}, nil},
		{"modified since future", Preconditions{IfModifiedSince: future}, s3err.ErrNotModified},
		{"unmodified since past", Preconditions{IfUnmodifiedSince: past}, s3err.ErrPreconditionFailed},
		{"if-match wins over unmodified", Preconditions{IfMatch: etag, IfUnmodifiedSince: past}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k", Preconditions: tt.pre})
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVersionedObjects(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	require.NoError(t, f.svc.PutBucketVersioning(ctx, alice, "data", metadata.VersioningEnabled))

	var ids []string
	for i := range 3 {
		out := f.put(t, "data", "k", fmt.Sprintf("v%d", i))
		require.NotEmpty(t, out.VersionID)
		ids = append(ids, out.VersionID)
	}

	del, err := f.svc.DeleteObject(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	assert.True(t, del.DeleteMarker)

	_, err = f.svc.GetObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k"})
	require.ErrorIs(t, err, s3err.ErrNoSuchKey)
	var s3e *s3err.S3Error
	require.ErrorAs(t, err, &s3e)
	assert.Equal(t, "true", s3e.ExtraFields["DeleteMarker"])

	_, err = f.svc.GetObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k", VersionID: del.VersionID})
	assert.ErrorIs(t, err, s3err.ErrMethodNotAllowed)

	got, err := f.get(t, alice, GetObjectInput{Bucket: "data", Key: "k", VersionID: ids[1]})
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	_, err = f.svc.GetObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k", VersionID: "00000000000000000000000000"})
	assert.ErrorIs(t, err, s3err.ErrNoSuchVersion)

	res, err := f.svc.ListObjectVersions(ctx, alice, "data", listing.VersionsParams{MaxKeys: 1000})
	require.NoError(t, err)
	require.Len(t, res.Versions, 4)
	assert.True(t, res.Versions[0].IsDeleteMarker)
	assert.True(t, res.Versions[0].IsLatest)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{
		res.Versions[1].VersionID, res.Versions[2].VersionID, res.Versions[3].VersionID,
	})

	// Removing the marker restores the newest version.
	_, err = f.svc.DeleteObject(ctx, alice, "data", "k", del.VersionID)
	require.NoError(t, err)
	got, err = f.get(t, alice, GetObjectInput{Bucket: "data", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestSuspendedVersioningReplacesNullVersion(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	require.NoError(t, f.svc.PutBucketVersioning(ctx, alice, "data", metadata.VersioningEnabled))
	kept := f.put(t, "data", "k", "versioned")
	require.NoError(t, f.svc.PutBucketVersioning(ctx, alice, "data", metadata.VersioningSuspended))

	out := f.put(t, "data", "k", "null one")
	assert.Equal(t, metadata.NullVersionID, out.VersionID)
	f.put(t, "data", "k", "null two")

	res, err := f.svc.ListObjectVersions(ctx, alice, "data", listing.VersionsParams{MaxKeys: 1000})
	require.NoError(t, err)
	require.Len(t, res.Versions, 2)
	assert.Equal(t, metadata.NullVersionID, res.Versions[0].VersionID)
	assert.Equal(t, kept.VersionID, res.Versions[1].VersionID)
}

func TestDeleteObjects(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "a", "1")
	f.put(t, "data", "b", "2")

	out, err := f.svc.DeleteObjects(ctx, alice, "data", []ObjectIdentifier{{Key: "a"}, {Key: "b"}, {Key: "missing"}}, false)
	require.NoError(t, err)
	assert.Len(t, out.Deleted, 3)
	assert.Empty(t, out.Errors)

	res, err := f.svc.ListObjectsV2(ctx, alice, "data", listing.ObjectsV2Params{MaxKeys: 1000})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)

	f.put(t, "data", "c", "3")
	out, err = f.svc.DeleteObjects(ctx, bob, "data", []ObjectIdentifier{{Key: "c"}}, true)
	require.NoError(t, err)
	assert.Empty(t, out.Deleted)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "AccessDenied", out.Errors[0].Code)

	_, err = f.svc.DeleteObjects(ctx, alice, "data", nil, false)
	assert.ErrorIs(t, err, s3err.ErrMalformedXML)
	_, err = f.svc.DeleteObjects(ctx, alice, "data", make([]ObjectIdentifier, 1001), false)
	assert.ErrorIs(t, err, s3err.ErrMalformedXML)
}

func TestCopyObject(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "src", "")
	f.bucket(t, "dst", "")
	_, err := f.svc.PutObject(ctx, alice, PutObjectInput{
		Bucket:     "src",
		Key:        "doc",
		Body:       strings.NewReader("contents"),
		Size:       8,
		Attributes: ObjectAttributes{ContentType: "text/plain", UserMetadata: map[string]string{"a": "1"}},
		Tags:       []metadata.Tag{{Key: "team", Value: "red"}},
	})
	require.NoError(t, err)

	out, err := f.svc.CopyObject(ctx, alice, CopyObjectInput{SourceBucket: "src", SourceKey: "doc", Bucket: "dst", Key: "copy"})
	require.NoError(t, err)
	head, err := f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "dst", Key: "copy"})
	require.NoError(t, err)
	assert.Equal(t, out.ETag, head.Object.ETag)
	assert.Equal(t, "text/plain", head.Object.ContentType)
	assert.Equal(t, map[string]string{"a": "1"}, head.Object.UserMetadata)
	assert.Equal(t, []metadata.Tag{{Key: "team", Value: "red"}}, head.Object.Tags)
	got, err := f.get(t, alice, GetObjectInput{Bucket: "dst", Key: "copy"})
	require.NoError(t, err)
	assert.Equal(t, "contents", got)

	_, err = f.svc.CopyObject(ctx, alice, CopyObjectInput{
		SourceBucket:      "src",
		SourceKey:         "doc",
		Bucket:            "dst",
		Key:               "replaced",
		MetadataDirective: DirectiveReplace,
		TaggingDirective:  DirectiveReplace,
		Attributes:        ObjectAttributes{ContentType: "application/json"},
	})
	require.NoError(t, err)
	head, err = f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "dst", Key: "replaced"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", head.Object.ContentType)
	assert.Empty(t, head.Object.UserMetadata)
	assert.Empty(t, head.Object.Tags)
}

func TestCopyObjectOntoItself(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "x")

	_, err := f.svc.CopyObject(ctx, alice, CopyObjectInput{SourceBucket: "data", SourceKey: "k", Bucket: "data", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrInvalidRequest)

	_, err = f.svc.CopyObject(ctx, alice, CopyObjectInput{
		SourceBucket: "data", SourceKey: "k", Bucket: "data", Key: "k",
		MetadataDirective: DirectiveReplace,
		Attributes:        ObjectAttributes{UserMetadata: map[string]string{"new": "yes"}},
	})
	require.NoError(t, err)
	head, err := f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "yes", head.Object.UserMetadata["new"])

	_, err = f.svc.CopyObject(ctx, alice, CopyObjectInput{SourceBucket: "data", SourceKey: "k", Bucket: "data", Key: "k", MetadataDirective: "MERGE"})
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
}

func TestCopyObjectSourceConditions(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	etag := f.put(t, "data", "k", "x").ETag

	_, err := f.svc.CopyObject(ctx, alice, CopyObjectInput{
		SourceBucket: "data", SourceKey: "k", Bucket: "data", Key: "c",
		SourcePreconditions: Preconditions{IfNoneMatch: etag},
	})
	assert.ErrorIs(t, err, s3err.ErrPreconditionFailed)

	_, err = f.svc.CopyObject(ctx, alice, CopyObjectInput{
		SourceBucket: "data", SourceKey: "k", Bucket: "data", Key: "c",
		SourcePreconditions: Preconditions{IfMatch: etag},
	})
	assert.NoError(t, err)
}

func TestCopyObjectPolicyConditions(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "x")
	require.NoError(t, f.svc.PutBucketPolicy(ctx, alice, "data", []byte(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["bob-id"]},
			"Action": ["s3:PutObject", "s3:GetObject"],
			"Resource": "arn:aws:s3:::data/*",
			"Condition": {"StringLike": {"s3:x-amz-copy-source": "data/public/*"}}
		}]
	}`)))

	_, err := f.svc.CopyObject(ctx, bob, CopyObjectInput{SourceBucket: "data", SourceKey: "k", Bucket: "data", Key: "stolen"})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
}

func TestObjectAccess(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "private", "")
	f.bucket(t, "public", "public-read")
	f.put(t, "private", "k", "secret")
	_, err := f.svc.PutObject(ctx, alice, PutObjectInput{
		Bucket: "public", Key: "open", Body: strings.NewReader("hi"), Size: 2,
		ACL: ACLInput{Canned: "public-read"},
	})
	require.NoError(t, err)
	f.put(t, "public", "closed", "no")

	tests := []struct {
		name   string
		p      auth.Principal
		bucket string
		key    string
		want   error
	}{
		{"owner", alice, "private", "k", nil},
		{"stranger private object", bob, "private", "k", s3err.ErrAccessDenied},
		{"stranger missing key in private bucket", bob, "private", "missing", s3err.ErrAccessDenied},
		{"anonymous public object", auth.Anonymous, "public", "open", nil},
		{"anonymous private object", auth.Anonymous, "public", "closed", s3err.ErrAccessDenied},
		{"anonymous missing key in public bucket", auth.Anonymous, "public", "missing", s3err.ErrNoSuchKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.get(t, tt.p, GetObjectInput{Bucket: tt.bucket, Key: tt.key})
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPolicyDenyOverridesACL(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "public-read")
	_, err := f.svc.PutObject(ctx, alice, PutObjectInput{
		Bucket: "data", Key: "k", Body: strings.NewReader("x"), Size: 1,
		ACL: ACLInput{Canned: "public-read"},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.PutBucketPolicy(ctx, alice, "data", []byte(`{
		"Version": "2012-10-17",
		"Statement": [
			{"Effect": "Allow", "Principal": "*", "Action": "s3:GetObject", "Resource": "arn:aws:s3:::data/*"},
			{"Effect": "Deny", "Principal": "*", "Action": "s3:GetObject", "Resource": "arn:aws:s3:::data/*"}
		]
	}`)))

	_, err = f.get(t, bob, GetObjectInput{Bucket: "data", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
	_, err = f.get(t, alice, GetObjectInput{Bucket: "data", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)

	require.NoError(t, f.svc.DeleteBucketPolicy(ctx, alice, "data"))
	_, err = f.get(t, bob, GetObjectInput{Bucket: "data", Key: "k"})
	assert.NoError(t, err)
}

func TestObjectACL(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "x")

	err := f.svc.PutObjectACL(ctx, alice, "data", "k", "", ACLInput{Grants: []acl.Grant{
		{Grantee: acl.User("ghost-id", ""), Permission: acl.PermRead},
	}})
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
	got, err := f.svc.GetObjectACL(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	assert.True(t, got.Equal(acl.Private.Expand(alice.Owner(), alice.Owner())))

	require.NoError(t, f.svc.PutObjectACL(ctx, alice, "data", "k", "", ACLInput{Canned: "authenticated-read"}))
	_, err = f.get(t, bob, GetObjectInput{Bucket: "data", Key: "k"})
	assert.NoError(t, err)
	_, err = f.get(t, auth.Anonymous, GetObjectInput{Bucket: "data", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)

	_, err = f.svc.GetObjectACL(ctx, bob, "data", "k", "")
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
}

func TestObjectTagging(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "x")

	tags := []metadata.Tag{{Key: "env", Value: "prod"}, {Key: "team", Value: "core"}}
	_, err := f.svc.PutObjectTagging(ctx, alice, "data", "k", "", tags)
	require.NoError(t, err)
	out, err := f.svc.GetObjectTagging(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	assert.Equal(t, tags, out.Tags)

	_, err = f.svc.PutObjectTagging(ctx, alice, "data", "k", "", []metadata.Tag{{Key: "aws:reserved", Value: "x"}})
	assert.ErrorIs(t, err, s3err.ErrInvalidTag)

	_, err = f.svc.PutObjectTagging(ctx, bob, "data", "k", "", tags)
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
	_, err = f.svc.PutObjectTagging(ctx, bob, "data", "k", "", []metadata.Tag{{Key: "aws:reserved", Value: "x"}})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied, "authorization precedes tag validation")

	_, err = f.svc.DeleteObjectTagging(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	out, err = f.svc.GetObjectTagging(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	assert.Empty(t, out.Tags)

	_, err = f.svc.GetObjectTagging(ctx, alice, "data", "missing", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestExistingObjectTagCondition(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	_, err := f.svc.PutObject(ctx, alice, PutObjectInput{
		Bucket: "data", Key: "shared", Body: strings.NewReader("x"), Size: 1,
		Tags: []metadata.Tag{{Key: "visibility", Value: "shared"}},
	})
	require.NoError(t, err)
	f.put(t, "data", "hidden", "y")
	require.NoError(t, f.svc.PutBucketPolicy(ctx, alice, "data", []byte(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": "*",
			"Action": "s3:GetObject",
			"Resource": "arn:aws:s3:::data/*",
			"Condition": {"StringEquals": {"s3:ExistingObjectTag/visibility": "shared"}}
		}]
	}`)))

	_, err = f.get(t, bob, GetObjectInput{Bucket: "data", Key: "shared"})
	assert.NoError(t, err)
	_, err = f.get(t, bob, GetObjectInput{Bucket: "data", Key: "hidden"})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
}

func TestListObjectsDelimiter(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	for _, k := range []string{"foo/bar", "foo/bar/xyzzy", "quux/thud", "asdf"} {
		f.put(t, "data", k, k)
	}

	res, err := f.svc.ListObjectsV2(ctx, alice, "data", listing.ObjectsV2Params{Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "asdf", res.Objects[0].Key)
	assert.Equal(t, []string{"foo/", "quux/"}, res.CommonPrefixes)
	assert.Equal(t, 3, res.KeyCount)

	v1, err := f.svc.ListObjectsV1(ctx, alice, "data", listing.ObjectsV1Params{Prefix: "foo/", Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err)
	require.Len(t, v1.Objects, 1)
	assert.Equal(t, "foo/bar", v1.Objects[0].Key)
	assert.Equal(t, []string{"foo/bar/"}, v1.CommonPrefixes)
}

func TestListObjectsPolicyConditions(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	require.NoError(t, f.svc.PutBucketPolicy(ctx, alice, "data", []byte(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": "bob-id"},
			"Action": "s3:ListBucket",
			"Resource": "arn:aws:s3:::data",
			"Condition": {"StringEquals": {"s3:prefix": "shared/"}}
		}]
	}`)))

	_, err := f.svc.ListObjectsV2(ctx, bob, "data", listing.ObjectsV2Params{Prefix: "shared/", MaxKeys: 10})
	assert.NoError(t, err)
	_, err = f.svc.ListObjectsV2(ctx, bob, "data", listing.ObjectsV2Params{Prefix: "private/", MaxKeys: 10})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
}
