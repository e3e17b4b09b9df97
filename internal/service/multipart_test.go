package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/listing"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/multipart"
)

func (f *fixture) startUpload(t *testing.T, bucket, key string) *metadata.MultipartUploadRecord {
	t.Helper()
	u, err := f.svc.CreateMultipartUpload(context.Background(), alice, CreateMultipartUploadInput{
		Bucket:     bucket,
		Key:        key,
		Attributes: ObjectAttributes{ContentType: "text/plain"},
		Tags:       []metadata.Tag{{Key: "kind", Value: "upload"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, u.UploadID)
	return u
}

func (f *fixture) uploadPart(t *testing.T, u *metadata.MultipartUploadRecord, n int, data string) multipart.CompletedPart {
	t.Helper()
	part, err := f.svc.UploadPart(context.Background(), alice, UploadPartInput{
		Bucket:     u.Bucket,
		Key:        u.Key,
		UploadID:   u.UploadID,
		PartNumber: n,
		Body:       strings.NewReader(data),
		Size:       int64(len(data)),
	})
	require.NoError(t, err)
	return multipart.CompletedPart{PartNumber: n, ETag: part.ETag}
}

func TestMultipartUpload(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	u := f.startUpload(t, "data", "big")

	first := strings.Repeat("a", testMinPart)
	p1 := f.uploadPart(t, u, 1, first)
	p2 := f.uploadPart(t, u, 2, "tail")

	parts, err := f.svc.ListParts(ctx, alice, "data", "big", u.UploadID, listing.PartsParams{MaxParts: 1000})
	require.NoError(t, err)
	require.Len(t, parts.Parts, 2)
	assert.Equal(t, int64(testMinPart), parts.Parts[0].Size)
	assert.Equal(t, "big", parts.Upload.Key)

	out, err := f.svc.CompleteMultipartUpload(ctx, alice, "data", "big", u.UploadID, []multipart.CompletedPart{p1, p2})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.ETag, `-2"`), out.ETag)
	assert.Equal(t, int64(testMinPart+4), out.Size)

	got, err := f.get(t, alice, GetObjectInput{Bucket: "data", Key: "big"})
	require.NoError(t, err)
	assert.Equal(t, first+"tail", got)
	head, err := f.svc.HeadObject(ctx, alice, GetObjectInput{Bucket: "data", Key: "big"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", head.Object.ContentType)
	assert.Equal(t, []metadata.Tag{{Key: "kind", Value: "upload"}}, head.Object.Tags)

	_, err = f.svc.ListParts(ctx, alice, "data", "big", u.UploadID, listing.PartsParams{MaxParts: 1000})
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
	assert.Equal(t, int64(testMinPart+4), f.blobs.Size())
}

func TestCompleteMultipartUploadErrors(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	u := f.startUpload(t, "data", "k")
	p1 := f.uploadPart(t, u, 1, "short")
	p2 := f.uploadPart(t, u, 2, "end")

	tests := []struct {
		name  string
		parts []multipart.CompletedPart
		want  error
	}{
		{"no parts", nil, s3err.ErrMalformedXML},
		{"out of order", []multipart.CompletedPart{p2, p1}, s3err.ErrInvalidPartOrder},
		{"wrong etag", []multipart.CompletedPart{{PartNumber: 1, ETag: `"0123"`}}, s3err.ErrInvalidPart},
		{"missing part", []multipart.CompletedPart{p1, {PartNumber: 3, ETag: p2.ETag}}, s3err.ErrInvalidPart},
		{"small part", []multipart.CompletedPart{p1, p2}, s3err.ErrEntityTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CompleteMultipartUpload(ctx, alice, "data", "k", u.UploadID, tt.parts)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// A failed completion leaves the upload usable.
	out, err := f.svc.CompleteMultipartUpload(ctx, alice, "data", "k", u.UploadID, []multipart.CompletedPart{p1})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.ETag, `-1"`), out.ETag)
}

func TestAbortMultipartUpload(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	u := f.startUpload(t, "data", "k")
	f.uploadPart(t, u, 1, "data")

	err := f.svc.AbortMultipartUpload(ctx, bob, "data", "k", u.UploadID)
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)

	require.NoError(t, f.svc.AbortMultipartUpload(ctx, alice, "data", "k", u.UploadID))
	assert.Zero(t, f.blobs.Size())

	err = f.svc.AbortMultipartUpload(ctx, alice, "data", "k", u.UploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
	_, err = f.svc.UploadPart(ctx, alice, UploadPartInput{
		Bucket: "data", Key: "k", UploadID: u.UploadID, PartNumber: 2,
		Body: strings.NewReader("x"), Size: 1,
	})
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
	_, err = f.svc.CompleteMultipartUpload(ctx, alice, "data", "k", u.UploadID, []multipart.CompletedPart{{PartNumber: 1, ETag: `"x"`}})
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestUploadPartValidation(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	u := f.startUpload(t, "data", "k")

	for _, n := range []int{0, 10001} {
		_, err := f.svc.UploadPart(ctx, alice, UploadPartInput{
			Bucket: "data", Key: "k", UploadID: u.UploadID, PartNumber: n,
			Body: strings.NewReader("x"), Size: 1,
		})
		assert.ErrorIs(t, err, s3err.ErrInvalidArgument, "part %d", n)
	}

	_, err := f.svc.UploadPart(ctx, alice, UploadPartInput{
		Bucket: "data", Key: "k", UploadID: u.UploadID, PartNumber: 1,
		Body: strings.NewReader("abc"), Size: 3, ContentMD5: contentMD5("abd"),
	})
	assert.ErrorIs(t, err, s3err.ErrBadDigest)

	_, err = f.svc.UploadPart(ctx, alice, UploadPartInput{
		Bucket: "data", Key: "other", UploadID: u.UploadID, PartNumber: 1,
		Body: strings.NewReader("abc"), Size: 3,
	})
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestUploadPartReplacesEarlierPart(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	u := f.startUpload(t, "data", "k")
	f.uploadPart(t, u, 1, "first attempt")
	p := f.uploadPart(t, u, 1, "second")

	parts, err := f.svc.ListParts(ctx, alice, "data", "k", u.UploadID, listing.PartsParams{MaxParts: 1000})
	require.NoError(t, err)
	require.Len(t, parts.Parts, 1)
	assert.Equal(t, p.ETag, parts.Parts[0].ETag)
	assert.Equal(t, int64(len("second")), f.blobs.Size())
}

func TestUploadPartCopy(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	src := strings.Repeat("0123456789", 4)
	f.put(t, "data", "source", src)
	u := f.startUpload(t, "data", "dest")

	p1, err := f.svc.UploadPartCopy(ctx, alice, UploadPartCopyInput{
		Bucket: "data", Key: "dest", UploadID: u.UploadID, PartNumber: 1,
		SourceBucket: "data", SourceKey: "source", SourceRange: "bytes=0-19",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), p1.Size)
	p2, err := f.svc.UploadPartCopy(ctx, alice, UploadPartCopyInput{
		Bucket: "data", Key: "dest", UploadID: u.UploadID, PartNumber: 2,
		SourceBucket: "data", SourceKey: "source",
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		rng  string
		want error
	}{
		{"suffix", "bytes=-5", s3err.ErrInvalidArgument},
		{"open ended", "bytes=5-", s3err.ErrInvalidArgument},
		{"garbage", "items=1-2", s3err.ErrInvalidArgument},
		{"past end", "bytes=30-45", s3err.ErrInvalidRange},
		{"beyond size", "bytes=50-60", s3err.ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UploadPartCopy(ctx, alice, UploadPartCopyInput{
				Bucket: "data", Key: "dest", UploadID: u.UploadID, PartNumber: 3,
				SourceBucket: "data", SourceKey: "source", SourceRange: tt.rng,
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = f.svc.CompleteMultipartUpload(ctx, alice, "data", "dest", u.UploadID, []multipart.CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)
	got, err := f.get(t, alice, GetObjectInput{Bucket: "data", Key: "dest"})
	require.NoError(t, err)
	assert.Equal(t, src[:20]+src, got)
}

func TestListMultipartUploads(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	for _, k := range []string{"photos/a", "photos/b", "docs/c", "root"} {
		f.startUpload(t, "data", k)
	}

	res, err := f.svc.ListMultipartUploads(ctx, alice, "data", listing.UploadsParams{Delimiter: "/", MaxUploads: 1000})
	require.NoError(t, err)
	require.Len(t, res.Uploads, 1)
	assert.Equal(t, "root", res.Uploads[0].Key)
	assert.Equal(t, []string{"docs/", "photos/"}, res.CommonPrefixes)

	res, err = f.svc.ListMultipartUploads(ctx, alice, "data", listing.UploadsParams{Prefix: "photos/", MaxUploads: 1})
	require.NoError(t, err)
	require.Len(t, res.Uploads, 1)
	assert.Equal(t, "photos/a", res.Uploads[0].Key)
	assert.True(t, res.IsTruncated)
	assert.Equal(t, "photos/a", res.NextKeyMarker)

	_, err = f.svc.ListMultipartUploads(ctx, bob, "data", listing.UploadsParams{MaxUploads: 10})
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
}

func TestDeleteBucketAbortsUploadsFirst(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "v")
	u := f.startUpload(t, "data", "big")
	f.uploadPart(t, u, 1, "part")

	// A bucket holding objects keeps its uploads.
	assert.ErrorIs(t, f.svc.DeleteBucket(ctx, alice, "data"), s3err.ErrBucketNotEmpty)
	_, err := f.meta.GetUpload(ctx, "data", "big", u.UploadID)
	require.NoError(t, err)

	_, err = f.svc.DeleteObject(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteBucket(ctx, alice, "data"))
	assert.Zero(t, f.blobs.Size())

	// Nothing from the old bucket reappears under a new one of the same name.
	f.bucket(t, "data", "")
	uploads, err := f.meta.ListUploads(ctx, "data", "", "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, uploads)
	parts, err := f.meta.ListParts(ctx, u.UploadID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestCreateMultipartUploadMissingBucket(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	_, err := f.svc.CreateMultipartUpload(context.Background(), alice, CreateMultipartUploadInput{Bucket: "nope", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
}
