package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/auth"
	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/listing"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/multipart"
	"github.com/bleepstore/bleepcore/internal/storage"
)

var (
	alice = auth.Principal{ID: "alice-id", DisplayName: "alice"}
	bob   = auth.Principal{ID: "bob-id", DisplayName: "bob"}
)

const testMinPart = 16

type fixture struct {
	svc     *Service
	meta    *metadata.Store
	blobs   *storage.MemoryBackend
	content *storage.ContentStore
}

func newFixture(t *testing.T, engine config.EngineConfig) *fixture {
	t.Helper()
	meta := metadata.NewStore(metadata.NewMemoryBackend())
	t.Cleanup(func() { meta.Close() })
	blobs := storage.NewMemoryBackend(0)
	content := storage.NewContentStore(blobs, logging.Discard())
	dir := auth.NewDirectory(meta)
	require.NoError(t, dir.Bootstrap(context.Background(), []config.UserConfig{
		{ID: alice.ID, DisplayName: alice.DisplayName, Email: "alice@example.com"},
		{ID: bob.ID, DisplayName: bob.DisplayName, Email: "bob@example.com"},
	}))
	svc := New(Deps{
		Meta:      meta,
		Content:   content,
		Directory: dir,
		Uploads:   multipart.New(meta, content, config.MultipartConfig{MinPartSize: testMinPart}, logging.Discard()),
		Logger:    logging.Discard(),
	}, engine, 0)
	return &fixture{svc: svc, meta: meta, blobs: blobs, content: content}
}

func (f *fixture) bucket(t *testing.T, name, canned string) {
	t.Helper()
	_, err := f.svc.CreateBucket(context.Background(), alice, CreateBucketInput{Bucket: name, ACL: ACLInput{Canned: canned}})
	require.NoError(t, err)
}

func (f *fixture) put(t *testing.T, bucket, key, data string) *PutObjectOutput {
	t.Helper()
	out, err := f.svc.PutObject(context.Background(), alice, PutObjectInput{
		Bucket: bucket,
		Key:    key,
		Body:   strings.NewReader(data),
		Size:   int64(len(data)),
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) get(t *testing.T, p auth.Principal, in GetObjectInput) (string, error) {
	t.Helper()
	out, err := f.svc.GetObject(context.Background(), p, in)
	if err != nil {
		return "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	return string(data), nil
}

func TestCreateBucket(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()

	b, err := f.svc.CreateBucket(ctx, alice, CreateBucketInput{Bucket: "photos", ACL: ACLInput{Canned: "public-read"}})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", b.Region)
	assert.Equal(t, alice.Owner(), b.Owner)
	assert.True(t, b.ACL.Equal(acl.PublicRead.Expand(alice.Owner(), alice.Owner())))

	tests := []struct {
		name string
		p    auth.Principal
		in   CreateBucketInput
		want error
	}{
		{"anonymous", auth.Anonymous, CreateBucketInput{Bucket: "anon"}, s3err.ErrAccessDenied},
		{"short name", alice, CreateBucketInput{Bucket: "ab"}, s3err.ErrInvalidBucketName},
		{"uppercase", alice, CreateBucketInput{Bucket: "Photos"}, s3err.ErrInvalidBucketName},
		{"ip address", alice, CreateBucketInput{Bucket: "192.168.1.1"}, s3err.ErrInvalidBucketName},
		{"adjacent dots", alice, CreateBucketInput{Bucket: "a..b"}, s3err.ErrInvalidBucketName},
		{"other owner", bob, CreateBucketInput{Bucket: "photos"}, s3err.ErrBucketAlreadyExists},
		{"wrong region", alice, CreateBucketInput{Bucket: "elsewhere", LocationConstraint: "eu-west-1"}, s3err.ErrInvalidLocationConstraint},
		{"bad canned acl", alice, CreateBucketInput{Bucket: "acl-bucket", ACL: ACLInput{Canned: "everyone"}}, s3err.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateBucket(ctx, tt.p, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateBucketTwiceKeepsFirstACL(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "photos", "public-read")

	b, err := f.svc.CreateBucket(ctx, alice, CreateBucketInput{Bucket: "photos", ACL: ACLInput{Canned: "private"}})
	require.NoError(t, err)
	assert.True(t, b.ACL.Equal(acl.PublicRead.Expand(alice.Owner(), alice.Owner())))

	got, err := f.svc.GetBucketACL(ctx, alice, "photos")
	require.NoError(t, err)
	assert.True(t, got.Equal(acl.PublicRead.Expand(alice.Owner(), alice.Owner())))
}

func TestCreateBucketTwiceOutsideUSEast1(t *testing.T) {
	f := newFixture(t, config.EngineConfig{Region: "eu-west-1"})
	f.bucket(t, "photos", "")
	_, err := f.svc.CreateBucket(context.Background(), alice, CreateBucketInput{Bucket: "photos"})
	assert.ErrorIs(t, err, s3err.ErrBucketAlreadyOwnedByYou)
}

func TestCreateBucketQuota(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxBucketsPerOwner: 1})
	ctx := context.Background()
	f.bucket(t, "first", "")

	_, err := f.svc.CreateBucket(ctx, alice, CreateBucketInput{Bucket: "second"})
	assert.ErrorIs(t, err, s3err.ErrTooManyBuckets)

	_, err = f.svc.CreateBucket(ctx, bob, CreateBucketInput{Bucket: "bobs"})
	assert.NoError(t, err)
}

func TestDeleteBucket(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "k", "v")

	err := f.svc.DeleteBucket(ctx, bob, "data")
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)

	err = f.svc.DeleteBucket(ctx, alice, "data")
	assert.ErrorIs(t, err, s3err.ErrBucketNotEmpty)

	_, err = f.svc.DeleteObject(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteBucket(ctx, alice, "data"))

	_, err = f.svc.ListObjectsV2(ctx, alice, "data", listing.ObjectsV2Params{MaxKeys: 1000})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
	err = f.svc.DeleteBucket(ctx, alice, "data")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
	assert.Zero(t, f.blobs.Size())
}

func TestDeleteBucketVersionsBlockDelete(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	require.NoError(t, f.svc.PutBucketVersioning(ctx, alice, "data", metadata.VersioningEnabled))
	f.put(t, "data", "k", "v")

	res, err := f.svc.DeleteObject(ctx, alice, "data", "k", "")
	require.NoError(t, err)
	assert.True(t, res.DeleteMarker)

	// The delete marker and the old version both still count.
	assert.ErrorIs(t, f.svc.DeleteBucket(ctx, alice, "data"), s3err.ErrBucketNotEmpty)

	versions, err := f.svc.ListObjectVersions(ctx, alice, "data", listing.VersionsParams{MaxKeys: 1000})
	require.NoError(t, err)
	for _, v := range versions.Versions {
		_, err := f.svc.DeleteObject(ctx, alice, "data", v.Key, v.VersionID)
		require.NoError(t, err)
	}
	assert.NoError(t, f.svc.DeleteBucket(ctx, alice, "data"))
}

func TestDeleteBucketAbortsUploads(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")

	u, err := f.svc.CreateMultipartUpload(ctx, alice, CreateMultipartUploadInput{Bucket: "data", Key: "big"})
	require.NoError(t, err)
	_, err = f.svc.UploadPart(ctx, alice, UploadPartInput{Bucket: "data", Key: "big", UploadID: u.UploadID, PartNumber: 1, Body: strings.NewReader("part"), Size: 4})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteBucket(ctx, alice, "data"))
	_, err = f.meta.GetUpload(ctx, "data", "big", u.UploadID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	assert.Zero(t, f.blobs.Size())
}

func TestListBuckets(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "zeta", "")
	f.bucket(t, "alpha", "")
	_, err := f.svc.CreateBucket(ctx, bob, CreateBucketInput{Bucket: "bobs"})
	require.NoError(t, err)

	got, err := f.svc.ListBuckets(ctx, alice)
	require.NoError(t, err)
	var names []string
	for _, b := range got {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)

	_, err = f.svc.ListBuckets(ctx, auth.Anonymous)
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
}

func TestHeadBucket(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")
	f.put(t, "data", "a", "12345")
	f.put(t, "data", "b", "678")

	info, err := f.svc.HeadBucket(ctx, alice, "data")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Usage.Objects)
	assert.Equal(t, int64(8), info.Usage.Bytes)

	_, err = f.svc.HeadBucket(ctx, bob, "data")
	assert.ErrorIs(t, err, s3err.ErrAccessDenied)
	_, err = f.svc.HeadBucket(ctx, alice, "missing")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)

	region, err := f.svc.GetBucketLocation(ctx, alice, "data")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", region)
}

func TestConcurrentBucketACLWrites(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "shared", "")

	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			canned := "private"
			if i%2 == 0 {
				canned = "public-read"
			}
			errs[i] = f.svc.PutBucketACL(ctx, alice, "shared", ACLInput{Canned: canned})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	got, err := f.svc.GetBucketACL(ctx, alice, "shared")
	require.NoError(t, err)
	assert.True(t,
		got.Equal(acl.Private.Expand(alice.Owner(), alice.Owner())) ||
			got.Equal(acl.PublicRead.Expand(alice.Owner(), alice.Owner())))
}

func TestPutBucketACL(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})
	ctx := context.Background()
	f.bucket(t, "data", "")

	err := f.svc.PutBucketACL(ctx, alice, "data", ACLInput{})
	assert.ErrorIs(t, err, s3err.ErrMalformedACLError)

	err = f.svc.PutBucketACL(ctx, alice, "data", ACLInput{Canned: "public-read", Grants: []acl.Grant{
		{Grantee: acl.User(bob.ID, ""), Permission: acl.PermRead},
	}})
	assert.ErrorIs(t, err, s3err.ErrInvalidRequest)

	err = f.svc.PutBucketACL(ctx, alice, "data", ACLInput{Grants: []acl.Grant{
		{Grantee: acl.Grantee{Type: acl.ByEmail, Email: "nobody@example.com"}, Permission: acl.PermRead},
	}})
	assert.ErrorIs(t, err, s3err.ErrUnresolvableGrantByEmail)

	got, err := f.svc.GetBucketACL(ctx, alice, "data")
	require.NoError(t, err)
	assert.True(t, got.Equal(acl.Private.Expand(alice.Owner(), alice.Owner())), "failed writes must not change the ACL")

	err = f.svc.PutBucketACL(ctx, alice, "data", ACLInput{Grants: []acl.Grant{
		{Grantee: acl.Grantee{Type: acl.ByEmail, Email: "bob@example.com"}, Permission: acl.PermRead},
	}})
	require.NoError(t, err)
	_, err = f.svc.ListObjectsV1(ctx, bob, "data", listing.ObjectsV1Params{MaxKeys: 10})
	assert.NoError(t, err)
}
