// Package multipart coordinates multipart uploads: creating an upload,
// accepting parts, and completing or aborting it.
//
// An upload is Created, accepts any number of parts, and ends Completed or
// Aborted. Parts of one upload may be written concurrently. Complete and
// Abort take the upload's lock exclusively; UploadPart takes it shared only
// while it records its part, so a part whose upload ended while its bytes
// were streaming is discarded quietly.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/keylock"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/metrics"
	"github.com/bleepstore/bleepcore/internal/storage"
	"github.com/bleepstore/bleepcore/internal/uid"
)

// CompletedPart is one entry of a CompleteMultipartUpload part list.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Coordinator runs the multipart upload state machine over the metadata and
// content stores.
type Coordinator struct {
	meta        *metadata.Store
	content     *storage.ContentStore
	logger      *slog.Logger
	minPartSize int64
	maxParts    int
	locks       *keylock.Table
}

// New returns a Coordinator. Zero config values select 5 MiB parts and
// 10000 part numbers.
func New(meta *metadata.Store, content *storage.ContentStore, cfg config.MultipartConfig, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		meta:        meta,
		content:     content,
		logger:      logging.Component(logger, "multipart"),
		minPartSize: cfg.MinPartSize,
		maxParts:    cfg.MaxParts,
		locks:       keylock.New(),
	}
	if c.minPartSize <= 0 {
		c.minPartSize = 5 << 20
	}
	if c.maxParts <= 0 {
		c.maxParts = 10000
	}
	return c
}

// Create starts an upload described by u, assigning its upload id.
func (c *Coordinator) Create(ctx context.Context, u *metadata.MultipartUploadRecord) error {
	u.UploadID = uid.UploadID()
	if err := c.meta.CreateUpload(ctx, u); err != nil {
		return fmt.Errorf("creating upload for %s/%s: %w", u.Bucket, u.Key, err)
	}
	metrics.MultipartUploadsActive.Inc()
	c.logger.Debug("Upload created", "bucket", u.Bucket, "key", u.Key, "upload_id", u.UploadID)
	return nil
}

// SyncActive sets the active uploads gauge from the uploads recorded in the
// metadata store. Run at startup so uploads left by an earlier process are
// counted before they complete or abort.
func (c *Coordinator) SyncActive(ctx context.Context) (int, error) {
	buckets, err := c.meta.ListBuckets(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range buckets {
		uploads, err := c.meta.ListUploads(ctx, b.Name, "", "", "", 0)
		if err != nil {
			return 0, err
		}
		n += len(uploads)
	}
	metrics.MultipartUploadsActive.Set(float64(n))
	return n, nil
}

// Get returns the upload, or NoSuchUpload.
func (c *Coordinator) Get(ctx context.Context, bucket, key, uploadID string) (*metadata.MultipartUploadRecord, error) {
	u, err := c.meta.GetUpload(ctx, bucket, key, uploadID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchUpload
	}
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return u, nil
}

// ValidatePartNumber checks n against the accepted part number range.
func (c *Coordinator) ValidatePartNumber(n int) error {
	if n < 1 || n > c.maxParts {
		return s3err.ErrInvalidArgument.
			WithMessage("Part number must be an integer between 1 and %d, inclusive", c.maxParts).
			WithExtra("ArgumentName", "partNumber").
			WithExtra("ArgumentValue", fmt.Sprint(n))
	}
	return nil
}

// UploadPart stores r as part partNumber of the upload, replacing any earlier
// part with that number. contentMD5, when set, must match the received bytes.
func (c *Coordinator) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64, contentMD5 string) (*metadata.PartRecord, error) {
	if err := c.ValidatePartNumber(partNumber); err != nil {
		return nil, err
	}
	if _, err := c.Get(ctx, bucket, key, uploadID); err != nil {
		return nil, err
	}

	content, err := c.content.Put(ctx, r, size)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	if err := storage.VerifyDigest(contentMD5, content.MD5); err != nil {
		c.content.Release(context.WithoutCancel(ctx), content.ID)
		return nil, err
	}

	part := &metadata.PartRecord{
		UploadID:   uploadID,
		PartNumber: partNumber,
		Size:       content.Size,
		ETag:       content.ETag,
		ContentID:  content.ID,
	}
	if err := c.commitPart(ctx, bucket, key, part); err != nil {
		c.content.Release(context.WithoutCancel(ctx), content.ID)
		return nil, err
	}
	return part, nil
}

func (c *Coordinator) commitPart(ctx context.Context, bucket, key string, part *metadata.PartRecord) error {
	unlock := c.locks.RLock(part.UploadID)
	defer unlock()

	if _, err := c.meta.GetUpload(ctx, bucket, key, part.UploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// The upload ended while the part was streaming.
			c.logger.Debug("Discarding part of finished upload",
				"upload_id", part.UploadID, "part_number", part.PartNumber)
			c.content.Release(context.WithoutCancel(ctx), part.ContentID)
			return nil
		}
		return s3err.Internal(err)
	}

	prev, err := c.meta.PutPart(ctx, part)
	if err != nil {
		return s3err.Internal(err)
	}
	if prev != nil && prev.ContentID != part.ContentID {
		c.content.Release(context.WithoutCancel(ctx), prev.ContentID)
	}
	return nil
}

// Complete assembles the listed parts into the upload's object and ends the
// upload. The committed version is returned.
func (c *Coordinator) Complete(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (*metadata.ObjectVersion, error) {
	unlock := c.locks.Lock(uploadID)
	defer unlock()

	u, err := c.Get(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, s3err.ErrMalformedXML.WithMessage("You must specify at least one part")
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			return nil, s3err.ErrInvalidPartOrder
		}
	}

	stored, err := c.meta.ListParts(ctx, uploadID, 0, 0)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	byNumber := make(map[int]*metadata.PartRecord, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	refs := make([]storage.PartRef, len(parts))
	for i, want := range parts {
		p, ok := byNumber[want.PartNumber]
		if !ok || strings.Trim(want.ETag, `"`) != strings.Trim(p.ETag, `"`) {
			return nil, s3err.ErrInvalidPart.
				WithExtra("PartNumber", fmt.Sprint(want.PartNumber)).
				WithExtra("ETag", want.ETag)
		}
		refs[i] = storage.PartRef{ContentID: p.ContentID, ETag: p.ETag, Size: p.Size}
	}
	for i, ref := range refs[:len(refs)-1] {
		if ref.Size < c.minPartSize {
			return nil, s3err.ErrEntityTooSmall.
				WithExtra("PartNumber", fmt.Sprint(parts[i].PartNumber)).
				WithExtra("ProposedSize", fmt.Sprint(ref.Size)).
				WithExtra("MinSizeAllowed", fmt.Sprint(c.minPartSize))
		}
	}

	assembled, err := c.content.Assemble(ctx, refs)
	if err != nil {
		return nil, s3err.Internal(err)
	}

	obj := &metadata.ObjectVersion{
		Bucket:             bucket,
		Key:                key,
		Size:               assembled.Size,
		ETag:               assembled.ETag,
		ContentType:        u.ContentType,
		ContentEncoding:    u.ContentEncoding,
		ContentDisposition: u.ContentDisposition,
		CacheControl:       u.CacheControl,
		UserMetadata:       u.UserMetadata,
		StorageClass:       u.StorageClass,
		Owner:              u.Owner,
		ACL:                u.ACL,
		Tags:               u.Tags,
		ContentID:          assembled.ID,
		PartCount:          len(parts),
	}
	replaced, err := c.meta.CommitObject(ctx, obj)
	if err != nil {
		c.content.Release(context.WithoutCancel(ctx), assembled.ID)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, s3err.Internal(err)
	}
	for _, old := range replaced {
		c.content.Release(context.WithoutCancel(ctx), old.ContentID)
	}

	c.finish(context.WithoutCancel(ctx), u)
	c.logger.Debug("Upload completed", "bucket", bucket, "key", key, "upload_id", uploadID, "parts", len(parts))
	return obj, nil
}

// Abort ends the upload and releases every stored part.
func (c *Coordinator) Abort(ctx context.Context, bucket, key, uploadID string) error {
	unlock := c.locks.Lock(uploadID)
	defer unlock()

	u, err := c.Get(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	c.finish(context.WithoutCancel(ctx), u)
	c.logger.Debug("Upload aborted", "bucket", bucket, "key", key, "upload_id", uploadID)
	return nil
}

// finish removes the upload record and its parts and releases part content.
// The object of a completed upload references assembled content, never part
// content. Failures leave unreachable records and are only logged.
func (c *Coordinator) finish(ctx context.Context, u *metadata.MultipartUploadRecord) {
	switch err := c.meta.DeleteUpload(ctx, u.Bucket, u.Key, u.UploadID); {
	case err == nil:
		metrics.MultipartUploadsActive.Dec()
	case !errors.Is(err, metadata.ErrNotFound):
		c.logger.Warn("Failed to remove upload record", "upload_id", u.UploadID, "error", err)
	}

	parts, err := c.meta.DeleteParts(ctx, u.UploadID)
	if err != nil {
		c.logger.Warn("Failed to remove parts", "upload_id", u.UploadID, "error", err)
		return
	}
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.ContentID
	}
	c.content.Release(ctx, ids...)
}
