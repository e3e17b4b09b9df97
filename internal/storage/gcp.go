package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/bleepstore/bleepcore/internal/config"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// GCSAPI is the subset of the GCS client used by GCPBackend. It allows
// mocking in tests.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewRangeReader reads length bytes from offset; length < 0 reads to the end.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	BucketExists(ctx context.Context, bucket string) error
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size}, nil
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCPBackend stores blobs as objects in one upstream GCS bucket under
// {prefix}{content id}. Credentials are resolved via Application Default
// Credentials unless a credentials file is configured.
type GCPBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is prepended to every upstream object name.
	Prefix string
	client GCSAPI
}

// NewGCPBackend creates a GCPBackend from cfg and verifies the upstream
// bucket is reachable.
func NewGCPBackend(ctx context.Context, cfg *config.GCPConfig) (*GCPBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(cfg.Bucket, cfg.Project, cfg.Prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("GCP content backend initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend over an existing client.
func NewGCPBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (b *GCPBackend) gcsName(id string) string {
	return b.Prefix + id
}

// Put streams r into a GCS writer.
func (b *GCPBackend) Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	w := b.client.NewWriter(ctx, b.Bucket, b.gcsName(id))
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return n, nil
}

func (b *GCPBackend) Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	reader, err := b.client.NewRangeReader(ctx, b.Bucket, b.gcsName(id), offset, length)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, nil
}

// Delete is idempotent: GCS errors on missing objects, which is swallowed.
func (b *GCPBackend) Delete(ctx context.Context, id string) error {
	err := b.client.Delete(ctx, b.Bucket, b.gcsName(id))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

func (b *GCPBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.Bucket, b.gcsName(id))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return true, nil
}

// Compose uses GCS Compose. More than 32 sources are chained through
// intermediate objects, which are deleted afterwards.
func (b *GCPBackend) Compose(ctx context.Context, dst string, srcs []string) (int64, error) {
	finalName := b.gcsName(dst)
	sourceNames := make([]string, len(srcs))
	for i, id := range srcs {
		sourceNames[i] = b.gcsName(id)
	}

	if len(sourceNames) <= maxComposeSources {
		attrs, err := b.client.Compose(ctx, b.Bucket, finalName, sourceNames)
		if err != nil {
			if isGCSNotFound(err) {
				return 0, fmt.Errorf("composing %s: %w", dst, ErrNotFound)
			}
			return 0, fmt.Errorf("composing in GCS: %w", err)
		}
		return attrs.Size, nil
	}

	attrs, intermediates, err := b.chainCompose(ctx, sourceNames, finalName)
	for _, name := range intermediates {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil {
			slog.Warn("Failed to clean up compose intermediate", "object", name, "error", delErr)
		}
	}
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// chainCompose composes batches of 32 into intermediates until a single
// compose can produce finalName. It returns the intermediates to clean up.
func (b *GCPBackend) chainCompose(ctx context.Context, sourceNames []string, finalName string) (*GCSAttrs, []string, error) {
	var intermediates []string
	current := sourceNames

	for generation := 0; len(current) > maxComposeSources; generation++ {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			end := min(i+maxComposeSources, len(current))
			batch := current[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, name, batch); err != nil {
				return nil, intermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		current = next
	}

	attrs, err := b.client.Compose(ctx, b.Bucket, finalName, current)
	if err != nil {
		return nil, intermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return attrs, intermediates, nil
}

// HealthCheck verifies that the upstream bucket is accessible.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	return b.client.BucketExists(ctx, b.Bucket)
}

// isGCSNotFound reports whether err is a GCS not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var (
	_ Backend  = (*GCPBackend)(nil)
	_ Composer = (*GCPBackend)(nil)
)
