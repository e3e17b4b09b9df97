package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/bleepcore/internal/config"
)

// S3API is the subset of the AWS S3 client used by AWSBackend. It allows
// mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// AWSBackend stores blobs as objects in one upstream S3 bucket under
// {prefix}{content id}. Credentials come from the standard AWS chain unless
// static keys are configured.
type AWSBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Prefix is prepended to every upstream key.
	Prefix string
	client S3API
}

// NewAWSBackend creates an AWSBackend from cfg and verifies the upstream
// bucket is reachable.
func NewAWSBackend(ctx context.Context, cfg *config.AWSConfig) (*AWSBackend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewAWSBackendWithClient(cfg.Bucket, cfg.Prefix, s3.NewFromConfig(awsCfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("AWS content backend initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend over an existing client.
// It is used by tests to inject a mock.
func NewAWSBackendWithClient(bucket, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *AWSBackend) s3Key(id string) string {
	return b.Prefix + id
}

// Put buffers the blob so the SDK can sign a seekable body, then uploads it.
func (b *AWSBackend) Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading content: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading to S3: %w", err)
	}
	return int64(len(data)), nil
}

// Get issues a ranged GetObject.
func (b *AWSBackend) Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		if ok, err := b.Exists(ctx, id); err != nil || !ok {
			if err == nil {
				err = ErrNotFound
			}
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(id)),
	}
	switch {
	case length > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	case offset > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := b.client.GetObject(ctx, input)
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, nil
}

// Delete is idempotent: S3 DeleteObject does not fail on missing keys.
func (b *AWSBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(id)),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

func (b *AWSBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(id)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

func (b *AWSBackend) size(ctx context.Context, key string) (int64, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("reading size of %s: %w", key, err)
	}
	return aws.ToInt64(resp.ContentLength), nil
}

// Compose assembles sources server-side. A single source is copied with
// CopyObject; several sources go through a native multipart upload using
// UploadPartCopy, falling back to download and re-upload for sources S3
// rejects as too small.
func (b *AWSBackend) Compose(ctx context.Context, dst string, srcs []string) (int64, error) {
	finalKey := b.s3Key(dst)

	if len(srcs) == 1 {
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.Bucket),
			Key:        aws.String(finalKey),
			CopySource: aws.String(b.Bucket + "/" + b.s3Key(srcs[0])),
		})
		if err != nil {
			if isAWSNotFound(err) {
				return 0, fmt.Errorf("composing %s: %w", dst, ErrNotFound)
			}
			return 0, fmt.Errorf("copying single source: %w", err)
		}
		return b.size(ctx, finalKey)
	}

	createResp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return 0, fmt.Errorf("creating AWS multipart upload: %w", err)
	}
	awsUploadID := aws.ToString(createResp.UploadId)

	abortOnError := func() {
		_, abortErr := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.Bucket),
			Key:      aws.String(finalKey),
			UploadId: aws.String(awsUploadID),
		})
		if abortErr != nil {
			slog.Warn("Failed to abort AWS multipart upload", "upload_id", awsUploadID, "error", abortErr)
		}
	}

	completed := make([]types.CompletedPart, 0, len(srcs))
	for idx, src := range srcs {
		partNumber := aws.Int32(int32(idx + 1))
		srcKey := b.s3Key(src)

		var partETag string
		copyResp, copyErr := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(b.Bucket),
			Key:        aws.String(finalKey),
			UploadId:   aws.String(awsUploadID),
			PartNumber: partNumber,
			CopySource: aws.String(b.Bucket + "/" + srcKey),
		})
		switch {
		case copyErr == nil:
			if copyResp.CopyPartResult != nil {
				partETag = aws.ToString(copyResp.CopyPartResult.ETag)
			}
		case isAWSEntityTooSmall(copyErr):
			partETag, err = b.reuploadPart(ctx, finalKey, awsUploadID, partNumber, srcKey)
			if err != nil {
				abortOnError()
				return 0, err
			}
		default:
			abortOnError()
			return 0, fmt.Errorf("copying source %s: %w", src, copyErr)
		}

		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(partETag),
			PartNumber: partNumber,
		})
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(finalKey),
		UploadId:        aws.String(awsUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abortOnError()
		return 0, fmt.Errorf("completing AWS multipart upload: %w", err)
	}
	return b.size(ctx, finalKey)
}

func (b *AWSBackend) reuploadPart(ctx context.Context, finalKey, awsUploadID string, partNumber *int32, srcKey string) (string, error) {
	getResp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(srcKey),
	})
	if err != nil {
		return "", fmt.Errorf("downloading %s for fallback upload: %w", srcKey, err)
	}
	data, err := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", srcKey, err)
	}

	uploadResp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.Bucket),
		Key:        aws.String(finalKey),
		UploadId:   aws.String(awsUploadID),
		PartNumber: partNumber,
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s fallback: %w", srcKey, err)
	}
	return aws.ToString(uploadResp.ETag), nil
}

// HealthCheck verifies that the upstream bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound reports whether err is a 404, NoSuchKey or NotFound error.
func isAWSNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

func isAWSEntityTooSmall(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "EntityTooSmall"
	}
	return false
}

var (
	_ Backend  = (*AWSBackend)(nil)
	_ Composer = (*AWSBackend)(nil)
)
