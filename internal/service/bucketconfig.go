package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	"github.com/bleepstore/bleepcore/internal/cors"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/lifecycle"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// GetBucketPolicy returns the stored policy document.
func (s *Service) GetBucketPolicy(ctx context.Context, p auth.Principal, bucket string) (_ []byte, err error) {
	defer observe("GetBucketPolicy", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetBucketPolicy, nil)
	if err != nil {
		return nil, err
	}
	if len(b.Policy) == 0 {
		return nil, s3err.ErrNoSuchBucketPolicy.WithExtra("BucketName", bucket)
	}
	return append([]byte(nil), b.Policy...), nil
}

// PutBucketPolicy validates and stores a policy document.
func (s *Service) PutBucketPolicy(ctx context.Context, p auth.Principal, bucket string, doc []byte) (err error) {
	defer observe("PutBucketPolicy", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketPolicy, nil); err != nil {
		return err
	}
	if _, err := access.ParsePolicy(doc, bucket); err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Policy = append(json.RawMessage(nil), doc...)
		return nil
	})
	s.access.Forget(bucket)
	return err
}

// DeleteBucketPolicy removes the policy document. Deleting a missing policy
// succeeds.
func (s *Service) DeleteBucketPolicy(ctx context.Context, p auth.Principal, bucket string) (err error) {
	defer observe("DeleteBucketPolicy", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.DeleteBucketPolicy, nil); err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Policy = nil
		return nil
	})
	s.access.Forget(bucket)
	return err
}

// GetBucketVersioning returns the versioning state.
func (s *Service) GetBucketVersioning(ctx context.Context, p auth.Principal, bucket string) (_ metadata.VersioningState, err error) {
	defer observe("GetBucketVersioning", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetBucketVersioning, nil)
	if err != nil {
		return metadata.Unversioned, err
	}
	return b.Versioning, nil
}

// PutBucketVersioning enables or suspends versioning. A bucket cannot
// return to the unversioned state.
func (s *Service) PutBucketVersioning(ctx context.Context, p auth.Principal, bucket string, state metadata.VersioningState) (err error) {
	defer observe("PutBucketVersioning", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketVersioning, nil); err != nil {
		return err
	}
	if state != metadata.VersioningEnabled && state != metadata.VersioningSuspended {
		return s3err.ErrIllegalVersioningConfig.WithExtra("Status", state.String())
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Versioning = state
		return nil
	})
	if err == nil {
		s.logger.Info("Bucket versioning changed", "bucket", bucket, "state", state.String())
	}
	return err
}

// GetBucketLifecycle returns the lifecycle configuration.
func (s *Service) GetBucketLifecycle(ctx context.Context, p auth.Principal, bucket string) (_ *lifecycle.Configuration, err error) {
	defer observe("GetBucketLifecycle", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetLifecycleConfiguration, nil)
	if err != nil {
		return nil, err
	}
	if len(b.Lifecycle) == 0 {
		return nil, s3err.ErrNoSuchLifecycleConfiguration.WithExtra("BucketName", bucket)
	}
	c, err := lifecycle.Parse(b.Lifecycle)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return c, nil
}

// PutBucketLifecycle validates and stores a lifecycle configuration. Rules
// without an id are given one.
func (s *Service) PutBucketLifecycle(ctx context.Context, p auth.Principal, bucket string, c *lifecycle.Configuration) (err error) {
	defer observe("PutBucketLifecycle", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutLifecycleConfiguration, nil); err != nil {
		return err
	}
	if c == nil {
		return s3err.ErrMalformedXML
	}
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return s3err.Internal(err)
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Lifecycle = data
		return nil
	})
	return err
}

// DeleteBucketLifecycle removes the lifecycle configuration.
func (s *Service) DeleteBucketLifecycle(ctx context.Context, p auth.Principal, bucket string) (err error) {
	defer observe("DeleteBucketLifecycle", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutLifecycleConfiguration, nil); err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.Lifecycle = nil
		return nil
	})
	return err
}

// GetBucketCORS returns the CORS configuration.
func (s *Service) GetBucketCORS(ctx context.Context, p auth.Principal, bucket string) (_ *cors.Configuration, err error) {
	defer observe("GetBucketCors", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetBucketCORS, nil)
	if err != nil {
		return nil, err
	}
	return s.corsOf(b)
}

func (s *Service) corsOf(b *metadata.BucketRecord) (*cors.Configuration, error) {
	if len(b.CORS) == 0 {
		return nil, s3err.ErrNoSuchCORSConfiguration.WithExtra("BucketName", b.Name)
	}
	c, err := cors.Parse(b.CORS)
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return c, nil
}

// PutBucketCORS validates and stores a CORS configuration.
func (s *Service) PutBucketCORS(ctx context.Context, p auth.Principal, bucket string, c *cors.Configuration) (err error) {
	defer observe("PutBucketCors", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketCORS, nil); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return s3err.Internal(err)
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.CORS = data
		return nil
	})
	return err
}

// DeleteBucketCORS removes the CORS configuration.
func (s *Service) DeleteBucketCORS(ctx context.Context, p auth.Principal, bucket string) (err error) {
	defer observe("DeleteBucketCors", time.Now(), &err)
	if _, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketCORS, nil); err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(b *metadata.BucketRecord) error {
		b.CORS = nil
		return nil
	})
	return err
}

var errCORSDenied = s3err.ErrAccessDenied.WithMessage("CORSResponse: This CORS request is not allowed. This is usually because the evalution of Origin, request method / Access-Control-Request-Method or Access-Control-Request-Headers are not whitelisted by the resource's CORS spec.")

// PreflightInput is an OPTIONS request against a bucket or object.
type PreflightInput struct {
	Bucket string
	Origin string
	// Method is the Access-Control-Request-Method value.
	Method string
	// Headers is the Access-Control-Request-Headers value.
	Headers string
}

// Preflight evaluates a CORS preflight request. Preflights are not
// authenticated; a request no rule allows is answered with AccessDenied.
func (s *Service) Preflight(ctx context.Context, in PreflightInput) (_ http.Header, err error) {
	defer observe("Preflight", time.Now(), &err)
	if in.Origin == "" || in.Method == "" {
		return nil, s3err.ErrInvalidRequest.WithMessage("Insufficient information. Origin request header needed.")
	}
	b, err := s.bucket(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	c, err := s.corsOf(b)
	if err != nil {
		if s3err.KindOf(err) == s3err.KindNotFound {
			return nil, errCORSDenied
		}
		return nil, err
	}
	headers, err := cors.ParseRequestHeaders(in.Headers)
	if err != nil {
		return nil, err
	}
	rule, ok := c.Match(in.Origin, in.Method, headers)
	if !ok {
		return nil, errCORSDenied
	}
	return rule.ResponseHeaders(in.Origin, headers), nil
}
