// Package service is the bucket and object façade of the engine. Every
// operation takes the verified caller, authorizes it through the access
// evaluator, validates its input and only then mutates the metadata and
// content stores. Listing and multipart calls are delegated to their engines.
package service

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/auth"
	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/listing"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/metrics"
	"github.com/bleepstore/bleepcore/internal/multipart"
	"github.com/bleepstore/bleepcore/internal/storage"
)

// Service implements the bucket and object operations.
type Service struct {
	meta      *metadata.Store
	content   *storage.ContentStore
	access    *access.Evaluator
	directory *auth.Directory
	listing   *listing.Engine
	uploads   *multipart.Coordinator
	logger    *slog.Logger

	region        string
	maxBuckets    int
	maxObjectSize int64
	day           time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Meta      *metadata.Store
	Content   *storage.ContentStore
	Access    *access.Evaluator
	Directory *auth.Directory
	Uploads   *multipart.Coordinator
	Logger    *slog.Logger
}

// New returns a Service. day is the lifecycle day length used to compute
// expiration times.
func New(d Deps, engine config.EngineConfig, day time.Duration) *Service {
	s := &Service{
		meta:          d.Meta,
		content:       d.Content,
		access:        d.Access,
		directory:     d.Directory,
		listing:       listing.NewEngine(d.Meta),
		uploads:       d.Uploads,
		logger:        logging.Component(d.Logger, "service"),
		region:        engine.Region,
		maxBuckets:    engine.MaxBucketsPerOwner,
		maxObjectSize: engine.MaxObjectSize,
		day:           day,
	}
	if s.region == "" {
		s.region = "us-east-1"
	}
	if s.day <= 0 {
		s.day = 24 * time.Hour
	}
	if s.access == nil {
		s.access = access.NewEvaluator(d.Logger)
	}
	if s.directory == nil {
		s.directory = auth.NewDirectory(d.Meta)
	}
	return s
}

// observe records an operation outcome. It is deferred with a pointer to the
// operation's named error.
func observe(op string, start time.Time, err *error) {
	code := ""
	if *err != nil {
		code = s3err.CodeOf(*err)
	}
	metrics.ObserveOperation(op, start, code)
}

// bucket returns the bucket record or NoSuchBucket.
func (s *Service) bucket(ctx context.Context, name string) (*metadata.BucketRecord, error) {
	b, err := s.meta.GetBucket(ctx, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchBucket.WithExtra("BucketName", name)
	}
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return b, nil
}

// authorizedBucket loads the bucket and authorizes a bucket-level action.
func (s *Service) authorizedBucket(ctx context.Context, p auth.Principal, name string, action access.Action, conds map[string]string) (*metadata.BucketRecord, error) {
	b, err := s.bucket(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(&access.Request{Principal: p, Action: action, Bucket: b, Conditions: conds}); err != nil {
		return nil, err
	}
	return b, nil
}

// updateBucket runs fn under the bucket's compare-and-swap loop.
func (s *Service) updateBucket(ctx context.Context, name string, fn func(*metadata.BucketRecord) error) (*metadata.BucketRecord, error) {
	b, err := s.meta.UpdateBucket(ctx, name, fn)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchBucket.WithExtra("BucketName", name)
	}
	if err != nil {
		return nil, s3err.Internal(err)
	}
	return b, nil
}

var (
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
	ipAddressRegex  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ValidateBucketName checks S3 bucket naming rules.
func ValidateBucketName(name string) error {
	invalid := func(msg string) error {
		return s3err.ErrInvalidBucketName.WithMessage("%s", msg).WithExtra("BucketName", name)
	}
	switch {
	case len(name) < 3 || len(name) > 63:
		return invalid("Bucket name must be between 3 and 63 characters long")
	case !bucketNameRegex.MatchString(name):
		return invalid("Bucket name can only contain lowercase letters, numbers, hyphens, and periods")
	case ipAddressRegex.MatchString(name):
		return invalid("Bucket name must not be formatted as an IP address")
	case strings.HasPrefix(name, "xn--"):
		return invalid("Bucket name must not start with xn--")
	case strings.HasSuffix(name, "-s3alias"), strings.HasSuffix(name, "--ol-s3"):
		return invalid("Bucket name must not end with -s3alias or --ol-s3")
	case strings.Contains(name, ".."), strings.Contains(name, ".-"), strings.Contains(name, "-."):
		return invalid("Bucket name must not contain adjacent periods and hyphens")
	}
	return nil
}

// validateKey maps store key rules onto S3 errors.
func validateKey(key string) error {
	if len(key) > 1024 {
		return s3err.ErrKeyTooLong
	}
	if err := metadata.ValidateKey(key); err != nil {
		return s3err.ErrInvalidArgument.WithMessage("%s", err.Error())
	}
	return nil
}
