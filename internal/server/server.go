// Package server implements the bleepcore operations HTTP surface: health,
// readiness, metrics and admin endpoints. It does not serve the S3 API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/bleepcore/internal/config"
	"github.com/bleepstore/bleepcore/internal/lifecycle"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/storage"
)

// Server is the operations HTTP server.
type Server struct {
	cfg        config.ObservabilityConfig
	router     chi.Router
	api        huma.API
	meta       *metadata.Store
	content    *storage.ContentStore
	sweeper    *lifecycle.Sweeper
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ReadyBody reports the reachability of each store.
type ReadyBody struct {
	Status   string `json:"status" example:"ok" doc:"ok when every store is reachable"`
	Metadata string `json:"metadata" example:"ok" doc:"Metadata store status"`
	Content  string `json:"content" example:"ok" doc:"Content store status"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Body ReadyBody
}

// SweepInput selects the buckets of a manual lifecycle sweep.
type SweepInput struct {
	Bucket string `query:"bucket" doc:"Sweep only this bucket; empty sweeps every bucket with a lifecycle configuration"`
}

// SweepBody lists the per-bucket results of a sweep.
type SweepBody struct {
	Reports []*lifecycle.Report `json:"reports" doc:"Actions applied per bucket"`
	Errors  []string            `json:"errors,omitempty" doc:"Buckets whose sweep failed"`
}

// SweepOutput is the Huma output struct for the sweep endpoint.
type SweepOutput struct {
	Body SweepBody
}

// UsageInput names the bucket whose usage is requested.
type UsageInput struct {
	Bucket string `path:"bucket" doc:"Bucket name"`
}

// UsageBody is a bucket's usage counters.
type UsageBody struct {
	Bucket    string `json:"bucket" doc:"Bucket name"`
	Objects   int64  `json:"objects" doc:"Versions that are not delete markers"`
	Bytes     int64  `json:"bytes" doc:"Bytes held by versions and in-progress parts"`
	Uploads   int64  `json:"uploads" doc:"In-progress multipart uploads"`
	PartBytes int64  `json:"part_bytes" doc:"Bytes held by in-progress parts"`
}

// UsageOutput is the Huma output struct for the usage endpoint.
type UsageOutput struct {
	Body UsageBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithSweeper enables the admin sweep endpoint.
func WithSweeper(sw *lifecycle.Sweeper) ServerOption {
	return func(s *Server) {
		s.sweeper = sw
	}
}

// WithLogger sets the logger used for request logging.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server over the given stores and registers its routes on a
// Chi router with a Huma API.
func New(cfg config.ObservabilityConfig, meta *metadata.Store, content *storage.ContentStore, opts ...ServerOption) (*Server, error) {
	if meta == nil || content == nil {
		return nil, errors.New("server: metadata and content stores are required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("bleepcore operations API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		meta:    meta,
		content: content,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "server")

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> requestLogger -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = requestLogger(s.logger)(handler)
	if s.cfg.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the configured address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.Handler(),
	}
	s.logger.Info("Operations server listening", "addr", s.cfg.Addr())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns ok while the process is serving.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness check",
		Description: "Pings the metadata and content stores.",
		Tags:        []string{"System"},
	}, s.ready)

	if s.cfg.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "post-lifecycle-sweep",
		Method:      http.MethodPost,
		Path:        "/admin/lifecycle/sweep",
		Summary:     "Run a lifecycle sweep",
		Description: "Applies lifecycle configurations now instead of waiting for the next tick.",
		Tags:        []string{"Admin"},
	}, s.sweep)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-bucket-usage",
		Method:      http.MethodGet,
		Path:        "/admin/buckets/{bucket}/usage",
		Summary:     "Bucket usage",
		Description: "Returns object, byte and upload counters of a bucket.",
		Tags:        []string{"Admin"},
	}, s.usage)
}

func (s *Server) ready(ctx context.Context, _ *struct{}) (*ReadyOutput, error) {
	out := &ReadyOutput{Body: ReadyBody{Status: "ok", Metadata: "ok", Content: "ok"}}
	var errs []error
	if err := s.meta.Ping(ctx); err != nil {
		out.Body.Metadata = err.Error()
		errs = append(errs, err)
	}
	if err := s.content.Backend().HealthCheck(ctx); err != nil {
		out.Body.Content = err.Error()
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		s.logger.Warn("Readiness check failed", "error", errors.Join(errs...))
		return nil, huma.Error503ServiceUnavailable("stores unavailable", errs...)
	}
	return out, nil
}

func (s *Server) sweep(ctx context.Context, in *SweepInput) (*SweepOutput, error) {
	if s.sweeper == nil {
		return nil, huma.Error503ServiceUnavailable("lifecycle sweeper is disabled")
	}
	out := &SweepOutput{Body: SweepBody{Reports: []*lifecycle.Report{}}}
	if in.Bucket != "" {
		r, err := s.sweeper.SweepBucket(ctx, in.Bucket)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, huma.Error404NotFound("no such bucket: " + in.Bucket)
		}
		if r != nil {
			out.Body.Reports = append(out.Body.Reports, r)
		}
		if err != nil {
			out.Body.Errors = append(out.Body.Errors, err.Error())
		}
		return out, nil
	}

	reports, err := s.sweeper.SweepAll(ctx)
	out.Body.Reports = append(out.Body.Reports, reports...)
	if err != nil {
		out.Body.Errors = append(out.Body.Errors, err.Error())
	}
	s.logger.Info("Manual lifecycle sweep finished", "buckets", len(reports), "failed", err != nil)
	return out, nil
}

func (s *Server) usage(ctx context.Context, in *UsageInput) (*UsageOutput, error) {
	u, err := s.meta.BucketUsage(ctx, in.Bucket)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, huma.Error404NotFound("no such bucket: " + in.Bucket)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("reading bucket usage", err)
	}
	return &UsageOutput{Body: UsageBody{
		Bucket:    in.Bucket,
		Objects:   u.Objects,
		Bytes:     u.Bytes,
		Uploads:   u.Uploads,
		PartBytes: u.PartBytes,
	}}, nil
}
