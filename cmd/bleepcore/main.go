// Package main is the entry point for bleepcore, the object storage engine
// process: it opens the configured stores, runs the lifecycle sweeper and
// serves the operations endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/bleepcore/internal/auth"
	"github.com/bleepstore/bleepcore/internal/config"
	"github.com/bleepstore/bleepcore/internal/lifecycle"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/metrics"
	"github.com/bleepstore/bleepcore/internal/multipart"
	"github.com/bleepstore/bleepcore/internal/server"
	"github.com/bleepstore/bleepcore/internal/storage"
)

var (
	// Version is the release tag (set at build time)
	Version = "dev"
	// Build is the commit hash (set at build time)
	Build = "norev"
)

func main() {
	app := &cli.App{
		Name:  "bleepcore",
		Usage: "Run the bleepcore object storage engine.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "version",
				Usage:   "print the bleepcore version",
				Aliases: []string{"v"},
				Action: func(*cli.Context, bool) error {
					fmt.Println("Version:", Version)
					fmt.Println("Build  :", Build)
					os.Exit(0)
					return nil
				},
			},
		},
		Commands: []*cli.Command{serveCommand()},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bleepcore: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Open the stores, start the lifecycle sweeper and serve the operations API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to configuration file",
				Value:   "bleepcore.yaml",
				EnvVars: []string{"BLEEPCORE_CONFIG"},
				Aliases: []string{"c"},
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "override the operations listen host",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "override the operations listen port",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format: text, json",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file values.
	if c.IsSet("host") {
		cfg.Observability.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Observability.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, content, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer meta.Close()
	if closer, ok := content.Backend().(io.Closer); ok {
		defer closer.Close()
	}

	if err := auth.NewDirectory(meta).Bootstrap(ctx, cfg.Engine.Users); err != nil {
		return fmt.Errorf("failed to bootstrap users: %w", err)
	}
	if buckets, err := meta.ListBuckets(ctx); err == nil {
		metrics.BucketsTotal.Set(float64(len(buckets)))
	} else {
		logger.Warn("Failed to count buckets", "error", err)
	}

	uploads := multipart.New(meta, content, cfg.Multipart, logger)
	if _, err := uploads.SyncActive(ctx); err != nil {
		logger.Warn("Failed to count multipart uploads", "error", err)
	}
	sweeper := lifecycle.NewSweeper(meta, content, uploads, cfg.Lifecycle, logger)

	srv, err := server.New(cfg.Observability, meta, content,
		server.WithSweeper(sweeper),
		server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Lifecycle.Enabled {
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		// Give in-flight requests time to complete.
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Observability.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}

// openStores opens the metadata and content backends named by cfg. Every
// startup is recovery: the SQLite WAL replays on open and the local content
// backend removes orphaned temp files.
func openStores(ctx context.Context, cfg *config.Config) (*metadata.Store, *storage.ContentStore, error) {
	if cfg.Metadata.Engine == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metadata.SQLite.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}
	mb, err := metadata.OpenBackend(ctx, &cfg.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metadata engine %q: %w", cfg.Metadata.Engine, err)
	}
	slog.Info("Metadata store initialized", "engine", cfg.Metadata.Engine)

	sb, err := storage.OpenBackend(ctx, &cfg.Storage)
	if err != nil {
		mb.Close()
		return nil, nil, fmt.Errorf("failed to open storage backend %q: %w", cfg.Storage.Backend, err)
	}
	slog.Info("Storage backend initialized", "backend", cfg.Storage.Backend)

	return metadata.NewStore(mb), storage.NewContentStore(sb, slog.Default()), nil
}
