package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bleepstore/bleepcore/internal/config"
)

// OpenBackend builds the blob backend selected by cfg.Backend.
func OpenBackend(ctx context.Context, cfg *config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(cfg.Memory.MaxSizeBytes), nil
	case "local", "":
		b, err := NewLocalBackend(cfg.Local.RootDir)
		if err != nil {
			return nil, err
		}
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "root", cfg.Local.RootDir, "error", err)
		}
		return b, nil
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLite.Path)
	case "aws":
		return NewAWSBackend(ctx, &cfg.AWS)
	case "gcp":
		return NewGCPBackend(ctx, &cfg.GCP)
	case "azure":
		return NewAzureBackend(ctx, &cfg.Azure)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
