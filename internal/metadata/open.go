package metadata

import (
	"context"
	"fmt"

	"github.com/bleepstore/bleepcore/internal/config"
)

// OpenBackend constructs the record backend selected by cfg.Engine.
func OpenBackend(ctx context.Context, cfg *config.MetadataConfig) (Backend, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemoryBackend(), nil
	case "sqlite", "":
		return NewSQLiteBackend(cfg.SQLite.Path)
	case "local":
		return NewLocalBackend(&cfg.Local)
	case "dynamodb":
		return NewDynamoDBBackend(ctx, &cfg.DynamoDB)
	case "firestore":
		return NewFirestoreBackend(ctx, &cfg.Firestore)
	case "cosmos":
		return NewCosmosBackend(&cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown metadata engine: %q", cfg.Engine)
	}
}
