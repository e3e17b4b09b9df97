// Package config handles loading and parsing of bleepcore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for bleepcore.
type Config struct {
	Engine        EngineConfig        `yaml:"engine"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Multipart     MultipartConfig     `yaml:"multipart"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// EngineConfig holds engine-wide settings.
type EngineConfig struct {
	// Region decides same-owner bucket re-create behavior: us-east-1 answers
	// success, every other region answers BucketAlreadyOwnedByYou.
	Region string `yaml:"region"`
	// MaxBucketsPerOwner limits bucket creation per owner (0 = unlimited).
	MaxBucketsPerOwner int `yaml:"max_buckets_per_owner"`
	// MaxObjectSize is the largest single PutObject payload in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
	// Users are seeded into the principal directory at startup.
	Users []UserConfig `yaml:"users"`
}

// UserConfig describes a principal known to the engine.
type UserConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is one of "memory", "sqlite", "local", "dynamodb", "firestore", "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Local     LocalMetaConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// LocalMetaConfig holds settings for the JSONL metadata log.
type LocalMetaConfig struct {
	RootDir string `yaml:"root_dir"`
	// CompactOnStartup rewrites the log without superseded entries on open.
	CompactOnStartup bool `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds DynamoDB metadata settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore metadata settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB metadata settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig holds content store backend settings.
type StorageConfig struct {
	// Backend is one of "memory", "local", "sqlite", "aws", "gcp", "azure".
	Backend string        `yaml:"backend"`
	Memory  MemoryConfig  `yaml:"memory"`
	Local   LocalConfig   `yaml:"local"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	AWS     AWSConfig     `yaml:"aws"`
	GCP     GCPConfig     `yaml:"gcp"`
	Azure   AzureConfig   `yaml:"azure"`
}

// MemoryConfig holds in-memory content settings.
type MemoryConfig struct {
	// MaxSizeBytes caps stored bytes (0 = unlimited).
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// LocalConfig holds local filesystem storage settings.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds settings for storing content in an upstream S3 bucket.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds settings for storing content in a GCS bucket.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds settings for storing content in an Azure Blob container.
type AzureConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL overrides https://{account}.blob.core.windows.net.
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// MultipartConfig holds multipart upload settings.
type MultipartConfig struct {
	// MinPartSize is the minimum size of every part but the last.
	MinPartSize int64 `yaml:"min_part_size"`
	// MaxParts bounds the part number range.
	MaxParts int `yaml:"max_parts"`
}

// LifecycleConfig holds lifecycle sweeper settings.
type LifecycleConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the time between sweeps.
	Interval time.Duration `yaml:"interval"`
	// DayDuration is the wall-clock length of one lifecycle "day".
	DayDuration time.Duration `yaml:"day_duration"`
	// Workers bounds the number of buckets swept in parallel.
	Workers int `yaml:"workers"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig holds the operations HTTP surface settings.
type ObservabilityConfig struct {
	Metrics bool   `yaml:"metrics"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown of the ops server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the ops server listen address.
func (o ObservabilityConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the primary path cannot be read,
// it falls back to bleepcore.example.yaml in the same or parent directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepcore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepcore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults for every field.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Metadata.Engine {
	case "memory", "sqlite", "local", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("unknown metadata engine %q", c.Metadata.Engine)
	}
	switch c.Storage.Backend {
	case "memory", "local", "sqlite", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Lifecycle.DayDuration <= 0 {
		return fmt.Errorf("lifecycle.day_duration must be positive")
	}
	for i, u := range c.Engine.Users {
		if u.ID == "" {
			return fmt.Errorf("engine.users[%d]: id is required", i)
		}
	}
	return nil
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Engine.Region == "" {
		cfg.Engine.Region = "us-east-1"
	}
	if cfg.Engine.MaxObjectSize == 0 {
		cfg.Engine.MaxObjectSize = 5 << 30
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/metadata.db"
	}
	if cfg.Metadata.Local.RootDir == "" {
		cfg.Metadata.Local.RootDir = "./data/metadata"
	}
	if cfg.Metadata.DynamoDB.Region == "" {
		cfg.Metadata.DynamoDB.Region = "us-east-1"
	}
	if cfg.Metadata.Firestore.Collection == "" {
		cfg.Metadata.Firestore.Collection = "bleepcore"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/content.db"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
	if cfg.Multipart.MinPartSize == 0 {
		cfg.Multipart.MinPartSize = 5 << 20
	}
	if cfg.Multipart.MaxParts == 0 {
		cfg.Multipart.MaxParts = 10000
	}
	if cfg.Lifecycle.Interval == 0 {
		cfg.Lifecycle.Interval = time.Hour
	}
	if cfg.Lifecycle.DayDuration == 0 {
		cfg.Lifecycle.DayDuration = 24 * time.Hour
	}
	if cfg.Lifecycle.Workers == 0 {
		cfg.Lifecycle.Workers = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Host == "" {
		cfg.Observability.Host = "0.0.0.0"
	}
	if cfg.Observability.Port == 0 {
		cfg.Observability.Port = 9100
	}
	if cfg.Observability.ShutdownTimeout == 0 {
		cfg.Observability.ShutdownTimeout = 30 * time.Second
	}
}
