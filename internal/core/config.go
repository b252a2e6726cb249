package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"recordbridge/internal/blob"
	"recordbridge/pkg/repository"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvStorageDriver    = "RECORDBRIDGE_STORAGE_DRIVER"
	EnvSQLitePath       = "RECORDBRIDGE_SQLITE_PATH"
	EnvPostgresDSN      = "RECORDBRIDGE_POSTGRES_DSN"
	EnvBlobDriver       = "RECORDBRIDGE_BLOB_DRIVER"
	EnvBlobFSRoot       = "RECORDBRIDGE_BLOB_FS_ROOT"
	EnvBlobS3Bucket     = "RECORDBRIDGE_BLOB_S3_BUCKET"
	EnvBlobS3Region     = "RECORDBRIDGE_BLOB_S3_REGION"
	EnvBlobS3Endpoint   = "RECORDBRIDGE_BLOB_S3_ENDPOINT"
	EnvBlobS3PathStyle  = "RECORDBRIDGE_BLOB_S3_PATH_STYLE"
	EnvBlobPrefix       = "RECORDBRIDGE_BLOB_PREFIX"
	EnvLogLevel         = "RECORDBRIDGE_LOG_LEVEL"
	EnvLogFormat        = "RECORDBRIDGE_LOG_FORMAT"
	EnvBatchConcurrency = "RECORDBRIDGE_BATCH_CONCURRENCY"
)

// Config describes how a Runtime is assembled.
type Config struct {
	Storage StorageDriver
	// SQLitePath defaults to sqlite.DefaultPath.
	SQLitePath  string
	PostgresDSN string
	Blob        blob.Config
	// BlobPrefix is the key prefix for snapshot objects; empty keeps the default.
	BlobPrefix       string
	Log              LogConfig
	BatchConcurrency int
}

// DefaultConfig returns an in-memory configuration with text logging at info.
func DefaultConfig() Config {
	return Config{
		Storage:          StorageMemory,
		Log:              LogConfig{Level: "info", Format: LogFormatText},
		BatchConcurrency: repository.DefaultBatchConcurrency,
	}
}

// ConfigFromEnv overlays the RECORDBRIDGE_* environment on DefaultConfig.
//
//	RECORDBRIDGE_STORAGE_DRIVER: memory|sqlite|postgres|blob (default memory)
//	RECORDBRIDGE_SQLITE_PATH: sqlite file (default ./recordbridge.db)
//	RECORDBRIDGE_POSTGRES_DSN: postgres DSN when driver=postgres
//	RECORDBRIDGE_BLOB_DRIVER: fs|s3|memory when driver=blob (default fs)
//	RECORDBRIDGE_LOG_LEVEL: debug|info|warn|error
//	RECORDBRIDGE_LOG_FORMAT: text|json
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := env(EnvStorageDriver); v != "" {
		cfg.Storage = StorageDriver(strings.ToLower(v))
	}
	cfg.SQLitePath = env(EnvSQLitePath)
	cfg.PostgresDSN = env(EnvPostgresDSN)

	cfg.Blob.Driver = blob.Driver(strings.ToLower(env(EnvBlobDriver)))
	cfg.Blob.FSRoot = env(EnvBlobFSRoot)
	cfg.Blob.S3.Bucket = env(EnvBlobS3Bucket)
	cfg.Blob.S3.Region = env(EnvBlobS3Region)
	cfg.Blob.S3.Endpoint = env(EnvBlobS3Endpoint)
	if v := env(EnvBlobS3PathStyle); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvBlobS3PathStyle, err)
		}
		cfg.Blob.S3.PathStyle = b
	}
	cfg.BlobPrefix = env(EnvBlobPrefix)

	if v := env(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := env(EnvLogFormat); v != "" {
		cfg.Log.Format = LogFormat(strings.ToLower(v))
	}
	if v := env(EnvBatchConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("%s: want a positive integer, got %q", EnvBatchConcurrency, v)
		}
		cfg.BatchConcurrency = n
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that cannot be opened.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres storage requires %s", EnvPostgresDSN)
		}
	case StorageBlob:
		switch c.Blob.Driver {
		case "", blob.DriverFilesystem, blob.DriverMemory:
		case blob.DriverS3:
			if c.Blob.S3.Bucket == "" {
				return fmt.Errorf("s3 blob storage requires %s", EnvBlobS3Bucket)
			}
		default:
			return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }
