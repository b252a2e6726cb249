package core

import (
	"context"
	"errors"
	"fmt"

	"recordbridge/internal/blob"
	"recordbridge/internal/infra/graph/memory"
	blobpersist "recordbridge/internal/infra/persistence/blob"
	"recordbridge/internal/infra/persistence/postgres"
	"recordbridge/internal/infra/persistence/sqlite"
	"recordbridge/pkg/graph"
)

// StorageDriver identifies a concrete snapshot backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBlob     StorageDriver = "blob"     // versioned snapshot objects
)

// Store is an engine store that owns backend resources.
type Store interface {
	graph.Store
	Close() error
}

// OpenStore opens the engine store selected by cfg.Storage.
func OpenStore(ctx context.Context, cfg Config, schema *graph.Schema, opts ...memory.Option) (Store, error) {
	if schema == nil {
		return nil, errors.New("open store: nil schema")
	}
	switch cfg.Storage {
	case "", StorageMemory:
		s, err := memory.NewStore(schema, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath, schema, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN, schema, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorageBlob:
		blobs, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		var popts []blobpersist.Option
		if cfg.BlobPrefix != "" {
			popts = append(popts, blobpersist.WithPrefix(cfg.BlobPrefix))
		}
		s, err := blobpersist.NewStore(blobs, schema, popts, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage)
	}
}
