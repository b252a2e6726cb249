// Package sqlite persists snapshots of the in-memory graph engine to a single
// SQLite table, one JSON payload per entity bucket.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/pkg/graph"
)

var _ memory.Persister = (*Persister)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "recordbridge.db"

// Persister snapshots the committed state into the state table after every
// successful root commit.
type Persister struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewPersister opens (creating when needed) the database at path and ensures
// the state table exists.
func NewPersister(path string) (*Persister, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Persister{db: db, path: path}, nil
}

// Load reads every bucket and reassembles the snapshot. An empty table yields
// an empty snapshot.
func (p *Persister) Load(ctx context.Context) (memory.Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	buckets := make(map[string][]byte)
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan: %w", err)
		}
		buckets[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	if len(buckets) == 0 {
		return memory.Snapshot{}, nil
	}
	return memory.SnapshotFromBuckets(buckets)
}

// Persist replaces the stored buckets with snapshot in one transaction.
// Buckets absent from snapshot are removed.
func (p *Persister) Persist(ctx context.Context, snapshot memory.Snapshot) (retErr error) {
	buckets, err := snapshot.Buckets()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	existing, err := storedBuckets(ctx, tx)
	if err != nil {
		return err
	}
	for _, bucket := range existing {
		if _, keep := buckets[bucket]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE bucket=?`, bucket); err != nil {
			return fmt.Errorf("delete %s: %w", bucket, err)
		}
	}
	for bucket, data := range buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	return tx.Commit()
}

func storedBuckets(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT bucket FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var bucket string
		if err := rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, bucket)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (p *Persister) Close() error { return p.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (p *Persister) DB() *sql.DB { return p.db }

// Path returns the configured database path.
func (p *Persister) Path() string { return p.path }

// Store is an in-memory graph store backed by a SQLite snapshot.
type Store struct {
	*memory.Store
	persister *Persister
}

// NewStore opens the database at path, hydrates a memory store for schema
// from it and persists every later commit.
func NewStore(path string, schema *graph.Schema, opts ...memory.Option) (*Store, error) {
	p, err := NewPersister(path)
	if err != nil {
		return nil, err
	}
	mem, err := memory.NewStore(schema, append(opts, memory.WithPersister(p))...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return &Store{Store: mem, persister: p}, nil
}

// Close stops the store and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.persister.Close())
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.persister.DB() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.persister.Path() }
