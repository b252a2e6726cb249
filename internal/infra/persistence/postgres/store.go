// Package postgres persists snapshots of the in-memory graph engine to a
// Postgres state table holding one JSONB payload per entity bucket.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/pkg/graph"
)

var _ memory.Persister = (*Persister)(nil)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when no DSN is configured.
	DefaultDSN = "postgres://localhost/recordbridge?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Persister snapshots the committed state into Postgres.
type Persister struct {
	db *sql.DB
	mu sync.Mutex
}

// NewPersister opens a connection using dsn (falls back to DefaultDSN), pings
// it and ensures the state table exists.
func NewPersister(ctx context.Context, dsn string) (*Persister, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Persister{db: db}, nil
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

// Load reads every bucket row. Empty payloads are skipped.
func (p *Persister) Load(ctx context.Context) (memory.Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	buckets := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
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

// Persist upserts every bucket of snapshot and deletes rows for buckets it no
// longer carries, in one transaction.
func (p *Persister) Persist(ctx context.Context, snapshot memory.Snapshot) error {
	buckets, err := snapshot.Buckets()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stale, err := staleBuckets(ctx, tx, buckets)
	if err != nil {
		return err
	}
	for _, bucket := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE bucket=$1`, bucket); err != nil {
			return fmt.Errorf("delete %s: %w", bucket, err)
		}
	}
	for bucket, data := range buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func staleBuckets(ctx context.Context, tx *sql.Tx, keep map[string][]byte) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT bucket FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var stale []string
	for rows.Next() {
		var bucket string
		if err := rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		if _, ok := keep[bucket]; !ok {
			stale = append(stale, bucket)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return stale, nil
}

// Close releases the connection pool.
func (p *Persister) Close() error { return p.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (p *Persister) DB() *sql.DB { return p.db }

// Store is an in-memory graph store backed by a Postgres snapshot.
type Store struct {
	*memory.Store
	persister *Persister
}

// NewStore opens Postgres at dsn, hydrates a memory store for schema from the
// stored snapshot and persists every later commit.
func NewStore(ctx context.Context, dsn string, schema *graph.Schema, opts ...memory.Option) (*Store, error) {
	p, err := NewPersister(ctx, dsn)
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

// Close stops the store and closes the connection pool.
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.persister.Close())
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.persister.DB() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
