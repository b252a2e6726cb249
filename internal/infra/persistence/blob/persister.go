// Package blob persists snapshots of the in-memory graph engine as versioned
// JSON documents in a blob store.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"recordbridge/internal/blob"
	"recordbridge/internal/infra/graph/memory"
	"recordbridge/pkg/graph"
)

var _ memory.Persister = (*Persister)(nil)

const (
	// DefaultPrefix is the key prefix used when none is configured.
	DefaultPrefix = "snapshots"
	// DefaultRetain is the number of snapshot versions kept.
	DefaultRetain = 2

	contentType = "application/json"
	keySuffix   = ".json"
)

// Option configures a Persister.
type Option func(*Persister)

// WithPrefix sets the key prefix snapshots are written under.
func WithPrefix(prefix string) Option {
	return func(p *Persister) {
		if prefix = strings.Trim(prefix, "/"); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithRetain sets how many snapshot versions survive pruning. Values below 1
// are ignored.
func WithRetain(n int) Option {
	return func(p *Persister) {
		if n >= 1 {
			p.retain = n
		}
	}
}

// Persister writes one document per committed sequence number under
// <prefix>/<seq>.json, zero padded so lexical key order is commit order.
// Load picks the highest key.
type Persister struct {
	store  blob.Store
	prefix string
	retain int
}

// NewPersister wraps store.
func NewPersister(store blob.Store, opts ...Option) *Persister {
	p := &Persister{store: store, prefix: DefaultPrefix, retain: DefaultRetain}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key returns the blob key holding the snapshot for seq.
func (p *Persister) Key(seq uint64) string {
	return path.Join(p.prefix, fmt.Sprintf("%020d%s", seq, keySuffix))
}

func (p *Persister) versions(ctx context.Context) ([]string, error) {
	infos, err := p.store.List(ctx, p.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Key, keySuffix) {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

// Load decodes the newest snapshot. An empty store yields an empty snapshot.
func (p *Persister) Load(ctx context.Context) (memory.Snapshot, error) {
	keys, err := p.versions(ctx)
	if err != nil {
		return memory.Snapshot{}, err
	}
	if len(keys) == 0 {
		return memory.Snapshot{}, nil
	}
	latest := keys[len(keys)-1]
	_, rc, err := p.store.Get(ctx, latest)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("get %s: %w", latest, err)
	}
	defer func() { _ = rc.Close() }()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("read %s: %w", latest, err)
	}
	snap, err := memory.UnmarshalSnapshot(payload)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("decode %s: %w", latest, err)
	}
	return snap, nil
}

// Persist writes snapshot under its sequence key, replacing a leftover
// document from a reverted commit with the same sequence, then prunes old
// versions. Pruning failures are not reported; the next Persist retries them.
func (p *Persister) Persist(ctx context.Context, snapshot memory.Snapshot) error {
	payload, err := memory.MarshalSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := p.Key(snapshot.Seq)
	_, err = p.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType})
	if errors.Is(err, blob.ErrExists) {
		if _, err = p.store.Delete(ctx, key); err == nil {
			_, err = p.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType})
		}
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	p.prune(ctx, key)
	return nil
}

func (p *Persister) prune(ctx context.Context, current string) {
	keys, err := p.versions(ctx)
	if err != nil {
		return
	}
	// Versions newer than current belong to reverted commits and would
	// shadow it on Load.
	var older []string
	for _, key := range keys {
		if key > current {
			_, _ = p.store.Delete(ctx, key)
			continue
		}
		older = append(older, key)
	}
	for len(older) > p.retain {
		_, _ = p.store.Delete(ctx, older[0])
		older = older[1:]
	}
}

// Store is an in-memory graph store backed by blob snapshots.
type Store struct {
	*memory.Store
	persister *Persister
}

// NewStore hydrates a memory store for schema from the newest snapshot in
// blobs and persists every later commit.
func NewStore(blobs blob.Store, schema *graph.Schema, persisterOpts []Option, opts ...memory.Option) (*Store, error) {
	p := NewPersister(blobs, persisterOpts...)
	mem, err := memory.NewStore(schema, append(opts, memory.WithPersister(p))...)
	if err != nil {
		return nil, err
	}
	return &Store{Store: mem, persister: p}, nil
}

// Persister returns the snapshot writer.
func (s *Store) Persister() *Persister { return s.persister }
