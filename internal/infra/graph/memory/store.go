// Package memory provides the in-memory object-graph engine behind the
// repository layer. A Store owns the committed state and one root context;
// child and scratchpad contexts stage changes that reach the store only
// through Save.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"recordbridge/pkg/graph"
)

// Compile-time contract assertions.
var (
	_ graph.Store   = (*Store)(nil)
	_ graph.Context = (*Context)(nil)
	_ graph.Record  = (*object)(nil)
)

// Persister durably records snapshots of the committed state.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Persist(ctx context.Context, snapshot Snapshot) error
}

// Option configures a Store.
type Option func(*Store)

// WithPersister loads the initial state from p and persists every commit.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithRulesEngine appends the rules of engine after the built-in rules.
func WithRulesEngine(engine *graph.RulesEngine) Option {
	return func(s *Store) {
		if engine == nil {
			return
		}
		for _, rule := range engine.Rules() {
			s.engine.Register(rule)
		}
	}
}

// WithNow overrides the clock used to stamp change sets.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreID pins the store identifier embedded in refs. Without it the id is
// taken from the loaded snapshot or generated.
func WithStoreID(id string) Option {
	return func(s *Store) { s.id = id }
}

type memoryState struct {
	records    map[string]map[string]graph.Fields
	tombstones map[string]map[string]struct{}
}

func newMemoryState() memoryState {
	return memoryState{
		records:    make(map[string]map[string]graph.Fields),
		tombstones: make(map[string]map[string]struct{}),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for entity, rows := range s.records {
		copied := make(map[string]graph.Fields, len(rows))
		for id, fields := range rows {
			copied[id] = fields
		}
		out.records[entity] = copied
	}
	for entity, ids := range s.tombstones {
		copied := make(map[string]struct{}, len(ids))
		for id := range ids {
			copied[id] = struct{}{}
		}
		out.tombstones[entity] = copied
	}
	return out
}

func (s memoryState) put(entity, id string, fields graph.Fields) {
	rows, ok := s.records[entity]
	if !ok {
		rows = make(map[string]graph.Fields)
		s.records[entity] = rows
	}
	rows[id] = fields
}

func (s memoryState) remove(entity, id string) {
	delete(s.records[entity], id)
	ids, ok := s.tombstones[entity]
	if !ok {
		ids = make(map[string]struct{})
		s.tombstones[entity] = ids
	}
	ids[id] = struct{}{}
}

type subscriber struct {
	ch   chan graph.ChangeSet
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// Store is the committed object graph. Stored Fields values are never mutated
// in place; commits replace whole maps.
type Store struct {
	id        string
	schema    *graph.Schema
	engine    *graph.RulesEngine
	persister Persister
	now       func() time.Time

	mu    sync.RWMutex
	state memoryState
	seq   uint64

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
	closed  bool

	root *Context
}

// NewStore constructs a store for schema. When a persister is configured its
// snapshot is loaded and normalized before the store is returned.
func NewStore(schema *graph.Schema, opts ...Option) (*Store, error) {
	if schema == nil {
		return nil, fmt.Errorf("memory store: schema required")
	}
	s := &Store{
		schema: schema,
		engine: graph.NewRulesEngine(),
		now:    time.Now,
		state:  newMemoryState(),
		subs:   make(map[uint64]*subscriber),
	}
	for _, rule := range builtinRules() {
		s.engine.Register(rule)
	}
	for _, opt := range opts {
		opt(s)
	}
	pinned := s.id
	if s.persister != nil {
		snapshot, err := s.persister.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("memory store load: %w", err)
		}
		if err := s.loadState(snapshot); err != nil {
			return nil, err
		}
	}
	if pinned != "" {
		s.id = pinned
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.root = newContext(s, nil, graph.KindRoot)
	return s, nil
}

// ID returns the store identifier embedded in every ref.
func (s *Store) ID() string { return s.id }

// Schema returns the store schema.
func (s *Store) Schema() *graph.Schema { return s.schema }

// Root returns the long-lived root context.
func (s *Store) Root() graph.Context { return s.root }

// Seq returns the sequence number of the latest commit.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// RulesEngine exposes the engine evaluated on every save.
func (s *Store) RulesEngine() *graph.RulesEngine { return s.engine }

// Subscribe delivers every change set committed after the call. Commits block
// until each subscriber accepted the change set, so receivers must drain the
// channel promptly or cancel.
func (s *Store) Subscribe() (<-chan graph.ChangeSet, func()) {
	sub := &subscriber{ch: make(chan graph.ChangeSet, 1), done: make(chan struct{})}
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()
	cancel := func() {
		sub.stop()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (s *Store) publishLocked(cs graph.ChangeSet) {
	for _, sub := range s.subs {
		select {
		case sub.ch <- cs:
		case <-sub.done:
		}
	}
}

// Close closes the root context and ends every subscription channel.
func (s *Store) Close() error {
	s.subMu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	for _, sub := range subs {
		sub.stop()
		close(sub.ch)
	}
	s.subMu.Unlock()
	return s.root.Close()
}

type lookupResult int

const (
	lookupMissing lookupResult = iota
	lookupFound
	lookupDeleted
)

func (s *Store) lookup(ref graph.Ref) (graph.Fields, lookupResult) {
	if ref.Store() != s.id || ref.IsTemporary() {
		return nil, lookupMissing
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fields, ok := s.state.records[ref.Entity()][ref.ID()]; ok {
		return fields.Clone(), lookupFound
	}
	if _, ok := s.state.tombstones[ref.Entity()][ref.ID()]; ok {
		return nil, lookupDeleted
	}
	return nil, lookupMissing
}

func (s *Store) entityState(entity string) map[graph.Ref]graph.Fields {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.state.records[entity]
	out := make(map[graph.Ref]graph.Fields, len(rows))
	for id, fields := range rows {
		out[graph.NewRef(s.id, entity, id)] = fields
	}
	return out
}

// stateView exposes a candidate state to the rules engine.
type stateView struct {
	store *Store
	state memoryState
}

func (v stateView) Schema() *graph.Schema { return v.store.schema }

func (v stateView) List(entity string) map[graph.Ref]graph.Fields {
	rows := v.state.records[entity]
	out := make(map[graph.Ref]graph.Fields, len(rows))
	for id, fields := range rows {
		out[graph.NewRef(v.store.id, entity, id)] = fields
	}
	return out
}

func (v stateView) Find(ref graph.Ref) (graph.Fields, bool) {
	if ref.Store() != v.store.id || ref.IsTemporary() {
		return nil, false
	}
	fields, ok := v.state.records[ref.Entity()][ref.ID()]
	return fields, ok
}
