package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/pkg/bridge"
	"recordbridge/pkg/graph"
)

type Note struct {
	Ref    graph.Ref
	Title  string
	Score  int64
	Folder graph.Ref
}

type NoteTitle struct {
	Ref   graph.Ref
	Title string
}

func testSchema() *graph.Schema {
	return graph.MustSchema(
		graph.Entity{
			Name:       "Folder",
			Attributes: []graph.Attribute{{Name: "name", Type: graph.TypeString}},
			Unique:     [][]string{{"name"}},
		},
		graph.Entity{
			Name: "Note",
			Attributes: []graph.Attribute{
				{Name: "title", Type: graph.TypeString},
				{Name: "score", Type: graph.TypeInteger, Optional: true},
				{Name: "folder", Type: graph.TypeRelationship, Target: "Folder", Optional: true},
			},
			Unique: [][]string{{"title"}},
		},
	)
}

func decodeNote(rec graph.Record) (Note, error) {
	title, err := bridge.String(rec, "title")
	if err != nil {
		return Note{}, err
	}
	score, err := bridge.OptionalInt(rec, "score")
	if err != nil {
		return Note{}, err
	}
	folder, err := bridge.OptionalRef(rec, "folder")
	if err != nil {
		return Note{}, err
	}
	n := Note{Ref: rec.Ref(), Title: title, Folder: folder}
	if score != nil {
		n.Score = *score
	}
	return n, nil
}

func noteCodec() bridge.Funcs[Note] {
	return bridge.Funcs[Note]{
		EntityName: "Note",
		DecodeFunc: decodeNote,
		RefFunc:    func(n Note) graph.Ref { return n.Ref },
		UpdateFunc: func(n Note, rec graph.Record) error {
			return bridge.Assign(rec, graph.Fields{"title": n.Title, "score": n.Score, "folder": n.Folder})
		},
		Query: graph.NewQuery("Note").OrderBy("title"),
	}
}

func noteTitleCodec() bridge.Funcs[NoteTitle] {
	return bridge.Funcs[NoteTitle]{
		EntityName: "Note",
		DecodeFunc: func(rec graph.Record) (NoteTitle, error) {
			title, err := bridge.String(rec, "title")
			if err != nil {
				return NoteTitle{}, err
			}
			return NoteTitle{Ref: rec.Ref(), Title: title}, nil
		},
		RefFunc: func(n NoteTitle) graph.Ref { return n.Ref },
	}
}

type fixture struct {
	store *memory.Store
	repo  *Repository
	notes *TypedRepository[Note]
}

func newFixture(t *testing.T, storeOpts []memory.Option, opts ...Option) fixture {
	t.Helper()
	store, err := memory.NewStore(testSchema(), storeOpts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	repo := New(store, opts...)
	t.Cleanup(func() {
		_ = repo.Close()
		_ = store.Close()
	})
	return fixture{store: store, repo: repo, notes: NewTyped[Note](repo, noteCodec())}
}

func (f fixture) mustCreate(t *testing.T, n Note) Note {
	t.Helper()
	out, err := f.notes.Create(context.Background(), n)
	if err != nil {
		t.Fatalf("create %q: %v", n.Title, err)
	}
	return out
}

func (f fixture) mustCount(t *testing.T) int {
	t.Helper()
	n, err := f.notes.Count(context.Background(), nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (f fixture) rootHasChanges(t *testing.T) bool {
	t.Helper()
	root := f.store.Root()
	var dirty bool
	if err := root.Perform(context.Background(), func(context.Context) error {
		dirty = root.HasChanges()
		return nil
	}); err != nil {
		t.Fatalf("root perform: %v", err)
	}
	return dirty
}

func expectKind(t *testing.T, err error, sentinel error) *Error {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %T", err)
	}
	return re
}

type flakyPersister struct {
	mu       sync.Mutex
	failNext error
	persists int
}

func (p *flakyPersister) Load(context.Context) (memory.Snapshot, error) {
	return memory.Snapshot{}, nil
}

func (p *flakyPersister) Persist(context.Context, memory.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext; err != nil {
		p.failNext = nil
		return err
	}
	p.persists++
	return nil
}

func (p *flakyPersister) failOnce(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

const waitTimeout = 2 * time.Second

func receive[T any](t *testing.T, sub *Subscription[T]) Result[T] {
	t.Helper()
	select {
	case res, ok := <-sub.Results():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return res
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for emission")
	}
	return Result[T]{}
}

func expectQuiet[T any](t *testing.T, sub *Subscription[T], d time.Duration) {
	t.Helper()
	select {
	case res, ok := <-sub.Results():
		if ok {
			t.Fatalf("unexpected emission %+v", res)
		}
	case <-time.After(d):
	}
}
