package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"recordbridge/pkg/graph"
)

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
				{Name: "weight", Type: graph.TypeDouble, Optional: true},
				{Name: "folder", Type: graph.TypeRelationship, Target: "Folder", Optional: true, OnTargetDelete: graph.DeleteCascade},
			},
		},
		graph.Entity{
			Name: "Label",
			Attributes: []graph.Attribute{
				{Name: "text", Type: graph.TypeString},
				{Name: "note", Type: graph.TypeRelationship, Target: "Note", Optional: true},
			},
		},
		graph.Entity{
			Name: "Pin",
			Attributes: []graph.Attribute{
				{Name: "note", Type: graph.TypeRelationship, Target: "Note", OnTargetDelete: graph.DeleteDeny},
			},
		},
	)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(testSchema(), opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func perform(t *testing.T, c graph.Context, fn func() error) error {
	t.Helper()
	return c.Perform(context.Background(), func(context.Context) error { return fn() })
}

// commitInsert inserts one record through a scratchpad and commits it.
func commitInsert(t *testing.T, store *Store, entity string, fields graph.Fields) graph.Ref {
	t.Helper()
	ctx := context.Background()
	root := store.Root()
	pad, err := root.NewScratchpad()
	if err != nil {
		t.Fatalf("scratchpad: %v", err)
	}
	defer pad.Close()
	var ref graph.Ref
	err = pad.Perform(ctx, func(context.Context) error {
		rec, err := pad.Insert(entity)
		if err != nil {
			return err
		}
		for k, v := range fields {
			if err := rec.Set(k, v); err != nil {
				return err
			}
		}
		if err := pad.ObtainPermanentRefs(rec); err != nil {
			return err
		}
		ref = rec.Ref()
		return pad.Save(ctx)
	})
	if err != nil {
		t.Fatalf("insert %s: %v", entity, err)
	}
	if err := root.Perform(ctx, func(ctx context.Context) error { return root.Save(ctx) }); err != nil {
		t.Fatalf("commit %s: %v", entity, err)
	}
	return ref
}

func readFields(t *testing.T, store *Store, ref graph.Ref) (graph.Fields, error) {
	t.Helper()
	child, err := store.Root().NewChild()
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	defer child.Close()
	var out graph.Fields
	err = perform(t, child, func() error {
		rec, err := child.Resolve(ref)
		if err != nil {
			return err
		}
		out = graph.Fields{}
		for _, attr := range []string{"name", "title", "score", "weight", "folder", "text", "note"} {
			if v, ok := rec.Value(attr); ok {
				out[attr] = v
			}
		}
		return nil
	})
	return out, err
}

type recordingPersister struct {
	mu        sync.Mutex
	loaded    Snapshot
	persisted []Snapshot
	failNext  error
}

func (p *recordingPersister) Load(context.Context) (Snapshot, error) { return p.loaded, nil }

func (p *recordingPersister) Persist(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.persisted = append(p.persisted, snap)
	return nil
}

func (p *recordingPersister) last() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.persisted) == 0 {
		return Snapshot{}, false
	}
	return p.persisted[len(p.persisted)-1], true
}

var errPersist = errors.New("disk full")
