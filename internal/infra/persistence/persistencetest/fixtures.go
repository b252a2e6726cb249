// Package persistencetest holds fixtures shared by the snapshot persister tests.
package persistencetest

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/pkg/graph"
)

// Schema returns a two-entity schema with a relationship, a numeric field
// and unique book titles.
func Schema() *graph.Schema {
	return graph.MustSchema(
		graph.Entity{
			Name:       "Shelf",
			Attributes: []graph.Attribute{{Name: "label", Type: graph.TypeString}},
		},
		graph.Entity{
			Name: "Book",
			Attributes: []graph.Attribute{
				{Name: "title", Type: graph.TypeString},
				{Name: "pages", Type: graph.TypeInteger, Optional: true},
				{Name: "shelf", Type: graph.TypeRelationship, Target: "Shelf", Optional: true},
			},
			Unique: [][]string{{"title"}},
		},
	)
}

// Snapshot returns a snapshot with one live record per entity and a tombstone.
func Snapshot() memory.Snapshot {
	return memory.Snapshot{
		StoreID: "fixture",
		Seq:     3,
		Records: map[string]map[string]graph.Fields{
			"Shelf": {"s1": {"label": "fiction"}},
			"Book":  {"b1": {"title": "Dune", "pages": int64(412)}},
		},
		Tombstones: map[string][]string{"Book": {"b0"}},
	}
}

// AssertSameBuckets fails unless both snapshots encode to the same buckets.
// Comparing encoded buckets ignores the number representation chosen by the
// decoder.
func AssertSameBuckets(t *testing.T, want, got memory.Snapshot) {
	t.Helper()
	wantBuckets, err := want.Buckets()
	if err != nil {
		t.Fatalf("encode want: %v", err)
	}
	gotBuckets, err := got.Buckets()
	if err != nil {
		t.Fatalf("encode got: %v", err)
	}
	diff := cmp.Diff(stringify(wantBuckets), stringify(gotBuckets))
	if diff != "" {
		t.Fatalf("snapshot buckets mismatch (-want +got):\n%s", diff)
	}
}

func stringify(buckets map[string][]byte) map[string]string {
	out := make(map[string]string, len(buckets))
	for k, v := range buckets {
		out[k] = string(v)
	}
	return out
}

// Commit inserts one record into store through a scratchpad and saves it to
// the root.
func Commit(t *testing.T, store graph.Store, entity string, fields graph.Fields) graph.Ref {
	t.Helper()
	ctx := context.Background()
	pad, err := store.Root().NewScratchpad()
	if err != nil {
		t.Fatalf("scratchpad: %v", err)
	}
	defer pad.Close()
	var ref graph.Ref
	err = pad.Perform(ctx, func(ctx context.Context) error {
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
		t.Fatalf("stage %s: %v", entity, err)
	}
	root := store.Root()
	if err := root.Perform(ctx, func(ctx context.Context) error { return root.Save(ctx) }); err != nil {
		t.Fatalf("commit %s: %v", entity, err)
	}
	return ref
}

// Field reads one committed attribute of ref through a child of the root.
func Field(t *testing.T, store graph.Store, ref graph.Ref, attribute string) any {
	t.Helper()
	child, err := store.Root().NewChild()
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	defer child.Close()
	var out any
	err = child.Perform(context.Background(), func(context.Context) error {
		rec, err := child.Resolve(ref)
		if err != nil {
			return err
		}
		out, _ = rec.Value(attribute)
		return nil
	})
	if err != nil {
		t.Fatalf("resolve %s: %v", ref, err)
	}
	return out
}
