package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"recordbridge/internal/blob"
	"recordbridge/internal/core"
	blobpersist "recordbridge/internal/infra/persistence/blob"
	"recordbridge/internal/infra/persistence/persistencetest"
	"recordbridge/pkg/bridge"
	"recordbridge/pkg/graph"
	"recordbridge/pkg/repository"
)

type book struct {
	Ref   graph.Ref
	Title string
	Pages int64
	Shelf graph.Ref
}

func bookCodec() bridge.Funcs[book] {
	return bridge.Funcs[book]{
		EntityName: "Book",
		DecodeFunc: func(rec graph.Record) (book, error) {
			title, err := bridge.String(rec, "title")
			if err != nil {
				return book{}, err
			}
			pages, err := bridge.OptionalInt(rec, "pages")
			if err != nil {
				return book{}, err
			}
			shelf, err := bridge.OptionalRef(rec, "shelf")
			if err != nil {
				return book{}, err
			}
			b := book{Ref: rec.Ref(), Title: title, Shelf: shelf}
			if pages != nil {
				b.Pages = *pages
			}
			return b, nil
		},
		RefFunc: func(b book) graph.Ref { return b.Ref },
		UpdateFunc: func(b book, rec graph.Record) error {
			return bridge.Assign(rec, graph.Fields{"title": b.Title, "pages": b.Pages, "shelf": b.Shelf})
		},
		Query: graph.NewQuery("Book").OrderBy("title"),
	}
}

// exercise runs a representative write/read/subscribe cycle and returns the
// surviving books.
func exercise(t *testing.T, repo *repository.Repository) []book {
	t.Helper()
	ctx := context.Background()
	books := repository.NewTyped[book](repo, bookCodec())

	shelves, err := repo.Insert(ctx, graph.BulkInsert{Entity: "Shelf", Objects: []graph.Fields{{"label": "sf"}}, Result: graph.BulkResultRefs})
	if err != nil {
		t.Fatalf("insert shelf: %v", err)
	}
	shelf := shelves.Refs[0]

	dune, err := books.Create(ctx, book{Title: "Dune", Pages: 412, Shelf: shelf})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub, err := books.SubscribeRead(ctx, dune.Ref)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	if first, err := sub.Next(ctx); err != nil || first.Title != "Dune" {
		t.Fatalf("initial emission %+v %v", first, err)
	}

	dune.Pages = 896
	if _, err := books.Update(ctx, dune); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if next, err := sub.Next(waitCtx); err != nil || next.Pages != 896 {
		t.Fatalf("update emission %+v %v", next, err)
	}

	batch := books.CreateBatch(ctx, []book{{Title: "Hyperion"}, {Title: "Solaris"}, {Title: "Dune"}})
	if len(batch.Succeeded) != 2 || len(batch.Failed) != 1 {
		t.Fatalf("expected the duplicate title to fail alone, got %d/%d", len(batch.Succeeded), len(batch.Failed))
	}
	for _, b := range batch.Succeeded {
		if b.Title == "Solaris" {
			if err := books.Delete(ctx, b); err != nil {
				t.Fatalf("delete: %v", err)
			}
		}
	}
	total, err := repo.Sum(ctx, "Book", "pages", nil)
	if err != nil || total != 896 {
		t.Fatalf("sum = %v, %v", total, err)
	}

	all, err := books.FetchAll(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return all
}

func titles(books []book) []string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.Title
	}
	return out
}

// TestIntegrationSmoke runs the cycle against every configured backend and,
// for durable ones, checks that a second runtime sees the same state.
func TestIntegrationSmoke(t *testing.T) {
	variants := []struct {
		name    string
		cfg     func(t *testing.T) core.Config
		durable bool
	}{
		{name: "memory", cfg: func(*testing.T) core.Config { return core.DefaultConfig() }},
		{name: "sqlite", durable: true, cfg: func(t *testing.T) core.Config {
			cfg := core.DefaultConfig()
			cfg.Storage = core.StorageSQLite
			cfg.SQLitePath = filepath.Join(t.TempDir(), "smoke.db")
			return cfg
		}},
		{name: "blob-fs", durable: true, cfg: func(t *testing.T) core.Config {
			cfg := core.DefaultConfig()
			cfg.Storage = core.StorageBlob
			cfg.Blob = blob.Config{Driver: blob.DriverFilesystem, FSRoot: t.TempDir()}
			return cfg
		}},
	}
	want := []string{"Dune", "Hyperion"}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := v.cfg(t)
			var logs bytes.Buffer
			rt, err := core.Open(ctx, cfg, persistencetest.Schema(), core.WithLogOutput(&logs))
			if err != nil {
				t.Skipf("%s unavailable: %v", v.name, err)
			}
			got := titles(exercise(t, rt.Repository))
			if err := rt.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("books mismatch:\n%s", diff)
			}
			if !v.durable {
				return
			}
			again, err := core.Open(ctx, cfg, persistencetest.Schema(), core.WithLogOutput(&logs))
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer again.Close()
			reread, err := repository.NewTyped[book](again.Repository, bookCodec()).FetchAll(ctx)
			if err != nil {
				t.Fatalf("fetch after reopen: %v", err)
			}
			if diff := cmp.Diff(want, titles(reread)); diff != "" {
				t.Fatalf("reopened state mismatch:\n%s", diff)
			}
		})
	}
}

func TestIntegrationSmokeMockS3(t *testing.T) {
	blobs := blob.NewMockS3ForTests()
	store, err := blobpersist.NewStore(blobs, persistencetest.Schema(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	repo := repository.New(store, repository.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")))
	got := titles(exercise(t, repo))
	_ = repo.Close()
	_ = store.Close()
	if diff := cmp.Diff([]string{"Dune", "Hyperion"}, got); diff != "" {
		t.Fatalf("books mismatch:\n%s", diff)
	}

	objects, err := blobs.List(context.Background(), blobpersist.DefaultPrefix+"/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) == 0 || len(objects) > blobpersist.DefaultRetain+1 {
		t.Fatalf("unexpected snapshot object count %d", len(objects))
	}
}
