package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/internal/infra/persistence/persistencetest"
	"recordbridge/internal/infra/persistence/postgres/testutil"
	"recordbridge/pkg/graph"
)

func stubPersister(t *testing.T) (*Persister, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	p, err := NewPersister(context.Background(), "")
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	return p, conn
}

func TestNewPersisterEnsuresStateTable(t *testing.T) {
	var gotDriver, gotDSN string
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driverName, dsn
		return db, nil
	})
	defer restore()

	if _, err := NewPersister(context.Background(), ""); err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	if gotDriver != "pgx" || gotDSN != DefaultDSN {
		t.Fatalf("unexpected open(%q, %q)", gotDriver, gotDSN)
	}
	if !conn.Executed("CREATE TABLE IF NOT EXISTS state") || !conn.Executed("JSONB") {
		t.Fatalf("expected state table DDL, got %v", conn.Execs)
	}
}

func TestNewPersisterErrors(t *testing.T) {
	ctx := context.Background()
	t.Run("open", func(t *testing.T) {
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
		defer restore()
		if _, err := NewPersister(ctx, "postgres://nowhere"); err == nil || !strings.Contains(err.Error(), "open postgres") {
			t.Fatalf("expected open error, got %v", err)
		}
	})
	t.Run("ping", func(t *testing.T) {
		db, conn := testutil.NewStubDB()
		conn.Fail.Ping = true
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
		defer restore()
		if _, err := NewPersister(ctx, ""); err == nil || !strings.Contains(err.Error(), "ping postgres") {
			t.Fatalf("expected ping error, got %v", err)
		}
	})
	t.Run("ddl", func(t *testing.T) {
		db, conn := testutil.NewStubDB()
		conn.Fail.Exec = "CREATE"
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
		defer restore()
		if _, err := NewPersister(ctx, ""); err == nil || !strings.Contains(err.Error(), "ensure state table") {
			t.Fatalf("expected ddl error, got %v", err)
		}
	})
}

func TestPersistAndLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	p, conn := stubPersister(t)

	want := persistencetest.Snapshot()
	if err := p.Persist(ctx, want); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got := len(conn.Rows("state")); got != 3 {
		t.Fatalf("expected meta + 2 entity buckets, got %d rows", got)
	}
	got, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	persistencetest.AssertSameBuckets(t, want, got)

	delete(want.Records, "Shelf")
	if err := p.Persist(ctx, want); err != nil {
		t.Fatalf("persist shrunk: %v", err)
	}
	for _, row := range conn.Rows("state") {
		if row["bucket"] == "Shelf" {
			t.Fatalf("stale bucket kept: %v", row)
		}
	}
	if conn.Commits != 2 {
		t.Fatalf("expected 2 commits, got %d", conn.Commits)
	}
}

func TestLoadSkipsEmptyPayloads(t *testing.T) {
	p, conn := stubPersister(t)
	conn.Tables["state"] = []map[string]any{{"bucket": "Book", "payload": []byte{}}}
	snap, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Records) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	t.Run("query", func(t *testing.T) {
		p, conn := stubPersister(t)
		conn.Fail.Query = true
		if _, err := p.Load(ctx); err == nil || !strings.Contains(err.Error(), "select state") {
			t.Fatalf("expected select error, got %v", err)
		}
	})
	t.Run("rows", func(t *testing.T) {
		p, conn := stubPersister(t)
		conn.Fail.Rows = errors.New("cursor broke")
		if _, err := p.Load(ctx); err == nil || !strings.Contains(err.Error(), "iterate state") {
			t.Fatalf("expected iterate error, got %v", err)
		}
	})
	t.Run("decode", func(t *testing.T) {
		p, conn := stubPersister(t)
		conn.Tables["state"] = []map[string]any{{"bucket": "Book", "payload": []byte("{not json")}}
		if _, err := p.Load(ctx); err == nil || !strings.Contains(err.Error(), "decode Book") {
			t.Fatalf("expected decode error, got %v", err)
		}
	})
}

func TestPersistErrors(t *testing.T) {
	ctx := context.Background()
	snap := persistencetest.Snapshot()
	for name, tc := range map[string]struct {
		fail testutil.Failures
		want string
	}{
		"begin":  {testutil.Failures{Begin: true}, "begin tx"},
		"select": {testutil.Failures{Query: true}, "select buckets"},
		"upsert": {testutil.Failures{Exec: "INSERT"}, "upsert"},
		"commit": {testutil.Failures{Commit: true}, "commit"},
	} {
		t.Run(name, func(t *testing.T) {
			p, conn := stubPersister(t)
			conn.Fail = tc.fail
			if err := p.Persist(ctx, snap); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
	t.Run("delete", func(t *testing.T) {
		p, conn := stubPersister(t)
		if err := p.Persist(ctx, snap); err != nil {
			t.Fatalf("seed: %v", err)
		}
		conn.Fail.Exec = "DELETE"
		shrunk := persistencetest.Snapshot()
		delete(shrunk.Records, "Book")
		if err := p.Persist(ctx, shrunk); err == nil || !strings.Contains(err.Error(), "delete Book") {
			t.Fatalf("expected delete error, got %v", err)
		}
	})
}

func TestStoreHydratesAndPersistsCommits(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	seed, err := NewPersister(ctx, "")
	if err != nil {
		t.Fatalf("seed persister: %v", err)
	}
	if err := seed.Persist(ctx, persistencetest.Snapshot()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store, err := NewStore(ctx, "", persistencetest.Schema())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if store.ID() != "fixture" || store.Seq() != 3 {
		t.Fatalf("snapshot not loaded: id=%s seq=%d", store.ID(), store.Seq())
	}
	book := graph.NewRef(store.ID(), "Book", "b1")
	if got := persistencetest.Field(t, store, book, "pages"); got != int64(412) {
		t.Fatalf("pages = %#v", got)
	}

	before := conn.Commits
	persistencetest.Commit(t, store, "Shelf", graph.Fields{"label": "poetry"})
	if conn.Commits != before+1 {
		t.Fatalf("commit was not persisted")
	}
	if store.DB() != db {
		t.Fatalf("DB should expose the pool")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStorePropagatesSchemaErrors(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "", nil, memory.WithStoreID("x")); err == nil {
		t.Fatalf("expected error for missing schema")
	}
}
