package testutil

import (
	"context"
	"database/sql/driver"
	"testing"
)

func TestStubConnStoresUpsertsAndDeletes(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	upsert := "INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload"
	for _, payload := range []string{"v1", "v2"} {
		if _, err := conn.ExecContext(ctx, upsert, []driver.NamedValue{{Value: "Note"}, {Value: payload}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	rows := conn.Rows("state")
	if len(rows) != 1 || rows[0]["payload"] != "v2" {
		t.Fatalf("upsert should replace the row, got %v", rows)
	}

	rs, err := conn.QueryContext(ctx, "SELECT bucket, payload FROM state", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	dest := make([]driver.Value, 2)
	if err := rs.Next(dest); err != nil {
		t.Fatalf("next: %v", err)
	}
	if dest[0] != "Note" || dest[1] != "v2" {
		t.Fatalf("unexpected row %v", dest)
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM state WHERE bucket=$1", []driver.NamedValue{{Value: "Note"}})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 || len(conn.Rows("state")) != 0 {
		t.Fatalf("delete affected %d rows", n)
	}
	if !conn.Executed("on conflict") {
		t.Fatalf("statement log missing upsert")
	}
}

func TestStubConnInjectedFailures(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.Fail = Failures{Ping: true, Begin: true, Query: true, Exec: "DELETE"}
	if err := conn.Ping(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	if _, err := conn.BeginTx(ctx, driver.TxOptions{}); err == nil {
		t.Fatalf("expected begin failure")
	}
	if _, err := conn.QueryContext(ctx, "SELECT bucket FROM state", nil); err == nil {
		t.Fatalf("expected query failure")
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM state WHERE bucket=$1", []driver.NamedValue{{Value: "x"}}); err == nil {
		t.Fatalf("expected exec failure")
	}
	if _, err := conn.ExecContext(ctx, "CREATE TABLE t (a TEXT)", nil); err != nil {
		t.Fatalf("unmatched prefix must succeed: %v", err)
	}
}
