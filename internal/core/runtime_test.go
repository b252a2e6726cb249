package core

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/internal/infra/persistence/persistencetest"
	"recordbridge/pkg/graph"
	"recordbridge/pkg/repository"
)

type rejectLabel string

func (r rejectLabel) Name() string { return "reject-label" }

func (r rejectLabel) Evaluate(_ context.Context, _ graph.RuleView, changes []graph.Change) (graph.Result, error) {
	var res graph.Result
	for _, c := range changes {
		if c.After != nil && c.After["label"] == string(r) {
			res.Violations = append(res.Violations, graph.Violation{Rule: r.Name(), Severity: graph.SeverityBlock, Message: "label not allowed", Entity: c.Entity})
		}
	}
	return res, nil
}

func TestOpenWiresRepository(t *testing.T) {
	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetricsRecorder(reg, "rbtest")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	tracer := NewJSONTracer(nil)
	rules := graph.NewRulesEngine()
	rules.Register(rejectLabel("banned"))

	cfg := DefaultConfig()
	cfg.Log = LogConfig{Level: "debug", Format: LogFormatJSON}
	rt, err := Open(context.Background(), cfg, persistencetest.Schema(),
		WithLogOutput(&logs),
		WithStoreOptions(memory.WithStoreID("runtime")),
		WithRules(rules),
		WithRepositoryOptions(repository.WithMetricsRecorder(metrics), repository.WithTracer(tracer)),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	res, err := rt.Repository.Insert(ctx, graph.BulkInsert{
		Entity:  "Shelf",
		Objects: []graph.Fields{{"label": "fiction"}, {"label": "travel"}},
		Result:  graph.BulkResultRefs,
	})
	if err != nil || len(res.Refs) != 2 {
		t.Fatalf("insert: %+v %v", res, err)
	}
	if _, err := rt.Repository.Insert(ctx, graph.BulkInsert{Entity: "Shelf", Objects: []graph.Fields{{"label": "banned"}}}); err == nil {
		t.Fatalf("rules engine was not installed")
	}
	n, err := rt.Repository.Count(ctx, "Shelf", nil)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}

	if got := promtest.ToFloat64(metrics.operations.WithLabelValues("bulk_insert", "success")); got != 1 {
		t.Fatalf("bulk_insert success = %v", got)
	}
	if len(tracer.Entries()) == 0 {
		t.Fatalf("tracer saw no spans")
	}
	if rt.Store.ID() != "runtime" {
		t.Fatalf("store options not forwarded, id=%s", rt.Store.ID())
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, `"msg":"runtime opened"`) || !strings.Contains(out, `"msg":"runtime closed"`) {
		t.Fatalf("missing lifecycle logs:\n%s", out)
	}
}

func TestOpenPersistsAcrossRuntimes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage = StorageSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "runtime.db")
	ctx := context.Background()

	first, err := Open(ctx, cfg, persistencetest.Schema(), WithLogOutput(&bytes.Buffer{}))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if _, err := first.Repository.Insert(ctx, graph.BulkInsert{Entity: "Shelf", Objects: []graph.Fields{{"label": "kept"}}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(ctx, cfg, persistencetest.Schema(), WithLogOutput(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	n, err := second.Repository.Count(ctx, "Shelf", graph.Eq("label", "kept"))
	if err != nil || n != 1 {
		t.Fatalf("count after reopen = %d, %v", n, err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	var logs bytes.Buffer
	if _, err := Open(context.Background(), Config{Storage: StoragePostgres}, persistencetest.Schema()); err == nil {
		t.Fatalf("expected validation error")
	}
	cfg := DefaultConfig()
	if _, err := Open(context.Background(), cfg, nil, WithLogOutput(&logs)); err == nil {
		t.Fatalf("expected nil schema error")
	}
	if !strings.Contains(logs.String(), "open store failed") {
		t.Fatalf("open failure not logged: %q", logs.String())
	}
}
