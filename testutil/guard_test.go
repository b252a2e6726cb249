package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

type captureFatal struct{ msg string }

func (c *captureFatal) Fatalf(format string, args ...any) { c.msg = fmt.Sprintf(format, args...) }

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRules(t *testing.T) {
	cases := []struct {
		rule ImportRule
		path string
		want bool
	}{
		{InternalImports, "recordbridge/internal/infra/graph/memory", true},
		{InternalImports, "recordbridge/pkg/graph", false},
		{InternalImports, "recordbridge/internal", true},
		{InternalImports, "internal/sync", false},
		{InternalImports, "internal/runtime/sys", false},
		{InternalImports, "go.uber.org/zap/internal/bufferpool", false},
		{InternalImports, "recordbridge/internalize", false},
		{BackendImports, "database/sql", true},
		{BackendImports, "database/sql/driver", true},
		{BackendImports, "github.com/jackc/pgx/v5/stdlib", true},
		{BackendImports, "github.com/aws/aws-sdk-go-v2/service/s3", true},
		{BackendImports, "modernc.org/sqlite", true},
		{BackendImports, "encoding/json", false},
		{Any(InternalImports, BackendImports), "modernc.org/sqlite/lib", true},
		{Any(InternalImports, BackendImports), "github.com/google/uuid", false},
	}
	for _, tc := range cases {
		if got := tc.rule.Forbidden(tc.path); got != tc.want {
			t.Fatalf("%q forbidden=%v, want %v", tc.path, got, tc.want)
		}
	}
	if reason := Any(InternalImports, BackendImports).Reason; !strings.Contains(reason, "; ") {
		t.Fatalf("combined reason should join both: %q", reason)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"database/sql\"\n)\nvar _ = fmt.Sprint\nvar _ *sql.DB\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport _ \"recordbridge/internal/core\"\n")
	writeFile(t, dir, "notes.txt", "import \"database/sql\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	viols, err := directImportViolations(dir, Any(InternalImports, BackendImports).Forbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "database/sql (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	AssertNoDirectImports(t, dir, InternalImports)

	if _, err := directImportViolations(filepath.Join(dir, "missing"), BackendImports.Forbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	writeFile(t, dir, "broken.go", "package tmp\nimport (")
	if _, err := directImportViolations(dir, BackendImports.Forbidden); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTransitiveViolations(t *testing.T) {
	sqlPkg := &packages.Package{PkgPath: "database/sql", Imports: map[string]*packages.Package{}}
	store := &packages.Package{PkgPath: "example/store", Imports: map[string]*packages.Package{"database/sql": sqlPkg}}
	root := &packages.Package{PkgPath: "example/api", Imports: map[string]*packages.Package{
		"example/store": store,
		"database/sql":  sqlPkg,
	}}
	prev := loadPackages
	t.Cleanup(func() { loadPackages = prev })

	loadPackages = func(string) ([]*packages.Package, error) { return []*packages.Package{root}, nil }
	viols, err := transitiveViolations("./...", BackendImports.Forbidden)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(viols) != 1 || !strings.HasPrefix(viols[0], "database/sql (via ") {
		t.Fatalf("expected the shared dependency reported once, got %v", viols)
	}

	isync := &packages.Package{PkgPath: "internal/sync", Imports: map[string]*packages.Package{}}
	syncPkg := &packages.Package{PkgPath: "sync", Imports: map[string]*packages.Package{"internal/sync": isync}}
	core := &packages.Package{PkgPath: "recordbridge/internal/core", Imports: map[string]*packages.Package{}}
	public := &packages.Package{PkgPath: "recordbridge/pkg/graph", Imports: map[string]*packages.Package{"sync": syncPkg}}
	loadPackages = func(string) ([]*packages.Package, error) { return []*packages.Package{public}, nil }
	if viols, err := transitiveViolations(".", InternalImports.Forbidden); err != nil || len(viols) != 0 {
		t.Fatalf("standard library internals must not count, got %v %v", viols, err)
	}
	public.Imports["recordbridge/internal/core"] = core
	if viols, _ := transitiveViolations(".", InternalImports.Forbidden); len(viols) != 1 ||
		viols[0] != "recordbridge/internal/core (via recordbridge/pkg/graph)" {
		t.Fatalf("expected the module internal package reported, got %v", viols)
	}

	loadPackages = func(string) ([]*packages.Package, error) { return nil, errors.New("boom") }
	if _, err := transitiveViolations(".", BackendImports.Forbidden); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestReport(t *testing.T) {
	var c captureFatal
	report(&c, "direct imports", "why", nil)
	if c.msg != "" {
		t.Fatalf("no violations must not fail, got %q", c.msg)
	}
	report(&c, "direct imports", "why", []string{"a", "b"})
	if !strings.Contains(c.msg, "(why)") || !strings.Contains(c.msg, "a\nb") {
		t.Fatalf("unexpected message %q", c.msg)
	}
}
