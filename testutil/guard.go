// Package testutil provides architecture guards shared by package tests. The
// public packages under pkg/ must stay importable without dragging in the
// engine, the persisters or their database and cloud drivers.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// ImportRule names a set of forbidden import paths.
type ImportRule struct {
	Reason    string
	Forbidden func(importPath string) bool
}

const modulePath = "recordbridge"

// InternalImports forbids the module's own internal/ tree. Internal packages of
// the standard library and of third-party modules are not matched.
var InternalImports = ImportRule{
	Reason: "public packages must not depend on internal/",
	Forbidden: func(p string) bool {
		return p == modulePath+"/internal" || strings.HasPrefix(p, modulePath+"/internal/")
	},
}

// BackendImports forbids the storage and cloud drivers used by the persisters.
var BackendImports = ImportRule{
	Reason: "backend drivers belong to internal/infra",
	Forbidden: func(p string) bool {
		for _, prefix := range []string{"database/sql", "modernc.org/sqlite", "github.com/jackc/pgx", "github.com/aws/"} {
			if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
				return true
			}
		}
		return false
	},
}

// Any combines rules; a path is forbidden when any rule forbids it.
func Any(rules ...ImportRule) ImportRule {
	reasons := make([]string, len(rules))
	for i, r := range rules {
		reasons[i] = r.Reason
	}
	return ImportRule{
		Reason: strings.Join(reasons, "; "),
		Forbidden: func(p string) bool {
			for _, r := range rules {
				if r.Forbidden(p) {
					return true
				}
			}
			return false
		},
	}
}

// AssertNoDirectImports parses the non-test .go files in dir and fails when
// one imports a path the rule forbids. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, rule ImportRule) {
	t.Helper()
	viols, err := directImportViolations(dir, rule.Forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	report(t, "direct imports", rule.Reason, viols)
}

// AssertNoTransitiveDependency loads pattern (e.g. "." or "./...") with its
// full non-test dependency graph and fails when any reachable package is
// forbidden by rule.
func AssertNoTransitiveDependency(t testing.TB, pattern string, rule ImportRule) {
	t.Helper()
	viols, err := transitiveViolations(pattern, rule.Forbidden)
	if err != nil {
		t.Fatalf("load %s: %v", pattern, err)
	}
	report(t, "transitive dependency", rule.Reason, viols)
}

var loadPackages = func(pattern string) ([]*packages.Package, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, err
	}
	var errs []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			errs = append(errs, e.Error())
		}
	})
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "\n"))
	}
	return pkgs, nil
}

func transitiveViolations(pattern string, forbidden func(string) bool) ([]string, error) {
	roots, err := loadPackages(pattern)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var viols []string
	var walk func(from string, p *packages.Package)
	walk = func(from string, p *packages.Package) {
		if seen[p.PkgPath] {
			return
		}
		seen[p.PkgPath] = true
		if from != "" && forbidden(p.PkgPath) {
			viols = append(viols, p.PkgPath+" (via "+from+")")
		}
		for _, dep := range p.Imports {
			walk(p.PkgPath, dep)
		}
	}
	for _, root := range roots {
		walk("", root)
	}
	sort.Strings(viols)
	return viols, nil
}

func directImportViolations(dir string, forbidden func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			if forbidden(path) {
				viols = append(viols, path+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func report(t fatalLogger, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
