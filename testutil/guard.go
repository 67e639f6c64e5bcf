// Package testutil holds import guards used by architecture tests to keep the
// layering of the module intact.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "entityvc"

// ImportPredicate reports whether an import path is forbidden.
type ImportPredicate func(path string) bool

// Import is a single import statement found in a package directory.
type Import struct {
	File string
	Path string
}

func (i Import) String() string {
	return fmt.Sprintf("%s imports %s", i.File, i.Path)
}

// Imports parses the non-test Go files of dir and returns their imports
// ordered by file then path.
func Imports(dir string) ([]Import, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	fset := token.NewFileSet()
	var out []Import
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for _, spec := range file.Imports {
			path, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: bad import %s: %w", name, spec.Path.Value, err)
			}
			out = append(out, Import{File: name, Path: path})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Violations returns the imports of dir matched by forbidden.
func Violations(dir string, forbidden ImportPredicate) ([]Import, error) {
	imports, err := Imports(dir)
	if err != nil {
		return nil, err
	}
	var out []Import
	for _, imp := range imports {
		if forbidden(imp.Path) {
			out = append(out, imp)
		}
	}
	return out, nil
}

// AssertNoDirectImports fails the test for every non-test file in dir that
// imports a path matched by forbidden.
func AssertNoDirectImports(t testing.TB, dir string, forbidden ImportPredicate, reason string) {
	t.Helper()
	found, err := Violations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan imports: %v", err)
	}
	for _, v := range found {
		t.Errorf("%s: %s", reason, v)
	}
}

// InternalImportForbidden matches any package under the module's internal tree.
func InternalImportForbidden(path string) bool {
	return path == ModulePath+"/internal" || strings.HasPrefix(path, ModulePath+"/internal/")
}

// ThirdParty matches imports outside the standard library and this module.
// Standard library paths never carry a dot in their first element.
func ThirdParty(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return strings.Contains(first, ".")
}

// Under matches the given module-relative package trees, for example
// "internal/infra" matches entityvc/internal/infra and everything below it.
// An empty tree matches the whole module.
func Under(trees ...string) ImportPredicate {
	prefixes := make([]string, len(trees))
	for i, tree := range trees {
		prefixes[i] = ModulePath
		if tree = strings.Trim(tree, "/"); tree != "" {
			prefixes[i] += "/" + tree
		}
	}
	return func(path string) bool {
		for _, prefix := range prefixes {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
		}
		return false
	}
}

// ModuleExcept matches every package of this module outside the given trees,
// turning an allow list into a forbidden predicate.
func ModuleExcept(trees ...string) ImportPredicate {
	allowed := Under(trees...)
	inModule := Under("")
	return func(path string) bool {
		return inModule(path) && !allowed(path)
	}
}

// Any combines predicates; an import is forbidden when one of them matches.
func Any(predicates ...ImportPredicate) ImportPredicate {
	return func(path string) bool {
		for _, p := range predicates {
			if p(path) {
				return true
			}
		}
		return false
	}
}
