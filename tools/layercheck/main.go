// Command layercheck enforces the package layering of the settlement engine.
//
// The vesting ledger stays pure, storage never reaches up into settlement or
// HTTP, and the API does not depend on the rate limiter that wraps it.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/helm-streams/"

// forbidden maps a package directory to import path fragments its non-test
// files must not contain.
var forbidden = map[string][]string{
	"pkg/vesting":    {"database/sql", "net/http", modulePath + "pkg/"},
	"pkg/walletsig":  {"database/sql", "net/http", modulePath + "pkg/store"},
	"pkg/store":      {"net/http", modulePath + "pkg/settlement", modulePath + "pkg/api"},
	"pkg/settlement": {"net/http", modulePath + "pkg/api"},
	"pkg/api":        {modulePath + "pkg/ratelimit"},
}

// Violation is one forbidden import.
type Violation struct {
	File     string
	Line     int
	Import   string
	Fragment string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Fragment)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root, forbidden)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		fmt.Fprintf(stdout, "\n%d layering violation(s) found\n", len(violations))
		return 1
	}
	fmt.Fprintln(stdout, "layer check passed")
	return 0
}

// check parses the import blocks of every non-test file under the listed
// package directories. Missing directories are skipped.
func check(root string, rules map[string][]string) ([]Violation, error) {
	dirs := make([]string, 0, len(rules))
	for dir := range rules {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var out []Violation
	fset := token.NewFileSet()
	for _, dir := range dirs {
		base := filepath.Join(root, filepath.FromSlash(dir))
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range rules[dir] {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, Violation{
							File:     filepath.ToSlash(rel),
							Line:     fset.Position(imp.Pos()).Line,
							Import:   importPath,
							Fragment: frag,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
