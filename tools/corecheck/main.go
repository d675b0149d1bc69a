// Command corecheck keeps the protocol core free of transport and storage.
//
// The core packages decide every accept/reject outcome; they may depend on
// each other and on pure libraries, never on HTTP, SQL, Redis or wiring.
//
// Usage:
//
//	go run ./tools/corecheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var corePackages = []string{
	"authz",
	"crosschain",
	"crypto",
	"events",
	"gate",
	"merkle",
	"nonce",
	"typeddata",
	"uri",
}

// Forbidden import path fragments for non-test core files.
var forbiddenFragments = []string{
	"net/http",
	"database/sql",
	"github.com/redis/",
	"github.com/lib/pq",
	"modernc.org/sqlite",
	"commitgate/pkg/api",
	"commitgate/pkg/client",
	"commitgate/pkg/service",
	"commitgate/pkg/store",
	"commitgate/pkg/config",
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	violations, err := check(*root, os.Stdout)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if violations > 0 {
		fmt.Printf("\n%d core import violation(s) found\n", violations)
		os.Exit(1)
	}
	fmt.Println("core import check passed")
}

func check(root string, out io.Writer) (int, error) {
	violations := 0
	fset := token.NewFileSet()

	for _, pkg := range corePackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return violations, fmt.Errorf("core package %s: %w", pkg, err)
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
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
				for _, frag := range forbiddenFragments {
					if strings.Contains(importPath, frag) {
						pos := fset.Position(imp.Pos())
						rel, _ := filepath.Rel(root, pos.Filename)
						_, _ = fmt.Fprintf(out, "CORE VIOLATION: %s:%d imports %q (forbidden: %q)\n", rel, pos.Line, importPath, frag)
						violations++
					}
				}
			}
			return nil
		})
		if err != nil {
			return violations, err
		}
	}
	return violations, nil
}
