// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package goldentest compares rewritten files (Dockerfiles, commit messages) against golden files
// stored in testdata/{t.Name()}, next to the input fixture the test started from.
package goldentest

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// update is registered when this package is initialized, so "go test . -update" only works in
// packages that import goldentest. "go test ./... -args update" works everywhere.
var update = flag.Bool("update", false, "Update the golden files instead of failing.")

// Dir returns the per-test fixture directory, testdata/{t.Name()}.
func Dir(t *testing.T) string {
	return filepath.Join("testdata", t.Name())
}

// Read returns the content of the fixture file 'name' in the test's fixture directory.
func Read(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(Dir(t), name))
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}
	return string(b)
}

// Check compares actual against testdata/{t.Name()}/[goldenPath] and fails the test if they
// differ. With "-update" or "-args update", writes actual to the golden file instead.
func Check(t *testing.T, goldenPath, actual string) {
	t.Helper()

	if slices.Contains(flag.Args(), "update") {
		*update = true
	}

	path := filepath.Join(Dir(t), goldenPath)

	if *update {
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(actual), 0o666); err != nil {
			t.Fatal(err)
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	runHelp := fmt.Sprintf(
		"To regenerate all golden files, run in the module root: "+
			"go test ./... -args update\n"+
			"To regenerate just this test's golden file, run: "+
			"go test '%v' -run '^%v$' -update",
		wd, t.Name())

	want, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("Unable to read golden file: %v.\n%v", err, runHelp)
	} else if actual != string(want) {
		t.Errorf("Result didn't match golden file %v.\nGot:\n%v\nWant:\n%v\n%v", path, actual, string(want), runHelp)
	}
}
