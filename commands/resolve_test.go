package commands

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunResolve(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "src/App.tsx", `import { helper } from "./util";`)
	writeFile(t, dir, "src/util.ts", "export const helper = 1;\n")

	err := runResolve(t.Context(), &rootFlags{}, dir, []string{app})
	if err != nil {
		t.Fatalf("runResolve: %v", err)
	}
}

func TestRunResolveMissingFile(t *testing.T) {
	dir := t.TempDir()
	err := runResolve(t.Context(), &rootFlags{}, dir, []string{filepath.Join(dir, "nope.ts")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWorkspaceRel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "src/a.ts", "export {};\n")

	rel, err := workspaceRel(dir, path)
	if err != nil {
		t.Fatalf("workspaceRel: %v", err)
	}
	if rel != "src/a.ts" {
		t.Errorf("rel = %q, want src/a.ts", rel)
	}

	if _, err := workspaceRel(dir, filepath.Join(dir, "..", "escape.ts")); err == nil {
		t.Error("expected error for path outside root")
	}
}

func TestRootCmdWiring(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"submit", "status", "cancel", "resolve", "version"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}
