package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	a := NewArchiver(t.TempDir())
	work := t.TempDir()

	writeFile(t, filepath.Join(work, "main.go"), "package main\n")
	writeFile(t, filepath.Join(work, "docs", "readme.md"), "# readme\n")

	hash, err := a.Capture(work)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if hash == "" {
		t.Fatal("empty tree hash")
	}

	// Mutate, delete, and add.
	writeFile(t, filepath.Join(work, "main.go"), "package broken\n")
	if err := os.RemoveAll(filepath.Join(work, "docs")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(work, "scratch.txt"), "temp\n")

	if err := a.Restore(hash, work); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := readFile(t, filepath.Join(work, "main.go")); got != "package main\n" {
		t.Errorf("main.go = %q", got)
	}
	if got := readFile(t, filepath.Join(work, "docs", "readme.md")); got != "# readme\n" {
		t.Errorf("docs/readme.md = %q", got)
	}
	if _, err := os.Stat(filepath.Join(work, "scratch.txt")); !os.IsNotExist(err) {
		t.Error("untracked scratch.txt survived restore")
	}
}

func TestCaptureIsContentAddressed(t *testing.T) {
	a := NewArchiver(t.TempDir())
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "a.txt"), "same\n")

	first, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("identical trees hashed differently: %s vs %s", first, second)
	}

	writeFile(t, filepath.Join(work, "a.txt"), "changed\n")
	third, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("changed tree produced the same hash")
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	a := NewArchiver(t.TempDir())
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "file.txt"), "v1\n")

	hash, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := a.Restore(hash, work); err != nil {
			t.Fatalf("restore %d: %v", i, err)
		}
	}
	if got := readFile(t, filepath.Join(work, "file.txt")); got != "v1\n" {
		t.Errorf("file.txt = %q", got)
	}
}

func TestExcludedDirsSkippedAndPreserved(t *testing.T) {
	a := NewArchiver(t.TempDir())
	work := t.TempDir()

	writeFile(t, filepath.Join(work, "src.go"), "package x\n")
	writeFile(t, filepath.Join(work, "node_modules", "dep", "index.js"), "module.exports = 1\n")

	hash, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}

	// node_modules content changes after capture; restore must not touch it.
	writeFile(t, filepath.Join(work, "node_modules", "dep", "index.js"), "module.exports = 2\n")
	writeFile(t, filepath.Join(work, "src.go"), "package y\n")

	if err := a.Restore(hash, work); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(work, "src.go")); got != "package x\n" {
		t.Errorf("src.go = %q", got)
	}
	if got := readFile(t, filepath.Join(work, "node_modules", "dep", "index.js")); got != "module.exports = 2\n" {
		t.Errorf("excluded dir was modified: %q", got)
	}
}

func TestExecutableBitPreserved(t *testing.T) {
	a := NewArchiver(t.TempDir())
	work := t.TempDir()

	script := filepath.Join(work, "run.sh")
	writeFile(t, script, "#!/bin/sh\necho ok\n")
	if err := os.Chmod(script, 0o755); err != nil {
		t.Fatal(err)
	}

	hash, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(script, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.Restore(hash, work); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(script)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0o111 == 0 {
		t.Errorf("mode = %v, executable bit lost", info.Mode())
	}
}

func TestSymlinkRoundTrip(t *testing.T) {
	a := NewArchiver(t.TempDir())
	work := t.TempDir()

	writeFile(t, filepath.Join(work, "target.txt"), "data\n")
	if err := os.Symlink("target.txt", filepath.Join(work, "link")); err != nil {
		t.Fatal(err)
	}

	hash, err := a.Capture(work)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(work, "link")); err != nil {
		t.Fatal(err)
	}
	if err := a.Restore(hash, work); err != nil {
		t.Fatal(err)
	}

	dest, err := os.Readlink(filepath.Join(work, "link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if dest != "target.txt" {
		t.Errorf("link target = %q, want target.txt", dest)
	}
}

func TestSeparateWorkspacesGetSeparateStores(t *testing.T) {
	base := t.TempDir()
	a := NewArchiver(base)

	workA := t.TempDir()
	workB := t.TempDir()
	writeFile(t, filepath.Join(workA, "a.txt"), "a\n")
	writeFile(t, filepath.Join(workB, "b.txt"), "b\n")

	if _, err := a.Capture(workA); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Capture(workB); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("store dirs = %d, want one per workspace", len(entries))
	}
}
