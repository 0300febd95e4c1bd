package file

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyAtomicWritesFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "out.bin")
	n, err := CopyAtomic(dest, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestCopyAtomicFailedCheckKeepsDestination(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(dest, []byte("old"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	boom := errors.New("boom")
	if _, err := CopyAtomic(dest, strings.NewReader("new"), func(int64) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected check error, got %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "old" {
		t.Fatalf("destination should be untouched, got %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp file should be removed, dir has %d entries", len(entries))
	}
}

func TestEnsureDirRejectsEmpty(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
