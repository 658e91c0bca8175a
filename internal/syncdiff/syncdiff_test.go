package syncdiff

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ferry-sync/internal/remote"
)

type fakeLister struct {
	entries []remote.DirectoryEntry
}

func (f *fakeLister) List(ctx context.Context, remotePath string) ([]remote.DirectoryEntry, error) {
	return f.entries, nil
}

func writeLocal(t *testing.T, dir, name string, size int, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func diffByName(diffs []Diff) map[string]Diff {
	m := map[string]Diff{}
	for _, d := range diffs {
		m[d.Name] = d
	}
	return m
}

func TestCompareClassification(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	writeLocal(t, dir, "a.txt", 100, base)
	writeLocal(t, dir, "c.txt", 10, base)
	if err := os.Mkdir(filepath.Join(dir, "localsub"), 0755); err != nil {
		t.Fatal(err)
	}

	lister := &fakeLister{entries: []remote.DirectoryEntry{
		{Name: "a.txt", Size: 100, ModTime: base.Add(2 * time.Second)},
		{Name: "b.txt", Size: 5, ModTime: base},
		{Name: "sub", IsDir: true},
	}}

	diffs, err := Compare(context.Background(), lister, dir, "/srv")
	if err != nil {
		t.Fatal(err)
	}

	byName := diffByName(diffs)
	if len(diffs) != 3 {
		t.Fatalf("expected 3 diffs, got %d: %+v", len(diffs), diffs)
	}
	if byName["a.txt"].Status != StatusNewerRemote {
		t.Errorf("a.txt = %s, want newer-remote", byName["a.txt"].Status)
	}
	if byName["b.txt"].Status != StatusOnlyRemote {
		t.Errorf("b.txt = %s, want only-remote", byName["b.txt"].Status)
	}
	if byName["c.txt"].Status != StatusOnlyLocal {
		t.Errorf("c.txt = %s, want only-local", byName["c.txt"].Status)
	}
	if _, ok := byName["sub"]; ok {
		t.Errorf("remote directory must be omitted from the diff")
	}
	if _, ok := byName["localsub"]; ok {
		t.Errorf("local directory must be omitted from the diff")
	}
	if got := byName["a.txt"].RemotePath; got != "/srv/a.txt" {
		t.Errorf("remote path join = %q", got)
	}
}

func TestCompareToleranceAndTieBreak(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	// Same size, 1 s apart: inside the tolerance.
	writeLocal(t, dir, "same.txt", 64, base)
	// Tie on time but sizes differ: local wins.
	writeLocal(t, dir, "edited.txt", 128, base)
	// Clearly newer locally.
	writeLocal(t, dir, "newer.txt", 64, base.Add(10*time.Second))

	lister := &fakeLister{entries: []remote.DirectoryEntry{
		{Name: "same.txt", Size: 64, ModTime: base.Add(time.Second)},
		{Name: "edited.txt", Size: 64, ModTime: base},
		{Name: "newer.txt", Size: 64, ModTime: base},
	}}

	diffs, err := Compare(context.Background(), lister, dir, "/srv")
	if err != nil {
		t.Fatal(err)
	}
	byName := diffByName(diffs)
	if byName["same.txt"].Status != StatusSame {
		t.Errorf("same.txt = %s, want same", byName["same.txt"].Status)
	}
	if byName["edited.txt"].Status != StatusNewerLocal {
		t.Errorf("edited.txt = %s, want newer-local", byName["edited.txt"].Status)
	}
	if byName["newer.txt"].Status != StatusNewerLocal {
		t.Errorf("newer.txt = %s, want newer-local", byName["newer.txt"].Status)
	}
}
