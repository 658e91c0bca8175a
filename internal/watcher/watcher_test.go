package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ferry-sync/internal/queue"
)

type recordingQueue struct {
	mu    sync.Mutex
	specs []queue.Spec
}

func (r *recordingQueue) Add(spec queue.Spec) *queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return &queue.Task{ID: "t", Status: queue.StatusPending}
}

func (r *recordingQueue) snapshot() []queue.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingQueue, string) {
	t.Helper()
	dir := t.TempDir()
	cache, err := NewFileCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	rq := &recordingQueue{}
	m := NewManager(rq, cache, nil)
	m.settle = 300 * time.Millisecond // keep the test fast
	return m, rq, dir
}

func waitForSpecs(t *testing.T, rq *recordingQueue, n int, timeout time.Duration) []queue.Spec {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if specs := rq.snapshot(); len(specs) >= n {
			return specs
		}
		time.Sleep(20 * time.Millisecond)
	}
	return rq.snapshot()
}

func TestWriteBurstEnqueuesOnce(t *testing.T) {
	m, rq, dir := newTestManager(t)
	if err := m.Start(dir, "/srv/app"); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()

	path := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("content v"+string(rune('0'+i))), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	specs := waitForSpecs(t, rq, 1, 3*time.Second)
	if len(specs) != 1 {
		t.Fatalf("burst of writes must enqueue exactly once, got %d", len(specs))
	}
	if specs[0].RemotePath != "/srv/app/burst.txt" {
		t.Errorf("remote path = %q", specs[0].RemotePath)
	}
	if specs[0].Direction != queue.DirectionUpload {
		t.Errorf("direction = %q", specs[0].Direction)
	}
}

func TestNestedPathJoinsWithPosixSeparators(t *testing.T) {
	m, rq, dir := newTestManager(t)
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(dir, "/srv"); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()

	if err := os.WriteFile(filepath.Join(dir, "a", "b", "deep.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	specs := waitForSpecs(t, rq, 1, 3*time.Second)
	if len(specs) == 0 {
		t.Fatal("expected an enqueued upload")
	}
	if specs[0].RemotePath != "/srv/a/b/deep.txt" {
		t.Errorf("remote path = %q, want /srv/a/b/deep.txt", specs[0].RemotePath)
	}
}

func TestDotfilesIgnored(t *testing.T) {
	m, rq, dir := newTestManager(t)
	if err := m.Start(dir, "/srv"); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0644); err != nil {
		t.Fatal(err)
	}

	specs := waitForSpecs(t, rq, 1, 1500*time.Millisecond)
	if len(specs) != 0 {
		t.Fatalf("dotfile must not be enqueued, got %+v", specs)
	}
}

func TestUnchangedContentSkipped(t *testing.T) {
	m, rq, dir := newTestManager(t)
	if err := m.Start(dir, "/srv"); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()

	path := filepath.Join(dir, "stable.txt")
	if err := os.WriteFile(path, []byte("same bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	specs := waitForSpecs(t, rq, 1, 3*time.Second)
	if len(specs) != 1 {
		t.Fatalf("expected first write enqueued, got %d", len(specs))
	}

	// Rewrite with identical content: the hash gate holds it back.
	if err := os.WriteFile(path, []byte("same bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	specs = waitForSpecs(t, rq, 2, 1500*time.Millisecond)
	if len(specs) != 1 {
		t.Fatalf("identical rewrite must be skipped, got %d specs", len(specs))
	}
}

func TestStartStopActive(t *testing.T) {
	m, _, dir := newTestManager(t)
	if m.Active(dir) {
		t.Fatal("not started yet")
	}
	if err := m.Start(dir, "/srv"); err != nil {
		t.Fatal(err)
	}
	if !m.Active(dir) {
		t.Fatal("expected active after start")
	}
	if err := m.Start(dir, "/srv"); err == nil {
		t.Fatal("double start must fail")
	}
	if err := m.Stop(dir); err != nil {
		t.Fatal(err)
	}
	if m.Active(dir) {
		t.Fatal("expected inactive after stop")
	}
	if err := m.Stop(dir); err == nil {
		t.Fatal("double stop must fail")
	}
}
