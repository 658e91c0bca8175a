package editbridge

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ferry-sync/internal/events"

	"github.com/asaskevich/EventBus"
)

// fakeTransfer stages downloads from an in-memory remote and records
// uploads; uploads can be slowed to probe the re-entrancy guard.
type fakeTransfer struct {
	mu          sync.Mutex
	remoteData  map[string][]byte
	uploads     []string
	uploadDelay time.Duration
	inFlight    int32
	maxInFlight int32
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{remoteData: map[string][]byte{}}
}

func (f *fakeTransfer) Get(ctx context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	data := f.remoteData[remotePath]
	f.mu.Unlock()
	return os.WriteFile(localPath, data, 0644)
}

func (f *fakeTransfer) Put(ctx context.Context, localPath, remotePath string) error {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		old := atomic.LoadInt32(&f.maxInFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxInFlight, old, cur) {
			break
		}
	}
	if f.uploadDelay > 0 {
		time.Sleep(f.uploadDelay)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.remoteData[remotePath] = data
	f.uploads = append(f.uploads, remotePath)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeTransfer, EventBus.Bus) {
	t.Helper()
	f := newFakeTransfer()
	bus := EventBus.New()
	b := New(f, bus)
	b.Opener = func(string) error { return nil } // no OS opener in tests
	return b, f, bus
}

func waitUploads(t *testing.T, f *fakeTransfer, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.uploadCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenStagesIntoPrefixedTempDir(t *testing.T) {
	b, f, _ := newTestBridge(t)
	f.remoteData["/etc/app.conf"] = []byte("key=value")

	local, err := b.Open(context.Background(), "/etc//app.conf")
	if err != nil {
		t.Fatal(err)
	}
	defer b.CloseAll()

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "key=value" {
		t.Errorf("staged content = %q", data)
	}
	if !strings.Contains(local, "ferry-sync-") {
		t.Errorf("staging path %q must carry the engine temp prefix", local)
	}
	if !b.Editing("/etc/app.conf") {
		t.Error("session must be live after open")
	}
}

func TestChangeReuploadsAndEmitsStatus(t *testing.T) {
	b, f, bus := newTestBridge(t)
	f.remoteData["/srv/notes.md"] = []byte("v1")

	statusCh := make(chan Status, 8)
	bus.Subscribe(events.EventEditStatus, func(s Status) { statusCh <- s })

	local, err := b.Open(context.Background(), "/srv/notes.md")
	if err != nil {
		t.Fatal(err)
	}
	defer b.CloseAll()

	if err := os.WriteFile(local, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-statusCh:
		if s.State != StateUploaded {
			t.Errorf("state = %s, err = %s", s.State, s.Error)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no edit:status event")
	}

	f.mu.Lock()
	got := string(f.remoteData["/srv/notes.md"])
	f.mu.Unlock()
	if got != "v2" {
		t.Errorf("remote content = %q, want v2", got)
	}
}

func TestBurstNeverOverlapsUploads(t *testing.T) {
	b, f, _ := newTestBridge(t)
	f.remoteData["/srv/big.bin"] = []byte("v1")
	f.uploadDelay = 150 * time.Millisecond

	local, err := b.Open(context.Background(), "/srv/big.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer b.CloseAll()

	// Burst of writes while uploads are slow.
	for i := 0; i < 6; i++ {
		if err := os.WriteFile(local, []byte(strings.Repeat("x", i+1)), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(40 * time.Millisecond)
	}

	waitUploads(t, f, 1, 3*time.Second)
	time.Sleep(500 * time.Millisecond) // let any follow-up drain

	if got := atomic.LoadInt32(&f.maxInFlight); got > 1 {
		t.Fatalf("uploads overlapped: max in flight = %d", got)
	}
	if f.uploadCount() == 0 {
		t.Fatal("expected at least one upload")
	}
	// The final upload must carry the last content.
	f.mu.Lock()
	got := string(f.remoteData["/srv/big.bin"])
	f.mu.Unlock()
	if got != strings.Repeat("x", 6) {
		t.Errorf("final remote content = %q", got)
	}
}

func TestChangeAfterCompletionUploadsOnce(t *testing.T) {
	b, f, _ := newTestBridge(t)
	f.remoteData["/srv/one.txt"] = []byte("v1")

	local, err := b.Open(context.Background(), "/srv/one.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer b.CloseAll()

	if err := os.WriteFile(local, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	waitUploads(t, f, 1, 3*time.Second)
	first := f.uploadCount()
	if first == 0 {
		t.Fatal("expected first upload")
	}

	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(local, []byte("v3"), 0644); err != nil {
		t.Fatal(err)
	}
	waitUploads(t, f, first+1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)

	if got := f.uploadCount(); got != first+1 {
		t.Fatalf("one settled change must produce exactly one upload, got %d total after %d", got, first)
	}
}

func TestCloseStopsMirroring(t *testing.T) {
	b, f, _ := newTestBridge(t)
	f.remoteData["/srv/x.txt"] = []byte("v1")

	local, err := b.Open(context.Background(), "/srv/x.txt")
	if err != nil {
		t.Fatal(err)
	}
	b.Close("/srv/x.txt")
	if b.Editing("/srv/x.txt") {
		t.Fatal("session must be gone after close")
	}

	if err := os.WriteFile(local, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if f.uploadCount() != 0 {
		t.Fatal("no uploads after close")
	}
}
