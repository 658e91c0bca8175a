// Package editbridge round-trips a remote file through an external
// editor: download to a private temp directory, hand the path to the OS
// opener, watch the single file, and push every settled change back up.
package editbridge

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"ferry-sync/internal/appdir"
	"ferry-sync/internal/events"
	"ferry-sync/internal/remote"

	"github.com/asaskevich/EventBus"
	"github.com/rjeczalik/notify"
	"github.com/romdo/go-debounce"
)

// Write bursts from editors settle for this long before the re-upload
// fires.
const debounceWindow = 100 * time.Millisecond

type State string

const (
	StateUploaded State = "uploaded"
	StateError    State = "error"
)

// Status is the edit:status event payload.
type Status struct {
	RemotePath string `json:"remotePath"`
	LocalPath  string `json:"localPath"`
	State      State  `json:"state"`
	Error      string `json:"error,omitempty"`
}

// Transfer is the dispatcher slice the bridge needs.
type Transfer interface {
	Get(ctx context.Context, remotePath, localPath string) error
	Put(ctx context.Context, localPath, remotePath string) error
}

type Bridge struct {
	transfer Transfer
	bus      EventBus.Bus

	// Opener hands a local path to the OS; overridable for tests.
	Opener func(localPath string) error

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	bridge     *Bridge
	remotePath string
	localPath  string
	ch         chan notify.EventInfo
	done       chan struct{}
	debounced  func()
	cancelDeb  func()

	stateMu   sync.Mutex
	uploading bool
	pending   bool
}

func New(transfer Transfer, bus EventBus.Bus) *Bridge {
	return &Bridge{
		transfer: transfer,
		bus:      bus,
		Opener:   shellOpen,
		sessions: map[string]*session{},
	}
}

// Open downloads remotePath into a fresh engine temp directory, opens
// it externally, and starts mirroring changes back. Returns the staged
// local path.
func (b *Bridge) Open(ctx context.Context, remotePath string) (string, error) {
	normalized := remote.Normalize(remotePath)

	b.mu.Lock()
	if s, exists := b.sessions[normalized]; exists {
		b.mu.Unlock()
		// Already being edited: just re-open the staged copy.
		if err := b.Opener(s.localPath); err != nil {
			return "", err
		}
		return s.localPath, nil
	}
	b.mu.Unlock()

	dir, err := appdir.MakeTemp()
	if err != nil {
		return "", fmt.Errorf("create edit staging dir: %w", err)
	}
	localPath := filepath.Join(dir, remote.Base(normalized))

	if err := b.transfer.Get(ctx, normalized, localPath); err != nil {
		return "", err
	}

	s := &session{
		bridge:     b,
		remotePath: normalized,
		localPath:  localPath,
		ch:         make(chan notify.EventInfo, 32),
		done:       make(chan struct{}),
	}
	s.debounced, s.cancelDeb = debounce.New(debounceWindow, s.fire)

	// Watch the directory, not the file: editors that save via
	// rename-over replace the inode.
	if err := notify.Watch(dir, s.ch, notify.Create, notify.Write, notify.Rename); err != nil {
		return "", fmt.Errorf("failed to watch %s: %v", dir, err)
	}

	b.mu.Lock()
	b.sessions[normalized] = s
	b.mu.Unlock()

	go s.loop()

	if err := b.Opener(localPath); err != nil {
		b.Close(normalized)
		return "", err
	}
	return localPath, nil
}

// Close stops mirroring remotePath. The staged temp directory stays on
// disk until the next startup sweep.
func (b *Bridge) Close(remotePath string) {
	normalized := remote.Normalize(remotePath)
	b.mu.Lock()
	s, ok := b.sessions[normalized]
	if ok {
		delete(b.sessions, normalized)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	notify.Stop(s.ch)
	s.cancelDeb()
	close(s.done)
}

// CloseAll tears down every session.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = map[string]*session{}
	b.mu.Unlock()
	for _, s := range sessions {
		notify.Stop(s.ch)
		s.cancelDeb()
		close(s.done)
	}
}

// Editing reports whether remotePath has a live session.
func (b *Bridge) Editing(remotePath string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[remote.Normalize(remotePath)]
	return ok
}

func (s *session) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			if ev.Path() != s.localPath {
				continue
			}
			s.debounced()
		}
	}
}

// fire runs after the debounce window. The uploading flag keeps write
// bursts from stacking concurrent uploads; a change observed while one
// is in flight schedules exactly one follow-up.
func (s *session) fire() {
	s.stateMu.Lock()
	if s.uploading {
		s.pending = true
		s.stateMu.Unlock()
		return
	}
	s.uploading = true
	s.stateMu.Unlock()

	go s.upload()
}

func (s *session) upload() {
	err := s.bridge.transfer.Put(context.Background(), s.localPath, s.remotePath)

	status := Status{RemotePath: s.remotePath, LocalPath: s.localPath, State: StateUploaded}
	if err != nil {
		status.State = StateError
		status.Error = err.Error()
	}
	if s.bridge.bus != nil {
		s.bridge.bus.Publish(events.EventEditStatus, status)
	}

	s.stateMu.Lock()
	s.uploading = false
	rerun := s.pending
	s.pending = false
	s.stateMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	if rerun {
		s.fire()
	}
}

func shellOpen(localPath string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", localPath).Start()
	case "windows":
		return exec.Command("cmd", "/c", "start", "", localPath).Start()
	default:
		return exec.Command("xdg-open", localPath).Start()
	}
}
