// Package watcher mirrors local directory trees to a remote root: file
// creations and changes settle for a quiet window, pass a content-hash
// gate, and come out the other side as upload tasks on the transfer
// queue.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ferry-sync/internal/events"
	"ferry-sync/internal/queue"
	"ferry-sync/internal/remote"

	"github.com/asaskevich/EventBus"
	"github.com/rjeczalik/notify"
)

// A write burst must stay quiet this long before the file counts as
// settled and is enqueued once.
const defaultSettle = time.Second

const sweepInterval = 200 * time.Millisecond

// Enqueuer is the queue slice the watcher needs.
type Enqueuer interface {
	Add(spec queue.Spec) *queue.Task
}

// Manager owns all active watch roots. Roots are independent; stopping
// one leaves the others running.
type Manager struct {
	queue  Enqueuer
	cache  *FileCache
	bus    EventBus.Bus
	settle time.Duration

	mu    sync.Mutex
	roots map[string]*root
}

type root struct {
	localPath  string
	remotePath string
	ch         chan notify.EventInfo
	done       chan struct{}

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event
}

func NewManager(q Enqueuer, cache *FileCache, bus EventBus.Bus) *Manager {
	return &Manager{
		queue:  q,
		cache:  cache,
		bus:    bus,
		settle: defaultSettle,
		roots:  map[string]*root{},
	}
}

// Start installs one recursive observer on localPath and mirrors
// settled changes below it to remotePath.
func (m *Manager) Start(localPath, remotePath string) error {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", abs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roots[abs]; exists {
		return fmt.Errorf("already watching %s", abs)
	}

	r := &root{
		localPath:  abs,
		remotePath: remote.Normalize(remotePath),
		ch:         make(chan notify.EventInfo, 128),
		done:       make(chan struct{}),
		pending:    map[string]time.Time{},
	}
	if err := notify.Watch(filepath.Join(abs, "..."), r.ch, notify.Create, notify.Write, notify.Rename); err != nil {
		return fmt.Errorf("failed to install watcher on %s: %v", abs, err)
	}
	m.roots[abs] = r

	go m.collect(r)
	go m.sweep(r)

	if m.bus != nil {
		m.bus.Publish(events.EventWatcherStarted, abs)
	}
	return nil
}

// Stop tears down the observer for localPath.
func (m *Manager) Stop(localPath string) error {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	r, ok := m.roots[abs]
	if ok {
		delete(m.roots, abs)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("not watching %s", abs)
	}
	notify.Stop(r.ch)
	close(r.done)
	if m.bus != nil {
		m.bus.Publish(events.EventWatcherStopped, abs)
	}
	return nil
}

// Active reports whether localPath has a live observer.
func (m *Manager) Active(localPath string) bool {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.roots[abs]
	return ok
}

// Roots lists the active watch roots.
func (m *Manager) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.roots))
	for p := range m.roots {
		out = append(out, p)
	}
	return out
}

// StopAll tears down every root.
func (m *Manager) StopAll() {
	m.mu.Lock()
	roots := make([]*root, 0, len(m.roots))
	for _, r := range m.roots {
		roots = append(roots, r)
	}
	m.roots = map[string]*root{}
	m.mu.Unlock()
	for _, r := range roots {
		notify.Stop(r.ch)
		close(r.done)
	}
}

// collect drains raw notify events into the pending map, restarting the
// settle clock on every hit.
func (m *Manager) collect(r *root) {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			path := ev.Path()
			if m.ignored(r, path) {
				continue
			}
			r.mu.Lock()
			r.pending[path] = time.Now()
			r.mu.Unlock()
		}
	}
}

// ignored filters dotfiles: any path segment below the watch root that
// starts with a dot.
func (m *Manager) ignored(r *root, path string) bool {
	rel, err := filepath.Rel(r.localPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// sweep promotes pending paths that have stayed quiet for the settle
// window.
func (m *Manager) sweep(r *root) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			var settled []string
			r.mu.Lock()
			for path, last := range r.pending {
				if now.Sub(last) >= m.settle {
					settled = append(settled, path)
					delete(r.pending, path)
				}
			}
			r.mu.Unlock()
			for _, path := range settled {
				m.enqueue(r, path)
			}
		}
	}
}

// enqueue stats the settled file, applies the hash gate, and adds an
// upload task targeting the joined remote path.
func (m *Manager) enqueue(r *root, path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}

	if m.cache != nil {
		changed, hash, err := m.cache.ShouldUpload(path)
		if err != nil {
			log.Printf("watcher: hash %s: %v", path, err)
		} else if !changed {
			return
		} else {
			m.cache.MarkSynced(path, hash, fi.Size(), fi.ModTime())
		}
	}

	rel, err := filepath.Rel(r.localPath, path)
	if err != nil {
		return
	}
	remotePath := remote.Join(r.remotePath, filepath.ToSlash(rel))

	m.queue.Add(queue.Spec{
		Direction:  queue.DirectionUpload,
		LocalPath:  path,
		RemotePath: remotePath,
		Name:       fi.Name(),
		Total:      fi.Size(),
	})
}
