package remote

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"sync"

	"ferry-sync/internal/appdir"
	"ferry-sync/internal/profile"
)

// Dispatcher routes uniform operations to the active backend. It owns at
// most one backend connection; connecting again tears the previous one
// down first. All remote paths are normalised before a backend sees
// them.
type Dispatcher struct {
	mu      sync.Mutex
	backend Backend
	profile *profile.Profile
}

// Default is the process-wide dispatcher.
var Default = &Dispatcher{}

func (d *Dispatcher) Connect(ctx context.Context, p *profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b, err := newBackend(p)
	if err != nil {
		return err
	}

	d.mu.Lock()
	prev := d.backend
	d.backend = nil
	d.profile = nil
	d.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	if err := b.Connect(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.backend = b
	d.profile = p
	d.mu.Unlock()
	return nil
}

// Disconnect is idempotent.
func (d *Dispatcher) Disconnect() error {
	d.mu.Lock()
	b := d.backend
	d.backend = nil
	d.profile = nil
	d.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}

func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend != nil
}

// Profile returns the profile of the active connection, nil when
// disconnected.
func (d *Dispatcher) Profile() *profile.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile
}

func (d *Dispatcher) active() (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend == nil {
		return nil, ErrNotConnected
	}
	return d.backend, nil
}

func (d *Dispatcher) List(ctx context.Context, remotePath string) ([]DirectoryEntry, error) {
	b, err := d.active()
	if err != nil {
		return nil, err
	}
	return b.List(ctx, Normalize(remotePath))
}

func (d *Dispatcher) Stat(ctx context.Context, remotePath string) (Stat, error) {
	b, err := d.active()
	if err != nil {
		return Stat{}, err
	}
	return b.Stat(ctx, Normalize(remotePath))
}

func (d *Dispatcher) Get(ctx context.Context, remotePath, localPath string) error {
	b, err := d.active()
	if err != nil {
		return err
	}
	return b.Get(ctx, Normalize(remotePath), localPath)
}

func (d *Dispatcher) Put(ctx context.Context, localPath, remotePath string) error {
	b, err := d.active()
	if err != nil {
		return err
	}
	return b.Put(ctx, localPath, Normalize(remotePath))
}

func (d *Dispatcher) GetWithProgress(ctx context.Context, remotePath, localPath string, offset int64, progress ProgressFunc) error {
	b, err := d.active()
	if err != nil {
		return err
	}
	return b.GetWithProgress(ctx, Normalize(remotePath), localPath, offset, progress)
}

func (d *Dispatcher) PutWithProgress(ctx context.Context, localPath, remotePath string, offset int64, progress ProgressFunc) error {
	b, err := d.active()
	if err != nil {
		return err
	}
	return b.PutWithProgress(ctx, localPath, Normalize(remotePath), offset, progress)
}

func (d *Dispatcher) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	b, err := d.active()
	if err != nil {
		return nil, err
	}
	return b.ReadFile(ctx, Normalize(remotePath))
}

func (d *Dispatcher) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	b, err := d.active()
	if err != nil {
		return err
	}
	return b.WriteFile(ctx, Normalize(remotePath), data)
}

// ReadBuffer reads a whole remote file and returns it base64-encoded for
// IPC. maxBytes caps the allowed file size; larger files fail instead of
// flooding the channel.
func (d *Dispatcher) ReadBuffer(ctx context.Context, remotePath string, maxBytes int64) (string, error) {
	b, err := d.active()
	if err != nil {
		return "", err
	}
	normalized := Normalize(remotePath)
	if maxBytes > 0 {
		st, err := b.Stat(ctx, normalized)
		if err != nil {
			return "", err
		}
		if st.Size > maxBytes {
			return "", Internalf("file too large for buffer read: %d > %d bytes", st.Size, maxBytes)
		}
	}
	data, err := b.ReadFile(ctx, normalized)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ExecCommand runs a command on the remote host; shell-family backends
// only.
func (d *Dispatcher) ExecCommand(ctx context.Context, cmd string) (string, error) {
	b, err := d.active()
	if err != nil {
		return "", err
	}
	runner, ok := b.(CommandRunner)
	if !ok {
		return "", ErrUnsupported
	}
	return runner.ExecCommand(ctx, cmd)
}

// SpawnShell opens an interactive shell channel; sftp only.
func (d *Dispatcher) SpawnShell(ctx context.Context, rows, cols int) (ShellChannel, error) {
	b, err := d.active()
	if err != nil {
		return nil, err
	}
	sb, ok := b.(ShellBackend)
	if !ok {
		return nil, ErrUnsupported
	}
	return sb.SpawnShell(ctx, rows, cols)
}

// StartDrag downloads the remote file or directory into a fresh
// per-invocation temp directory and returns the staged local path. The
// directory carries the engine prefix so the startup sweep reclaims it.
func (d *Dispatcher) StartDrag(ctx context.Context, remotePath string) (string, error) {
	b, err := d.active()
	if err != nil {
		return "", err
	}
	dir, err := appdir.MakeTemp()
	if err != nil {
		return "", Internalf("create drag staging dir: %v", err)
	}
	normalized := Normalize(remotePath)
	local := filepath.Join(dir, Base(normalized))
	if err := b.Get(ctx, normalized, local); err != nil {
		return "", err
	}
	return local, nil
}
