package remote

import (
	"context"
	"io"
	"time"

	"ferry-sync/internal/profile"
)

// Directory mode bit as carried on the wire by SFTP; the other backends
// synthesise it so Stat.IsDir works uniformly.
const (
	ModeDir     = 0x4000
	ModeRegular = 0x8000
)

type DirectoryEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

type Stat struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"modTime"` // seconds since epoch
	Mode    uint32
}

func (s Stat) IsDir() bool {
	return s.Mode&ModeDir != 0
}

// ProgressFunc receives (total transferred, last chunk, total size).
// total is 0 when the backend does not know it. A backend that restarts
// from zero (s3 upload resume) reports it by emitting a first tick whose
// transferred is below the previous one; consumers tolerate a one-time
// non-monotonic reset.
type ProgressFunc func(transferred, chunk, total int64)

// Backend is the uniform remote surface a protocol implementation must
// provide. Cancellation is the context: implementations observe ctx at
// every I/O boundary and return ErrCancelled promptly.
type Backend interface {
	Connect(ctx context.Context) error
	Close() error

	List(ctx context.Context, remotePath string) ([]DirectoryEntry, error)
	Stat(ctx context.Context, remotePath string) (Stat, error)

	// Get and Put move whole files or directory trees, overwriting the
	// destination without prompting.
	Get(ctx context.Context, remotePath, localPath string) error
	Put(ctx context.Context, localPath, remotePath string) error

	// The progress variants transfer a single file. offset > 0 resumes:
	// downloads append to the local file starting the remote read at
	// offset; uploads continue the remote file, or restart from zero on
	// backends that cannot append (see ProgressFunc).
	GetWithProgress(ctx context.Context, remotePath, localPath string, offset int64, progress ProgressFunc) error
	PutWithProgress(ctx context.Context, localPath, remotePath string, offset int64, progress ProgressFunc) error

	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	WriteFile(ctx context.Context, remotePath string, data []byte) error
}

// CommandRunner is implemented by shell-family backends.
type CommandRunner interface {
	ExecCommand(ctx context.Context, cmd string) (string, error)
}

// ShellChannel is an interactive remote shell attached to a PTY.
type ShellChannel interface {
	io.ReadWriteCloser
	Resize(rows, cols int) error
}

// ShellBackend is implemented by backends that can spawn a shell.
type ShellBackend interface {
	SpawnShell(ctx context.Context, rows, cols int) (ShellChannel, error)
}

// Factory builds a backend for a profile. Backend packages register
// themselves at init; the dispatcher only knows the registry.
type Factory func(p *profile.Profile) (Backend, error)

var factories = map[profile.Protocol]Factory{}

func RegisterBackend(proto profile.Protocol, f Factory) {
	factories[proto] = f
}

func newBackend(p *profile.Profile) (Backend, error) {
	f, ok := factories[p.Protocol]
	if !ok {
		return nil, Internalf("no backend registered for protocol %q", p.Protocol)
	}
	return f(p)
}
