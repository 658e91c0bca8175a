package remote

import (
	"context"
	"encoding/base64"
	"testing"

	"ferry-sync/internal/profile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records the paths it was called with.
type fakeBackend struct {
	connected  bool
	closed     bool
	seenPaths  []string
	files      map[string][]byte
	statResult Stat
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: map[string][]byte{}}
}

func (f *fakeBackend) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeBackend) Close() error                      { f.closed = true; return nil }

func (f *fakeBackend) List(ctx context.Context, p string) ([]DirectoryEntry, error) {
	f.seenPaths = append(f.seenPaths, p)
	return nil, nil
}

func (f *fakeBackend) Stat(ctx context.Context, p string) (Stat, error) {
	f.seenPaths = append(f.seenPaths, p)
	return f.statResult, nil
}

func (f *fakeBackend) Get(ctx context.Context, remote, local string) error {
	f.seenPaths = append(f.seenPaths, remote)
	return nil
}

func (f *fakeBackend) Put(ctx context.Context, local, remote string) error {
	f.seenPaths = append(f.seenPaths, remote)
	return nil
}

func (f *fakeBackend) GetWithProgress(ctx context.Context, remote, local string, offset int64, progress ProgressFunc) error {
	f.seenPaths = append(f.seenPaths, remote)
	return nil
}

func (f *fakeBackend) PutWithProgress(ctx context.Context, local, remote string, offset int64, progress ProgressFunc) error {
	f.seenPaths = append(f.seenPaths, remote)
	return nil
}

func (f *fakeBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f.seenPaths = append(f.seenPaths, p)
	return f.files[p], nil
}

func (f *fakeBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	f.seenPaths = append(f.seenPaths, p)
	f.files[p] = data
	return nil
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		Name:       "fake",
		Protocol:   profile.ProtocolSFTP,
		Host:       "example",
		AuthMethod: profile.AuthPassword,
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend()
	RegisterBackend(profile.ProtocolSFTP, func(p *profile.Profile) (Backend, error) { return fb, nil })
	d := &Dispatcher{}
	require.NoError(t, d.Connect(context.Background(), testProfile()))
	return d, fb
}

func TestDispatcherRequiresConnection(t *testing.T) {
	d := &Dispatcher{}
	_, err := d.List(context.Background(), "/")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = d.Put(context.Background(), "a", "/b")
	assert.ErrorIs(t, err, ErrNotConnected)

	// Disconnect while not connected is a no-op.
	assert.NoError(t, d.Disconnect())
}

func TestDispatcherNormalisesPaths(t *testing.T) {
	d, fb := newTestDispatcher(t)

	_, err := d.List(context.Background(), "/var//www//")
	require.NoError(t, err)
	_, err = d.Stat(context.Background(), "//a//b")
	require.NoError(t, err)
	require.NoError(t, d.Get(context.Background(), "/x//y/z.txt", "/tmp/z.txt"))

	assert.Equal(t, []string{"/var/www", "/a/b", "/x/y/z.txt"}, fb.seenPaths)
}

func TestDispatcherReplacesConnection(t *testing.T) {
	d, fb := newTestDispatcher(t)

	second := newFakeBackend()
	RegisterBackend(profile.ProtocolSFTP, func(p *profile.Profile) (Backend, error) { return second, nil })
	require.NoError(t, d.Connect(context.Background(), testProfile()))

	assert.True(t, fb.closed, "prior connection must be closed on reconnect")
	assert.True(t, second.connected)
}

func TestDispatcherUnsupportedCapabilities(t *testing.T) {
	d, _ := newTestDispatcher(t)

	// fakeBackend implements neither CommandRunner nor ShellBackend.
	_, err := d.ExecCommand(context.Background(), "uname -a")
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = d.SpawnShell(context.Background(), 24, 80)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestReadBufferCapsAndEncodes(t *testing.T) {
	d, fb := newTestDispatcher(t)
	fb.files["/data.bin"] = []byte{0x00, 0x01, 0xFF}
	fb.statResult = Stat{Size: 3, Mode: ModeRegular}

	out, err := d.ReadBuffer(context.Background(), "/data.bin", 16)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0xFF}), out)

	fb.statResult = Stat{Size: 1 << 30, Mode: ModeRegular}
	_, err = d.ReadBuffer(context.Background(), "/huge.bin", 16)
	assert.Error(t, err)
}

func TestDisconnectIdempotent(t *testing.T) {
	d, fb := newTestDispatcher(t)
	require.NoError(t, d.Disconnect())
	assert.True(t, fb.closed)
	require.NoError(t, d.Disconnect())
	assert.False(t, d.Connected())
}
