// Package ftpx implements the FTP and FTPS backend. A shared control
// client serves metadata; every bulk transfer dials a fresh client with
// its own control and data connections, because FTP servers do not
// tolerate interleaved transfers on one connection.
package ftpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ferry-sync/internal/profile"
	"ferry-sync/internal/remote"

	"github.com/jlaffaye/ftp"
)

const copyChunkSize = 32 * 1024

func init() {
	factory := func(p *profile.Profile) (remote.Backend, error) {
		return New(p), nil
	}
	remote.RegisterBackend(profile.ProtocolFTP, factory)
	remote.RegisterBackend(profile.ProtocolFTPS, factory)
}

type Backend struct {
	profile *profile.Profile

	mu      sync.Mutex
	control *ftp.ServerConn
}

func New(p *profile.Profile) *Backend {
	return &Backend{profile: p}
}

func (b *Backend) Connect(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.control = conn
	b.mu.Unlock()
	return nil
}

// dial opens and logs in a fresh client. Used for the control client and
// once per bulk transfer.
func (b *Backend) dial(ctx context.Context) (*ftp.ServerConn, error) {
	p := b.profile
	addr := fmt.Sprintf("%s:%d", p.Host, p.DefaultPort())

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(15 * time.Second),
	}
	if p.Protocol == profile.ProtocolFTPS {
		// Self-signed certificates are common on FTPS servers;
		// verification stays off unless the profile opts in.
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         p.Host,
			InsecureSkipVerify: !p.StrictTLS,
		}))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, remote.ErrCancelled
		}
		if p.Protocol == profile.ProtocolFTPS && strings.Contains(err.Error(), "tls") {
			return nil, fmt.Errorf("%w: %v", remote.ErrTLSFailure, err)
		}
		return nil, fmt.Errorf("%w: %v", remote.ErrNetworkUnreachable, err)
	}

	if err := conn.Login(p.Username, p.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
	}
	return conn, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	conn := b.control
	b.control = nil
	b.mu.Unlock()
	if conn != nil {
		return conn.Quit()
	}
	return nil
}

func (b *Backend) controlConn() (*ftp.ServerConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.control == nil {
		return nil, remote.ErrNotConnected
	}
	return b.control, nil
}

func (b *Backend) List(ctx context.Context, remotePath string) ([]remote.DirectoryEntry, error) {
	conn, err := b.controlConn()
	if err != nil {
		return nil, err
	}
	raw, err := conn.List(remotePath)
	if err != nil {
		return nil, classify(err)
	}
	entries := make([]remote.DirectoryEntry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		isDir := e.Type == ftp.EntryTypeFolder
		size := int64(e.Size)
		if isDir {
			size = 0
		}
		entries = append(entries, remote.DirectoryEntry{
			Name:    e.Name,
			IsDir:   isDir,
			Size:    size,
			ModTime: e.Time.UTC(),
		})
	}
	return entries, nil
}

// Stat is synthesised by scanning the parent listing; plain FTP has no
// stat verb and the modification time only appears in LIST output.
func (b *Backend) Stat(ctx context.Context, remotePath string) (remote.Stat, error) {
	parent := remote.Dir(remotePath)
	name := remote.Base(remotePath)
	entries, err := b.List(ctx, parent)
	if err != nil {
		return remote.Stat{}, err
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		mode := uint32(remote.ModeRegular)
		if e.IsDir {
			mode = remote.ModeDir
		}
		return remote.Stat{Size: e.Size, ModTime: e.ModTime.Unix(), Mode: mode}, nil
	}
	return remote.Stat{}, fmt.Errorf("%w: %s", remote.ErrNotFound, remotePath)
}

func (b *Backend) Get(ctx context.Context, remotePath, localPath string) error {
	st, err := b.Stat(ctx, remotePath)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return b.GetWithProgress(ctx, remotePath, localPath, 0, nil)
	}
	if err := os.MkdirAll(localPath, 0755); err != nil {
		return remote.Internalf("mkdir %s: %v", localPath, err)
	}
	entries, err := b.List(ctx, remotePath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return remote.ErrCancelled
		}
		child := remote.Join(remotePath, e.Name)
		target := filepath.Join(localPath, e.Name)
		if e.IsDir {
			if err := b.Get(ctx, child, target); err != nil {
				return err
			}
			continue
		}
		if err := b.GetWithProgress(ctx, child, target, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, localPath, remotePath string) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return remote.Internalf("stat %s: %v", localPath, err)
	}
	if !fi.IsDir() {
		return b.PutWithProgress(ctx, localPath, remotePath, 0, nil)
	}

	conn, err := b.controlConn()
	if err != nil {
		return err
	}
	if err := conn.MakeDir(remotePath); err != nil && !dirExists(b, ctx, remotePath) {
		return classify(err)
	}
	children, err := os.ReadDir(localPath)
	if err != nil {
		return remote.Internalf("readdir %s: %v", localPath, err)
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return remote.ErrCancelled
		}
		src := filepath.Join(localPath, child.Name())
		dst := remote.Join(remotePath, child.Name())
		if child.IsDir() {
			if err := b.Put(ctx, src, dst); err != nil {
				return err
			}
			continue
		}
		if err := b.PutWithProgress(ctx, src, dst, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func dirExists(b *Backend, ctx context.Context, remotePath string) bool {
	st, err := b.Stat(ctx, remotePath)
	return err == nil && st.IsDir()
}

// GetWithProgress downloads one file over a dedicated client. offset > 0
// resumes via the server REST command and appends locally.
func (b *Backend) GetWithProgress(ctx context.Context, remotePath, localPath string, offset int64, progress remote.ProgressFunc) error {
	var totalSize int64
	if st, err := b.Stat(ctx, remotePath); err == nil {
		totalSize = st.Size
	}

	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()
	closeOnCancel(ctx, conn)

	var resp *ftp.Response
	if offset > 0 {
		resp, err = conn.RetrFrom(remotePath, uint64(offset))
	} else {
		resp, err = conn.Retr(remotePath)
	}
	if err != nil {
		if ctx.Err() != nil {
			return remote.ErrCancelled
		}
		return classify(err)
	}
	defer resp.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return remote.Internalf("mkdir %s: %v", filepath.Dir(localPath), err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	dst, err := os.OpenFile(localPath, flags, 0644)
	if err != nil {
		return remote.Internalf("open %s: %v", localPath, err)
	}
	defer dst.Close()

	return chunkCopy(ctx, dst, resp, offset, totalSize, progress)
}

// PutWithProgress uploads one file over a dedicated client. offset > 0
// switches to append semantics so a resumed upload continues the remote
// file.
func (b *Backend) PutWithProgress(ctx context.Context, localPath, remotePath string, offset int64, progress remote.ProgressFunc) error {
	src, err := os.Open(localPath)
	if err != nil {
		return remote.Internalf("open %s: %v", localPath, err)
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return remote.Internalf("stat %s: %v", localPath, err)
	}

	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return remote.Internalf("seek %s: %v", localPath, err)
		}
	}

	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()
	closeOnCancel(ctx, conn)

	reader := &countingReader{ctx: ctx, r: src, transferred: offset, total: fi.Size(), progress: progress}
	if offset > 0 {
		err = conn.Append(remotePath, reader)
	} else {
		err = conn.Stor(remotePath, reader)
	}
	if err != nil {
		if ctx.Err() != nil {
			return remote.ErrCancelled
		}
		return classify(err)
	}
	return nil
}

func (b *Backend) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	conn, err := b.controlConn()
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(remotePath)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (b *Backend) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	conn, err := b.controlConn()
	if err != nil {
		return err
	}
	if err := conn.Stor(remotePath, bytes.NewReader(data)); err != nil {
		return classify(err)
	}
	return nil
}

// closeOnCancel force-closes the per-transfer client when the context
// fires so a blocked data connection unwinds promptly.
func closeOnCancel(ctx context.Context, conn *ftp.ServerConn) {
	go func() {
		<-ctx.Done()
		if ctx.Err() != nil {
			conn.Quit()
		}
	}()
}

// countingReader feeds Stor/Append while emitting progress ticks and
// observing cancellation between chunks.
type countingReader struct {
	ctx         context.Context
	r           io.Reader
	transferred int64
	total       int64
	progress    remote.ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, remote.ErrCancelled
	default:
	}
	if len(p) > copyChunkSize {
		p = p[:copyChunkSize]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.transferred += int64(n)
		if c.progress != nil {
			c.progress(c.transferred, int64(n), c.total)
		}
	}
	return n, err
}

func chunkCopy(ctx context.Context, dst io.Writer, src io.Reader, offset, totalSize int64, progress remote.ProgressFunc) error {
	buf := make([]byte, copyChunkSize)
	transferred := offset
	for {
		select {
		case <-ctx.Done():
			return remote.ErrCancelled
		default:
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return remote.Internalf("write: %v", werr)
			}
			transferred += int64(n)
			if progress != nil {
				progress(transferred, int64(n), totalSize)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return remote.ErrCancelled
			}
			return classify(rerr)
		}
	}
}

// classify maps FTP reply codes onto the dispatcher taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == 530 || proto.Code == 430:
			return fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
		case proto.Code == 550:
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		case proto.Code == 551 || proto.Code == 553 || proto.Code == 532:
			return fmt.Errorf("%w: %v", remote.ErrPermission, err)
		default:
			return fmt.Errorf("%w: %v", remote.ErrProtocol, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", remote.ErrNetworkDropped, err)
	}
	return fmt.Errorf("%w: %v", remote.ErrProtocol, err)
}
