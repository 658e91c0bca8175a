// Package sftpx implements the SFTP backend: one multiplexed SSH
// transport, a shared metadata channel for small calls, and a fresh
// file-transfer channel per bulk transfer so big copies never block
// stats and listings.
package sftpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ferry-sync/internal/profile"
	"ferry-sync/internal/remote"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const copyChunkSize = 32 * 1024

func init() {
	remote.RegisterBackend(profile.ProtocolSFTP, func(p *profile.Profile) (remote.Backend, error) {
		return New(p), nil
	})
}

type Backend struct {
	profile *profile.Profile

	mu   sync.Mutex
	conn *ssh.Client
	meta *sftp.Client // shared channel for list/stat/small io
}

func New(p *profile.Profile) *Backend {
	return &Backend{profile: p}
}

func (b *Backend) Connect(ctx context.Context) error {
	auths, err := b.authMethods()
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            b.profile.Username,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", b.profile.Host, b.profile.DefaultPort())
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return remote.ErrCancelled
		}
		return fmt.Errorf("%w: %v", remote.ErrNetworkUnreachable, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "no supported methods") {
			return fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %v", remote.ErrProtocol, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	meta, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: sftp subsystem: %v", remote.ErrProtocol, err)
	}

	b.mu.Lock()
	b.conn = client
	b.meta = meta
	b.mu.Unlock()
	return nil
}

// authMethods builds the one method the profile selects: agent, private
// key (optionally passphrase-protected), or password. No other method is
// tried as a fallback.
func (b *Backend) authMethods() ([]ssh.AuthMethod, error) {
	p := b.profile
	var auths []ssh.AuthMethod

	switch p.AuthMethod {
	case profile.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("%w: ssh agent not available", remote.ErrAuthFailed)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("%w: ssh agent: %v", remote.ErrAuthFailed, err)
		}
		auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	case profile.AuthKey:
		key, err := os.ReadFile(p.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to read private key: %v", remote.ErrAuthFailed, err)
		}
		var signer ssh.Signer
		if p.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(p.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: unable to parse private key: %v", remote.ErrAuthFailed, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case profile.AuthPassword:
		auths = append(auths, ssh.Password(p.Password))
	default:
		return nil, fmt.Errorf("%w: no authentication method configured", remote.ErrAuthFailed)
	}
	return auths, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	meta, conn := b.meta, b.conn
	b.meta, b.conn = nil, nil
	b.mu.Unlock()
	if meta != nil {
		meta.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Backend) clients() (*ssh.Client, *sftp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.meta == nil {
		return nil, nil, remote.ErrNotConnected
	}
	return b.conn, b.meta, nil
}

// transferChannel opens a dedicated sftp channel for one bulk transfer.
// Callers must close it when the transfer finishes so the channel is
// released.
func (b *Backend) transferChannel() (*sftp.Client, error) {
	conn, _, err := b.clients()
	if err != nil {
		return nil, err
	}
	ch, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer channel: %v", remote.ErrNetworkDropped, err)
	}
	return ch, nil
}

func (b *Backend) List(ctx context.Context, remotePath string) ([]remote.DirectoryEntry, error) {
	_, meta, err := b.clients()
	if err != nil {
		return nil, err
	}
	infos, err := meta.ReadDir(remotePath)
	if err != nil {
		return nil, classify(err)
	}
	entries := make([]remote.DirectoryEntry, 0, len(infos))
	for _, fi := range infos {
		size := fi.Size()
		if fi.IsDir() {
			size = 0
		}
		entries = append(entries, remote.DirectoryEntry{
			Name:    fi.Name(),
			IsDir:   fi.IsDir(),
			Size:    size,
			ModTime: fi.ModTime().UTC(),
		})
	}
	return entries, nil
}

func (b *Backend) Stat(ctx context.Context, remotePath string) (remote.Stat, error) {
	_, meta, err := b.clients()
	if err != nil {
		return remote.Stat{}, err
	}
	fi, err := meta.Stat(remotePath)
	if err != nil {
		return remote.Stat{}, classify(err)
	}
	return statFromInfo(fi), nil
}

func statFromInfo(fi os.FileInfo) remote.Stat {
	mode := uint32(remote.ModeRegular)
	if fi.IsDir() {
		mode = remote.ModeDir
	}
	return remote.Stat{Size: fi.Size(), ModTime: fi.ModTime().Unix(), Mode: mode}
}

// Get downloads a file or directory tree, overwriting local targets.
func (b *Backend) Get(ctx context.Context, remotePath, localPath string) error {
	ch, err := b.transferChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return b.getRecursive(ctx, ch, remotePath, localPath)
}

func (b *Backend) getRecursive(ctx context.Context, ch *sftp.Client, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return remote.ErrCancelled
	}
	fi, err := ch.Stat(remotePath)
	if err != nil {
		return classify(err)
	}
	if !fi.IsDir() {
		return copyRemoteToLocal(ctx, ch, remotePath, localPath, 0, fi.Size(), nil)
	}
	if err := os.MkdirAll(localPath, 0755); err != nil {
		return remote.Internalf("mkdir %s: %v", localPath, err)
	}
	infos, err := ch.ReadDir(remotePath)
	if err != nil {
		return classify(err)
	}
	for _, child := range infos {
		if err := b.getRecursive(ctx, ch,
			remote.Join(remotePath, child.Name()),
			filepath.Join(localPath, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Put uploads a file or directory tree. Target directories are created
// idempotently; an already existing directory is not an error.
func (b *Backend) Put(ctx context.Context, localPath, remotePath string) error {
	ch, err := b.transferChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return b.putRecursive(ctx, ch, localPath, remotePath)
}

func (b *Backend) putRecursive(ctx context.Context, ch *sftp.Client, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return remote.ErrCancelled
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return remote.Internalf("stat %s: %v", localPath, err)
	}
	if !fi.IsDir() {
		return copyLocalToRemote(ctx, ch, localPath, remotePath, 0, nil)
	}
	if err := ch.Mkdir(remotePath); err != nil && !isAlreadyExists(ch, remotePath) {
		return classify(err)
	}
	children, err := os.ReadDir(localPath)
	if err != nil {
		return remote.Internalf("readdir %s: %v", localPath, err)
	}
	for _, child := range children {
		if err := b.putRecursive(ctx, ch,
			filepath.Join(localPath, child.Name()),
			remote.Join(remotePath, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

func isAlreadyExists(ch *sftp.Client, remotePath string) bool {
	fi, err := ch.Stat(remotePath)
	return err == nil && fi.IsDir()
}

func (b *Backend) GetWithProgress(ctx context.Context, remotePath, localPath string, offset int64, progress remote.ProgressFunc) error {
	ch, err := b.transferChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	fi, err := ch.Stat(remotePath)
	if err != nil {
		return classify(err)
	}
	return copyRemoteToLocal(ctx, ch, remotePath, localPath, offset, fi.Size(), progress)
}

func (b *Backend) PutWithProgress(ctx context.Context, localPath, remotePath string, offset int64, progress remote.ProgressFunc) error {
	ch, err := b.transferChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return copyLocalToRemote(ctx, ch, localPath, remotePath, offset, progress)
}

// copyRemoteToLocal streams one file down. With offset > 0 the remote
// read starts at offset and the local file is opened in append mode, so
// a resumed download continues the same bytes.
func copyRemoteToLocal(ctx context.Context, ch *sftp.Client, remotePath, localPath string, offset, totalSize int64, progress remote.ProgressFunc) error {
	src, err := ch.Open(remotePath)
	if err != nil {
		return classify(err)
	}
	defer src.Close()

	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return classify(err)
		}
	}

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

	return chunkCopy(ctx, dst, src, offset, totalSize, progress)
}

// copyLocalToRemote streams one file up. With offset > 0 the local read
// skips offset bytes and the remote file is opened for append.
func copyLocalToRemote(ctx context.Context, ch *sftp.Client, localPath, remotePath string, offset int64, progress remote.ProgressFunc) error {
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

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	dst, err := ch.OpenFile(remotePath, flags)
	if err != nil {
		return classify(err)
	}
	defer dst.Close()

	return chunkCopy(ctx, dst, src, offset, fi.Size(), progress)
}

// chunkCopy is the shared transfer loop: fixed-size chunks, a progress
// tick per chunk, cancellation observed between chunks.
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
				return classify(werr)
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
			return classify(rerr)
		}
	}
}

func (b *Backend) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	_, meta, err := b.clients()
	if err != nil {
		return nil, err
	}
	f, err := meta.Open(remotePath)
	if err != nil {
		return nil, classify(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (b *Backend) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	_, meta, err := b.clients()
	if err != nil {
		return err
	}
	f, err := meta.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return classify(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return classify(err)
	}
	return f.Close()
}

// ExecCommand runs one command over a fresh session on the shared
// transport and returns its stdout; stderr is not captured.
func (b *Backend) ExecCommand(ctx context.Context, cmd string) (string, error) {
	conn, _, err := b.clients()
	if err != nil {
		return "", err
	}
	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: session: %v", remote.ErrNetworkDropped, err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	defer close(done)

	out, err := session.Output(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return "", remote.ErrCancelled
		}
		return string(out), fmt.Errorf("%w: %v", remote.ErrProtocol, err)
	}
	return string(out), nil
}

// classify maps transport and sftp status errors onto the dispatcher
// taxonomy, keeping the raw detail in the wrap.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		case sftp.ErrSSHFxPermissionDenied:
			return fmt.Errorf("%w: %v", remote.ErrPermission, err)
		default:
			return fmt.Errorf("%w: %v", remote.ErrProtocol, err)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "connection lost") ||
		strings.Contains(err.Error(), "connection reset") {
		return fmt.Errorf("%w: %v", remote.ErrNetworkDropped, err)
	}
	return fmt.Errorf("%w: %v", remote.ErrProtocol, err)
}
