package sftpx

import (
	"context"
	"fmt"
	"io"

	"ferry-sync/internal/remote"

	"golang.org/x/crypto/ssh"
)

// shellChannel wraps an interactive session started with a PTY. Reads
// drain the remote stdout/stderr stream, writes feed stdin, Resize maps
// to a window-change request.
type shellChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// SpawnShell opens a login shell attached to a PTY of the given size on
// the shared transport. The channel is independent of any running
// transfer channels.
func (b *Backend) SpawnShell(ctx context.Context, rows, cols int) (remote.ShellChannel, error) {
	conn, _, err := b.clients()
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: session: %v", remote.ErrNetworkDropped, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: pty request: %v", remote.ErrProtocol, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", remote.ErrProtocol, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", remote.ErrProtocol, err)
	}
	// stderr rides the PTY stream once a pty is allocated

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: shell: %v", remote.ErrProtocol, err)
	}

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return &shellChannel{session: session, stdin: stdin, stdout: stdout}, nil
}

func (s *shellChannel) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *shellChannel) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shellChannel) Resize(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *shellChannel) Close() error {
	s.stdin.Close()
	return s.session.Close()
}
