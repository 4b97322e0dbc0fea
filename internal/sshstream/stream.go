// Package sshstream opens an interactive shell or command on a remote host
// over SSH and exposes it as a plain duplex stream, so a session can drive
// it the same way it drives a local pty.
package sshstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/ptyexpect/internal/adapters/realfs"
	"github.com/acolita/ptyexpect/internal/adapters/realsshdialer"
	"github.com/acolita/ptyexpect/internal/ports"
)

// Options configures the connection and the remote terminal.
type Options struct {
	Host string
	Port int // default: 22
	User string

	Password      string
	KeyPath       string
	KeyPassphrase string
	UseAgent      bool

	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string

	Term    string // default: dumb
	Rows    uint16 // default: 24
	Cols    uint16 // default: 80
	EchoOff bool
	// Command runs instead of the login shell when set.
	Command string

	// Timeout bounds the TCP connect and the handshake (default: 30s).
	Timeout time.Duration

	Dialer     ports.SSHDialer
	FileSystem ports.FileSystem
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = 22
	}
	if o.Term == "" {
		o.Term = "dumb"
	}
	if o.Rows == 0 {
		o.Rows = 24
	}
	if o.Cols == 0 {
		o.Cols = 80
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = realsshdialer.New()
	}
	if o.FileSystem == nil {
		o.FileSystem = realfs.New()
	}
	return o
}

// Stream is a remote shell with a pty. Read returns the remote terminal's
// output and io.EOF once the remote side is done; Write sends input.
type Stream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	closeErr  error
}

// Dial connects, authenticates, requests a pty and starts the shell or
// command.
func Dial(ctx context.Context, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	if opts.Host == "" {
		return nil, errors.New("host is required")
	}
	if opts.User == "" {
		return nil, errors.New("user is required")
	}

	auth, err := authMethods(opts, opts.FileSystem)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(opts.KnownHostsPath, opts.FileSystem)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.Timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	client, err := opts.Dialer.Dial(dialCtx, "tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	s, err := start(client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}

	slog.Debug("ssh stream started",
		slog.String("addr", addr),
		slog.String("user", opts.User),
		slog.String("command", opts.Command),
	)
	return s, nil
}

func start(client *ssh.Client, opts Options) (*Stream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	echo := uint32(1)
	if opts.EchoOff {
		echo = 0
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          echo,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, int(opts.Rows), int(opts.Cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if opts.Command != "" {
		err = session.Start(opts.Command)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("start remote shell: %w", err)
	}

	return &Stream{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.stdout.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	return s.stdin.Write(b)
}

// Signal sends sig, e.g. ssh.SIGINT, to the remote process. Many servers
// ignore signal requests; sending a control character is more reliable.
func (s *Stream) Signal(sig ssh.Signal) error {
	if err := s.session.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}

// Resize changes the remote terminal size.
func (s *Stream) Resize(rows, cols uint16) error {
	if err := s.session.WindowChange(int(rows), int(cols)); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	return nil
}

// Wait waits for the remote shell or command to exit. A non-zero exit is
// reported as *ssh.ExitError.
func (s *Stream) Wait() error {
	return s.session.Wait()
}

// Close closes the session and the connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		err := s.session.Close()
		if errors.Is(err, io.EOF) {
			// already closed by the remote side
			err = nil
		}
		s.closeErr = errors.Join(err, s.client.Close())
	})
	return s.closeErr
}
