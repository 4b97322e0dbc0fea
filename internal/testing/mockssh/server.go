// Package mockssh provides an in-process SSH server for testing. Shells and
// commands it runs get a real pty when the client asks for one.
package mockssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/ptyexpect/internal/pty"
)

// Server is a mock SSH server for testing.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string
	shell    string

	mu             sync.RWMutex
	users          map[string]string // username -> password
	authorizedKeys []ssh.PublicKey

	done chan struct{}
	wg   sync.WaitGroup

	procsMu sync.Mutex
	procs   []*pty.Process
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell sets the shell used for shell and exec requests.
func WithShell(shell string) Option {
	return func(s *Server) {
		s.shell = shell
	}
}

// WithUser adds a user/password pair for authentication.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithAuthorizedKey accepts public key authentication with key for any user.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) {
		s.authorizedKeys = append(s.authorizedKeys, key)
	}
}

// New starts a server on a random localhost port.
func New(opts ...Option) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	s := &Server{
		hostKey: signer.PublicKey(),
		shell:   "/bin/sh",
		users: map[string]string{
			"test": "test",
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.mu.RLock()
			expected, ok := s.users[c.User()]
			s.mu.RUnlock()
			if ok && string(password) == expected {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			for _, k := range s.authorizedKeys {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock SSH server started", slog.String("addr", s.addr))
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the port the server is listening on.
func (s *Server) Port() string {
	_, port, _ := net.SplitHostPort(s.addr)
	return port
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey
}

// Close stops accepting connections and kills every running child.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.procsMu.Lock()
	procs := s.procs
	s.procs = nil
	s.procsMu.Unlock()
	for _, p := range procs {
		_, _ = p.Terminate(100 * time.Millisecond)
	}

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("SSH handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			slog.Debug("channel accept failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

// RFC 4254 request payloads.
type (
	ptyRequest struct {
		Term     string
		Cols     uint32
		Rows     uint32
		WidthPx  uint32
		HeightPx uint32
		Modes    string
	}
	execRequest struct {
		Command string
	}
	windowChangeRequest struct {
		Cols     uint32
		Rows     uint32
		WidthPx  uint32
		HeightPx uint32
	}
	signalRequest struct {
		Signal string
	}
	exitStatus struct {
		Status uint32
	}
)

var signals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"KILL": syscall.SIGKILL,
	"QUIT": syscall.SIGQUIT,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	var (
		ptyReq  *ptyRequest
		procMu  sync.Mutex
		proc    *pty.Process
		started bool
	)
	start := func(args ...string) bool {
		if started {
			return false
		}
		started = true
		go func() {
			p := s.run(channel, ptyReq, args...)
			procMu.Lock()
			proc = p
			procMu.Unlock()
		}()
		return true
	}
	current := func() *pty.Process {
		procMu.Lock()
		defer procMu.Unlock()
		return proc
	}

	for req := range requests {
		ok := false
		switch req.Type {
		case "pty-req":
			var r ptyRequest
			if err := ssh.Unmarshal(req.Payload, &r); err == nil {
				ptyReq = &r
				ok = true
			}
		case "shell":
			ok = start()
		case "exec":
			var r execRequest
			if err := ssh.Unmarshal(req.Payload, &r); err == nil {
				ok = start("-c", r.Command)
			}
		case "window-change":
			var r windowChangeRequest
			if p := current(); p != nil && ssh.Unmarshal(req.Payload, &r) == nil {
				ok = p.Resize(uint16(r.Rows), uint16(r.Cols)) == nil
			}
		case "signal":
			var r signalRequest
			if p := current(); p != nil && ssh.Unmarshal(req.Payload, &r) == nil {
				if sig, known := signals[r.Signal]; known {
					ok = p.Kill(sig) == nil
				}
			}
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// run starts the shell with args and pumps it to and from the channel in
// the background. It returns the pty process, or nil when the client did
// not ask for a pty.
func (s *Server) run(channel ssh.Channel, ptyReq *ptyRequest, args ...string) *pty.Process {
	cmd := exec.Command(s.shell, args...)

	if ptyReq == nil {
		cmd.Stdin = channel
		cmd.Stdout = channel
		cmd.Stderr = channel.Stderr()
		code := 0
		if err := cmd.Run(); err != nil {
			code = exitCode(err)
		}
		sendExitStatus(channel, code)
		return nil
	}

	p, err := pty.SpawnCommand(cmd, pty.Options{
		Term: ptyReq.Term,
		Rows: uint16(ptyReq.Rows),
		Cols: uint16(ptyReq.Cols),
	})
	if err != nil {
		slog.Debug("pty start failed", slog.String("error", err.Error()))
		sendExitStatus(channel, 127)
		return nil
	}
	s.procsMu.Lock()
	s.procs = append(s.procs, p)
	s.procsMu.Unlock()

	go func() {
		_, _ = io.Copy(p, channel)
	}()
	go func() {
		// the master reports EOF once the child and its descendants are gone
		_, _ = io.Copy(channel, p.Reader())
		_, _ = p.WaitForExit(time.Hour)
		code, _ := p.ExitStatus()
		_ = p.Close()
		sendExitStatus(channel, code)
	}()
	return p
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func sendExitStatus(channel ssh.Channel, code int) {
	_ = channel.CloseWrite()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
	_ = channel.Close()
}
