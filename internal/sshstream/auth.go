package sshstream

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/acolita/ptyexpect/internal/ports"
)

// ErrNoAuth is returned when Options name no way to authenticate.
var ErrNoAuth = errors.New("no authentication method configured")

// authMethods builds auth methods in the order agent, key, password.
func authMethods(opts Options, fs ports.FileSystem) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.UseAgent {
		if m, err := agentAuth(fs); err != nil {
			slog.Debug("ssh agent unavailable", slog.String("error", err.Error()))
		} else {
			methods = append(methods, m)
		}
	}

	if opts.KeyPath != "" {
		m, err := privateKeyAuth(opts.KeyPath, opts.KeyPassphrase, fs)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, m)
	}

	if opts.Password != "" {
		password := opts.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, ErrNoAuth
	}
	return methods, nil
}

func agentAuth(fs ports.FileSystem) (ssh.AuthMethod, error) {
	socket := fs.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func privateKeyAuth(keyPath, passphrase string, fs ports.FileSystem) (ssh.AuthMethod, error) {
	keyData, err := fs.ReadFile(expandPath(keyPath, fs))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// hostKeyCallback verifies against knownHostsPath, or accepts any key when
// no path is given.
func hostKeyCallback(knownHostsPath string, fs ports.FileSystem) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		slog.Warn("host key verification disabled, no known_hosts file configured")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(expandPath(knownHostsPath, fs))
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

func expandPath(path string, fs ports.FileSystem) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home := fs.Getenv("HOME"); home != "" {
			return filepath.Join(home, rest)
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}
