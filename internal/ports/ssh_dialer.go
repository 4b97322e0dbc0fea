package ports

import (
	"context"

	"golang.org/x/crypto/ssh"
)

// SSHDialer abstracts SSH connection establishment for testing.
type SSHDialer interface {
	// Dial establishes an SSH connection to the given address.
	// Dialing honors ctx cancellation until the handshake completes.
	Dial(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}
