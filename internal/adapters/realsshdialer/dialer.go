// Package realsshdialer provides a real implementation of the SSHDialer port.
package realsshdialer

import (
	"context"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/ptyexpect/internal/ports"
)

// Dialer implements ports.SSHDialer over TCP.
type Dialer struct{}

// New creates a new Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Dial connects to addr and performs the SSH handshake. ctx bounds both the
// TCP connect and the handshake.
func (d *Dialer) Dial(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

var _ ports.SSHDialer = (*Dialer)(nil)
