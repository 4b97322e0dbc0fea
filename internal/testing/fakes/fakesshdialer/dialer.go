// Package fakesshdialer provides a fake SSH dialer for testing.
package fakesshdialer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/ptyexpect/internal/ports"
)

// Dialer is a fake SSH dialer that records calls and delegates to DialFunc.
type Dialer struct {
	mu       sync.Mutex
	DialFunc func(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	calls    []DialCall
}

// DialCall records a call to Dial.
type DialCall struct {
	Network string
	Addr    string
	Config  *ssh.ClientConfig
}

// New creates a new fake Dialer that returns an error by default.
func New() *Dialer {
	return &Dialer{
		DialFunc: func(context.Context, string, string, *ssh.ClientConfig) (*ssh.Client, error) {
			return nil, fmt.Errorf("fakesshdialer: not configured")
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d.mu.Lock()
	d.calls = append(d.calls, DialCall{Network: network, Addr: addr, Config: config})
	fn := d.DialFunc
	d.mu.Unlock()
	return fn(ctx, network, addr, config)
}

// Calls returns all recorded Dial calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.calls...)
}

// SetError configures the dialer to always return err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialFunc = func(context.Context, string, string, *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, err
	}
}

var _ ports.SSHDialer = (*Dialer)(nil)
