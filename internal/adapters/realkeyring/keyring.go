// Package realkeyring provides the Keyring port backed by the OS credential
// store (macOS Keychain, Secret Service on Linux, Windows Credential Manager).
package realkeyring

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/acolita/ptyexpect/internal/ports"
)

// ErrNotFound is returned when no secret is stored for a service/user pair.
var ErrNotFound = errors.New("secret not found in keyring")

// Keyring implements ports.Keyring using github.com/zalando/go-keyring.
type Keyring struct{}

// New returns a Keyring talking to the OS credential store.
func New() *Keyring {
	return &Keyring{}
}

// Get returns the secret stored under service/user.
func (k *Keyring) Get(service, user string) (string, error) {
	secret, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s/%s: %w", service, user, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s/%s: %w", service, user, err)
	}
	return secret, nil
}

// Set stores a secret; used by the CLI's secret-setup path and by tests.
func (k *Keyring) Set(service, user, secret string) error {
	if err := keyring.Set(service, user, secret); err != nil {
		return fmt.Errorf("keyring set %s/%s: %w", service, user, err)
	}
	return nil
}

var _ ports.Keyring = (*Keyring)(nil)
