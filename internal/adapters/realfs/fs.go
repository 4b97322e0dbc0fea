// Package realfs provides the FileSystem port backed by the os package.
package realfs

import (
	"io/fs"
	"os"

	"github.com/acolita/ptyexpect/internal/ports"
)

// FS implements ports.FileSystem using the standard os package.
type FS struct{}

// New returns a new real FileSystem.
func New() *FS {
	return &FS{}
}

func (f *FS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

// OpenFile opens name and returns the *os.File as a ports.FileHandle.
func (f *FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	file, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *FS) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (f *FS) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (f *FS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (f *FS) Getenv(key string) string {
	return os.Getenv(key)
}

var _ ports.FileSystem = (*FS)(nil)
