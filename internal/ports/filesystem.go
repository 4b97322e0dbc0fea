package ports

import (
	"io"
	"io/fs"
	"os"
)

// FileSystem abstracts file operations for testing.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it if necessary.
	WriteFile(name string, data []byte, perm fs.FileMode) error

	// OpenFile opens the named file with the given flags, as os.OpenFile does.
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// MkdirTemp creates a new temporary directory, as os.MkdirTemp does.
	MkdirTemp(dir, pattern string) (string, error)

	// RemoveAll removes path and any children it contains.
	RemoveAll(path string) error

	// Getenv retrieves the value of the environment variable named by the key.
	Getenv(key string) string
}

// FileHandle is the subset of *os.File used by writers such as the recorder.
type FileHandle interface {
	io.WriteCloser

	// Name returns the name of the file as presented to OpenFile.
	Name() string
}

var _ FileHandle = (*os.File)(nil)
