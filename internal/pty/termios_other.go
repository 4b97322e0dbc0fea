//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package pty

import (
	"errors"
	"os"
)

func disableEcho(*os.File) error {
	return errors.New("disabling echo is not supported on this platform")
}
