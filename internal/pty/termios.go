//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package pty

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableEcho clears ECHO on the terminal so the child's input is not
// copied back to the master.
func disableEcho(tty *os.File) error {
	fd := int(tty.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	t.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}
