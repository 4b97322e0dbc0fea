// ptyexpect runs expect scripts against programs on a pseudo-terminal,
// locally or over SSH.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
