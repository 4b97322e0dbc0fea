// Package pty runs a child process on a pseudo-terminal and manages its
// lifecycle, including escalating termination.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/acolita/ptyexpect/internal/adapters/realclock"
	"github.com/acolita/ptyexpect/internal/ports"
)

// DefaultKillTimeout is how long Close waits after SIGTERM before it sends
// SIGKILL.
const DefaultKillTimeout = time.Second

var (
	// ErrSpawn wraps every failure to start a child.
	ErrSpawn = errors.New("spawn failed")
	// ErrEmptyProgram is returned for an empty command line.
	ErrEmptyProgram = fmt.Errorf("%w: empty program", ErrSpawn)
	// ErrTimedOut is returned by WaitForExit when the child is still running.
	ErrTimedOut = errors.New("process still running")
	// ErrKillTimeout means the child outlived its SIGTERM grace period and
	// was killed. Terminate only logs it.
	ErrKillTimeout = errors.New("process ignored SIGTERM")
)

// Options configures the terminal and the lifecycle of a spawned child.
type Options struct {
	KillTimeout time.Duration // grace period between SIGTERM and SIGKILL (default: DefaultKillTimeout)
	Term        string        // TERM for the child (default: dumb)
	Rows        uint16        // terminal rows (default: 24)
	Cols        uint16        // terminal columns (default: 80)
	Dir         string        // working directory
	Env         []string      // extra environment, appended after TERM
	EchoOff     bool          // clear ECHO on the terminal before the child starts
	Clock       ports.Clock
}

func (o Options) withDefaults() Options {
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.Term == "" {
		o.Term = "dumb"
	}
	if o.Rows == 0 {
		o.Rows = 24
	}
	if o.Cols == 0 {
		o.Cols = 80
	}
	if o.Clock == nil {
		o.Clock = realclock.New()
	}
	return o
}

// child is the part of a Process the waiter goroutine and the cleanup
// safety net may hold on to. It must never point back at the Process.
type child struct {
	cmd    *exec.Cmd
	master *os.File
	done   chan struct{}
	state  *os.ProcessState
	logger *slog.Logger
}

func (c *child) wait() {
	_ = c.cmd.Wait()
	c.state = c.cmd.ProcessState
	close(c.done)
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// abandon runs when a Process is garbage collected without being closed.
func (c *child) abandon() {
	if !c.exited() {
		c.logger.Warn("process was never closed, killing it")
		_ = c.cmd.Process.Kill()
	}
	_ = c.master.Close()
}

// Process is a child running on the slave side of a pty. Reads and writes
// go to the master. All methods are safe for concurrent use.
//
// Close the Process when done with it, usually with defer. A Process that
// becomes unreachable without being closed has its child killed by a
// runtime cleanup, but when that happens is up to the garbage collector.
type Process struct {
	c           *child
	clock       ports.Clock
	killTimeout time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	terminated bool
	cleanup    runtime.Cleanup
}

// Spawn starts argv[0] with arguments argv[1:] on a new pty.
func Spawn(argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyProgram
	}
	return SpawnCommand(exec.Command(argv[0], argv[1:]...), opts)
}

// SpawnCommand starts cmd on a new pty. The pty becomes the child's stdin,
// stdout, stderr and controlling terminal, in a new session. TERM and
// opts.Env are appended to cmd.Env, or to the current environment when
// cmd.Env is nil.
func SpawnCommand(cmd *exec.Cmd, opts Options) (*Process, error) {
	opts = opts.withDefaults()
	logger := slog.Default().With(slog.String("program", cmd.Path))

	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open pty: %w", ErrSpawn, err)
	}
	// the child gets its own copy of the slave
	defer tty.Close()

	if err := pty.Setsize(master, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols}); err != nil {
		master.Close()
		return nil, fmt.Errorf("%w: set window size: %w", ErrSpawn, err)
	}
	if opts.EchoOff {
		if err := disableEcho(tty); err != nil {
			master.Close()
			return nil, fmt.Errorf("%w: disable echo: %w", ErrSpawn, err)
		}
	}

	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM="+opts.Term)
	cmd.Env = append(cmd.Env, opts.Env...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true

	if err := cmd.Start(); err != nil {
		master.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Path, err)
	}

	logger = logger.With(slog.Int("pid", cmd.Process.Pid))
	logger.Debug("spawned process", slog.Any("args", cmd.Args))

	c := &child{
		cmd:    cmd,
		master: master,
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.wait()

	p := &Process{
		c:           c,
		clock:       opts.Clock,
		killTimeout: opts.KillTimeout,
		logger:      logger,
	}
	p.cleanup = runtime.AddCleanup(p, (*child).abandon, c)
	return p, nil
}

// File returns the pty master.
func (p *Process) File() *os.File {
	return p.c.master
}

// Reader returns a reader over the master that does not keep the Process
// reachable. Like Read, it reports the end of the child's output as io.EOF.
func (p *Process) Reader() io.Reader {
	return masterReader{p.c.master}
}

func (p *Process) Read(b []byte) (int, error) {
	return masterReader{p.c.master}.Read(b)
}

func (p *Process) Write(b []byte) (int, error) {
	return p.c.master.Write(b)
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.c.cmd.Process.Pid
}

// Kill sends sig to the child without waiting.
func (p *Process) Kill(sig os.Signal) error {
	p.logger.Debug("signalling process", slog.String("signal", sig.String()))
	if err := p.c.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}

// WaitForExit waits up to timeout for the child to exit and returns its
// state. It returns ErrTimedOut if the child is still running.
func (p *Process) WaitForExit(timeout time.Duration) (*os.ProcessState, error) {
	if p.c.exited() {
		return p.c.state, nil
	}
	select {
	case <-p.c.done:
		return p.c.state, nil
	case <-p.clock.After(timeout):
		return nil, ErrTimedOut
	}
}

// Exited reports whether the child has exited and been reaped.
func (p *Process) Exited() bool {
	return p.c.exited()
}

// ExitStatus returns the exit code of a child that has exited, or 128 plus
// the signal number if a signal killed it. ok is false while it runs.
func (p *Process) ExitStatus() (code int, ok bool) {
	if !p.c.exited() {
		return 0, false
	}
	if ws, isWait := p.c.state.Sys().(syscall.WaitStatus); isWait && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	return p.c.state.ExitCode(), true
}

// Resize changes the terminal size seen by the child.
func (p *Process) Resize(rows, cols uint16) error {
	return pty.Setsize(p.c.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Terminate stops the child and closes the master. It sends SIGTERM and
// waits up to timeout for the child to exit; if it is still alive it sends
// SIGKILL and blocks until the child is reaped. Calling Terminate again
// returns the same state and a nil error.
func (p *Process) Terminate(timeout time.Duration) (*os.ProcessState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return p.c.state, nil
	}
	p.terminated = true
	p.cleanup.Stop()

	var errs []error
	if !p.c.exited() {
		if err := p.Kill(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("SIGTERM failed", slog.String("error", err.Error()))
		}
		if _, err := p.WaitForExit(timeout); err != nil {
			p.logger.Warn("killing process",
				slog.Duration("grace", timeout),
				slog.String("reason", ErrKillTimeout.Error()),
			)
			if err := p.c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("kill: %w", err))
			}
			<-p.c.done
		}
	}

	if err := p.c.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}

	code, _ := p.ExitStatus()
	p.logger.Debug("process terminated", slog.Int("status", code))
	return p.c.state, errors.Join(errs...)
}

// Close terminates the child with the configured kill timeout.
func (p *Process) Close() error {
	_, err := p.Terminate(p.killTimeout)
	return err
}

// masterReader turns the EIO that Linux returns once the slave side is
// gone into io.EOF.
type masterReader struct {
	f *os.File
}

func (r masterReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}
