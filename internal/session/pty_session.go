package session

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/acolita/ptyexpect/internal/adapters/realclock"
	"github.com/acolita/ptyexpect/internal/adapters/realfs"
	"github.com/acolita/ptyexpect/internal/ports"
	"github.com/acolita/ptyexpect/internal/pty"
	"github.com/acolita/ptyexpect/internal/recording"
	"github.com/acolita/ptyexpect/internal/tokenize"
)

// SpawnOptions configures a PtySession.
type SpawnOptions struct {
	// Timeout is the default expect timeout (default: DefaultTimeout).
	Timeout time.Duration
	// KillTimeout is the SIGTERM grace period on Close. It defaults to
	// Timeout when that is set, else to pty.DefaultKillTimeout.
	KillTimeout time.Duration

	Term    string
	Rows    uint16
	Cols    uint16
	Dir     string
	Env     []string
	EchoOff bool

	// RecordDir enables an asciicast recording of the session in that
	// directory.
	RecordDir string

	Clock      ports.Clock
	FileSystem ports.FileSystem
}

func (o SpawnOptions) ptyOptions() pty.Options {
	kill := o.KillTimeout
	if kill <= 0 && o.Timeout > 0 {
		kill = o.Timeout
	}
	return pty.Options{
		KillTimeout: kill,
		Term:        o.Term,
		Rows:        o.Rows,
		Cols:        o.Cols,
		Dir:         o.Dir,
		Env:         o.Env,
		EchoOff:     o.EchoOff,
		Clock:       o.Clock,
	}
}

// PtySession is a Session over a child process running on a pty.
type PtySession struct {
	*Session
	proc    *pty.Process
	command string
}

// Spawn splits command into words and starts it on a pty.
func Spawn(command string, opts SpawnOptions) (*PtySession, error) {
	argv := tokenize.Split(command)
	if len(argv) == 0 {
		return nil, pty.ErrEmptyProgram
	}
	return SpawnCommand(exec.Command(argv[0], argv[1:]...), opts)
}

// SpawnCommand starts cmd on a pty.
func SpawnCommand(cmd *exec.Cmd, opts SpawnOptions) (*PtySession, error) {
	popts := opts.ptyOptions()
	command := strings.Join(cmd.Args, " ")

	var rec *recording.Recorder
	if opts.RecordDir != "" {
		var err error
		if rec, err = NewRecorder(command, opts); err != nil {
			return nil, err
		}
	}

	proc, err := pty.SpawnCommand(cmd, popts)
	if err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		return nil, err
	}

	sopts := Options{Timeout: opts.Timeout, Clock: opts.Clock}
	if rec != nil {
		sopts.Recorder = rec
	}
	return &PtySession{
		Session: New(proc.Reader(), proc, sopts),
		proc:    proc,
		command: command,
	}, nil
}

// NewRecorder starts a recording named after title in opts.RecordDir, with
// the terminal settings of opts.
func NewRecorder(title string, opts SpawnOptions) (*recording.Recorder, error) {
	fs := opts.FileSystem
	if fs == nil {
		fs = realfs.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = realclock.New()
	}
	ropts := recording.Options{Title: title, Term: opts.Term, Width: int(opts.Cols), Height: int(opts.Rows)}
	if ropts.Term == "" {
		ropts.Term = "dumb"
	}
	if ropts.Width == 0 {
		ropts.Width = 80
	}
	if ropts.Height == 0 {
		ropts.Height = 24
	}
	rec, err := recording.NewRecorder(opts.RecordDir, ropts, fs, clock)
	if err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}
	return rec, nil
}

// Process returns the child process.
func (s *PtySession) Process() *pty.Process {
	return s.proc
}

// Command returns the command line the session was started with.
func (s *PtySession) Command() string {
	return s.command
}

// Close closes the session and terminates the child.
func (s *PtySession) Close() error {
	return errors.Join(s.Session.Close(), s.proc.Close())
}
