package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/acolita/ptyexpect/internal/adapters/realfs"
	"github.com/acolita/ptyexpect/internal/reader"
)

// DefaultPrompt matches the end of a typical shell prompt.
const DefaultPrompt = `[$#>] $`

const (
	bashPrompt     = "[PEXPECT_PROMPT>"
	bashInitPrompt = "~~~~"
	pythonPrompt   = ">>> "
)

// bashrc loads the usual startup files and then sets a prompt that output
// is unlikely to contain.
const bashrc = `include () { [[ -f "$1" ]] && source "$1"; }
include /etc/bash.bashrc
include ~/.bashrc
PS1="` + bashInitPrompt + `"
unset PROMPT_COMMAND
bind 'set enable-bracketed-paste off' 2>/dev/null
`

// ReplOptions configures a ReplSession.
type ReplOptions struct {
	// QuitCommand is sent as a line on Close, for REPLs that ignore SIGTERM.
	QuitCommand string
	// EchoOn means the REPL echoes input back; SendLine then consumes the
	// echo before returning.
	EchoOn bool
}

// ReplSession is a PtySession with a known prompt.
type ReplSession struct {
	*PtySession
	prompt      *regexp.Regexp
	quitCommand string
	echoOn      bool
}

// NewRepl wraps ps. prompt is a regular expression matching the REPL's
// prompt; empty means DefaultPrompt.
func NewRepl(ps *PtySession, prompt string, opts ReplOptions) (*ReplSession, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	re, err := regexp.Compile(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: prompt: %w", ErrInvalidRegex, err)
	}
	return &ReplSession{
		PtySession:  ps,
		prompt:      re,
		quitCommand: opts.QuitCommand,
		echoOn:      opts.EchoOn,
	}, nil
}

// SpawnRepl starts command and wraps it in a ReplSession.
func SpawnRepl(command, prompt string, opts SpawnOptions, ropts ReplOptions) (*ReplSession, error) {
	if _, err := regexp.Compile(prompt); err != nil {
		return nil, fmt.Errorf("%w: prompt: %w", ErrInvalidRegex, err)
	}
	ps, err := Spawn(command, opts)
	if err != nil {
		return nil, err
	}
	return NewRepl(ps, prompt, ropts)
}

// Prompt returns the prompt pattern.
func (s *ReplSession) Prompt() string {
	return s.prompt.String()
}

// WaitForPrompt waits for the prompt and returns the output before it.
func (s *ReplSession) WaitForPrompt() (string, error) {
	before, _, err := s.Expect(reader.Regex(s.prompt), s.Timeout())
	return before, err
}

// SendLine sends line and, if the REPL echoes, waits for the echo.
func (s *ReplSession) SendLine(line string) (int, error) {
	n, err := s.PtySession.SendLine(line)
	if err != nil {
		return n, err
	}
	if s.echoOn {
		if _, err := s.ExpString(line); err != nil {
			return n, fmt.Errorf("wait for echo: %w", err)
		}
	}
	return n, nil
}

// Execute sends command and waits until ready, a regular expression,
// matches. Waiting for output the command itself produces keeps later input,
// such as a control character, from reaching the REPL before the command
// has started.
func (s *ReplSession) Execute(command, ready string) error {
	if _, err := s.SendLine(command); err != nil {
		return err
	}
	_, _, err := s.ExpRegex(ready)
	return err
}

// Close sends the quit command, if any, and then closes the PtySession.
func (s *ReplSession) Close() error {
	if s.quitCommand != "" {
		if _, err := s.PtySession.SendLine(s.quitCommand); err != nil {
			s.logger.Debug("quit command not sent", slog.String("error", err.Error()))
		}
	}
	return s.PtySession.Close()
}

// SpawnBash starts bash with echo off and a fixed prompt, and returns once
// that prompt is showing.
func SpawnBash(opts SpawnOptions) (*ReplSession, error) {
	fs := opts.FileSystem
	if fs == nil {
		fs = realfs.New()
	}
	dir, err := fs.MkdirTemp("", "ptyexpect-bash-")
	if err != nil {
		return nil, fmt.Errorf("create rcfile dir: %w", err)
	}
	defer fs.RemoveAll(dir)

	rcfile := filepath.Join(dir, "bashrc")
	if err := fs.WriteFile(rcfile, []byte(bashrc), 0600); err != nil {
		return nil, fmt.Errorf("write rcfile: %w", err)
	}

	opts.EchoOff = true
	ps, err := SpawnCommand(exec.Command("bash", "--rcfile", rcfile), opts)
	if err != nil {
		return nil, err
	}
	repl, err := NewRepl(ps, regexp.QuoteMeta(bashPrompt), ReplOptions{QuitCommand: "exit"})
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	if _, err := repl.ExpString(bashInitPrompt); err != nil {
		return nil, errors.Join(fmt.Errorf("wait for bash: %w", err), repl.Close())
	}
	if _, err := repl.SendLine("PS1='" + bashPrompt + "'"); err != nil {
		return nil, errors.Join(err, repl.Close())
	}
	if _, err := repl.WaitForPrompt(); err != nil {
		return nil, errors.Join(fmt.Errorf("wait for bash prompt: %w", err), repl.Close())
	}
	return repl, nil
}

// SpawnPython starts the python REPL (python3 if available).
func SpawnPython(opts SpawnOptions) (*ReplSession, error) {
	python := "python3"
	if _, err := exec.LookPath(python); err != nil {
		python = "python"
	}
	ps, err := SpawnCommand(exec.Command(python), opts)
	if err != nil {
		return nil, err
	}
	return NewRepl(ps, regexp.QuoteMeta(pythonPrompt), ReplOptions{QuitCommand: "exit()", EchoOn: true})
}
