package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/ptyexpect/internal/adapters/realclock"
	"github.com/acolita/ptyexpect/internal/logging"
	"github.com/acolita/ptyexpect/internal/ports"
	"github.com/acolita/ptyexpect/internal/pty"
	"github.com/acolita/ptyexpect/internal/reader"
	"github.com/acolita/ptyexpect/internal/session"
	"github.com/acolita/ptyexpect/internal/sshstream"
)

// ErrNoKeyring is returned for secret steps when the runner has no keyring.
var ErrNoKeyring = errors.New("no keyring configured")

// Target is the session a script drives.
type Target interface {
	Send(s string) (int, error)
	SendMasked(s string) (int, error)
	SendControl(c rune) error
	Expect(needle reader.Needle, timeout time.Duration) (before, match string, err error)
	Timeout() time.Duration
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Before   string // output preceding the match
	Match    string
	Skipped  bool // optional step whose expectation timed out
	Err      error
	Duration time.Duration
}

// Result is the outcome of a script run. Steps holds one entry per step
// that was started.
type Result struct {
	Script   string
	Steps    []StepResult
	Err      error
	Duration time.Duration

	// ExitCode is set by Exec once the spawned process has been reaped, and
	// by ExecSSH when the script ends at EOF.
	ExitCode int
	Exited   bool
}

// Passed reports whether every step succeeded or was skipped.
func (r *Result) Passed() bool {
	return r.Err == nil
}

// Runner executes scripts.
type Runner struct {
	keyring ports.Keyring
	clock   ports.Clock
	logger  *slog.Logger
}

// NewRunner creates a runner. keyring may be nil when no script uses
// secrets; clock defaults to the real clock.
func NewRunner(keyring ports.Keyring, clock ports.Clock) *Runner {
	if clock == nil {
		clock = realclock.New()
	}
	return &Runner{
		keyring: keyring,
		clock:   clock,
		logger:  slog.Default(),
	}
}

// Run drives t through the steps of s. It stops at the first failing step
// or when ctx is done. Expectations are bounded by their timeouts, not by
// ctx.
func (r *Runner) Run(ctx context.Context, s *Script, t Target) *Result {
	start := r.clock.Now()
	res := &Result{Script: s.Name}
	defer func() {
		res.Duration = r.clock.Now().Sub(start)
	}()

	if s.promptRE == nil {
		if err := s.Validate(); err != nil {
			res.Err = err
			return res
		}
	}

	for i := range s.Steps {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		st := &s.Steps[i]
		sr := r.runStep(ctx, s, st, t)
		sr.Name = st.label(i)
		res.Steps = append(res.Steps, sr)

		if sr.Err != nil {
			r.logger.Debug("script step failed",
				slog.String("script", s.Name),
				slog.String("step", sr.Name),
				slog.String("error", sr.Err.Error()),
			)
			res.Err = fmt.Errorf("%s: %w", sr.Name, sr.Err)
			return res
		}
		r.logger.Debug("script step done",
			slog.String("script", s.Name),
			slog.String("step", sr.Name),
			slog.Bool("skipped", sr.Skipped),
			slog.String("match", logging.Truncate(reader.Escape(sr.Match), 200)),
		)
	}
	return res
}

func (r *Runner) runStep(ctx context.Context, s *Script, st *Step, t Target) (sr StepResult) {
	start := r.clock.Now()
	defer func() {
		sr.Duration = r.clock.Now().Sub(start)
	}()

	if needle := st.needle(s.promptRE); needle != nil {
		timeout := st.Timeout
		if timeout <= 0 {
			timeout = t.Timeout()
		}
		before, match, err := t.Expect(needle, timeout)
		if err != nil {
			if st.Optional && errors.Is(err, reader.ErrTimeout) {
				sr.Skipped = true
				return sr
			}
			sr.Err = err
			return sr
		}
		sr.Before, sr.Match = before, match
	}

	sr.Err = r.act(ctx, st, t)
	return sr
}

func (r *Runner) act(ctx context.Context, st *Step, t Target) error {
	var err error
	switch {
	case st.Send != nil:
		_, err = t.Send(*st.Send)
	case st.SendLine != nil:
		_, err = t.Send(*st.SendLine + "\n")
	case st.Control != "":
		err = t.SendControl([]rune(st.Control)[0])
	case st.Secret != nil:
		err = r.sendSecret(st.Secret, t)
	case st.Sleep > 0:
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-r.clock.After(st.Sleep):
		}
	}
	return err
}

func (r *Runner) sendSecret(ref *SecretRef, t Target) error {
	if r.keyring == nil {
		return ErrNoKeyring
	}
	secret, err := r.keyring.Get(ref.Service, ref.User)
	if err != nil {
		return err
	}
	if _, err := t.SendMasked(secret); err != nil {
		return err
	}
	_, err = t.Send("\n")
	return err
}

// Exec spawns the script's command with opts, runs the script against it
// and closes the session. The script's timeouts override those in opts.
func (r *Runner) Exec(ctx context.Context, s *Script, opts session.SpawnOptions) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Timeout > 0 {
		opts.Timeout = s.Timeout
	}
	if s.KillTimeout > 0 {
		opts.KillTimeout = s.KillTimeout
	}

	sess, err := session.Spawn(s.Command, opts)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("running script",
		slog.String("script", s.Name),
		slog.String("command", s.Command),
		slog.Int("pid", sess.Process().Pid()),
	)

	res := r.Run(ctx, s, sess)
	if res.Err == nil && endsAtEOF(s) {
		// the pty can report EOF while the child is still exiting; reap it
		// before Close would SIGTERM it
		if _, err := sess.Process().WaitForExit(exitGrace(opts)); err != nil {
			r.logger.Debug("child still running after EOF",
				slog.String("script", s.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := sess.Close(); err != nil {
		r.logger.Warn("closing script session", slog.String("script", s.Name), slog.String("error", err.Error()))
		if res.Err == nil {
			res.Err = err
		}
	}
	res.ExitCode, res.Exited = sess.Process().ExitStatus()
	return res, nil
}

// ExecSSH runs the script against s.Command, or the login shell when it is
// empty, on the server described by dial. opts supplies the expect timeout
// and recording settings.
func (r *Runner) ExecSSH(ctx context.Context, s *Script, dial sshstream.Options, opts session.SpawnOptions) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Timeout > 0 {
		opts.Timeout = s.Timeout
	}
	dial.Command = s.Command

	stream, err := sshstream.Dial(ctx, dial)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	sopts := session.Options{Timeout: opts.Timeout, Clock: opts.Clock}
	if opts.RecordDir != "" {
		rec, err := session.NewRecorder(s.Name+"@"+dial.Host, opts)
		if err != nil {
			return nil, err
		}
		sopts.Recorder = rec
	}
	sess := session.New(stream, stream, sopts)
	r.logger.Debug("running script over ssh",
		slog.String("script", s.Name),
		slog.String("host", dial.Host),
		slog.String("command", s.Command),
	)

	res := r.Run(ctx, s, sess)
	if res.Err == nil && endsAtEOF(s) {
		// the remote side is done, so its exit status is on its way
		res.Exited = true
		var exitErr *ssh.ExitError
		if err := stream.Wait(); errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else if err != nil {
			res.Exited = false
		}
	}
	if err := sess.Close(); err != nil && res.Err == nil {
		res.Err = err
	}
	return res, nil
}

// exitGrace is how long Exec waits for a child that closed its output to
// exit on its own.
func exitGrace(opts session.SpawnOptions) time.Duration {
	switch {
	case opts.KillTimeout > 0:
		return opts.KillTimeout
	case opts.Timeout > 0:
		return opts.Timeout
	}
	return pty.DefaultKillTimeout
}

func endsAtEOF(s *Script) bool {
	return len(s.Steps) > 0 && s.Steps[len(s.Steps)-1].EOF
}
