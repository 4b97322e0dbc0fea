// Package session drives an interactive peer over a byte stream: send
// input, then wait for expected output with a bounded timeout.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/acolita/ptyexpect/internal/logging"
	"github.com/acolita/ptyexpect/internal/ports"
	"github.com/acolita/ptyexpect/internal/reader"
)

// DefaultTimeout is the expect timeout used when none is configured.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnknownControl is returned by SendControl for characters that
	// have no control code.
	ErrUnknownControl = errors.New("unknown control character")
	// ErrInvalidRegex wraps regexp compile errors.
	ErrInvalidRegex = errors.New("invalid regex")
)

// Recorder receives a transcript of the session. Output arrives through
// Write from the reader goroutine.
type Recorder interface {
	io.Writer
	RecordInput(data string) error
	RecordMaskedInput(length int) error
	Close() error
}

// Options configures a Session.
type Options struct {
	Timeout  time.Duration // default expect timeout (default: DefaultTimeout)
	Recorder Recorder      // optional; closed by Session.Close
	Clock    ports.Clock
}

// Session pairs a writer with a Reader over the peer's output. It is not
// safe for concurrent use.
type Session struct {
	w        io.Writer
	r        *reader.Reader
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// New creates a session that reads from r and writes to w. Writes are not
// buffered, so every send reaches w immediately.
func New(r io.Reader, w io.Writer, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	var ropts []reader.Option
	if opts.Clock != nil {
		ropts = append(ropts, reader.WithClock(opts.Clock))
	}
	if opts.Recorder != nil {
		ropts = append(ropts, reader.WithTee(opts.Recorder))
	}

	return &Session{
		w:        w,
		r:        reader.New(r, ropts...),
		timeout:  opts.Timeout,
		recorder: opts.Recorder,
		logger:   slog.Default(),
	}
}

// Send writes s as is.
func (s *Session) Send(str string) (int, error) {
	if s.recorder != nil {
		_ = s.recorder.RecordInput(str)
	}
	return s.write(str)
}

// SendLine writes s followed by a newline.
func (s *Session) SendLine(line string) (int, error) {
	return s.Send(line + "\n")
}

// SendMasked writes str like Send but records only asterisks.
func (s *Session) SendMasked(str string) (int, error) {
	if s.recorder != nil {
		_ = s.recorder.RecordMaskedInput(len(str))
	}
	return s.write(str)
}

// SendControl sends the control code for c: 'c' or 'C' sends ^C (0x03),
// '[' ESC, '\\' FS, ']' GS, '^' RS and '_' US. It does not read anything.
func (s *Session) SendControl(c rune) error {
	code, ok := controlCode(c)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, c)
	}
	if s.recorder != nil {
		_ = s.recorder.RecordInput(string(code))
	}
	s.logger.Debug("sending control character", slog.String("char", reader.Escape(string(code))))
	_, err := s.write(string(code))
	return err
}

func (s *Session) write(str string) (int, error) {
	s.logger.Debug("sending", slog.String("data", logging.Truncate(reader.Escape(str), 200)))
	n, err := io.WriteString(s.w, str)
	if err != nil {
		return n, fmt.Errorf("send: %w", err)
	}
	return n, nil
}

// Flush discards output that has arrived but not been consumed and
// returns it.
func (s *Session) Flush() string {
	return s.r.Flush()
}

// Expect waits up to timeout for needle and returns the text before the
// match and the match itself.
func (s *Session) Expect(needle reader.Needle, timeout time.Duration) (before, match string, err error) {
	return s.r.ReadUntil(needle, timeout)
}

// ExpString waits for str and returns the text before it.
func (s *Session) ExpString(str string) (string, error) {
	before, _, err := s.Expect(reader.String(str), s.timeout)
	return before, err
}

// ExpRegex waits for the leftmost match of pattern.
func (s *Session) ExpRegex(pattern string) (before, match string, err error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidRegex, err)
	}
	return s.Expect(reader.Regex(re), s.timeout)
}

// ExpEOF waits for the peer to close the stream and returns everything
// that was left.
func (s *Session) ExpEOF() (string, error) {
	_, rest, err := s.Expect(reader.EOF(), s.timeout)
	return rest, err
}

// ExpNBytes waits for n bytes of output.
func (s *Session) ExpNBytes(n int) (string, error) {
	_, match, err := s.Expect(reader.NBytes(n), s.timeout)
	return match, err
}

// ExpAny waits for whichever of needles matches first in the output.
func (s *Session) ExpAny(needles ...reader.Needle) (before, match string, err error) {
	return s.Expect(reader.Any(needles...), s.timeout)
}

// ReadLine returns the next line without its "\n" or "\r\n".
func (s *Session) ReadLine() (string, error) {
	line, err := s.r.ReadLine(s.timeout)
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// TryRead returns the next byte of output if it has already arrived.
func (s *Session) TryRead() (byte, bool) {
	return s.r.TryRead()
}

// Buffered returns output that has been read but not consumed.
func (s *Session) Buffered() string {
	return s.r.Buffered()
}

// SetTimeout changes the default expect timeout.
func (s *Session) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Timeout returns the default expect timeout.
func (s *Session) Timeout() time.Duration {
	return s.timeout
}

// Close stops reading and closes the recorder. It does not close the
// underlying stream.
func (s *Session) Close() error {
	s.r.Close()
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			return fmt.Errorf("close recorder: %w", err)
		}
	}
	return nil
}
