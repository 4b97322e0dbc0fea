package reader

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out")
	// ErrEOF matches every *EOFError.
	ErrEOF = errors.New("end of stream")
	// ErrIO matches every *IOError.
	ErrIO = errors.New("stream read failed")
	// ErrClosed is wrapped in an *IOError when the reader was closed.
	ErrClosed = errors.New("reader closed")
	// ErrInvalidNeedle is returned for a needle that can never match, such
	// as NBytes with a negative count.
	ErrInvalidNeedle = errors.New("invalid needle")
)

// TimeoutError reports that the needle did not show up in time. Got holds
// everything buffered at that moment, escaped with Escape; it is still
// buffered and available to the next call.
type TimeoutError struct {
	Expected string
	Got      string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s: expected %s but got \"%s\"", e.Timeout, e.Expected, e.Got)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// EOFError reports that the stream ended, usually because the peer exited,
// before the needle was seen.
type EOFError struct {
	Expected string
	Got      string
}

func (e *EOFError) Error() string {
	return fmt.Sprintf("end of stream: expected %s but got \"%s\"", e.Expected, e.Got)
}

func (e *EOFError) Is(target error) bool {
	return target == ErrEOF
}

// IOError wraps a read failure other than a clean end of stream.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return "read stream: " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// Escape makes control characters visible: newline, carriage return and tab
// become \n, \r and \t, other control bytes become ^X and DEL becomes ^?.
// Expected text is most often missed because of a stray \r.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			b.WriteByte('^')
			b.WriteByte(c + 64)
		case c == 0x7f:
			b.WriteString("^?")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
