// Package reader turns a blocking byte stream into bounded "wait until X
// appears" operations.
//
// A Reader starts one goroutine that does blocking reads on the stream and
// hands every chunk over a single-slot channel. Matching, buffering and
// timeouts all happen on the caller's goroutine in ReadUntil, so a silent or
// dead peer can never block a caller past its timeout.
package reader

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/ptyexpect/internal/adapters/realclock"
	"github.com/acolita/ptyexpect/internal/logging"
	"github.com/acolita/ptyexpect/internal/ports"
)

const (
	defaultChunkSize = 4096
	logBufferMax     = 200
)

// chunk is one hand-off from the pump goroutine. A nil data with a non-nil
// err is the last chunk ever sent.
type chunk struct {
	data []byte
	err  error
}

// Reader buffers a stream and matches needles against it.
//
// A Reader is not safe for concurrent use; the pump goroutine never touches
// the buffer.
type Reader struct {
	ch        chan chunk
	done      chan struct{}
	closeOnce sync.Once
	clock     ports.Clock
	logger    *slog.Logger

	buf    []byte
	eof    bool
	err    error
	closed bool
}

// Option configures a Reader.
type Option func(*config)

type config struct {
	clock     ports.Clock
	tee       io.Writer
	chunkSize int
	logger    *slog.Logger
}

// WithClock sets the clock used for timeouts.
func WithClock(c ports.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithTee copies every chunk read from the stream to w, from the pump
// goroutine, before it is handed to the consumer. Write errors are ignored.
func WithTee(w io.Writer) Option {
	return func(cfg *config) { cfg.tee = w }
}

// WithChunkSize sets the size of each blocking read.
func WithChunkSize(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.chunkSize = n
		}
	}
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// New starts reading src in the background.
func New(src io.Reader, opts ...Option) *Reader {
	cfg := config{chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = realclock.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	r := &Reader{
		ch:     make(chan chunk, 1),
		done:   make(chan struct{}),
		clock:  cfg.clock,
		logger: cfg.logger,
		buf:    make([]byte, 0, 1024),
	}
	go r.pump(src, cfg.chunkSize, cfg.tee)
	return r
}

// pump owns src. It exits after forwarding the first read error (io.EOF
// included) or once the Reader is closed.
func (r *Reader) pump(src io.Reader, size int, tee io.Writer) {
	defer close(r.ch)

	buf := make([]byte, size)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if tee != nil {
				_, _ = tee.Write(data)
			}
			if !r.forward(chunk{data: data}) {
				return
			}
		}
		if err != nil {
			r.forward(chunk{err: err})
			return
		}
	}
}

func (r *Reader) forward(c chunk) bool {
	select {
	case r.ch <- c:
		return true
	case <-r.done:
		return false
	}
}

// absorb folds one received chunk into the buffer. ok is false when the
// channel was closed.
func (r *Reader) absorb(c chunk, ok bool) {
	switch {
	case !ok:
		if !r.eof && r.err == nil {
			r.err = ErrClosed
		}
	case c.err == nil:
		r.buf = append(r.buf, c.data...)
	case errors.Is(c.err, io.EOF):
		r.eof = true
	default:
		r.err = c.err
	}
}

// drainReady absorbs chunks that are already waiting, without blocking.
func (r *Reader) drainReady() {
	for !r.eof && r.err == nil {
		select {
		case c, ok := <-r.ch:
			r.absorb(c, ok)
		default:
			return
		}
	}
}

// ReadUntil blocks until needle matches, the stream ends, or timeout elapses.
//
// The already buffered bytes are tried first. On a match, before is the text
// preceding the match (always empty for NBytes and EOF) and match is the
// matched text; both are removed from the buffer and anything after the
// match stays buffered. The timeout covers the whole call, however many
// chunks arrive. A timeout <= 0 only looks at data that has already arrived.
// On any error the buffer is left untouched.
func (r *Reader) ReadUntil(needle Needle, timeout time.Duration) (before, match string, err error) {
	if r.closed {
		return "", "", &IOError{Err: ErrClosed}
	}
	if err := validate(needle); err != nil {
		return "", "", err
	}

	deadline := r.clock.After(timeout)
	for {
		if start, end, ok := needle.find(r.buf, r.eof); ok {
			return r.consume(needle, start, end)
		}
		if r.eof {
			r.logger.Debug("expect hit end of stream",
				slog.String("needle", needle.String()),
				slog.String("buffered", logging.Truncate(Escape(string(r.buf)), logBufferMax)),
			)
			return "", "", &EOFError{Expected: needle.String(), Got: Escape(string(r.buf))}
		}
		if r.err != nil {
			return "", "", &IOError{Err: r.err}
		}

		select {
		case c, ok := <-r.ch:
			r.absorb(c, ok)
		case <-deadline:
			r.drainReady()
			if start, end, ok := needle.find(r.buf, r.eof); ok {
				return r.consume(needle, start, end)
			}
			r.logger.Debug("expect timed out",
				slog.String("needle", needle.String()),
				slog.Duration("timeout", timeout),
				slog.String("buffered", logging.Truncate(Escape(string(r.buf)), logBufferMax)),
			)
			return "", "", &TimeoutError{Expected: needle.String(), Got: Escape(string(r.buf)), Timeout: timeout}
		}
	}
}

func (r *Reader) consume(needle Needle, start, end int) (string, string, error) {
	before := string(r.buf[:start])
	match := string(r.buf[start:end])
	r.buf = append(r.buf[:0], r.buf[end:]...)

	r.logger.Debug("expect matched",
		slog.String("needle", needle.String()),
		slog.String("match", logging.Truncate(Escape(match), logBufferMax)),
		slog.Int("remaining", len(r.buf)),
	)
	return before, match, nil
}

// ReadLine reads up to and including the next "\n".
func (r *Reader) ReadLine(timeout time.Duration) (string, error) {
	before, match, err := r.ReadUntil(String("\n"), timeout)
	return before + match, err
}

// Flush discards everything buffered, including chunks that have been read
// but not yet picked up, and returns what was dropped.
func (r *Reader) Flush() string {
	r.drainReady()
	dropped := string(r.buf)
	r.buf = r.buf[:0]
	return dropped
}

// TryRead returns the next byte if one has already arrived. It never blocks.
func (r *Reader) TryRead() (byte, bool) {
	r.drainReady()
	if len(r.buf) == 0 {
		return 0, false
	}
	c := r.buf[0]
	r.buf = append(r.buf[:0], r.buf[1:]...)
	return c, true
}

// Buffered returns a copy of what has been read but not consumed yet.
func (r *Reader) Buffered() string {
	return string(r.buf)
}

// EOF reports whether the end of stream has been observed.
func (r *Reader) EOF() bool {
	return r.eof
}

// Close stops handing chunks to this Reader. The pump goroutine exits once
// its pending read returns, which for a pty means once the master is closed.
func (r *Reader) Close() {
	r.closed = true
	r.closeOnce.Do(func() { close(r.done) })
}
