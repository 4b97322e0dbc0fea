// Package fakestream provides a scripted duplex stream for testing readers
// and sessions without a real terminal.
package fakestream

import (
	"bytes"
	"io"
	"sync"
)

// Stream is an in-memory duplex stream. Chunks pushed with Push are returned
// by Read one chunk per call, in order; Read blocks while nothing is queued.
type Stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chunks  [][]byte
	eof     bool
	readErr error
	closed  bool
	written bytes.Buffer
	onWrite func(p []byte)
}

// New creates an empty stream.
func New() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push queues chunks for subsequent Read calls.
func (s *Stream) Push(chunks ...string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	s.cond.Broadcast()
	return s
}

// CloseWrite makes Read return io.EOF once the queued chunks are drained,
// the way a pty master does after the child exits.
func (s *Stream) CloseWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	s.cond.Broadcast()
}

// Fail makes Read return err once the queued chunks are drained.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	s.cond.Broadcast()
}

// OnWrite registers fn to be called, outside the lock, with every Write.
// Tests use it to emulate a peer that answers input.
func (s *Stream) OnWrite(fn func(p []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.chunks) == 0 && !s.eof && s.readErr == nil && !s.closed {
		s.cond.Wait()
	}
	if len(s.chunks) > 0 {
		n := copy(p, s.chunks[0])
		if n < len(s.chunks[0]) {
			s.chunks[0] = s.chunks[0][n:]
		} else {
			s.chunks = s.chunks[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, _ := s.written.Write(p)
	fn := s.onWrite
	s.mu.Unlock()

	if fn != nil {
		fn(append([]byte(nil), p...))
	}
	return n, nil
}

// Close unblocks pending reads with io.EOF and rejects further writes.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Written returns everything written so far.
func (s *Stream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// IsClosed reports whether Close was called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
