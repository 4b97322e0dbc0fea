package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/ptyexpect/internal/reader"
	"github.com/acolita/ptyexpect/internal/testing/fakes/fakeclock"
	"github.com/acolita/ptyexpect/internal/testing/fakes/fakestream"
)

func newTestSession(t *testing.T, opts Options, chunks ...string) (*Session, *fakestream.Stream) {
	t.Helper()
	stream := fakestream.New().Push(chunks...)
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	s := New(stream, stream, opts)
	t.Cleanup(func() {
		s.Close()
		stream.Close()
	})
	return s, stream
}

// fakeRecorder collects a transcript in memory.
type fakeRecorder struct {
	mu     sync.Mutex
	output strings.Builder
	input  []string
	closed bool
}

func (r *fakeRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Write(p)
	return len(p), nil
}

func (r *fakeRecorder) RecordInput(data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input = append(r.input, data)
	return nil
}

func (r *fakeRecorder) RecordMaskedInput(length int) error {
	return r.RecordInput(strings.Repeat("*", length))
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestNew_DefaultTimeout(t *testing.T) {
	stream := fakestream.New()
	s := New(stream, stream, Options{})
	defer s.Close()

	if s.Timeout() != DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", s.Timeout(), DefaultTimeout)
	}
	s.SetTimeout(5 * time.Second)
	if s.Timeout() != 5*time.Second {
		t.Errorf("SetTimeout did not apply: %v", s.Timeout())
	}
	s.SetTimeout(0)
	if s.Timeout() != 5*time.Second {
		t.Errorf("SetTimeout(0) should be ignored, got %v", s.Timeout())
	}
}

func TestSend_WritesUnbuffered(t *testing.T) {
	s, stream := newTestSession(t, Options{})

	if n, err := s.Send("ls"); err != nil || n != 2 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if stream.Written() != "ls" {
		t.Errorf("written %q before any flush", stream.Written())
	}
	if _, err := s.SendLine(" -l"); err != nil {
		t.Fatal(err)
	}
	if stream.Written() != "ls -l\n" {
		t.Errorf("written %q", stream.Written())
	}
}

func TestSend_WriteError(t *testing.T) {
	s, stream := newTestSession(t, Options{})
	stream.Close()

	if _, err := s.Send("x"); err == nil {
		t.Fatal("expected error writing to a closed stream")
	}
}

func TestSendControl(t *testing.T) {
	tests := []struct {
		c    rune
		want byte
	}{
		{'a', 1}, {'c', 3}, {'C', 3}, {'z', 26}, {'Z', 26},
		{'[', 27}, {'\\', 28}, {']', 29}, {'^', 30}, {'_', 31},
	}
	for _, tt := range tests {
		s, stream := newTestSession(t, Options{})
		if err := s.SendControl(tt.c); err != nil {
			t.Fatalf("SendControl(%q): %v", tt.c, err)
		}
		if got := stream.Written(); got != string([]byte{tt.want}) {
			t.Errorf("SendControl(%q) wrote %q, want %q", tt.c, got, []byte{tt.want})
		}
	}
}

func TestSendControl_Unknown(t *testing.T) {
	s, stream := newTestSession(t, Options{})

	for _, c := range []rune{'1', ' ', '@', 'é'} {
		if err := s.SendControl(c); !errors.Is(err, ErrUnknownControl) {
			t.Errorf("SendControl(%q) = %v, want ErrUnknownControl", c, err)
		}
	}
	if stream.Written() != "" {
		t.Errorf("unknown control wrote %q", stream.Written())
	}
}

func TestSendControl_DoesNotConsumeOutput(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "prompt> ")

	if err := s.SendControl('c'); err != nil {
		t.Fatal(err)
	}

	before, err := s.ExpString("> ")
	if err != nil {
		t.Fatalf("output was consumed by SendControl: %v", err)
	}
	if before != "prompt" {
		t.Errorf("before = %q", before)
	}
}

func TestExpString_ReturnsTextBefore(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "lorem ipsum dolor sit amet\r\n")

	before, err := s.ExpString("amet")
	if err != nil {
		t.Fatal(err)
	}
	if before != "lorem ipsum dolor sit " {
		t.Errorf("before = %q", before)
	}
}

func TestExpRegex(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "Tue Mar 15 2014 10:00\r\n")

	before, match, err := s.ExpRegex(`\d{2}:\d{2}`)
	if err != nil {
		t.Fatal(err)
	}
	if before != "Tue Mar 15 2014 " || match != "10:00" {
		t.Errorf("before=%q match=%q", before, match)
	}
}

func TestExpRegex_Invalid(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "anything")

	if _, _, err := s.ExpRegex(`(unclosed`); !errors.Is(err, ErrInvalidRegex) {
		t.Fatalf("expected ErrInvalidRegex, got %v", err)
	}
	if _, err := s.ExpString("anything"); err != nil {
		t.Errorf("output lost after a bad pattern: %v", err)
	}
}

func TestExpEOF(t *testing.T) {
	s, stream := newTestSession(t, Options{}, "bye\r\n")
	stream.CloseWrite()

	rest, err := s.ExpEOF()
	if err != nil || rest != "bye\r\n" {
		t.Errorf("ExpEOF = %q, %v", rest, err)
	}
}

func TestExpNBytes(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "abcdef")

	got, err := s.ExpNBytes(4)
	if err != nil || got != "abcd" {
		t.Errorf("ExpNBytes(4) = %q, %v", got, err)
	}

	if _, err := s.ExpNBytes(-1); !errors.Is(err, reader.ErrInvalidNeedle) {
		t.Errorf("ExpNBytes(-1) error = %v, want ErrInvalidNeedle", err)
	}
	if got, err := s.ExpNBytes(2); err != nil || got != "ef" {
		t.Errorf("ExpNBytes(2) after rejected call = %q, %v", got, err)
	}
}

func TestExpAny(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "Hi\r\n")

	before, match, err := s.ExpAny(reader.NBytes(3), reader.String("Hi"))
	if err != nil {
		t.Fatal(err)
	}
	if before != "" || match != "Hi" {
		t.Errorf("before=%q match=%q", before, match)
	}
}

func TestExpect_TimeoutUsesDefault(t *testing.T) {
	clk := fakeclock.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s, _ := newTestSession(t, Options{Timeout: 10 * time.Second, Clock: clk}, "nothing useful")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ExpString("never")
		errCh <- err
	}()
	clk.BlockUntilWaiters(1)
	clk.Advance(10 * time.Second)

	select {
	case err := <-errCh:
		var timeoutErr *reader.TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("expected *reader.TimeoutError, got %v", err)
		}
		if timeoutErr.Timeout != 10*time.Second {
			t.Errorf("Timeout = %v", timeoutErr.Timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ExpString did not time out")
	}
}

func TestReadLine_StripsLineEnding(t *testing.T) {
	s, _ := newTestSession(t, Options{}, "hans\r\n", "unix\n", "bare\r\r\n")

	for _, want := range []string{"hans", "unix", "bare\r"} {
		got, err := s.ReadLine()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ReadLine() = %q, want %q", got, want)
		}
	}
}

func TestFlushAndTryRead(t *testing.T) {
	s, stream := newTestSession(t, Options{}, "stale")

	if _, err := s.ExpNBytes(1); err != nil {
		t.Fatal(err)
	}
	if dropped := s.Flush(); dropped != "tale" {
		t.Errorf("Flush() = %q", dropped)
	}
	if _, ok := s.TryRead(); ok {
		t.Error("TryRead after Flush should find nothing")
	}

	stream.Push("x")
	if _, err := s.ExpNBytes(1); err != nil {
		t.Fatal(err)
	}
}

func TestRecorder_SeesInputAndOutput(t *testing.T) {
	rec := &fakeRecorder{}
	s, stream := newTestSession(t, Options{Recorder: rec}, "login: ")

	if _, err := s.ExpString("login: "); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendLine("root"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendMasked("hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendControl('d'); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.output.String() != "login: " {
		t.Errorf("recorded output %q", rec.output.String())
	}
	want := []string{"root\n", "*******", "\x04"}
	if strings.Join(rec.input, "|") != strings.Join(want, "|") {
		t.Errorf("recorded input %q, want %q", rec.input, want)
	}
	if !rec.closed {
		t.Error("Close should close the recorder")
	}
	if stream.Written() != "root\nhunter2\x04" {
		t.Errorf("written %q", stream.Written())
	}
}
