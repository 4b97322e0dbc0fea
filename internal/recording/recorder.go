// Package recording writes session transcripts in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/acolita/ptyexpect/internal/ports"
)

// Recorder records terminal I/O in asciicast v2 format. It is safe for
// concurrent use; output usually arrives from a reader goroutine while input
// comes from the caller.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	startTime time.Time
	closed    bool
	clock     ports.Clock
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Options describes the terminal being recorded.
type Options struct {
	Title  string // usually the command line
	Term   string
	Width  int
	Height int
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewRecorder creates dir if needed and starts a new recording file in it,
// named after title and the current time.
func NewRecorder(dir string, opts Options, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	name := strings.Trim(unsafeName.ReplaceAllString(opts.Title, "_"), "_")
	if name == "" {
		name = "session"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	filename := fmt.Sprintf("%s_%s.cast", name, clock.Now().Format("20060102_150405.000"))

	file, err := fs.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{
		file:      file,
		startTime: clock.Now(),
		clock:     clock,
	}

	header := Header{
		Version:   2,
		Width:     opts.Width,
		Height:    opts.Height,
		Timestamp: r.startTime.Unix(),
		Title:     opts.Title,
	}
	if opts.Term != "" {
		header.Env = map[string]string{"TERM": opts.Term}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return r, nil
}

// Write records p as output, so a Recorder can be used as a reader tee.
// It never fails; a recording problem must not break the session.
func (r *Recorder) Write(p []byte) (int, error) {
	_ = r.RecordOutput(string(p))
	return len(p), nil
}

// RecordOutput records output data (terminal -> user).
func (r *Recorder) RecordOutput(data string) error {
	return r.record("o", data)
}

// RecordInput records input data (user -> terminal).
// Use RecordMaskedInput for secrets.
func (r *Recorder) RecordInput(data string) error {
	return r.record("i", data)
}

// RecordMaskedInput records length asterisks in place of a secret.
func (r *Recorder) RecordMaskedInput(length int) error {
	return r.record("i", strings.Repeat("*", length))
}

func (r *Recorder) record(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the recording file. Events recorded afterwards are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Path returns the path to the recording file.
func (r *Recorder) Path() string {
	return r.file.Name()
}
