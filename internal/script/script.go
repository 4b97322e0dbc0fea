// Package script provides expect scripts: a command to spawn and the
// steps that drive it, loaded from YAML.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/acolita/ptyexpect/internal/ports"
	"github.com/acolita/ptyexpect/internal/reader"
	"github.com/acolita/ptyexpect/internal/session"
)

// ErrInvalidScript is returned by Validate for malformed scripts.
var ErrInvalidScript = errors.New("invalid script")

// SecretRef names a secret in the OS keyring.
type SecretRef struct {
	Service string `yaml:"service"`
	User    string `yaml:"user"`
}

// Step is a single script step: wait for at most one expectation, then
// perform at most one action.
type Step struct {
	// Name is a human-readable identifier used in results and logs.
	Name string `yaml:"name"`

	// Expectations.
	Expect string `yaml:"expect"`
	Regex  string `yaml:"regex"`
	EOF    bool   `yaml:"eof"`
	Prompt bool   `yaml:"prompt"`

	// Actions.
	Send     *string       `yaml:"send"`
	SendLine *string       `yaml:"send_line"`
	Control  string        `yaml:"control"`
	Secret   *SecretRef    `yaml:"secret"`
	Sleep    time.Duration `yaml:"sleep"`

	// Timeout overrides the script timeout for this step's expectation.
	Timeout time.Duration `yaml:"timeout"`

	// Optional means a timed out expectation skips the step instead of
	// failing the script.
	Optional bool `yaml:"optional"`

	re *regexp.Regexp
}

// Script is a complete expect script.
type Script struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Command     string        `yaml:"command"`
	Server      string        `yaml:"server"` // configured SSH server to run on instead of spawning locally
	Prompt      string        `yaml:"prompt"`
	Timeout     time.Duration `yaml:"timeout"`
	KillTimeout time.Duration `yaml:"kill_timeout"`
	Steps       []Step        `yaml:"steps"`

	// Path is the file the script was loaded from.
	Path string `yaml:"-"`

	promptRE *regexp.Regexp
}

// Load reads and validates the script at path.
func Load(fs ports.FileSystem, path string) (*Script, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}

	s.Path = path
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// LoadGlob loads every script matching pattern, which may use "**".
// Scripts are returned in path order.
func LoadGlob(fs ports.FileSystem, pattern string) ([]*Script, error) {
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(paths)

	scripts := make([]*Script, 0, len(paths))
	for _, path := range paths {
		s, err := Load(fs, path)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Validate checks the script and compiles its patterns.
func (s *Script) Validate() error {
	if strings.TrimSpace(s.Command) == "" && s.Server == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidScript)
	}
	if s.Timeout < 0 || s.KillTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidScript)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidScript)
	}

	prompt := s.Prompt
	if prompt == "" {
		prompt = session.DefaultPrompt
	}
	re, err := regexp.Compile(prompt)
	if err != nil {
		return fmt.Errorf("%w: prompt: %w", ErrInvalidScript, err)
	}
	s.promptRE = re

	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return fmt.Errorf("%w: step %d (%s): %w", ErrInvalidScript, i+1, s.Steps[i].label(i), err)
		}
	}
	return nil
}

func (st *Step) validate() error {
	expectations := count(st.Expect != "", st.Regex != "", st.EOF, st.Prompt)
	actions := count(st.Send != nil, st.SendLine != nil, st.Control != "", st.Secret != nil, st.Sleep != 0)
	switch {
	case expectations > 1:
		return errors.New("more than one expectation")
	case actions > 1:
		return errors.New("more than one action")
	case expectations+actions == 0:
		return errors.New("neither an expectation nor an action")
	case st.Timeout < 0:
		return errors.New("negative timeout")
	case st.Sleep < 0:
		return errors.New("negative sleep")
	case st.Control != "" && utf8.RuneCountInString(st.Control) != 1:
		return fmt.Errorf("control must be a single character, got %q", st.Control)
	case st.Secret != nil && (st.Secret.Service == "" || st.Secret.User == ""):
		return errors.New("secret needs a service and a user")
	}

	if st.Regex != "" {
		re, err := regexp.Compile(st.Regex)
		if err != nil {
			return err
		}
		st.re = re
	}
	return nil
}

// needle returns what the step waits for, or nil for action-only steps.
func (st *Step) needle(prompt *regexp.Regexp) reader.Needle {
	switch {
	case st.Expect != "":
		return reader.String(st.Expect)
	case st.re != nil:
		return reader.Regex(st.re)
	case st.EOF:
		return reader.EOF()
	case st.Prompt:
		return reader.Regex(prompt)
	}
	return nil
}

func (st *Step) label(i int) string {
	if st.Name != "" {
		return st.Name
	}
	return fmt.Sprintf("step %d", i+1)
}

func count(conds ...bool) int {
	n := 0
	for _, c := range conds {
		if c {
			n++
		}
	}
	return n
}
