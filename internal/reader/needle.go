package reader

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Needle is what ReadUntil waits for. Use String, Regex, NBytes, EOF or Any
// to build one.
type Needle interface {
	fmt.Stringer

	// find reports the span of the first match in buf. eof is true once the
	// stream has reported closure and buf will not grow any more.
	find(buf []byte, eof bool) (start, end int, ok bool)
}

type stringNeedle string

// String matches the first byte-exact occurrence of s.
func String(s string) Needle {
	return stringNeedle(s)
}

func (n stringNeedle) find(buf []byte, _ bool) (int, int, bool) {
	i := bytes.Index(buf, []byte(n))
	if i < 0 {
		return 0, 0, false
	}
	return i, i + len(n), true
}

func (n stringNeedle) String() string {
	return fmt.Sprintf("%q", string(n))
}

type regexNeedle struct {
	re *regexp.Regexp
}

// Regex matches the leftmost match of re. Note that "^" anchors to the start
// of the not yet consumed output, not to the start of a line.
func Regex(re *regexp.Regexp) Needle {
	return regexNeedle{re: re}
}

func (n regexNeedle) find(buf []byte, _ bool) (int, int, bool) {
	loc := n.re.FindIndex(buf)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

func (n regexNeedle) String() string {
	return "regex " + n.re.String()
}

type nbytesNeedle int

// NBytes matches as soon as n bytes are buffered. Once the stream has ended
// it matches whatever is left, as long as that is at least one byte. A
// negative n is rejected by ReadUntil with ErrInvalidNeedle.
func NBytes(n int) Needle {
	return nbytesNeedle(n)
}

func (n nbytesNeedle) find(buf []byte, eof bool) (int, int, bool) {
	switch {
	case len(buf) >= int(n):
		return 0, int(n), true
	case eof && len(buf) > 0:
		return 0, len(buf), true
	}
	return 0, 0, false
}

func (n nbytesNeedle) String() string {
	return fmt.Sprintf("%d bytes", int(n))
}

type eofNeedle struct{}

// EOF matches only once the stream is closed, and then matches everything
// still buffered.
func EOF() Needle {
	return eofNeedle{}
}

func (eofNeedle) find(buf []byte, eof bool) (int, int, bool) {
	if !eof {
		return 0, 0, false
	}
	return 0, len(buf), true
}

func (eofNeedle) String() string {
	return "EOF"
}

type anyNeedle []Needle

// Any matches whichever of needles completes earliest in the buffer. On a
// tie the needle listed first wins.
func Any(needles ...Needle) Needle {
	return anyNeedle(needles)
}

func (a anyNeedle) find(buf []byte, eof bool) (int, int, bool) {
	bestStart, bestEnd, found := 0, 0, false
	for _, n := range a {
		start, end, ok := n.find(buf, eof)
		if ok && (!found || end < bestEnd) {
			bestStart, bestEnd, found = start, end, true
		}
	}
	return bestStart, bestEnd, found
}

func (a anyNeedle) String() string {
	parts := make([]string, len(a))
	for i, n := range a {
		parts[i] = n.String()
	}
	return "any of [" + strings.Join(parts, ", ") + "]"
}

// validate rejects needles whose find could report an impossible span.
func validate(n Needle) error {
	switch n := n.(type) {
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidNeedle)
	case nbytesNeedle:
		if n < 0 {
			return fmt.Errorf("%w: negative byte count %d", ErrInvalidNeedle, int(n))
		}
	case anyNeedle:
		for _, sub := range n {
			if err := validate(sub); err != nil {
				return err
			}
		}
	}
	return nil
}
