package session

// controlCode maps a character to the byte a terminal sends for Ctrl+c.
func controlCode(c rune) (byte, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return byte(c-'a') + 1, true
	case c >= 'A' && c <= 'Z':
		return byte(c-'A') + 1, true
	}
	switch c {
	case '[':
		return 27, true
	case '\\':
		return 28, true
	case ']':
		return 29, true
	case '^':
		return 30, true
	case '_':
		return 31, true
	}
	return 0, false
}
