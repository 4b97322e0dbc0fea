// Package tokenize splits a shell-style command line into an argument vector.
package tokenize

import (
	"strings"
	"unicode"
)

// Split turns e.g. "prog arg1 'two words'" into ["prog", "arg1", "'two words'"].
//
// Whitespace outside quotes separates tokens. Single and double quotes group
// text into the current token and are kept in the token as written; callers
// that need them stripped do so themselves. Text next to a quoted span
// belongs to the same token, so --opt='a b' is one argument. An unterminated
// quote swallows the rest of the input into the current token. Backslashes
// are not special.
func Split(cmd string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
		quote   rune
	)

	for _, r := range cmd {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			cur.WriteRune(r)
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
