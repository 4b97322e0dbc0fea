package tokenize

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", "prog arg1 arg2", []string{"prog", "arg1", "arg2"}},
		{"flag with value", "prog -k=v", []string{"prog", "-k=v"}},
		{"single quotes kept", "prog 'my text'", []string{"prog", "'my text'"}},
		{"double quotes kept", `prog "my text"`, []string{"prog", `"my text"`}},
		{"ed prompt", "ed -p '> '", []string{"ed", "-p", "'> '"}},
		{"extra whitespace", "  cat \t -n  ", []string{"cat", "-n"}},
		{"quote inside other quote", `echo "it's"`, []string{"echo", `"it's"`}},
		{"adjacent quoted text", `a'b c'd`, []string{`a'b c'd`}},
		{"unbalanced quote takes rest", `echo 'never closed here`, []string{"echo", `'never closed here`}},
		{"backslash not special", `echo a\ b`, []string{"echo", `a\`, "b"}},
		{"empty quotes", `prog ''`, []string{"prog", "''"}},
		{"empty input", "", nil},
		{"only spaces", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
