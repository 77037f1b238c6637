package core

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultNormalizer(t *testing.T) {
	n := NewDefaultNormalizer()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"crlf", "line1\r\nline2\r\n", "line1\nline2\n"},
		{"ansi colors", "\x1b[31mFAIL\x1b[0m spec.cy.js", "FAIL spec.cy.js"},
		{"cursor sequences", "\x1b[2K\x1b[1Gdone", "done"},
		{"osc title", "\x1b]0;npm install\x07added 900 packages", "added 900 packages"},
		{"progress redraw", "fetch 10%\rfetch 55%\rfetch 100%\nnext", "fetch 100%\nnext"},
		{"plain", "configure: error: libevent not found", "configure: error: libevent not found"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := string(n.Normalize([]byte(tc.input)))
			if got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestDefaultNormalizer_KeepsTail(t *testing.T) {
	n := NewDefaultNormalizer()
	n.MaxBytes = 64

	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("compiling unit\n")
	}
	b.WriteString("error: linker failed\n")

	got := n.Normalize([]byte(b.String()))
	if !bytes.HasPrefix(got, truncatedMarker) {
		t.Errorf("missing truncation marker: %q", got)
	}
	if !bytes.HasSuffix(got, []byte("error: linker failed\n")) {
		t.Errorf("tail lost: %q", got)
	}
	if len(got) > 64+len(truncatedMarker) {
		t.Errorf("output too long: %d bytes", len(got))
	}
}

func TestRawNormalizer(t *testing.T) {
	in := []byte("\x1b[31mred\x1b[0m\r\n")
	if got := (RawNormalizer{}).Normalize(in); !bytes.Equal(got, in) {
		t.Errorf("RawNormalizer changed content: %q", got)
	}
}
