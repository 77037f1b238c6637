package core

import (
	"bytes"
	"regexp"
)

// OutputNormalizer cleans captured action output before it is surfaced in a
// Result or a failure record. Raw output is still teed live when requested.
type OutputNormalizer interface {
	Normalize(content []byte) []byte
}

// DefaultNormalizer makes installer and compiler output readable in a
// report:
//   - CRLF line endings become LF
//   - ANSI color and cursor sequences are removed
//   - carriage-return progress redraws keep only the final frame
//   - output longer than MaxBytes keeps its tail, which is where failures are
type DefaultNormalizer struct {
	// MaxBytes caps the normalized output. Zero disables the cap.
	MaxBytes int

	patterns []*normPattern
}

type normPattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

// DefaultOutputLimit is the tail kept by NewDefaultNormalizer.
const DefaultOutputLimit = 16 << 10

var truncatedMarker = []byte("[... output truncated ...]\n")

// NewDefaultNormalizer creates a normalizer with the common patterns and a
// DefaultOutputLimit cap.
func NewDefaultNormalizer() *DefaultNormalizer {
	return &DefaultNormalizer{
		MaxBytes: DefaultOutputLimit,
		patterns: []*normPattern{
			// CSI sequences: colors, cursor movement, line erase.
			{
				regex:       regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`),
				replacement: nil,
			},
			// OSC sequences: terminal titles, hyperlinks.
			{
				regex:       regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`),
				replacement: nil,
			},
			// Progress redraws: "10%\r20%\r100%" keeps "100%".
			{
				regex:       regexp.MustCompile(`(?m)^[^\n]*\r([^\r\n])`),
				replacement: []byte("$1"),
			},
		},
	}
}

// Normalize applies every pattern and then the size cap.
func (n *DefaultNormalizer) Normalize(content []byte) []byte {
	result := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))

	for _, p := range n.patterns {
		result = p.regex.ReplaceAll(result, p.replacement)
	}

	if n.MaxBytes > 0 && len(result) > n.MaxBytes {
		tail := result[len(result)-n.MaxBytes:]
		// Start at a line boundary when one is available.
		if i := bytes.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
			tail = tail[i+1:]
		}
		out := make([]byte, 0, len(truncatedMarker)+len(tail))
		out = append(out, truncatedMarker...)
		result = append(out, tail...)
	}

	return result
}

// RawNormalizer performs no normalization, preserving raw bytes exactly.
type RawNormalizer struct{}

// Normalize returns content unchanged.
func (RawNormalizer) Normalize(content []byte) []byte {
	return content
}
