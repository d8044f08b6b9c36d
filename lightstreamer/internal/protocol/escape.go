package protocol

import (
	"fmt"
	"strings"
)

// Frames are comma-delimited, so values carrying a comma, a percent sign or a
// line break are percent-escaped on the wire. The server performs no secondary
// validation: Unescape must reverse Escape bit-exactly.

const hexDigits = "0123456789ABCDEF"

func needsEscape(c byte) bool {
	return c == ',' || c == '%' || c == '\r' || c == '\n'
}

// Escape escapes a raw value for inclusion as a frame argument.
func Escape(s string) string {
	var n int
	for i := 0; i < len(s); i++ {
		if needsEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		if c := s[i]; needsEscape(c) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses Escape. Any two-digit hex pair is accepted, not just the
// ones Escape produces.
func Unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape sequence %q", s[i:])
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape sequence %q", s[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
