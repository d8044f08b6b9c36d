package protocol

import (
	"fmt"
	"strconv"
)

// TokenKind discriminates the per-field tokens of an update frame.
type TokenKind uint8

const (
	// TokenValue carries the new field value inline.
	TokenValue TokenKind = iota
	// TokenUnchanged leaves the field at its previous value.
	TokenUnchanged
	// TokenSkip leaves the next Count fields at their previous values.
	TokenSkip
	// TokenPatchJSON carries a JSON Patch to apply to the previous value.
	TokenPatchJSON
	// TokenPatchDiff carries a diff-match-patch delta to apply to the
	// previous value.
	TokenPatchDiff
)

func (k TokenKind) String() string {
	switch k {
	case TokenValue:
		return "value"
	case TokenUnchanged:
		return "unchanged"
	case TokenSkip:
		return "skip"
	case TokenPatchJSON:
		return "json-patch"
	case TokenPatchDiff:
		return "diff-patch"
	default:
		return "unknown"
	}
}

// FieldToken is one decoded field position of an update frame. Value holds the
// unescaped inline value or patch payload; Count is the run length of a skip
// token.
type FieldToken struct {
	Value string
	Count int
	Kind  TokenKind
}

// Wire markers. A literal leading "#", "$" or "^" in a value arrives escaped,
// so the raw token is unambiguous.
const (
	markerUnchanged = "#"
	markerEmpty     = "$"
	markerPrefix    = '^'
	patchJSON       = 'P'
	patchDiff       = 'T'
)

func parseFieldToken(raw string) (FieldToken, error) {
	switch raw {
	case "", markerUnchanged:
		return FieldToken{Kind: TokenUnchanged}, nil
	case markerEmpty:
		return FieldToken{Kind: TokenValue, Value: ""}, nil
	}
	if raw[0] == markerPrefix {
		if len(raw) < 2 {
			return FieldToken{}, fmt.Errorf("bare marker prefix %q", raw)
		}
		switch raw[1] {
		case patchJSON, patchDiff:
			payload, err := Unescape(raw[2:])
			if err != nil {
				return FieldToken{}, fmt.Errorf("invalid patch payload %q: %w", raw, err)
			}
			kind := TokenPatchJSON
			if raw[1] == patchDiff {
				kind = TokenPatchDiff
			}
			return FieldToken{Kind: kind, Value: payload}, nil
		}
		count, err := strconv.Atoi(raw[1:])
		if err != nil {
			return FieldToken{}, fmt.Errorf("invalid skip count %q: %w", raw, err)
		}
		if count < 1 {
			return FieldToken{}, fmt.Errorf("invalid skip count %q", raw)
		}
		return FieldToken{Kind: TokenSkip, Count: count}, nil
	}
	value, err := Unescape(raw)
	if err != nil {
		return FieldToken{}, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return FieldToken{Kind: TokenValue, Value: value}, nil
}

// encodeFieldToken renders a token back to its wire form.
func encodeFieldToken(t FieldToken) string {
	switch t.Kind {
	case TokenUnchanged:
		return markerUnchanged
	case TokenSkip:
		return string(markerPrefix) + strconv.Itoa(t.Count)
	case TokenPatchJSON:
		return string(markerPrefix) + string(patchJSON) + Escape(t.Value)
	case TokenPatchDiff:
		return string(markerPrefix) + string(patchDiff) + Escape(t.Value)
	}
	if t.Value == "" {
		return markerEmpty
	}
	// escape a literal leading marker so the decoder cannot mistake it
	switch t.Value[0] {
	case '#', '$', markerPrefix:
		return fmt.Sprintf("%%%02X%s", t.Value[0], Escape(t.Value[1:]))
	}
	return Escape(t.Value)
}
