package lightstreamer

import (
	"fmt"
	"strings"

	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Value is a single field value.
type Value string

// Values holds one value per field of a subscription's schema. A nil entry
// means the server has not yet delivered a value for that field.
type Values []*Value

func newValues(fields int) Values {
	return make(Values, fields)
}

// String returns a comma-separated representation of Values.
func (v Values) String() string {
	fields := make([]string, len(v))
	for i, value := range v {
		if value == nil {
			fields[i] = "<nil>"
		} else {
			fields[i] = string(*value)
		}
	}
	return strings.Join(fields, ",")
}

// Get returns the value of field i. ok is false if the field has no value yet.
func (v Values) Get(i int) (string, bool) {
	if i < 0 || i >= len(v) || v[i] == nil {
		return "", false
	}
	return string(*v[i]), true
}

func (v Values) clone() Values {
	next := make(Values, len(v))
	copy(next, v)
	return next
}

// Apply reconstructs the full field set after an update frame. Each token
// either delivers a value, carries the previous value forward, or patches the
// previous value. changed flags the fields the frame delivered; fieldErrs
// holds a non-nil entry for every field whose patch could not be applied
// (those fields keep their previous value). A non-nil err means the token
// sequence does not cover the schema and the whole update must be dropped.
func (v Values) Apply(tokens []protocol.FieldToken) (next Values, changed []bool, fieldErrs []error, err error) {
	next = v.clone()
	changed = make([]bool, len(v))
	var idx int
	for _, token := range tokens {
		if idx >= len(v) {
			return nil, nil, nil, fmt.Errorf("update carries more than %d fields", len(v))
		}
		switch token.Kind {
		case protocol.TokenUnchanged:
		case protocol.TokenSkip:
			if idx+token.Count > len(v) {
				return nil, nil, nil, fmt.Errorf("skip of %d fields at field %d exceeds schema size %d", token.Count, idx+1, len(v))
			}
			idx += token.Count - 1
		case protocol.TokenValue:
			value := Value(token.Value)
			next[idx] = &value
			changed[idx] = true
		case protocol.TokenPatchJSON, protocol.TokenPatchDiff:
			patched, patchErr := applyPatch(next[idx], token)
			if patchErr != nil {
				if fieldErrs == nil {
					fieldErrs = make([]error, len(v))
				}
				fieldErrs[idx] = patchErr
				break
			}
			next[idx] = patched
			changed[idx] = true
		}
		idx++
	}
	if idx != len(v) {
		return nil, nil, nil, fmt.Errorf("update carries %d fields, schema has %d", idx, len(v))
	}
	return next, changed, fieldErrs, nil
}

func applyPatch(prev *Value, token protocol.FieldToken) (*Value, error) {
	if prev == nil {
		return nil, fmt.Errorf("%w: %s against a field with no previous value", ErrFieldDecode, token.Kind)
	}
	var patched string
	switch token.Kind {
	case protocol.TokenPatchJSON:
		patch, err := jsonpatch.DecodePatch([]byte(token.Value))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid json patch: %v", ErrFieldDecode, err)
		}
		doc, err := patch.Apply([]byte(*prev))
		if err != nil {
			return nil, fmt.Errorf("%w: json patch: %v", ErrFieldDecode, err)
		}
		patched = string(doc)
	case protocol.TokenPatchDiff:
		dmp := diffmatchpatch.New()
		diffs, err := dmp.DiffFromDelta(string(*prev), token.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: diff delta: %v", ErrFieldDecode, err)
		}
		patched = dmp.DiffText2(diffs)
	}
	value := Value(patched)
	return &value, nil
}
