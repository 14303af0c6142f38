package fact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// canonical JSON rendering so that equal documents hash equally:
// object keys sorted, no HTML escaping, no insignificant whitespace.
// content hashes everywhere in the store are derived through this path.

// Canonical renders v as canonical JSON.
func Canonical(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := writeCanonical(&out, doc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// RefOf is the content hash of the canonical form of v.
func RefOf(v any) (Hash, error) {
	b, err := Canonical(v)
	if err != nil {
		return Hash{}, err
	}
	return SumOf(b), nil
}

// CanonicalValue normalizes a raw JSON value, rejecting invalid documents.
func CanonicalValue(v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	return Value(b), nil
}

// ValueEqual compares two raw JSON values by canonical form.
func ValueEqual(a Value, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	canonA, errA := Canonical(a)
	canonB, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(canonA, canonB)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	// Encode appends a newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeCanonical(out *bytes.Buffer, doc any) error {
	switch v := doc.(type) {
	case nil:
		out.WriteString("null")
	case bool:
		if v {
			out.WriteString("true")
		} else {
			out.WriteString("false")
		}
	case json.Number:
		out.WriteString(v.String())
	case string:
		b, err := marshalNoEscape(v)
		if err != nil {
			return err
		}
		out.Write(b)
	case []any:
		out.WriteByte('[')
		for i, item := range v {
			if 0 < i {
				out.WriteByte(',')
			}
			if err := writeCanonical(out, item); err != nil {
				return err
			}
		}
		out.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		out.WriteByte('{')
		for i, key := range keys {
			if 0 < i {
				out.WriteByte(',')
			}
			b, err := marshalNoEscape(key)
			if err != nil {
				return err
			}
			out.Write(b)
			out.WriteByte(':')
			if err := writeCanonical(out, v[key]); err != nil {
				return err
			}
		}
		out.WriteByte('}')
	default:
		return fmt.Errorf("cannot canonicalize %T", doc)
	}
	return nil
}
