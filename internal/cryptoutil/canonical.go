// Package cryptoutil implements the canonical JSON encoding and RSA
// signing primitives mandated by spec §4.1. The canonical encoder is the
// one normative contract between every party that signs or verifies a
// transaction, so it is implemented explicitly over a generic decoded
// JSON tree rather than relied upon from encoding/json's own (unordered,
// map-based) marshaling behaviour.
package cryptoutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize re-encodes raw (any valid JSON document) into the byte-exact
// canonical form required by spec §4.1:
//   - object keys sorted ascending by Unicode code point
//   - no insignificant whitespace
//   - UTF-8 encoding
//   - numbers emitted in their original decimal representation
//   - booleans lowercase
//   - nested objects/arrays canonicalized recursively
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		writeCanonicalString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		// Go compares strings byte-wise, which for valid UTF-8 is the same
		// ordering as comparing by Unicode code point.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported JSON value kind %T", v)
	}
	return nil
}

// writeCanonicalString quotes and escapes s the way encoding/json does,
// except with HTML-escaping disabled so the byte output doesn't depend on
// whether the destination happens to be an HTML document.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	// Encode never fails for a plain string.
	_ = enc.Encode(s)
	b := out.Bytes()
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	buf.Write(b)
}
