// Package canonjson implements the canonical JSON encoding used for
// Merkle leaf hashing: sorted keys, no insignificant whitespace, UTF-8,
// integers in natural form, decimals as quoted strings. Values are first
// rendered with encoding/json (so custom MarshalJSON methods apply), then
// re-encoded by this package's own writer, which sorts object keys at
// every level and emits compact output.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal renders v (any JSON-marshalable value) into its canonical form.
// v's own MarshalJSON (e.g. swarmtypes.Amount's quoted-decimal encoding)
// is respected; only object key order and whitespace are normalized.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	return canonicalize(raw)
}

// canonicalize re-encodes an arbitrary JSON document with object keys
// sorted at every nesting level and no insignificant whitespace.
func canonicalize(raw []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // preserve integer vs. float shape exactly as written
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		// Strings, json.Number, bool, nil: encoding/json already renders
		// these with no extraneous whitespace.
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
