package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize rewrites raw JSON into a canonical form: object keys sorted,
// insignificant whitespace removed, number representations preserved. Two
// payloads that differ only in key order or formatting canonicalize to the
// same bytes, which makes the result safe to hash as a cache key.
func Canonicalize(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON for canonicalization: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal canonical JSON: %w", err)
	}
	return out, nil
}

// CanonicalizeValue marshals v and canonicalizes the result.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Canonicalize(raw)
}
